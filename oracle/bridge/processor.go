package bridge

import (
	"context"
	"math"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/GPTx-global/pricefeed/oracle/decision"
	"github.com/GPTx-global/pricefeed/oracle/log"
	"github.com/GPTx-global/pricefeed/oracle/telemetry"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

type Decider interface {
	CheckForPriceUpdate(ctx context.Context, feed string, reason types.TriggerReason, newPrice float64) (bool, error)
}

type Rounds interface {
	QueryRound(ctx context.Context, feed, operator string, checkSubmission bool) types.RoundDetails
	Remember(feed string, rd types.RoundDetails) error
}

type Pusher interface {
	PushPrice(ctx context.Context, price float64, feed string, round uint64, operator string) (bool, error)
}

type JobStore interface {
	Job(feed string) (types.JobState, error)
	UpdateJob(feed string, fn func(*types.JobState) error) (types.JobState, error)
}

type FeedSource interface {
	Feed(name string) (types.Feed, error)
}

// Result is a price delivered by the compute network for one request.
type Result struct {
	Feed      string
	RequestID uint64
	Reason    types.TriggerReason
	Price     float64
}

// Processor turns delivered prices into on-chain submissions. Each feed has at
// most one result in flight.
type Processor struct {
	ctx      context.Context
	operator string
	decider  Decider
	rounds   Rounds
	pusher   Pusher
	store    JobStore
	feeds    FeedSource
	clock    types.Clock
	logger   zerolog.Logger

	busy cmap.ConcurrentMap[string, struct{}]
	wg   sync.WaitGroup
}

// NewProcessor creates a processor whose background work lives as long as ctx.
func NewProcessor(ctx context.Context, operator string, decider Decider, rounds Rounds, pusher Pusher, store JobStore, feeds FeedSource, clock types.Clock) *Processor {
	return &Processor{
		ctx:      ctx,
		operator: operator,
		decider:  decider,
		rounds:   rounds,
		pusher:   pusher,
		store:    store,
		feeds:    feeds,
		clock:    clock,
		logger:   log.Component("bridge"),
		busy:     cmap.New[struct{}](),
	}
}

// Submit processes res in the background. A result for a busy feed is only
// acknowledged.
func (p *Processor) Submit(res Result) {
	telemetry.IncrCounterWithReason(res.Feed, res.Reason.String(), telemetry.KeyCallbacks)

	if !p.busy.SetIfAbsent(res.Feed, struct{}{}) {
		telemetry.IncrCounter(res.Feed, telemetry.KeyCallbackBusy)
		p.logger.Info().Str("feed", res.Feed).Uint64("request_id", res.RequestID).Msg("feed busy, acknowledging only")
		p.markReceived(res)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.busy.Remove(res.Feed)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().Str("feed", res.Feed).Interface("panic", r).Msg("result processing panicked")
			}
		}()

		if err := p.ProcessResult(p.ctx, res); err != nil {
			p.logger.Error().Err(err).Str("feed", res.Feed).Uint64("request_id", res.RequestID).Msg("failed to process result")
		}
	}()
}

// Wait blocks until every background result has been processed.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// ProcessResult pushes res on chain when it is due and records the request as answered.
func (p *Processor) ProcessResult(ctx context.Context, res Result) error {
	defer p.markReceived(res)

	logger := p.logger.With().Str("feed", res.Feed).Uint64("request_id", res.RequestID).Logger()
	price := math.Round(res.Price)

	feed, err := p.feeds.Feed(res.Feed)
	if err != nil {
		return err
	}

	due, err := p.decider.CheckForPriceUpdate(ctx, feed.Name, res.Reason, price)
	if err != nil {
		return err
	}
	if !due {
		logger.Debug().Float64("price", price).Msg("no update needed")
		return nil
	}

	rd := p.rounds.QueryRound(ctx, feed.Name, p.operator, true)
	if !rd.IsSentinel() {
		if err := p.rounds.Remember(feed.Name, rd); err != nil {
			return err
		}
		if rd.Errored {
			logger.Info().Uint64("round", rd.RoundID).Msg("round errored, skipping")
			return nil
		}
	}

	job, err := p.store.Job(feed.Name)
	if err != nil {
		return err
	}

	plan := decision.ShouldPush(rd, job.LastReportedRound, p.operator, feed.PushInterval, p.clock.Now())
	if !plan.Push {
		logger.Info().Uint64("round", plan.Round).Bool("new_round", plan.NewRound).
			Msg("already started last round or submitted to this round")
		return nil
	}

	logger.Info().Uint64("round", plan.Round).Float64("price", price).Msg("updating price")
	submitted, err := p.pusher.PushPrice(ctx, price, feed.Name, plan.Round, p.operator)
	if err != nil {
		return err
	}
	if !submitted {
		return nil
	}

	_, err = p.store.UpdateJob(feed.Name, func(j *types.JobState) error {
		j.LastReportedRound = max(j.LastReportedRound, plan.Round)
		return nil
	})
	return err
}

func (p *Processor) markReceived(res Result) {
	_, err := p.store.UpdateJob(res.Feed, func(j *types.JobState) error {
		j.MarkReceived(res.RequestID)
		return nil
	})
	if err != nil {
		p.logger.Error().Err(err).Str("feed", res.Feed).Uint64("request_id", res.RequestID).Msg("failed to record received request")
	}
}
