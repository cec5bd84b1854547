package scheduler

import (
	"context"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/GPTx-global/pricefeed/oracle/decision"
	"github.com/GPTx-global/pricefeed/oracle/log"
	"github.com/GPTx-global/pricefeed/oracle/telemetry"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

type Chain interface {
	LatestPrice(ctx context.Context, feed string) (float64, error)
}

type Rounds interface {
	QueryRound(ctx context.Context, feed, operator string, checkSubmission bool) types.RoundDetails
	LatestSubmittedRound(ctx context.Context, feed, operator string) (uint64, error)
	Remember(feed string, rd types.RoundDetails) error
}

type JobRunner interface {
	SendJobRun(ctx context.Context, feed, jobID string, requestID uint64, reason types.TriggerReason) error
}

type JobStore interface {
	AllJobs() ([]types.JobState, error)
	Job(feed string) (types.JobState, error)
	UpdateJob(feed string, fn func(*types.JobState) error) (types.JobState, error)
}

type FeedSource interface {
	Feed(name string) (types.Feed, error)
}

type Config struct {
	Operator          string
	PollInterval      time.Duration
	BlockInterval     time.Duration
	SendCheckInterval time.Duration
}

const (
	driverPoll  = "poll"
	driverBlock = "block"
)

// Scheduler decides when to ask the compute network for a fresh price.
// The poll driver fires heartbeats, the block driver reacts to new rounds and
// on-chain price moves.
type Scheduler struct {
	cfg    Config
	chain  Chain
	rounds Rounds
	runner JobRunner
	store  JobStore
	feeds  FeedSource
	clock  types.Clock
	blocks <-chan int64
	logger zerolog.Logger

	inflight cmap.ConcurrentMap[string, struct{}]
	cycles   sync.WaitGroup
	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, chain Chain, rounds Rounds, runner JobRunner, store JobStore, feeds FeedSource, clock types.Clock) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 6 * time.Second
	}
	return &Scheduler{
		cfg:      cfg,
		chain:    chain,
		rounds:   rounds,
		runner:   runner,
		store:    store,
		feeds:    feeds,
		clock:    clock,
		logger:   log.Component("scheduler"),
		inflight: cmap.New[struct{}](),
		quit:     make(chan struct{}),
	}
}

// SetBlocks paces the block driver by new block heights instead of BlockInterval.
// It must be called before Start.
func (s *Scheduler) SetBlocks(blocks <-chan int64) {
	s.blocks = blocks
}

func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.loop(ctx, driverPoll, s.cfg.PollInterval, nil, s.PollTick)
	go s.loop(ctx, driverBlock, s.cfg.BlockInterval, s.blocks, s.BlockTick)
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
	})
	s.wg.Wait()
	s.cycles.Wait()
}

func (s *Scheduler) loop(ctx context.Context, driver string, interval time.Duration, blocks <-chan int64, tick func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tickC := ticker.C
	if blocks != nil {
		tickC = nil
	}

	for {
		select {
		case <-tickC:
			tick(ctx)
		case height, ok := <-blocks:
			if !ok {
				s.logger.Warn().Str("driver", driver).Msg("block subscription closed, falling back to interval")
				blocks = nil
				tickC = ticker.C
				continue
			}
			s.logger.Debug().Int64("height", height).Msg("new block")
			tick(ctx)
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		}
	}
}

// PollTick requests a heartbeat run for every feed whose poll interval expired.
func (s *Scheduler) PollTick(ctx context.Context) {
	s.forEachFeed(ctx, driverPoll, s.poll)
}

// BlockTick refreshes the on-chain view of every feed and requests a run on a
// new round or a price deviation.
func (s *Scheduler) BlockTick(ctx context.Context) {
	s.forEachFeed(ctx, driverBlock, s.block)
}

// RequestState is the request state of feed as seen by the dispatch guard.
func (s *Scheduler) RequestState(feed string) (types.RequestState, error) {
	job, err := s.store.Job(feed)
	if err != nil {
		return types.RequestIdle, err
	}
	return types.RequestStateOf(job, s.clock.Now(), s.cfg.SendCheckInterval), nil
}

// SubmitNewJob bumps the request id of feed and sends the matching job run.
func (s *Scheduler) SubmitNewJob(ctx context.Context, feed string, reason types.TriggerReason) error {
	job, err := s.store.UpdateJob(feed, func(j *types.JobState) error {
		j.RequestID++
		j.LastRequestSent = s.clock.Now().Unix()
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("feed", feed).Uint64("request_id", job.RequestID).Stringer("reason", reason).Msg("sending job run")
	return s.runner.SendJobRun(ctx, feed, job.JobID, job.RequestID, reason)
}

func (s *Scheduler) forEachFeed(ctx context.Context, driver string, cycle func(context.Context, types.JobState, types.Feed) error) {
	jobs, err := s.store.AllJobs()
	if err != nil {
		s.logger.Error().Err(err).Str("driver", driver).Msg("failed to load jobs")
		return
	}

	for _, job := range jobs {
		feed, err := s.feeds.Feed(job.Name)
		if err != nil {
			s.logger.Error().Err(err).Str("feed", job.Name).Msg("skipping job")
			continue
		}

		key := driver + "/" + feed.Name
		if !s.inflight.SetIfAbsent(key, struct{}{}) {
			s.logger.Debug().Str("feed", feed.Name).Str("driver", driver).Msg("cycle still in flight")
			continue
		}

		s.cycles.Add(1)
		go s.run(ctx, key, driver, job, feed, cycle)
	}
}

func (s *Scheduler) run(ctx context.Context, key, driver string, job types.JobState, feed types.Feed, cycle func(context.Context, types.JobState, types.Feed) error) {
	defer s.cycles.Done()
	defer s.inflight.Remove(key)
	defer func() {
		if r := recover(); r != nil {
			telemetry.IncrCounter(feed.Name, telemetry.KeyCyclePanics)
			s.logger.Error().Str("feed", feed.Name).Str("driver", driver).Interface("panic", r).Msg("cycle panicked")
		}
	}()

	start := time.Now()
	if err := cycle(ctx, job, feed); err != nil {
		s.logger.Error().Err(err).Str("feed", feed.Name).Str("driver", driver).Msg("cycle failed")
	}
	telemetry.MeasureSince(feed.Name, telemetry.KeyCycleTime, start)
}

func (s *Scheduler) poll(ctx context.Context, job types.JobState, feed types.Feed) error {
	if job.LastRequestSent+int64(feed.PollInterval.Seconds()) > s.clock.Now().Unix() {
		return nil
	}
	return s.SubmitNewJob(ctx, feed.Name, types.ReasonHeartbeat)
}

func (s *Scheduler) block(ctx context.Context, job types.JobState, feed types.Feed) error {
	logger := s.logger.With().Str("feed", feed.Name).Logger()

	price, err := s.chain.LatestPrice(ctx, feed.Name)
	havePrice := err == nil
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read chain price")
	} else {
		telemetry.SetGauge(feed.Name, telemetry.KeyChainPrice, float32(price))
	}

	rd := s.rounds.QueryRound(ctx, feed.Name, s.cfg.Operator, true)
	latestSubmitted, err := s.rounds.LatestSubmittedRound(ctx, feed.Name, s.cfg.Operator)
	if err != nil {
		return err
	}

	var reason types.TriggerReason
	if !rd.IsSentinel() {
		if err := s.rounds.Remember(feed.Name, rd); err != nil {
			return err
		}
		telemetry.SetGauge(feed.Name, telemetry.KeyRound, float32(rd.RoundID))

		if rd.RoundID > latestSubmitted && !rd.SubmissionMade {
			logger.Info().Uint64("round", rd.RoundID).Uint64("latest_submitted", latestSubmitted).Msg("found new round")
			reason = types.ReasonNewRound
		}
	}

	if havePrice && job.HasLastResult() && decision.ExceedsDeviation(price, job.LastResult, 0, feed.PriceDeviationPerc) {
		logger.Info().Float64("price", price).Float64("last", job.LastResult).
			Float64("deviation", decision.Deviation(price, job.LastResult, 0)).Msg("found price deviation")
		reason = types.ReasonDeviation
	}

	job, err = s.store.UpdateJob(feed.Name, func(j *types.JobState) error {
		if havePrice {
			j.LastResult = price
		}
		j.LastReportedRound = max(j.LastReportedRound, latestSubmitted)
		return nil
	})
	if err != nil {
		return err
	}

	if reason == 0 {
		return nil
	}

	if types.RequestStateOf(job, s.clock.Now(), s.cfg.SendCheckInterval) == types.RequestSent {
		logger.Info().Uint64("request_id", job.RequestID).Uint64("last_received", job.LastReceivedRequestID).
			Msg("still waiting for request, not sending")
		return nil
	}
	return s.SubmitNewJob(ctx, feed.Name, reason)
}
