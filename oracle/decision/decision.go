package decision

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/GPTx-global/pricefeed/oracle/log"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

type FeedSource interface {
	Feed(name string) (types.Feed, error)
}

type StateReader interface {
	Job(feed string) (types.JobState, error)
	Round(feed string) (types.RoundSnapshot, error)
}

// Engine decides whether a freshly computed price should go on chain.
type Engine struct {
	feeds             FeedSource
	state             StateReader
	clock             types.Clock
	sendCheckInterval time.Duration
	logger            zerolog.Logger
}

func NewEngine(feeds FeedSource, state StateReader, clock types.Clock, sendCheckInterval time.Duration) *Engine {
	return &Engine{
		feeds:             feeds,
		state:             state,
		clock:             clock,
		sendCheckInterval: sendCheckInterval,
		logger:            log.Component("decision"),
	}
}

// CheckForPriceUpdate reports whether newPrice, received for reason, is due on chain.
// newPrice is in on-chain units, i.e. already scaled by the feed's decimal places.
func (e *Engine) CheckForPriceUpdate(ctx context.Context, feed string, reason types.TriggerReason, newPrice float64) (bool, error) {
	cfg, err := e.feeds.Feed(feed)
	if err != nil {
		return false, err
	}
	job, err := e.state.Job(feed)
	if err != nil {
		return false, err
	}
	now := e.clock.Now()

	if job.LastSubmissionTime == 0 {
		return true, nil
	}
	if InSubmission(job, now, e.sendCheckInterval) {
		e.logger.Debug().Str("feed", feed).Stringer("reason", reason).Msg("in submission, skipping update")
		return false, nil
	}

	snap, err := e.state.Round(feed)
	if err != nil && !errors.Is(err, types.ErrRoundNotFound) {
		return false, err
	}
	if snap.StartedAt == 0 {
		return true, nil
	}

	noLastPrice := !job.HasLastResult()
	heartbeatDue := reason == types.ReasonHeartbeat && now.Unix() >= snap.StartedAt+int64(cfg.PushInterval.Seconds())
	newRound := reason == types.ReasonNewRound

	update := noLastPrice || heartbeatDue || newRound
	if !noLastPrice && reason == types.ReasonDeviation {
		dev := Deviation(newPrice, job.LastResult, cfg.DecimalPlaces)
		e.logger.Info().Str("feed", feed).Float64("change_perc", dev).Float64("price", newPrice).
			Float64("last", job.LastResult).Msg("price change")
		if ExceedsDeviation(newPrice, job.LastResult, cfg.DecimalPlaces, cfg.PriceDeviationPerc) {
			update = true
		}
	}

	return update, nil
}

// InSubmission is true while the last submission is younger than sendCheckInterval.
func InSubmission(job types.JobState, now time.Time, sendCheckInterval time.Duration) bool {
	return now.Sub(time.Unix(job.LastSubmissionTime, 0)) < sendCheckInterval
}

func scale(price float64, decimals int) float64 {
	return price * math.Pow10(decimals)
}

// Deviation is the percentage change of newPrice against last scaled by decimals.
func Deviation(newPrice, last float64, decimals int) float64 {
	ref := scale(last, decimals)
	if ref == 0 {
		return math.Inf(1)
	}
	return math.Abs(newPrice-ref) / ref * 100
}

// ExceedsDeviation is true when the change is strictly greater than thresholdPerc.
func ExceedsDeviation(newPrice, last float64, decimals int, thresholdPerc float64) bool {
	ref := scale(last, decimals)
	if ref <= 0 {
		return true
	}
	return math.Abs(newPrice-ref)*100 > thresholdPerc*ref
}
