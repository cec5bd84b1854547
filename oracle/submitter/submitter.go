package submitter

import (
	"context"
	"errors"
	"math"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/GPTx-global/pricefeed/oracle/decision"
	"github.com/GPTx-global/pricefeed/oracle/log"
	"github.com/GPTx-global/pricefeed/oracle/telemetry"
	"github.com/GPTx-global/pricefeed/oracle/tx"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

type Chain interface {
	Status(ctx context.Context) (types.ChainStatus, error)
	ResolveInvitation(ctx context.Context, operator, feed string) (string, error)
}

type Rounds interface {
	QueryRound(ctx context.Context, feed, operator string, checkSubmission bool) types.RoundDetails
	SubmissionAlreadyErrored(ctx context.Context, feed, operator string, round uint64) (bool, error)
}

type Broadcaster interface {
	Submit(ctx context.Context, action string, sequence uint64) (types.TxResult, error)
}

type Sequencer interface {
	Next(ctx context.Context) (uint64, error)
	Advance(used uint64) error
	Resync(rawLog string) (uint64, error)
}

type JobStore interface {
	Job(feed string) (types.JobState, error)
	UpdateJob(feed string, fn func(*types.JobState) error) (types.JobState, error)
}

type Config struct {
	SubmitRetries     int
	SendCheckInterval time.Duration
	MaxBlockLag       time.Duration
	MinBlocksBetween  int64
}

// Engine pushes prices on chain, at most once per round.
type Engine struct {
	cfg         Config
	chain       Chain
	rounds      Rounds
	broadcaster Broadcaster
	sequences   Sequencer
	store       JobStore
	clock       types.Clock
	logger      zerolog.Logger
}

func New(cfg Config, chain Chain, rounds Rounds, broadcaster Broadcaster, sequences Sequencer, store JobStore, clock types.Clock) *Engine {
	return &Engine{
		cfg:         cfg,
		chain:       chain,
		rounds:      rounds,
		broadcaster: broadcaster,
		sequences:   sequences,
		store:       store,
		clock:       clock,
		logger:      log.Component("submitter"),
	}
}

// attempt is the state of one PushPrice call.
type attempt struct {
	feed      string
	round     uint64
	handle    string
	unitPrice sdkmath.Int
	n         int
	lastSeen  uint64
	lastGate  gateDecision
}

// unitPriceOf converts an already scaled price to the on-chain integer amount.
func unitPriceOf(price float64) (sdkmath.Int, error) {
	rounded := math.Round(price)
	if math.IsNaN(price) || math.IsInf(price, 0) || rounded <= 0 || rounded >= math.MaxInt64 {
		return sdkmath.Int{}, errorsmod.Wrapf(types.ErrInvalidPrice, "%v", price)
	}
	return sdkmath.NewInt(int64(rounded)), nil
}

// PushPrice submits price for round of feed and waits for the submission to show
// up in the operator's ledger. The result is true only for a confirmed submission.
// Every attempt re-broadcasts once the height gate allows it, until the ledger
// shows the submission or the round goes stale.
func (e *Engine) PushPrice(ctx context.Context, price float64, feed string, round uint64, operator string) (bool, error) {
	unitPrice, err := unitPriceOf(price)
	if err != nil {
		return false, err
	}

	handle, err := e.chain.ResolveInvitation(ctx, operator, feed)
	if err != nil {
		return false, err
	}

	st := &attempt{
		feed:      feed,
		round:     round,
		handle:    handle,
		unitPrice: unitPrice,
	}
	logger := e.logger.With().Str("feed", feed).Uint64("round", round).Logger()

	if rd := e.rounds.QueryRound(ctx, feed, operator, true); rd.RoundID == round && rd.SubmissionMade {
		logger.Info().Msg("already submitted to round")
		return true, nil
	}

	job, err := e.store.Job(feed)
	if err != nil {
		return false, err
	}
	if decision.InSubmission(job, e.clock.Now(), e.cfg.SendCheckInterval) {
		logger.Info().Msg("submission in progress, not pushing")
		return false, nil
	}

	for ; st.n < e.cfg.SubmitRetries; st.n++ {
		rd := e.rounds.QueryRound(ctx, feed, operator, true)
		if rd.IsSentinel() {
			logger.Warn().Int("attempt", st.n+1).Msg("round unavailable")
			if err := e.settle(ctx); err != nil {
				return false, err
			}
			continue
		}
		st.lastSeen = rd.RoundID

		if stop, ok := e.stale(ctx, st, rd, operator); stop {
			return ok, nil
		}

		logger.Info().Int("attempt", st.n+1).Msg("submitting price")
		if err := e.try(ctx, st); err != nil {
			logger.Error().Err(err).Int("attempt", st.n+1).Msg("submission attempt failed")
		}

		if err := e.settle(ctx); err != nil {
			return false, err
		}

		if rd := e.rounds.QueryRound(ctx, feed, operator, true); rd.RoundID == round && rd.SubmissionMade {
			logger.Info().Msg("price submitted")
			telemetry.IncrCounter(feed, telemetry.KeySubmitted)
			return true, nil
		}
	}

	logger.Warn().Int("attempts", st.n).Uint64("last_seen", st.lastSeen).Stringer("last_gate", st.lastGate).Msg("price not confirmed")
	return false, nil
}

// stale decides whether the target round is no longer worth pushing to.
func (e *Engine) stale(ctx context.Context, st *attempt, rd types.RoundDetails, operator string) (bool, bool) {
	logger := e.logger.With().Str("feed", st.feed).Uint64("round", st.round).Logger()

	switch {
	case rd.RoundID > st.round:
		logger.Info().Uint64("latest", rd.RoundID).Msg("price failed to be submitted for old round")
		telemetry.IncrCounterWithReason(st.feed, "stale", telemetry.KeySubmitAborted)
		return true, false
	case rd.RoundID == st.round && rd.SubmissionMade:
		logger.Info().Msg("already submitted to round")
		return true, true
	case rd.RoundID == st.round && rd.Errored:
		logger.Info().Msg("round errored")
		telemetry.IncrCounterWithReason(st.feed, "errored", telemetry.KeySubmitAborted)
		return true, false
	}

	if rd.RoundID == st.round {
		errored, err := e.rounds.SubmissionAlreadyErrored(ctx, st.feed, operator, st.round)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to check errored submissions")
		}
		if errored {
			telemetry.IncrCounterWithReason(st.feed, "errored", telemetry.KeySubmitAborted)
			return true, false
		}
	}
	return false, false
}

// try performs one broadcast if the chain height allows it.
func (e *Engine) try(ctx context.Context, st *attempt) error {
	status, err := e.chain.Status(ctx)
	if err != nil {
		return err
	}
	job, err := e.store.Job(st.feed)
	if err != nil {
		return err
	}

	st.lastGate = gate(status, job, st.round, e.clock.Now(), e.cfg)
	if st.lastGate != gateOpen {
		e.logger.Info().Str("feed", st.feed).Int64("height", status.Height).Int64("last_block", job.LastSubmittedBlock).
			Stringer("gate", st.lastGate).Msg("not submitting at this height")
		return nil
	}

	sequence, err := e.sequences.Next(ctx)
	if err != nil {
		return err
	}
	action, err := tx.BuildPushPriceAction(tx.PushPriceOffer{
		ID:            e.clock.Now().UnixMilli(),
		PreviousOffer: st.handle,
		UnitPrice:     st.unitPrice,
		RoundID:       st.round,
	})
	if err != nil {
		return err
	}

	telemetry.IncrCounter(st.feed, telemetry.KeySubmissions)
	res, err := e.broadcaster.Submit(ctx, action, sequence)
	e.record(st, sequence, res, err)

	height := status.Height
	if latest, err := e.chain.Status(ctx); err == nil {
		height = latest.Height
	}
	_, err = e.store.UpdateJob(st.feed, func(j *types.JobState) error {
		j.LastSubmittedBlock = height
		return nil
	})
	return err
}

// record reconciles the tracked sequence and job state with a broadcast outcome.
func (e *Engine) record(st *attempt, sequence uint64, res types.TxResult, err error) {
	logger := e.logger.With().Str("feed", st.feed).Uint64("round", st.round).Uint64("sequence", sequence).Logger()

	switch {
	case errors.Is(err, types.ErrTxInclusionTimeout):
		logger.Warn().Msg("tx not included in time, advancing sequence")
		e.advance(sequence)
	case err != nil:
		logger.Error().Err(err).Msg("broadcast failed")
	case res.OK():
		logger.Info().Str("txhash", res.TxHash).Msg("price broadcast")
		e.advance(sequence)
		_, uerr := e.store.UpdateJob(st.feed, func(j *types.JobState) error {
			j.LastSubmissionTime = e.clock.Now().Unix()
			j.LastTriedRound = st.round
			return nil
		})
		if uerr != nil {
			logger.Error().Err(uerr).Msg("failed to record submission")
		}
	case tx.IsSequenceMismatch(res):
		seq, rerr := e.sequences.Resync(res.RawLog)
		if rerr != nil {
			logger.Error().Err(rerr).Str("raw_log", res.RawLog).Msg("failed to resync sequence")
			return
		}
		telemetry.SetAccountSequence(seq)
	default:
		logger.Error().Uint32("code", res.Code).Str("raw_log", res.RawLog).Msg("tx rejected")
	}
}

func (e *Engine) advance(sequence uint64) {
	if err := e.sequences.Advance(sequence); err != nil {
		e.logger.Error().Err(err).Msg("failed to advance sequence")
		return
	}
	telemetry.SetAccountSequence(sequence + 1)
}

// settle waits for a broadcast to land before the submission is checked again.
func (e *Engine) settle(ctx context.Context) error {
	return e.clock.Sleep(ctx, e.cfg.SendCheckInterval+time.Second)
}
