package round

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/GPTx-global/pricefeed/oracle/log"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

const previousRoundsError = "cannot report on previous rounds"

// ChainReader is the part of the chain facade the reconciler reads.
type ChainReader interface {
	LatestRound(ctx context.Context, feed string) (types.RoundDetails, error)
	ResolveInvitation(ctx context.Context, operator, feed string) (string, error)
	IterateOffers(ctx context.Context, operator string, fn func(types.OfferRecord) bool) error
}

type SnapshotStore interface {
	Round(feed string) (types.RoundSnapshot, error)
	UpdateRound(feed string, fn func(*types.RoundSnapshot)) (types.RoundSnapshot, error)
}

// Reconciler builds the authoritative RoundDetails of a feed from the chain,
// the operator's offer ledger and the persisted snapshot.
type Reconciler struct {
	chain    ChainReader
	store    SnapshotStore
	lookback int
	logger   zerolog.Logger

	mu        sync.Mutex
	highWater map[string]types.RoundDetails
}

func NewReconciler(chain ChainReader, store SnapshotStore, lookback int) *Reconciler {
	if lookback <= 0 {
		lookback = 5
	}
	return &Reconciler{
		chain:     chain,
		store:     store,
		lookback:  lookback,
		logger:    log.Component("round"),
		highWater: make(map[string]types.RoundDetails),
	}
}

// QueryRound returns the latest round of feed. Read failures yield the sentinel round.
// When checkSubmission is set, SubmissionMade reflects the operator's ledger.
func (r *Reconciler) QueryRound(ctx context.Context, feed, operator string, checkSubmission bool) types.RoundDetails {
	rd, err := r.chain.LatestRound(ctx, feed)
	if err != nil {
		r.logger.Warn().Err(err).Str("feed", feed).Msg("failed to read latest round")
		return types.SentinelRound()
	}
	rd = r.observe(feed, rd)

	snap, err := r.store.Round(feed)
	if err != nil && !errors.Is(err, types.ErrRoundNotFound) {
		r.logger.Warn().Err(err).Str("feed", feed).Msg("failed to read round snapshot")
	}
	sameRound := err == nil && snap.RoundID == rd.RoundID
	rd.Errored = sameRound && snap.Errored

	if !checkSubmission {
		return rd
	}

	result, err := r.scan(ctx, feed, operator, rd.RoundID)
	if err != nil {
		r.logger.Warn().Err(err).Str("feed", feed).Uint64("round", rd.RoundID).Msg("ledger scan failed, using snapshot")
	}
	rd.SubmissionMade = result.Submitted
	if !result.Decided && sameRound {
		rd.SubmissionMade = rd.SubmissionMade || snap.SubmissionMade
	}

	r.logger.Debug().Str("feed", feed).Uint64("round", rd.RoundID).Bool("submitted", rd.SubmissionMade).
		Int("visited", result.Visited).Msg("latest round")
	return rd
}

// observe keeps a per-feed high-water mark so a lagging node never makes the round regress.
func (r *Reconciler) observe(feed string, rd types.RoundDetails) types.RoundDetails {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hw, ok := r.highWater[feed]; ok && hw.RoundID > rd.RoundID {
		r.logger.Debug().Str("feed", feed).Uint64("seen", rd.RoundID).Uint64("high_water", hw.RoundID).Msg("ignoring regressed round")
		return hw
	}
	r.highWater[feed] = rd
	return rd
}

func (r *Reconciler) scan(ctx context.Context, feed, operator string, target uint64) (ScanResult, error) {
	handle, err := r.chain.ResolveInvitation(ctx, operator, feed)
	if err != nil {
		return ScanResult{}, err
	}

	fold := newLedgerFold(target, handle, r.lookback)
	if err := r.chain.IterateOffers(ctx, operator, fold.step); err != nil {
		return ScanResult{}, err
	}
	return fold.result, nil
}

// Remember persists rd as the feed's round snapshot. Sentinel rounds are not recorded.
// An errored mark on the same round survives, since rd may predate it.
func (r *Reconciler) Remember(feed string, rd types.RoundDetails) error {
	if rd.IsSentinel() {
		return nil
	}
	_, err := r.store.UpdateRound(feed, func(snap *types.RoundSnapshot) {
		errored := snap.RoundID == rd.RoundID && snap.Errored
		*snap = types.SnapshotOf(feed, rd)
		snap.Errored = snap.Errored || errored
	})
	return err
}

// LatestSubmittedRound returns the newest round the operator pushed to feed, 0 if none.
func (r *Reconciler) LatestSubmittedRound(ctx context.Context, feed, operator string) (uint64, error) {
	handle, err := r.chain.ResolveInvitation(ctx, operator, feed)
	if err != nil {
		return 0, err
	}

	fold := &latestFold{handle: handle, lookback: r.lookback, seen: make(map[string]struct{})}
	if err := r.chain.IterateOffers(ctx, operator, fold.step); err != nil {
		return 0, err
	}
	return fold.round, nil
}

// SubmissionAlreadyErrored reports whether the operator's push for round was
// rejected because the feed had already moved on. A matching snapshot is marked errored.
func (r *Reconciler) SubmissionAlreadyErrored(ctx context.Context, feed, operator string, round uint64) (bool, error) {
	handle, err := r.chain.ResolveInvitation(ctx, operator, feed)
	if err != nil {
		return false, err
	}

	errored := false
	err = r.chain.IterateOffers(ctx, operator, func(rec types.OfferRecord) bool {
		if rec.PreviousOffer != handle {
			return true
		}
		if rec.RoundID < round {
			return false
		}
		if rec.RoundID == round && strings.Contains(rec.Error, previousRoundsError) {
			r.logger.Info().Str("feed", feed).Uint64("round", round).Str("error", rec.Error).Msg("submission already errored")
			errored = true
			return false
		}
		return true
	})
	if err != nil {
		return false, err
	}
	if !errored {
		return false, nil
	}

	snap, err := r.store.Round(feed)
	if err == nil && snap.RoundID == round {
		if _, err := r.store.UpdateRound(feed, func(s *types.RoundSnapshot) {
			if s.RoundID == round {
				s.Errored = true
			}
		}); err != nil {
			return true, err
		}
	}
	return true, nil
}
