package round

import "github.com/GPTx-global/pricefeed/oracle/types"

// ScanResult is the outcome of folding the offer ledger for one target round.
// Decided is false when the scan ran out of entries before reaching a verdict.
type ScanResult struct {
	Decided   bool
	Submitted bool
	Visited   int
}

// ledgerFold consumes offer records newest first. Records are deduplicated by
// offer id, the first (newest) occurrence wins, and errored offers are dropped.
// At most lookback deduplicated entries are considered.
type ledgerFold struct {
	target   uint64
	handle   string
	lookback int

	seen   map[string]struct{}
	kept   int
	result ScanResult
}

func newLedgerFold(target uint64, handle string, lookback int) *ledgerFold {
	return &ledgerFold{
		target:   target,
		handle:   handle,
		lookback: lookback,
		seen:     make(map[string]struct{}),
	}
}

// step folds rec and reports whether more records are wanted.
func (f *ledgerFold) step(rec types.OfferRecord) bool {
	f.result.Visited++

	if _, ok := f.seen[rec.ID]; ok {
		return true
	}
	f.seen[rec.ID] = struct{}{}

	if rec.Errored() {
		return true
	}
	f.kept++

	if rec.Continues(f.handle) {
		switch {
		case rec.RoundID == f.target:
			f.result.Decided, f.result.Submitted = true, true
			return false
		case rec.RoundID < f.target:
			f.result.Decided = true
			return false
		}
	}

	return f.kept < f.lookback
}

// ScanLedger reports whether records, ordered newest first, contain a
// successful PushPrice for target through offer handle.
func ScanLedger(records []types.OfferRecord, target uint64, handle string, lookback int) ScanResult {
	fold := newLedgerFold(target, handle, lookback)
	for _, rec := range records {
		if !fold.step(rec) {
			break
		}
	}
	return fold.result
}

// latestFold finds the newest round pushed through handle among the first
// lookback deduplicated, non errored records.
type latestFold struct {
	handle   string
	lookback int

	seen  map[string]struct{}
	kept  int
	round uint64
}

func (f *latestFold) step(rec types.OfferRecord) bool {
	if _, ok := f.seen[rec.ID]; ok {
		return true
	}
	f.seen[rec.ID] = struct{}{}

	if rec.Errored() {
		return true
	}
	f.kept++

	if rec.PreviousOffer == f.handle {
		f.round = rec.RoundID
		return false
	}
	return f.kept < f.lookback
}
