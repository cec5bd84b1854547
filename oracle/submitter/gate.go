package submitter

import (
	"time"

	"github.com/GPTx-global/pricefeed/oracle/types"
)

type gateDecision int

const (
	gateOpen gateDecision = iota
	gateCatchingUp
	gateLagging
	gateSameBlock
)

func (g gateDecision) String() string {
	switch g {
	case gateOpen:
		return "open"
	case gateCatchingUp:
		return "catching-up"
	case gateLagging:
		return "lagging"
	case gateSameBlock:
		return "same-block"
	default:
		return "unknown"
	}
}

// gate decides whether a submission for round may be broadcast at the current height.
// Resubmitting to the round last submitted to needs MinBlocksBetween new blocks,
// any other round only needs the height to have moved.
func gate(status types.ChainStatus, job types.JobState, round uint64, now time.Time, cfg Config) gateDecision {
	if status.CatchingUp {
		return gateCatchingUp
	}
	if cfg.MaxBlockLag > 0 && !status.LatestBlockTime.IsZero() && now.Sub(status.LatestBlockTime) > cfg.MaxBlockLag {
		return gateLagging
	}
	if job.LastSubmittedBlock == 0 {
		return gateOpen
	}

	if round == job.LastTriedRound {
		minBlocks := cfg.MinBlocksBetween
		if minBlocks < 1 {
			minBlocks = 1
		}
		if status.Height < job.LastSubmittedBlock+minBlocks {
			return gateSameBlock
		}
		return gateOpen
	}

	if status.Height <= job.LastSubmittedBlock {
		return gateSameBlock
	}
	return gateOpen
}
