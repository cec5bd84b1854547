package decision

import (
	"time"

	"github.com/GPTx-global/pricefeed/oracle/types"
)

// PushPlan is the round arithmetic behind a push decision.
type PushPlan struct {
	Round                  uint64
	NewRound               bool
	NotConsecutiveNewRound bool
	Push                   bool
}

// RoundToSubmit picks the round a new price goes to: the current round while it is
// open, unsubmitted and not yet reported, otherwise the next one. A sentinel round
// falls back to lastReported.
func RoundToSubmit(current types.RoundDetails, lastReported uint64, pushInterval time.Duration, now time.Time) uint64 {
	if current.IsSentinel() {
		return lastReported + 1
	}

	roundID := current.RoundID

	open := now.Unix() < current.StartedAt+int64(pushInterval.Seconds())
	if lastReported < roundID && !current.SubmissionMade && open {
		return roundID
	}
	return roundID + 1
}

// ShouldPush pushes on the first round, on a new round started by someone else,
// or on a round already reported but not yet submitted to.
func ShouldPush(current types.RoundDetails, lastReported uint64, operator string, pushInterval time.Duration, now time.Time) PushPlan {
	plan := PushPlan{Round: RoundToSubmit(current, lastReported, pushInterval, now)}
	plan.NewRound = plan.Round > lastReported
	plan.NotConsecutiveNewRound = current.StartedBy != operator
	plan.Push = plan.Round == 1 ||
		(plan.NewRound && plan.NotConsecutiveNewRound) ||
		(!plan.NewRound && !current.SubmissionMade)
	return plan
}
