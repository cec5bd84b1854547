package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/pricefeed/oracle/config"
	"github.com/GPTx-global/pricefeed/oracle/store"
	"github.com/GPTx-global/pricefeed/oracle/testutil"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

const (
	feed     = "ATOM-USD"
	operator = "agoric1operator"
)

type DecisionTestSuite struct {
	suite.Suite
	store  *store.Store
	clock  *testutil.FakeClock
	engine *Engine
	ctx    context.Context
}

func TestDecisionTestSuite(t *testing.T) {
	suite.Run(t, new(DecisionTestSuite))
}

func (suite *DecisionTestSuite) SetupTest() {
	cfg := config.Default(suite.T().TempDir())
	cfg.Feeds[0].DecimalPlaces = 0
	cfg.Feeds[0].PushInterval = 600
	cfg.Feeds[0].PriceDeviationPerc = 1

	suite.ctx = context.Background()
	suite.store = store.NewMem()
	suite.clock = testutil.NewFakeClock(time.Unix(10_000, 0))
	suite.engine = NewEngine(&cfg, suite.store, suite.clock, 45*time.Second)

	_, err := suite.store.CreateJob("job-1", feed)
	suite.Require().NoError(err)
}

func (suite *DecisionTestSuite) setJob(fn func(*types.JobState)) {
	_, err := suite.store.UpdateJob(feed, func(j *types.JobState) error {
		fn(j)
		return nil
	})
	suite.Require().NoError(err)
}

func (suite *DecisionTestSuite) setRound(startedAt int64) {
	suite.Require().NoError(suite.store.SetRound(types.RoundSnapshot{Feed: feed, RoundID: 802, StartedAt: startedAt}))
}

func (suite *DecisionTestSuite) TestNeverSubmitted() {
	for _, reason := range []types.TriggerReason{types.ReasonHeartbeat, types.ReasonDeviation, types.ReasonNewRound} {
		ok, err := suite.engine.CheckForPriceUpdate(suite.ctx, feed, reason, 100)
		suite.Require().NoError(err)
		suite.True(ok, reason.String())
	}
}

func (suite *DecisionTestSuite) TestUnknownFeed() {
	_, err := suite.engine.CheckForPriceUpdate(suite.ctx, "BTC-USD", types.ReasonHeartbeat, 100)
	suite.ErrorIs(err, types.ErrFeedNotConfigured)
}

// TestInSubmissionSuppresses tests that a recent submission blocks every reason
func (suite *DecisionTestSuite) TestInSubmissionSuppresses() {
	suite.setJob(func(j *types.JobState) {
		j.LastSubmissionTime = 10_000 - 44
		j.LastResult = -1
	})
	suite.setRound(0)

	for _, reason := range []types.TriggerReason{types.ReasonHeartbeat, types.ReasonDeviation, types.ReasonNewRound} {
		ok, err := suite.engine.CheckForPriceUpdate(suite.ctx, feed, reason, 1_000_000)
		suite.Require().NoError(err)
		suite.False(ok, reason.String())
	}

	suite.clock.Advance(time.Second)
	ok, err := suite.engine.CheckForPriceUpdate(suite.ctx, feed, types.ReasonDeviation, 100)
	suite.Require().NoError(err)
	suite.True(ok)
}

func (suite *DecisionTestSuite) TestCheckForPriceUpdate() {
	testCases := []struct {
		name      string
		startedAt int64
		last      float64
		reason    types.TriggerReason
		price     float64
		exp       bool
	}{
		{"round never seen", 0, 100, types.ReasonHeartbeat, 100, true},
		{"no last price", 9_900, -1, types.ReasonHeartbeat, 100, true},
		{"zero last price", 9_900, 0, types.ReasonDeviation, 100, true},
		{"heartbeat not due", 9_500, 100, types.ReasonHeartbeat, 100, false},
		{"heartbeat due", 9_400, 100, types.ReasonHeartbeat, 100, true},
		{"new round", 9_900, 100, types.ReasonNewRound, 100, true},
		{"deviation exactly at threshold", 9_900, 100, types.ReasonDeviation, 101, false},
		{"deviation above threshold", 9_900, 100, types.ReasonDeviation, 101.01, true},
		{"deviation below", 9_900, 100, types.ReasonDeviation, 99.5, false},
		{"downward deviation", 9_900, 100, types.ReasonDeviation, 98, true},
		{"deviation ignored for heartbeat", 9_900, 100, types.ReasonHeartbeat, 150, false},
	}

	for _, tc := range testCases {
		suite.Run(tc.name, func() {
			suite.setJob(func(j *types.JobState) {
				j.LastSubmissionTime = 1_000
				j.LastResult = tc.last
			})
			suite.setRound(tc.startedAt)

			ok, err := suite.engine.CheckForPriceUpdate(suite.ctx, feed, tc.reason, tc.price)
			suite.Require().NoError(err)
			suite.Equal(tc.exp, ok)
		})
	}
}

func (suite *DecisionTestSuite) TestDeviation() {
	suite.InDelta(1.0, Deviation(9_595_000, 9.5, 6), 1e-9)
	suite.False(ExceedsDeviation(9_595_000, 9.5, 6, 1))
	suite.True(ExceedsDeviation(9_595_001, 9.5, 6, 1))
	suite.False(ExceedsDeviation(100, 1, 2, 0))
	suite.True(ExceedsDeviation(100, 0, 2, 5))
}

func (suite *DecisionTestSuite) TestInSubmission() {
	now := time.Unix(1_000, 0)
	suite.True(InSubmission(types.JobState{LastSubmissionTime: 960}, now, 45*time.Second))
	suite.False(InSubmission(types.JobState{LastSubmissionTime: 955}, now, 45*time.Second))
}

func (suite *DecisionTestSuite) TestShouldPush() {
	now := time.Unix(10_000, 0)
	push := 600 * time.Second

	testCases := []struct {
		name         string
		current      types.RoundDetails
		lastReported uint64
		round        uint64
		newRound     bool
		notConsec    bool
		push         bool
	}{
		{
			"our own open round already reported to chain",
			types.RoundDetails{RoundID: 802, StartedAt: 9_900, StartedBy: operator},
			801, 802, true, false, false,
		},
		{
			"open round started by another oracle",
			types.RoundDetails{RoundID: 802, StartedAt: 9_900, StartedBy: "agoric1other"},
			801, 802, true, true, true,
		},
		{
			"submitted round, next started by us",
			types.RoundDetails{RoundID: 802, StartedAt: 9_900, StartedBy: operator, SubmissionMade: true},
			802, 803, true, false, false,
		},
		{
			"expired round opens the next",
			types.RoundDetails{RoundID: 802, StartedAt: 9_000, StartedBy: "agoric1other"},
			801, 803, true, true, true,
		},
		{
			"reported ahead of an unsubmitted round",
			types.RoundDetails{RoundID: 802, StartedAt: 9_900, StartedBy: operator},
			803, 803, false, false, true,
		},
		{
			"reported ahead of a submitted round",
			types.RoundDetails{RoundID: 802, StartedAt: 9_900, StartedBy: operator, SubmissionMade: true},
			803, 803, false, false, false,
		},
		{
			"first round",
			types.RoundDetails{RoundID: 0, StartedBy: operator},
			0, 1, true, false, true,
		},
		{
			"sentinel falls back to last reported",
			types.SentinelRound(),
			801, 802, true, true, true,
		},
	}

	for _, tc := range testCases {
		suite.Run(tc.name, func() {
			plan := ShouldPush(tc.current, tc.lastReported, operator, push, now)
			suite.Equal(tc.round, plan.Round)
			suite.Equal(tc.newRound, plan.NewRound)
			suite.Equal(tc.notConsec, plan.NotConsecutiveNewRound)
			suite.Equal(tc.push, plan.Push)
		})
	}
}
