package tx

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/pricefeed/oracle/chain"
	"github.com/GPTx-global/pricefeed/oracle/store"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	ret := m.Called(name, args)
	stdout, _ := ret.Get(0).([]byte)
	stderr, _ := ret.Get(1).([]byte)
	return stdout, stderr, ret.Error(2)
}

type mockAccounts struct {
	mock.Mock
}

func (m *mockAccounts) AccountNumberSequence(ctx context.Context, addr string) (uint64, uint64, error) {
	ret := m.Called(addr)
	return ret.Get(0).(uint64), ret.Get(1).(uint64), ret.Error(2)
}

type TxTestSuite struct {
	suite.Suite
	runner      *mockRunner
	broadcaster *Broadcaster
}

func TestTxTestSuite(t *testing.T) {
	suite.Run(t, new(TxTestSuite))
}

func (suite *TxTestSuite) SetupTest() {
	suite.runner = new(mockRunner)
	suite.broadcaster = NewBroadcaster(BroadcasterConfig{
		Binary:         "agd",
		ChainID:        "agoriclocal",
		Node:           "http://localhost:26657",
		From:           "agoric1operator",
		KeyringBackend: "test",
		BroadcastMode:  "block",
		AccountNumber:  12,
		Timeout:        time.Second,
	}, suite.runner)
}

func (suite *TxTestSuite) TestBuildPushPriceAction() {
	action, err := BuildPushPriceAction(PushPriceOffer{
		ID:            1_700_000_000_123,
		PreviousOffer: "oracleAccept-1700000000000",
		UnitPrice:     sdkmath.NewInt(9_500_000),
		RoundID:       802,
	})
	suite.Require().NoError(err)

	cd, err := chain.DecodeCapData(action)
	suite.Require().NoError(err)
	suite.Empty(cd.Slots)
	suite.Equal("executeOffer", cd.Body.Get("method").String())
	suite.Equal(int64(1_700_000_000_123), cd.Body.Get("offer.id").Int())
	suite.True(cd.Body.Get("offer.proposal").IsObject())

	spec := cd.Body.Get("offer.invitationSpec")
	suite.Equal("continuing", spec.Get("source").String())
	suite.Equal("oracleAccept-1700000000000", spec.Get("previousOffer").String())
	suite.Equal("PushPrice", spec.Get("invitationMakerName").String())
	suite.True(spec.Get("invitationArgs").IsArray())
	suite.Equal("+9500000", spec.Get("invitationArgs.0.unitPrice").String())
	suite.Equal(uint64(802), spec.Get("invitationArgs.0.roundId").Uint())

	suite.True(strings.HasPrefix(action, `{"body":"#{`))
}

func (suite *TxTestSuite) TestSmallcapsString() {
	suite.Equal("oracleAccept-1", smallcapsString("oracleAccept-1"))
	suite.Equal("!+1", smallcapsString("+1"))
	suite.Equal("!$ref", smallcapsString("$ref"))
	suite.Equal("", smallcapsString(""))
}

func (suite *TxTestSuite) TestSubmitArgs() {
	out := []byte(`{"height":"120","txhash":"ABC","code":0,"raw_log":"[]"}`)
	suite.runner.On("Run", "agd", mock.MatchedBy(func(args []string) bool {
		joined := strings.Join(args, " ")
		return args[0] == "tx" && args[3] == "{}" &&
			strings.Contains(joined, "--allow-spend") &&
			strings.Contains(joined, "--offline") &&
			strings.Contains(joined, "--account-number=12") &&
			strings.Contains(joined, "--sequence=7") &&
			strings.Contains(joined, "--from=agoric1operator") &&
			strings.Contains(joined, "--broadcast-mode=block") &&
			strings.HasSuffix(joined, "--yes --output=json")
	})).Return(out, nil, nil).Once()

	res, err := suite.broadcaster.Submit(context.Background(), "{}", 7)
	suite.Require().NoError(err)
	suite.True(res.OK())
	suite.Equal("ABC", res.TxHash)
	suite.Equal(int64(120), res.Height)
	suite.runner.AssertExpectations(suite.T())
}

func (suite *TxTestSuite) TestSubmitFailures() {
	testCases := []struct {
		name   string
		stdout []byte
		stderr []byte
		err    error
		expErr error
		code   uint32
	}{
		{
			"rejected with code",
			[]byte(`{"txhash":"X","code":32,"raw_log":"account sequence mismatch, expected 42, got 41: incorrect account sequence"}`),
			nil, errors.New("exit status 1"), nil, 32,
		},
		{
			"inclusion timeout",
			nil, []byte("Error: " + inclusionTimeoutMsg), errors.New("exit status 1"), types.ErrTxInclusionTimeout, 0,
		},
		{
			"binary failure",
			nil, []byte("Error: key not found"), errors.New("exit status 1"), types.ErrTxFailed, 0,
		},
		{
			"garbage output",
			[]byte("gas estimate: 1234"), nil, nil, types.ErrTxFailed, 0,
		},
	}

	for _, tc := range testCases {
		suite.Run(tc.name, func() {
			runner := new(mockRunner)
			runner.On("Run", "agd", mock.Anything).Return(tc.stdout, tc.stderr, tc.err).Once()
			b := NewBroadcaster(suite.broadcaster.cfg, runner)

			res, err := b.Submit(context.Background(), "{}", 41)
			if tc.expErr != nil {
				suite.ErrorIs(err, tc.expErr)
				return
			}
			suite.Require().NoError(err)
			suite.Equal(tc.code, res.Code)
			suite.True(IsSequenceMismatch(res))
		})
	}
}

func (suite *TxTestSuite) TestExpectedSequence() {
	testCases := []struct {
		rawLog string
		seq    uint64
		ok     bool
	}{
		{"account sequence mismatch, expected 42, got 41: incorrect account sequence", 42, true},
		{"incorrect account sequence ... expected 42", 42, true},
		{"got 41 but wanted something else", 41, true},
		{"incorrect account sequence", 0, false},
	}

	for _, tc := range testCases {
		suite.Run(tc.rawLog, func() {
			seq, ok := ExpectedSequence(tc.rawLog)
			suite.Equal(tc.ok, ok)
			suite.Equal(tc.seq, seq)
		})
	}
}

func (suite *TxTestSuite) TestSequenceManager() {
	st := store.NewMem()
	defer st.Close()

	accounts := new(mockAccounts)
	accounts.On("AccountNumberSequence", "agoric1operator").Return(uint64(12), uint64(40), nil).Once()
	seqs := NewSequenceManager(st, accounts, "agoric1operator")
	ctx := context.Background()

	seq, err := seqs.Next(ctx)
	suite.Require().NoError(err)
	suite.Equal(uint64(40), seq)

	suite.Require().NoError(seqs.Advance(seq))
	seq, err = seqs.Next(ctx)
	suite.Require().NoError(err)
	suite.Equal(uint64(41), seq)

	// a stale broadcast does not rewind the sequence
	suite.Require().NoError(seqs.Advance(39))
	seq, err = seqs.Next(ctx)
	suite.Require().NoError(err)
	suite.Equal(uint64(41), seq)

	seq, err = seqs.Resync("account sequence mismatch, expected 42, got 41: incorrect account sequence")
	suite.Require().NoError(err)
	suite.Equal(uint64(42), seq)
	persisted, ok, err := st.Sequence()
	suite.Require().NoError(err)
	suite.True(ok)
	suite.Equal(uint64(42), persisted)

	_, err = seqs.Resync("incorrect account sequence")
	suite.ErrorIs(err, types.ErrSequenceMismatch)

	accounts.On("AccountNumberSequence", "agoric1operator").Return(uint64(12), uint64(50), nil).Once()
	seq, err = seqs.SyncFromChain(ctx)
	suite.Require().NoError(err)
	suite.Equal(uint64(50), seq)
	accounts.AssertExpectations(suite.T())
}
