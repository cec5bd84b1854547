package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cosmos/cosmos-sdk/client"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/pricefeed/oracle/retry"
	"github.com/GPTx-global/pricefeed/oracle/testutil"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

const operator = "agoric1operator"

type MockAccountRetriever struct {
	mock.Mock
}

func (m *MockAccountRetriever) GetAccountNumberSequence(clientCtx client.Context, addr sdk.AccAddress) (uint64, uint64, error) {
	args := m.Called(addr)
	return args.Get(0).(uint64), args.Get(1).(uint64), args.Error(2)
}

type ChainTestSuite struct {
	suite.Suite
	rpc      *testutil.FakeRPC
	accounts *MockAccountRetriever
	client   *Client
	ctx      context.Context
}

func TestChainTestSuite(t *testing.T) {
	suite.Run(t, new(ChainTestSuite))
}

func (suite *ChainTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.rpc = testutil.NewFakeRPC()
	suite.accounts = new(MockAccountRetriever)
	suite.client = NewClient(suite.rpc, client.Context{}, suite.accounts, Options{
		Bech32Prefix: "agoric",
		MaxScan:      50,
		Retry:        &retry.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
}

func (suite *ChainTestSuite) TestDecodeCapData() {
	testCases := []struct {
		name    string
		raw     string
		expErr  bool
		roundID uint64
	}{
		{"smallcaps", `{"body":"#{\"roundId\":\"+802\"}","slots":[]}`, false, 802},
		{"legacy qclass", `{"body":"{\"roundId\":{\"@qclass\":\"bigint\",\"digits\":\"802\"}}","slots":[]}`, false, 802},
		{"plain number", `{"body":"#{\"roundId\":802}","slots":[]}`, false, 802},
		{"not json", `nope`, true, 0},
		{"missing body", `{"slots":[]}`, true, 0},
		{"body not json", `{"body":"#{oops","slots":[]}`, true, 0},
	}

	for _, tc := range testCases {
		suite.Run(tc.name, func() {
			cd, err := DecodeCapData(tc.raw)
			if tc.expErr {
				suite.ErrorIs(err, types.ErrInvalidCapData)
				return
			}
			suite.Require().NoError(err)
			id, err := Uint(cd.Body.Get("roundId"))
			suite.Require().NoError(err)
			suite.Equal(tc.roundID, id)
		})
	}
}

func (suite *ChainTestSuite) TestSlotAndString() {
	cd, err := DecodeCapData(`{"body":"#{\"a\":\"$1.Alleged: Instance\",\"b\":{\"@qclass\":\"slot\",\"index\":0},\"c\":\"!$escaped\",\"d\":\"$9\"}","slots":["board0","board1"]}`)
	suite.Require().NoError(err)

	slot, ok := cd.Slot(cd.Body.Get("a"))
	suite.True(ok)
	suite.Equal("board1", slot)

	slot, ok = cd.Slot(cd.Body.Get("b"))
	suite.True(ok)
	suite.Equal("board0", slot)

	_, ok = cd.Slot(cd.Body.Get("d"))
	suite.False(ok)

	suite.Equal("$escaped", String(cd.Body.Get("c")))
}

func (suite *ChainTestSuite) TestLatestRound() {
	suite.rpc.Set("published.priceFeed.ATOM-USD_price_feed.latestRound", 10, testutil.LatestRound(802, 1_700_000_000, "agoric1other"))

	rd, err := suite.client.LatestRound(suite.ctx, "ATOM-USD")
	suite.Require().NoError(err)
	suite.Equal(types.RoundDetails{RoundID: 802, StartedAt: 1_700_000_000, StartedBy: "agoric1other"}, rd)
}

func (suite *ChainTestSuite) TestLatestRoundInvalid() {
	suite.rpc.Set("published.priceFeed.ATOM-USD_price_feed.latestRound", 10, testutil.LatestRound(0, 1, "x"))
	_, err := suite.client.LatestRound(suite.ctx, "ATOM-USD")
	suite.ErrorIs(err, types.ErrInvalidCapData)

	_, err = suite.client.LatestRound(suite.ctx, "OSMO-USD")
	suite.Error(err)
}

func (suite *ChainTestSuite) TestLatestPrice() {
	suite.rpc.Append("published.priceFeed.ATOM-USD_price_feed", 10, testutil.PriceQuote(1_000_000, 9_000_000), testutil.PriceQuote(1_000_000, 9_500_000))

	price, err := suite.client.LatestPrice(suite.ctx, "ATOM-USD")
	suite.Require().NoError(err)
	suite.InDelta(9.5, price, 1e-9)
}

func (suite *ChainTestSuite) TestStatus() {
	blockTime := time.Unix(1_700_000_000, 0)
	suite.rpc.SetStatus(1234, true, blockTime)

	status, err := suite.client.Status(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(int64(1234), status.Height)
	suite.True(status.CatchingUp)
	suite.Equal(blockTime, status.LatestBlockTime)

	suite.rpc.Fail("status", errors.New("connection refused"))
	_, err = suite.client.Status(suite.ctx)
	suite.Error(err)
}

// TestIterateOffersAcrossHeights tests newest-first iteration following earlier stream cells
func (suite *ChainTestSuite) TestIterateOffersAcrossHeights() {
	key := "published.wallet." + operator
	suite.rpc.Append(key, 5, testutil.OfferStatus("1", "oracleAccept-1", 800, 10, ""))
	suite.rpc.Append(key, 8, testutil.SmallCaps(map[string]any{"updated": "balance"}))
	suite.rpc.Append(key, 12,
		testutil.OfferStatus("2", "oracleAccept-1", 801, 11, ""),
		testutil.OfferStatus("3", "oracleAccept-1", 802, 12, "cannot report on previous rounds"),
	)

	var ids []string
	err := suite.client.IterateOffers(suite.ctx, operator, func(rec types.OfferRecord) bool {
		ids = append(ids, rec.ID)
		return true
	})
	suite.Require().NoError(err)
	suite.Equal([]string{"3", "2", "1"}, ids)

	ids = nil
	err = suite.client.IterateOffers(suite.ctx, operator, func(rec types.OfferRecord) bool {
		ids = append(ids, rec.ID)
		return rec.ID != "2"
	})
	suite.Require().NoError(err)
	suite.Equal([]string{"3", "2"}, ids)
}

func (suite *ChainTestSuite) TestIterateOffersBounded() {
	key := "published.wallet." + operator
	for h := int64(1); h <= 100; h++ {
		suite.rpc.Append(key, h, testutil.OfferStatus("id", "oracleAccept-1", uint64(h), 1, ""))
	}

	seen := 0
	err := suite.client.IterateOffers(suite.ctx, operator, func(types.OfferRecord) bool {
		seen++
		return true
	})
	suite.Require().NoError(err)
	suite.Equal(50, seen)
}

func (suite *ChainTestSuite) TestParseOfferStatus() {
	cd, err := DecodeCapData(testutil.OfferStatus("1700000000000", "oracleAccept-5", 802, 9_500_000, "boom"))
	suite.Require().NoError(err)

	rec, ok, err := ParseOfferStatus(cd)
	suite.Require().NoError(err)
	suite.True(ok)
	suite.Equal("1700000000000", rec.ID)
	suite.Equal("oracleAccept-5", rec.PreviousOffer)
	suite.Equal("PushPrice", rec.InvitationMakerName)
	suite.Equal(uint64(802), rec.RoundID)
	suite.Equal(int64(9_500_000), rec.UnitPrice.Int64())
	suite.Equal("boom", rec.Error)
	suite.True(rec.Errored())

	cd, err = DecodeCapData(testutil.SmallCaps(map[string]any{"updated": "walletAction"}))
	suite.Require().NoError(err)
	_, ok, err = ParseOfferStatus(cd)
	suite.NoError(err)
	suite.False(ok)
}

// TestFeedInvitations tests live offers and used invitations with the newest accept winning
func (suite *ChainTestSuite) TestFeedInvitations() {
	suite.rpc.Set("published.agoricNames.instance", 3, testutil.SmallCaps([]any{
		[]any{"ATOM-USD price feed", "$0.Alleged: InstanceHandle"},
		[]any{"OSMO-USD price feed", "$1.Alleged: InstanceHandle"},
		[]any{"VaultFactory", "$2.Alleged: InstanceHandle"},
	}, "board01", "board02", "board03"))
	suite.rpc.Set("published.wallet."+operator+".current", 4, testutil.SmallCaps(map[string]any{
		"liveOffers": []any{
			[]any{"oracleAccept-100", map[string]any{"invitationSpec": map[string]any{"source": "purse", "instance": "$0.Alleged: InstanceHandle"}}},
			[]any{"1700000000000", map[string]any{"invitationSpec": map[string]any{"source": "continuing", "previousOffer": "oracleAccept-100"}}},
		},
		"offerToUsedInvitation": []any{
			[]any{"oracleAccept-50", map[string]any{"value": []any{map[string]any{"instance": "$1.Alleged: InstanceHandle"}}}},
			[]any{"oracleAccept-200", map[string]any{"value": []any{map[string]any{"instance": "$0.Alleged: InstanceHandle"}}}},
			[]any{"oracleAccept-20", map[string]any{"value": []any{map[string]any{"instance": "$1.Alleged: InstanceHandle"}}}},
		},
	}, "board01", "board02"))

	invitations, err := suite.client.FeedInvitations(suite.ctx, operator)
	suite.Require().NoError(err)
	suite.Equal(map[string]string{
		"ATOM-USD": "oracleAccept-200",
		"OSMO-USD": "oracleAccept-50",
	}, invitations)

	handle, err := suite.client.ResolveInvitation(suite.ctx, operator, "OSMO-USD")
	suite.Require().NoError(err)
	suite.Equal("oracleAccept-50", handle)

	_, err = suite.client.ResolveInvitation(suite.ctx, operator, "BTC-USD")
	suite.ErrorIs(err, types.ErrInvitationNotFound)
}

func (suite *ChainTestSuite) TestAccountNumberSequence() {
	bz := []byte("operator-address-bytes")
	addr, err := sdk.Bech32ifyAddressBytes("agoric", bz)
	suite.Require().NoError(err)

	suite.accounts.On("GetAccountNumberSequence", sdk.AccAddress(bz)).Return(uint64(12), uint64(42), nil).Once()

	num, seq, err := suite.client.AccountNumberSequence(suite.ctx, addr)
	suite.Require().NoError(err)
	suite.Equal(uint64(12), num)
	suite.Equal(uint64(42), seq)
	suite.accounts.AssertExpectations(suite.T())

	_, _, err = suite.client.AccountNumberSequence(suite.ctx, "cosmos1notagoric")
	suite.Error(err)
}
