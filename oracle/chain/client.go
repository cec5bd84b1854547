package chain

import (
	"context"
	"fmt"
	"math/big"

	errorsmod "cosmossdk.io/errors"
	"github.com/cosmos/cosmos-sdk/client"
	"github.com/cosmos/cosmos-sdk/codec"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	cryptocodec "github.com/cosmos/cosmos-sdk/crypto/codec"
	sdk "github.com/cosmos/cosmos-sdk/types"
	authtypes "github.com/cosmos/cosmos-sdk/x/auth/types"
	"github.com/rs/zerolog"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpcclient "github.com/tendermint/tendermint/rpc/client"
	rpchttp "github.com/tendermint/tendermint/rpc/client/http"
	coretypes "github.com/tendermint/tendermint/rpc/core/types"
	"github.com/tidwall/gjson"

	"github.com/GPTx-global/pricefeed/oracle/log"
	"github.com/GPTx-global/pricefeed/oracle/retry"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

// RPCClient is the subset of the tendermint RPC client the facade reads through.
type RPCClient interface {
	Status(ctx context.Context) (*coretypes.ResultStatus, error)
	ABCIQueryWithOptions(ctx context.Context, path string, data tmbytes.HexBytes, opts rpcclient.ABCIQueryOptions) (*coretypes.ResultABCIQuery, error)
}

type AccountRetriever interface {
	GetAccountNumberSequence(clientCtx client.Context, addr sdk.AccAddress) (uint64, uint64, error)
}

type Options struct {
	ChainID      string
	Bech32Prefix string
	// MaxScan bounds the raw ledger entries visited per iteration.
	MaxScan int
	Retry   *retry.RetryConfig
}

// Client is the read-only chain facade: vstorage reads, node status and account state.
type Client struct {
	rpc       RPCClient
	clientCtx client.Context
	accounts  AccountRetriever
	opts      Options
	logger    zerolog.Logger
}

func NewClient(rpc RPCClient, clientCtx client.Context, accounts AccountRetriever, opts Options) *Client {
	if opts.MaxScan <= 0 {
		opts.MaxScan = 200
	}
	if opts.Retry == nil {
		opts.Retry = retry.QueryRetryConfig()
	}

	return &Client{
		rpc:       rpc,
		clientCtx: clientCtx,
		accounts:  accounts,
		opts:      opts,
		logger:    log.Component("chain"),
	}
}

// NewClientFromHTTP wires the facade to a tendermint HTTP client with a codec able to decode auth accounts.
func NewClientFromHTTP(rpc *rpchttp.HTTP, nodeURI string, opts Options) *Client {
	registry := codectypes.NewInterfaceRegistry()
	authtypes.RegisterInterfaces(registry)
	cryptocodec.RegisterInterfaces(registry)

	clientCtx := client.Context{}.
		WithClient(rpc).
		WithNodeURI(nodeURI).
		WithChainID(opts.ChainID).
		WithInterfaceRegistry(registry).
		WithCodec(codec.NewProtoCodec(registry))

	return NewClient(rpc, clientCtx, authtypes.AccountRetriever{}, opts)
}

func (c *Client) Status(ctx context.Context) (types.ChainStatus, error) {
	var res *coretypes.ResultStatus
	err := retry.Do(ctx, c.opts.Retry, func() error {
		var err error
		res, err = c.rpc.Status(ctx)
		return err
	}, retry.DefaultIsRetryable)
	if err != nil {
		return types.ChainStatus{}, fmt.Errorf("failed to get status: %w", err)
	}

	return types.ChainStatus{
		Height:          res.SyncInfo.LatestBlockHeight,
		CatchingUp:      res.SyncInfo.CatchingUp,
		LatestBlockTime: res.SyncInfo.LatestBlockTime,
	}, nil
}

func roundKey(feed string) string {
	return fmt.Sprintf("published.priceFeed.%s_price_feed.latestRound", feed)
}

func priceKey(feed string) string {
	return fmt.Sprintf("published.priceFeed.%s_price_feed", feed)
}

func walletKey(operator string) string {
	return "published.wallet." + operator
}

func currentKey(operator string) string {
	return "published.wallet." + operator + ".current"
}

const instancesKey = "published.agoricNames.instance"

// LatestRound reads the feed's latest round. SubmissionMade and Errored are left for the reconciler.
func (c *Client) LatestRound(ctx context.Context, feed string) (types.RoundDetails, error) {
	cd, err := c.latest(ctx, roundKey(feed))
	if err != nil {
		return types.RoundDetails{}, err
	}

	roundID, err := Uint(cd.Body.Get("roundId"))
	if err != nil {
		return types.RoundDetails{}, err
	}
	if roundID == 0 {
		return types.RoundDetails{}, errorsmod.Wrapf(types.ErrInvalidCapData, "round id 0 for %s", feed)
	}

	startedAt, err := BigInt(cd.Body.Get("startedAt.absValue"))
	if err != nil {
		return types.RoundDetails{}, err
	}

	return types.RoundDetails{
		RoundID:   roundID,
		StartedAt: startedAt.Int64(),
		StartedBy: String(cd.Body.Get("startedBy")),
	}, nil
}

// LatestPrice returns amountOut/amountIn of the feed's latest quote.
func (c *Client) LatestPrice(ctx context.Context, feed string) (float64, error) {
	cd, err := c.latest(ctx, priceKey(feed))
	if err != nil {
		return -1, err
	}

	in, err := BigInt(cd.Body.Get("amountIn.value"))
	if err != nil {
		return -1, err
	}
	out, err := BigInt(cd.Body.Get("amountOut.value"))
	if err != nil {
		return -1, err
	}
	if in.IsZero() {
		return -1, errorsmod.Wrapf(types.ErrInvalidCapData, "zero amountIn for %s", feed)
	}

	price, _ := new(big.Float).Quo(new(big.Float).SetInt(out.BigInt()), new(big.Float).SetInt(in.BigInt())).Float64()
	return price, nil
}

// AccountNumberSequence queries the operator account through the auth module.
func (c *Client) AccountNumberSequence(ctx context.Context, operator string) (uint64, uint64, error) {
	bz, err := sdk.GetFromBech32(operator, c.opts.Bech32Prefix)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid operator address %s: %w", operator, err)
	}

	var num, seq uint64
	err = retry.Do(ctx, c.opts.Retry, func() error {
		var err error
		num, seq, err = c.accounts.GetAccountNumberSequence(c.clientCtx.WithCmdContext(ctx), sdk.AccAddress(bz))
		return err
	}, retry.DefaultIsRetryable)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get account %s: %w", operator, err)
	}

	return num, seq, nil
}

func (c *Client) latest(ctx context.Context, key string) (CapData, error) {
	cell, err := c.readCell(ctx, key, 0)
	if err != nil {
		return CapData{}, err
	}
	if len(cell.values) == 0 {
		return CapData{}, errorsmod.Wrapf(types.ErrInvalidCapData, "no values at %s", key)
	}
	return DecodeCapData(cell.values[len(cell.values)-1])
}

// streamCell is one vstorage write: the values appended at blockHeight.
type streamCell struct {
	blockHeight int64
	values      []string
}

// readCell reads a vstorage key, at height when non-zero.
func (c *Client) readCell(ctx context.Context, key string, height int64) (streamCell, error) {
	path := "/custom/vstorage/data/" + key

	var res *coretypes.ResultABCIQuery
	err := retry.Do(ctx, c.opts.Retry, func() error {
		var err error
		res, err = c.rpc.ABCIQueryWithOptions(ctx, path, nil, rpcclient.ABCIQueryOptions{Height: height})
		return err
	}, retry.DefaultIsRetryable)
	if err != nil {
		return streamCell{}, fmt.Errorf("failed to query %s: %w", key, err)
	}
	if res.Response.Code != 0 {
		return streamCell{}, fmt.Errorf("query %s failed with code %d: %s", key, res.Response.Code, res.Response.Log)
	}

	data := string(res.Response.Value)
	if data == "" || !gjson.Valid(data) {
		return streamCell{}, errorsmod.Wrapf(types.ErrInvalidCapData, "empty or invalid response for %s", key)
	}

	value := gjson.Get(data, "value").String()
	if value == "" {
		return streamCell{}, nil
	}

	cell := gjson.Parse(value)
	if !cell.Get("values").Exists() {
		// unversioned node: the value is a single capdata
		return streamCell{values: []string{value}}, nil
	}

	out := streamCell{blockHeight: cell.Get("blockHeight").Int()}
	for _, v := range cell.Get("values").Array() {
		out.values = append(out.values, v.String())
	}
	return out, nil
}
