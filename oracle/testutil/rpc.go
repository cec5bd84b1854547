package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	abci "github.com/tendermint/tendermint/abci/types"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpcclient "github.com/tendermint/tendermint/rpc/client"
	coretypes "github.com/tendermint/tendermint/rpc/core/types"
)

type cell struct {
	height int64
	values []string
}

// FakeRPC serves vstorage stream cells and node status from memory.
type FakeRPC struct {
	mu      sync.Mutex
	cells   map[string][]cell
	status  coretypes.SyncInfo
	failing map[string]error
	queries int
}

func NewFakeRPC() *FakeRPC {
	return &FakeRPC{
		cells:   make(map[string][]cell),
		failing: make(map[string]error),
		status: coretypes.SyncInfo{
			LatestBlockHeight: 1,
			LatestBlockTime:   time.Now(),
		},
	}
}

// Append writes values to key at height, like a vstorage stream cell.
func (f *FakeRPC) Append(key string, height int64, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cells := f.cells[key]
	if n := len(cells); n > 0 && cells[n-1].height == height {
		cells[n-1].values = append(cells[n-1].values, values...)
	} else {
		cells = append(cells, cell{height: height, values: values})
		sort.Slice(cells, func(i, j int) bool { return cells[i].height < cells[j].height })
	}
	f.cells[key] = cells
}

// Set replaces the history of key with a single cell.
func (f *FakeRPC) Set(key string, height int64, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cells[key] = []cell{{height: height, values: values}}
}

func (f *FakeRPC) Fail(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failing, key)
		return
	}
	f.failing[key] = err
}

func (f *FakeRPC) SetStatus(height int64, catchingUp bool, blockTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = coretypes.SyncInfo{
		LatestBlockHeight: height,
		CatchingUp:        catchingUp,
		LatestBlockTime:   blockTime,
	}
}

func (f *FakeRPC) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *FakeRPC) Status(ctx context.Context) (*coretypes.ResultStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing["status"]; ok {
		return nil, err
	}
	return &coretypes.ResultStatus{SyncInfo: f.status}, nil
}

func (f *FakeRPC) ABCIQueryWithOptions(ctx context.Context, path string, data tmbytes.HexBytes, opts rpcclient.ABCIQueryOptions) (*coretypes.ResultABCIQuery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++

	key := strings.TrimPrefix(path, "/custom/vstorage/data/")
	if err, ok := f.failing[key]; ok {
		return nil, err
	}

	var found *cell
	for i := range f.cells[key] {
		c := f.cells[key][i]
		if opts.Height == 0 || c.height <= opts.Height {
			found = &c
		}
	}

	value := ""
	if found != nil {
		bz, err := json.Marshal(map[string]any{
			"blockHeight": fmt.Sprintf("%d", found.height),
			"values":      found.values,
		})
		if err != nil {
			return nil, err
		}
		value = string(bz)
	}

	bz, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return nil, err
	}
	return &coretypes.ResultABCIQuery{Response: abci.ResponseQuery{Value: bz}}, nil
}

// SmallCaps marshals body into a "#" prefixed capdata envelope.
func SmallCaps(body any, slots ...string) string {
	bz, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	if slots == nil {
		slots = []string{}
	}
	env, err := json.Marshal(map[string]any{"body": "#" + string(bz), "slots": slots})
	if err != nil {
		panic(err)
	}
	return string(env)
}

// OfferStatus builds a wallet offerStatus update for a PushPrice offer.
func OfferStatus(id, previousOffer string, roundID uint64, unitPrice int64, errMsg string) string {
	status := map[string]any{
		"id": id,
		"invitationSpec": map[string]any{
			"source":              "continuing",
			"previousOffer":       previousOffer,
			"invitationMakerName": "PushPrice",
			"invitationArgs": []any{
				map[string]any{"unitPrice": fmt.Sprintf("+%d", unitPrice), "roundId": roundID},
			},
		},
	}
	if errMsg != "" {
		status["error"] = errMsg
	}
	return SmallCaps(map[string]any{"updated": "offerStatus", "status": status})
}

func LatestRound(roundID uint64, startedAt int64, startedBy string) string {
	return SmallCaps(map[string]any{
		"roundId":   fmt.Sprintf("+%d", roundID),
		"startedAt": map[string]any{"absValue": fmt.Sprintf("+%d", startedAt), "timerBrand": "$0.Alleged: timerBrand"},
		"startedBy": startedBy,
	}, "board0425")
}

func PriceQuote(amountIn, amountOut int64) string {
	return SmallCaps(map[string]any{
		"amountIn":  map[string]any{"brand": "$0.Alleged: ATOM brand", "value": fmt.Sprintf("+%d", amountIn)},
		"amountOut": map[string]any{"brand": "$1.Alleged: USD brand", "value": fmt.Sprintf("+%d", amountOut)},
	}, "board01", "board02")
}

// SetupInvitation publishes agoricNames and a wallet current record so feed resolves to handle.
func (f *FakeRPC) SetupInvitation(operator, feed, handle string) {
	f.Set("published.agoricNames.instance", 1, SmallCaps([]any{
		[]any{feed + " price feed", "$0.Alleged: InstanceHandle"},
	}, "board0"+feed))
	f.Set("published.wallet."+operator+".current", 1, SmallCaps(map[string]any{
		"liveOffers": []any{},
		"offerToUsedInvitation": []any{
			[]any{handle, map[string]any{"value": []any{map[string]any{"instance": "$0.Alleged: InstanceHandle"}}}},
		},
	}, "board0"+feed))
}
