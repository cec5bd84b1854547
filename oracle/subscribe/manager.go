package subscribe

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	coretypes "github.com/tendermint/tendermint/rpc/core/types"
	tmtypes "github.com/tendermint/tendermint/types"

	"github.com/GPTx-global/pricefeed/oracle/log"
)

const (
	subscriber    = "pricefeed"
	newBlockQuery = "tm.event='NewBlock'"
)

// EventClient is the websocket part of the tendermint RPC client.
type EventClient interface {
	Subscribe(ctx context.Context, subscriber, query string, outCapacity ...int) (<-chan coretypes.ResultEvent, error)
	UnsubscribeAll(ctx context.Context, subscriber string) error
}

type SubscribeManager struct {
	client            EventClient
	subscriptions     map[string]<-chan coretypes.ResultEvent
	subscriptionsLock sync.RWMutex
	channelSize       int
	blocks            chan int64
	quit              chan struct{}
	closeOnce         sync.Once
	wg                sync.WaitGroup
	logger            zerolog.Logger
}

// NewSubscribeManager creates a new subscription manager for chain events
func NewSubscribeManager(client EventClient) *SubscribeManager {
	return &SubscribeManager{
		client:        client,
		subscriptions: make(map[string]<-chan coretypes.ResultEvent),
		channelSize:   2 << 6,
		blocks:        make(chan int64, 1),
		quit:          make(chan struct{}),
		logger:        log.Component("subscribe"),
	}
}

// SubscribeBlocks forwards the height of every new block to Blocks until ctx
// is done or the subscription drops. Blocks is closed afterwards.
func (sm *SubscribeManager) SubscribeBlocks(ctx context.Context) error {
	sm.subscriptionsLock.Lock()
	defer sm.subscriptionsLock.Unlock()

	if _, ok := sm.subscriptions[newBlockQuery]; ok {
		return fmt.Errorf("already subscribed to %s", newBlockQuery)
	}

	ch, err := sm.client.Subscribe(ctx, subscriber, newBlockQuery, sm.channelSize)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", newBlockQuery, err)
	}
	sm.subscriptions[newBlockQuery] = ch

	sm.wg.Add(1)
	go sm.forward(ctx, ch)

	sm.logger.Info().Str("query", newBlockQuery).Msg("subscribed")
	return nil
}

// Blocks yields new block heights. Heights are coalesced when the reader falls behind.
func (sm *SubscribeManager) Blocks() <-chan int64 {
	return sm.blocks
}

// Close drops every subscription and waits for the forwarder to exit.
func (sm *SubscribeManager) Close(ctx context.Context) error {
	sm.subscriptionsLock.Lock()
	subscribed := len(sm.subscriptions) > 0
	sm.subscriptions = make(map[string]<-chan coretypes.ResultEvent)
	sm.subscriptionsLock.Unlock()
	sm.closeOnce.Do(func() { close(sm.quit) })

	var err error
	if subscribed {
		err = sm.client.UnsubscribeAll(ctx, subscriber)
	}
	sm.wg.Wait()
	return err
}

func (sm *SubscribeManager) forward(ctx context.Context, ch <-chan coretypes.ResultEvent) {
	defer sm.wg.Done()
	defer close(sm.blocks)

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				sm.logger.Warn().Msg("block subscription closed")
				return
			}
			height := blockHeight(event)
			select {
			case sm.blocks <- height:
			default:
				sm.logger.Debug().Int64("height", height).Msg("block driver busy, coalescing")
			}
		case <-ctx.Done():
			return
		case <-sm.quit:
			return
		}
	}
}

func blockHeight(event coretypes.ResultEvent) int64 {
	switch data := event.Data.(type) {
	case tmtypes.EventDataNewBlock:
		if data.Block != nil {
			return data.Block.Height
		}
	case tmtypes.EventDataNewBlockHeader:
		return data.Header.Height
	}
	return 0
}
