package daemon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cosmos/cosmos-sdk/client"
	authtypes "github.com/cosmos/cosmos-sdk/x/auth/types"
	"github.com/rs/zerolog"
	rpchttp "github.com/tendermint/tendermint/rpc/client/http"

	"github.com/GPTx-global/pricefeed/oracle/bridge"
	"github.com/GPTx-global/pricefeed/oracle/chain"
	"github.com/GPTx-global/pricefeed/oracle/config"
	"github.com/GPTx-global/pricefeed/oracle/decision"
	"github.com/GPTx-global/pricefeed/oracle/health"
	"github.com/GPTx-global/pricefeed/oracle/jobrun"
	"github.com/GPTx-global/pricefeed/oracle/log"
	"github.com/GPTx-global/pricefeed/oracle/round"
	"github.com/GPTx-global/pricefeed/oracle/scheduler"
	"github.com/GPTx-global/pricefeed/oracle/store"
	"github.com/GPTx-global/pricefeed/oracle/submitter"
	"github.com/GPTx-global/pricefeed/oracle/subscribe"
	"github.com/GPTx-global/pricefeed/oracle/telemetry"
	"github.com/GPTx-global/pricefeed/oracle/tx"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

const jobRunTimeout = 5 * time.Second

// Deps overrides the external edges of the daemon. Zero fields are built from config.
type Deps struct {
	RPC      chain.RPCClient
	Accounts chain.AccountRetriever
	Events   subscribe.EventClient
	Runner   tx.Runner
	Clock    types.Clock
}

type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	rpc        *rpchttp.HTTP
	events     subscribe.EventClient
	store      *store.Store
	chain      *chain.Client
	sequences  *tx.SequenceManager
	metrics    *telemetry.Metrics
	health     *health.HealthChecker
	scheduler  *scheduler.Scheduler
	subscriber *subscribe.SubscribeManager
	processor  *bridge.Processor
	server     *bridge.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errs   chan error
	once   sync.Once
}

// New creates a new oracle daemon with every component wired from cfg
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Daemon, error) {
	d := &Daemon{
		cfg:    cfg,
		logger: log.Component("daemon"),
		errs:   make(chan error, 1),
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	clock := deps.Clock
	if clock == nil {
		clock = types.SystemClock{}
	}

	st, err := store.New(cfg.Store.DBDir, cfg.Store.DBName)
	if err != nil {
		d.cancel()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	d.store = st

	opts := chain.Options{
		ChainID:      cfg.Chain.ChainID,
		Bech32Prefix: cfg.Chain.Bech32Prefix,
		MaxScan:      cfg.Middleware.LedgerMaxScan,
	}
	if deps.RPC != nil {
		accounts := deps.Accounts
		if accounts == nil {
			accounts = authtypes.AccountRetriever{}
		}
		d.chain = chain.NewClient(deps.RPC, client.Context{}, accounts, opts)
		d.events = deps.Events
	} else {
		clt, err := rpchttp.New(cfg.Chain.RPC, "/websocket")
		if err != nil {
			d.cancel()
			_ = st.Close()
			return nil, fmt.Errorf("failed to create client: %w", err)
		}
		d.rpc = clt
		d.events = clt
		d.chain = chain.NewClientFromHTTP(clt, cfg.Chain.RPC, opts)
	}

	d.metrics, err = telemetry.New()
	if err != nil {
		d.cancel()
		_ = st.Close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	reconciler := round.NewReconciler(d.chain, st, cfg.Middleware.LedgerLookback)
	engine := decision.NewEngine(cfg, st, clock, cfg.SendCheckInterval())

	d.sequences = tx.NewSequenceManager(st, d.chain, cfg.Chain.From)
	broadcaster := tx.NewBroadcaster(tx.BroadcasterConfig{
		Binary:         cfg.Chain.AgdBinary,
		ChainID:        cfg.Chain.ChainID,
		Node:           cfg.Chain.RPC,
		From:           cfg.Chain.From,
		KeyringBackend: cfg.Chain.KeyringBackend,
		KeyringDir:     cfg.Chain.KeyringDir,
		BroadcastMode:  cfg.Chain.BroadcastMode,
		AccountNumber:  cfg.Chain.AccountNumber,
		Timeout:        cfg.BroadcastTimeout(),
	}, deps.Runner)

	pusher := submitter.New(submitter.Config{
		SubmitRetries:     cfg.Middleware.SubmitRetries,
		SendCheckInterval: cfg.SendCheckInterval(),
		MaxBlockLag:       cfg.MaxBlockLag(),
		MinBlocksBetween:  cfg.Chain.MinBlocksBetween,
	}, d.chain, reconciler, broadcaster, d.sequences, st, clock)

	runner := jobrun.NewClient(jobrun.Options{
		URL:         cfg.Chainlink.URL,
		Retries:     cfg.Middleware.SubmitRetries,
		Timeout:     jobRunTimeout,
		Credentials: cfg.LoadCredentials,
	})

	d.health = health.NewHealthChecker(cfg.HealthInterval())
	d.health.AddCheck(health.NewCheck("chain", func(ctx context.Context) error {
		status, err := d.chain.Status(ctx)
		if err != nil {
			return err
		}
		if status.CatchingUp {
			return fmt.Errorf("node is catching up at height %d", status.Height)
		}
		return nil
	}))
	d.health.AddCheck(health.NewCheck("store", func(context.Context) error {
		return st.Ping()
	}))

	d.scheduler = scheduler.New(scheduler.Config{
		Operator:          cfg.Chain.From,
		BlockInterval:     cfg.BlockInterval(),
		SendCheckInterval: cfg.SendCheckInterval(),
	}, d.chain, reconciler, runner, st, cfg, clock)

	if cfg.Chain.SubscribeBlocks && d.events != nil {
		d.subscriber = subscribe.NewSubscribeManager(d.events)
	}

	d.processor = bridge.NewProcessor(d.ctx, cfg.Chain.From, engine, reconciler, pusher, st, cfg, clock)
	d.server = bridge.NewServer(bridge.DefaultConfig(cfg.ListenAddr()), d.processor, st, cfg, d.health, d.metrics.Handler())

	return d, nil
}

// Start brings up the drivers and the external adapter
func (d *Daemon) Start() error {
	if seq, err := d.sequences.SyncFromChain(d.ctx); err != nil {
		d.logger.Warn().Err(err).Msg("failed to read account sequence, will retry on first submission")
	} else {
		telemetry.SetAccountSequence(seq)
	}

	if d.subscriber != nil {
		if err := d.subscribeBlocks(); err != nil {
			d.logger.Warn().Err(err).Dur("interval", d.cfg.BlockInterval()).Msg("block subscription unavailable, polling on interval")
		}
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.health.Start(d.ctx)
	}()
	go func() {
		defer d.wg.Done()
		if err := d.server.Start(d.ctx); err != nil {
			d.fail(fmt.Errorf("external adapter failed: %w", err))
		}
	}()

	d.scheduler.Start(d.ctx)

	d.logger.Info().Str("from", d.cfg.Chain.From).Strs("feeds", d.cfg.FeedNames()).Msg("oracle daemon started")
	return nil
}

func (d *Daemon) subscribeBlocks() error {
	if d.rpc != nil {
		if err := d.rpc.Start(); err != nil {
			return fmt.Errorf("failed to start client: %w", err)
		}
	}
	if err := d.subscriber.SubscribeBlocks(d.ctx); err != nil {
		return err
	}
	d.scheduler.SetBlocks(d.subscriber.Blocks())
	return nil
}

// Stop cancels every component and waits for in-flight work to drain
func (d *Daemon) Stop() {
	d.once.Do(func() {
		d.cancel()
		d.scheduler.Stop()

		if d.subscriber != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.subscriber.Close(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("failed to unsubscribe")
			}
			cancel()
		}
		if d.rpc != nil && d.rpc.IsRunning() {
			if err := d.rpc.Stop(); err != nil {
				d.logger.Warn().Err(err).Msg("failed to stop client")
			}
		}

		d.processor.Wait()
		d.wg.Wait()

		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("failed to close store")
		}
		d.logger.Info().Msg("oracle daemon stopped")
	})
}

// Wait blocks until the daemon context is done or a component fails.
func (d *Daemon) Wait() error {
	select {
	case err := <-d.errs:
		return err
	case <-d.ctx.Done():
		return nil
	}
}

func (d *Daemon) fail(err error) {
	select {
	case d.errs <- err:
	default:
	}
}

// Addr is the bound address of the external adapter, nil until it listens.
func (d *Daemon) Addr() net.Addr {
	return d.server.Addr()
}

func (d *Daemon) Store() *store.Store {
	return d.store
}
