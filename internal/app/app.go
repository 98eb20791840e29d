package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"etf-vault/internal/alerting"
	"etf-vault/internal/api"
	"etf-vault/internal/chain"
	"etf-vault/internal/config"
	"etf-vault/internal/directory"
	"etf-vault/internal/metrics"
	"etf-vault/internal/portfolio"
	"etf-vault/internal/position"
	"etf-vault/internal/pricefeed"
	"etf-vault/internal/scheduler"
	"etf-vault/internal/service"
	"etf-vault/internal/snapshot"
	"etf-vault/internal/storage"
	"etf-vault/internal/tokens"
	"etf-vault/internal/txn"
	"etf-vault/internal/valuation"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Metrics: metrics.New()}
}

// chainStack is the read side shared by every command.
type chainStack struct {
	backend *chain.RPCBackend
	reader  *chain.Reader
}

func (c *chainStack) Close() {
	c.reader.Close()
	c.backend.Close()
}

func (a *App) newChain() *chainStack {
	backend := chain.NewRPCBackend(chain.RPCOptions{
		URL:     a.Config.Ethereum.RPCURL,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
	reader := chain.NewReader(backend, chain.ReaderOptions{
		BatchSize:      a.Config.Ethereum.BatchSize,
		MaxConcurrency: a.Config.Ethereum.MaxConcurrency,
		Metrics:        a.Metrics,
	}, a.Logger)
	return &chainStack{backend: backend, reader: reader}
}

func (a *App) valuationParams() valuation.Params {
	base := a.Config.BaseAsset
	return valuation.Params{
		Base: valuation.Base{
			Address:  common.HexToAddress(base.Address),
			Symbol:   base.Symbol,
			Decimals: base.Decimals,
		},
		ShareDecimals: a.Config.Vault.ShareDecimals,
	}
}

func (a *App) staticTokens() map[common.Address]tokens.Metadata {
	table := make(map[common.Address]tokens.Metadata, len(a.Config.Tokens)+1)
	for _, t := range append([]config.TokenConfig{a.Config.BaseAsset}, a.Config.Tokens...) {
		if t.Address == "" {
			continue
		}
		table[common.HexToAddress(t.Address)] = tokens.Metadata{Symbol: t.Symbol, Decimals: t.Decimals}
	}
	return table
}

func (a *App) priceFeeds() []pricefeed.Feed {
	feeds := make([]pricefeed.Feed, 0, len(a.Config.PriceFeeds))
	for _, f := range a.Config.PriceFeeds {
		feeds = append(feeds, pricefeed.Feed{
			Token:    common.HexToAddress(f.Token),
			Address:  common.HexToAddress(f.Feed),
			Decimals: f.Decimals,
			MaxAge:   f.MaxAge,
		})
	}
	return feeds
}

func (a *App) newPipeline(cs *chainStack) *portfolio.Pipeline {
	reader := cs.reader
	components := portfolio.Components{
		Reader: reader,
		Directory: directory.New(reader, directory.Options{
			Factory:   a.Config.FactoryAddress(),
			CountSlot: a.Config.Factory.CountSlot,
			MaxVaults: a.Config.Factory.MaxProbe,
		}, a.Logger),
		Aggregator: snapshot.New(reader, snapshot.Options{TokensLengthSlot: a.Config.Vault.TokensLengthSlot}, a.Logger),
		Tokens:     tokens.NewCache(reader, a.staticTokens(), a.Logger),
		Prices:     pricefeed.New(reader, a.priceFeeds(), a.Logger),
		Positions:  position.New(reader, a.Config.Vault.ShareDecimals, a.Logger),
	}
	return portfolio.NewPipeline(components, portfolio.Options{
		Factory:   a.Config.FactoryAddress(),
		Valuation: a.valuationParams(),
	}, a.Metrics, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	if a.Config.Alerting.Enabled {
		return alerting.NewLogNotifier(a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// orchestratorDeps are the optional sinks of the transaction orchestrator.
type orchestratorDeps struct {
	recorder  txn.Recorder
	notifier  alerting.Notifier
	refresher txn.Refresher
}

func (a *App) newOrchestrator(cs *chainStack, deps orchestratorDeps) (*txn.Orchestrator, error) {
	if a.Config.Wallet.PrivateKey == "" {
		return nil, errors.New("wallet.private_key 未配置，无法发送交易")
	}
	writer, err := chain.NewWriter(cs.backend, a.Config.Wallet.PrivateKey, a.Config.Ethereum.ChainID, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("build writer: %w", err)
	}

	base := a.Config.BaseAssetAddress()
	opts := txn.Options{
		BaseAsset:       base,
		AllocationTotal: a.Config.Vault.AllocationTotal,
		ConfirmTimeout:  a.Config.Tx.ConfirmTimeout,
		Recorder:        deps.recorder,
		Refresher:       deps.refresher,
		Metrics:         a.Metrics,
	}
	if a.Config.Alerting.NotifyActions && deps.notifier != nil {
		opts.Notifier = alerting.ActionNotifier{Notifier: deps.notifier, Channels: a.Config.Alerting.Channels}
	}
	return txn.New(writer, cs.reader, txn.NewAllowanceCache(cs.reader, base), opts, a.Logger), nil
}

// Run executes the long-running refresh daemon and its HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	cs := a.newChain()
	defer cs.Close()

	pipeline := a.newPipeline(cs)
	trigger := portfolio.NewTrigger()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Trigger:      trigger.C(),
	}, a.Logger)

	notifier := a.newNotifier()

	var sampleStore storage.SampleStore
	var alertStore storage.AlertStore
	var actionStore storage.ActionStore
	if store != nil {
		sampleStore = store
		alertStore = store
		actionStore = store
	}

	// 交易由 CLI 命令发起并写入 tx_actions，守护进程只负责展示
	deps := api.Deps{Views: pipeline, Trigger: trigger, Actions: actionStore, Metrics: a.Metrics.Handler()}

	svc := service.New(a.Config, sched, pipeline, sampleStore, alertStore, notifier, a.Metrics, a.Logger)

	apiErr := make(chan error, 1)
	if a.Config.API.Enabled {
		server := api.NewServer(deps, a.Logger)
		go func() { apiErr <- server.ListenAndServe(ctx, a.Config.API.Listen) }()
	}

	// 启动时立即刷新一次，不等第一个周期。
	trigger.Request()

	a.Logger.Info().Str("factory", a.Config.FactoryAddress().Hex()).Msg("starting vault service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	if a.Config.API.Enabled {
		if err := <-apiErr; err != nil {
			a.Logger.Error().Err(err).Msg("api server stopped with error")
		}
	}

	a.Logger.Info().Msg("vault service stopped")
	return nil
}

// ExportOptions hold parameters for exporting NAV history.
type ExportOptions struct {
	Vault     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit   int
	History bool
	Alerts  bool
	Block   int64
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	FromBlock uint64
	ToBlock   uint64
	Step      uint64
	DryRun    bool
	Workers   int
}
