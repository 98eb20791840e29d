// Package portfolio runs the read pipeline (directory, snapshots, token
// metadata, prices, valuation, positions) and publishes immutable, versioned
// views of the result.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"etf-vault/internal/chain"
	"etf-vault/internal/directory"
	"etf-vault/internal/integrity"
	"etf-vault/internal/metrics"
	"etf-vault/internal/position"
	"etf-vault/internal/pricefeed"
	"etf-vault/internal/snapshot"
	"etf-vault/internal/tokens"
	"etf-vault/internal/valuation"
)

// ErrConfiguration means a required address or endpoint is missing.
var ErrConfiguration = errors.New("configuration error")

// VaultView pairs a raw snapshot with its derived valuation.
type VaultView struct {
	Snapshot snapshot.Vault `json:"snapshot"`
	Derived  valuation.View `json:"derived"`
}

// View is one published refresh. It is never mutated after publication.
type View struct {
	Version        uint64                             `json:"version"`
	Actor          *common.Address                    `json:"actor,omitempty"`
	Block          uint64                             `json:"block"`
	RefreshedAt    time.Time                          `json:"refreshed_at"`
	Vaults         []VaultView                        `json:"vaults"`
	Positions      []position.Position                `json:"positions"`
	TVL            decimal.Decimal                    `json:"tvl"`
	PortfolioValue decimal.Decimal                    `json:"portfolio_value"`
	Tokens         map[common.Address]tokens.Metadata `json:"tokens"`
	Prices         valuation.Prices                   `json:"prices"`
	Warnings       []integrity.Warning                `json:"warnings"`
}

// Vault finds one vault by address.
func (v *View) Vault(addr common.Address) (VaultView, bool) {
	if v == nil {
		return VaultView{}, false
	}
	for _, vv := range v.Vaults {
		if vv.Snapshot.Address == addr {
			return vv, true
		}
	}
	return VaultView{}, false
}

// Addresses lists vaults in directory order.
func (v *View) Addresses() []common.Address {
	if v == nil {
		return nil
	}
	out := make([]common.Address, len(v.Vaults))
	for i, vv := range v.Vaults {
		out[i] = vv.Snapshot.Address
	}
	return out
}

// Components are the stages of the pipeline.
type Components struct {
	Reader     *chain.Reader
	Directory  *directory.Directory
	Aggregator *snapshot.Aggregator
	Tokens     *tokens.Cache
	Prices     *pricefeed.Reader
	Positions  *position.Tracker
}

// Options carry the fixed inputs of the pipeline.
type Options struct {
	Factory   common.Address
	Valuation valuation.Params
}

// Pipeline runs refresh cycles and holds the latest published view.
type Pipeline struct {
	c       Components
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger

	versions   atomic.Uint64
	current    atomic.Pointer[View]
	configOnce sync.Once
}

// NewPipeline wires the stages together.
func NewPipeline(c Components, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		c:       c,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "pipeline").Logger(),
	}
}

// Current returns the latest published view, or nil before the first refresh.
func (p *Pipeline) Current() *View {
	return p.current.Load()
}

// Refresh runs one cycle for actor at block (nil = latest) and publishes the
// result. A refresh that finishes after a newer one does not replace it.
func (p *Pipeline) Refresh(ctx context.Context, actor *common.Address, block *big.Int) (*View, error) {
	version := p.versions.Add(1)
	start := time.Now()

	view, err := p.build(ctx, version, actor, block)
	if err != nil {
		p.metrics.ObserveRefresh("error", time.Since(start).Seconds())
		return nil, err
	}

	if !p.publish(view) {
		p.metrics.ObserveRefresh("superseded", time.Since(start).Seconds())
		p.logger.Debug().Uint64("version", version).Msg("refresh superseded by a newer version")
		return view, nil
	}

	p.metrics.ObserveRefresh("ok", time.Since(start).Seconds())
	p.metrics.SetVersion(version)
	p.logger.Info().
		Uint64("version", version).
		Uint64("block", view.Block).
		Int("vaults", len(view.Vaults)).
		Int("positions", len(view.Positions)).
		Int("warnings", len(view.Warnings)).
		Str("tvl", view.TVL.StringFixed(2)).
		Dur("took", time.Since(start)).
		Msg("portfolio refreshed")
	return view, nil
}

// At builds a view at a historical block without publishing it.
func (p *Pipeline) At(ctx context.Context, actor *common.Address, block *big.Int) (*View, error) {
	return p.build(ctx, 0, actor, block)
}

func (p *Pipeline) publish(view *View) bool {
	for {
		cur := p.current.Load()
		if cur != nil && cur.Version > view.Version {
			return false
		}
		if p.current.CompareAndSwap(cur, view) {
			return true
		}
	}
}

func (p *Pipeline) build(ctx context.Context, version uint64, actor *common.Address, block *big.Int) (*View, error) {
	if err := p.checkConfig(); err != nil {
		return nil, err
	}

	if block == nil {
		head, err := p.c.Reader.LatestBlock(ctx)
		if errors.Is(err, chain.ErrNoEndpoint) {
			return nil, p.configError("rpc endpoint")
		}
		if err != nil {
			return nil, fmt.Errorf("pin refresh block: %w", err)
		}
		block = head
	}

	warn := integrity.NewCollector(p.logger, p.metrics)

	vaults := p.c.Directory.ListVaults(ctx, block, warn)
	snaps := p.c.Aggregator.Snapshot(ctx, vaults, actor, block, warn)

	addrs := []common.Address{p.opts.Valuation.Base.Address}
	for _, vault := range vaults {
		addrs = append(addrs, snaps[vault].Tokens...)
	}
	meta := p.c.Tokens.Resolve(ctx, addrs, block)

	prices := valuation.Prices{}
	if p.c.Prices != nil {
		prices = p.c.Prices.Read(ctx, block, warn)
	}

	view := &View{
		Version:     version,
		Block:       block.Uint64(),
		RefreshedAt: time.Now().UTC(),
		Vaults:      make([]VaultView, 0, len(vaults)),
		Tokens:      meta,
		Prices:      prices,
	}
	if actor != nil {
		a := *actor
		view.Actor = &a
	}

	derived := make(map[common.Address]valuation.View, len(vaults))
	views := make([]valuation.View, 0, len(vaults))
	for _, vault := range vaults {
		d := valuation.DeriveView(snaps[vault], meta, prices, p.opts.Valuation)
		derived[vault] = d
		views = append(views, d)
		view.Vaults = append(view.Vaults, VaultView{Snapshot: snaps[vault], Derived: d})
	}
	view.TVL = valuation.TVL(views)

	if p.c.Positions != nil {
		view.Positions = p.c.Positions.Positions(ctx, vaults, derived, actor, block)
	}
	view.PortfolioValue = position.Total(view.Positions)
	view.Warnings = warn.Warnings()
	return view, nil
}

func (p *Pipeline) checkConfig() error {
	var missing string
	switch {
	case p.c.Reader == nil:
		missing = "rpc endpoint"
	case p.opts.Factory == (common.Address{}):
		missing = "factory address"
	}
	if missing == "" {
		return nil
	}
	return p.configError(missing)
}

// configError is logged on first occurrence only; every cycle still fails.
func (p *Pipeline) configError(missing string) error {
	err := fmt.Errorf("%w: %s is not configured", ErrConfiguration, missing)
	p.configOnce.Do(func() {
		p.logger.Error().Err(err).Msg("aggregation halted")
	})
	return err
}

// Trigger is the refresh counter. Requests coalesce while one is pending.
type Trigger struct {
	count atomic.Uint64
	ch    chan struct{}
}

// NewTrigger returns an idle trigger.
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// Request increments the counter and wakes the refresh loop.
func (t *Trigger) Request() uint64 {
	n := t.count.Add(1)
	select {
	case t.ch <- struct{}{}:
	default:
	}
	return n
}

// C delivers one value per batch of requests.
func (t *Trigger) C() <-chan struct{} {
	return t.ch
}

// Count is the number of requests so far.
func (t *Trigger) Count() uint64 {
	return t.count.Load()
}
