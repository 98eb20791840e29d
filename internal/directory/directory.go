package directory

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"etf-vault/internal/chain"
	"etf-vault/internal/integrity"
)

const (
	defaultMaxVaults = 10_000
	defaultProbePage = 16
)

// Options parameterise vault discovery.
type Options struct {
	Factory   common.Address
	CountSlot uint64
	// MaxVaults bounds both a believable storage length and the accessor probe.
	MaxVaults int
	ProbePage int
}

// Directory resolves the live vault set from the factory.
type Directory struct {
	reader *chain.Reader
	opts   Options
	logger zerolog.Logger
}

// New constructs a Directory.
func New(reader *chain.Reader, opts Options, logger zerolog.Logger) *Directory {
	if opts.MaxVaults <= 0 {
		opts.MaxVaults = defaultMaxVaults
	}
	if opts.ProbePage <= 0 {
		opts.ProbePage = defaultProbePage
	}
	return &Directory{reader: reader, opts: opts, logger: logger.With().Str("component", "directory").Logger()}
}

// ListVaults returns vault addresses in creation order. Indices whose getter
// failed or returned the zero address are dropped, never replaced.
func (d *Directory) ListVaults(ctx context.Context, block *big.Int, warn *integrity.Collector) []common.Address {
	word, err := d.reader.ReadStorageSlot(ctx, d.opts.Factory, d.opts.CountSlot, block)
	if err != nil {
		d.logger.Warn().Err(err).Msg("vault count slot unreadable, probing accessor")
		return d.probe(ctx, block)
	}

	if !word.IsInt64() || word.Int64() > int64(d.opts.MaxVaults) {
		warn.Report(integrity.Warning{
			Kind:     integrity.FactoryLength,
			Subject:  d.opts.Factory,
			Detail:   "factory storage length not plausible, probing accessor",
			Expected: uint64(d.opts.MaxVaults),
			Observed: word.Uint64(),
		})
		return d.probe(ctx, block)
	}

	count := int(word.Int64())
	// one extra index past the stored length cross-checks the slot against the accessor
	calls := make([]chain.Call, count+1)
	for i := range calls {
		calls[i] = vaultAt(d.opts.Factory, i)
	}
	results := d.reader.BatchCall(ctx, calls, block)

	vaults := make([]common.Address, 0, count)
	for i := 0; i < count; i++ {
		addr, ok := results[i].Address(0)
		if !ok || addr == (common.Address{}) {
			d.logger.Debug().Int("index", i).Err(results[i].Err).Msg("skip vault index")
			continue
		}
		vaults = append(vaults, addr)
	}

	if extra, ok := results[count].Address(0); ok && extra != (common.Address{}) {
		warn.Report(integrity.Warning{
			Kind:     integrity.FactoryLength,
			Subject:  d.opts.Factory,
			Detail:   "factory accessor returns a vault beyond the stored length",
			Expected: uint64(count),
			Observed: uint64(count + 1),
		})
	}

	return vaults
}

// probe walks vaults(i) page by page until the first failing or empty index.
func (d *Directory) probe(ctx context.Context, block *big.Int) []common.Address {
	vaults := make([]common.Address, 0)
	for start := 0; start < d.opts.MaxVaults; start += d.opts.ProbePage {
		end := min(start+d.opts.ProbePage, d.opts.MaxVaults)
		calls := make([]chain.Call, 0, end-start)
		for i := start; i < end; i++ {
			calls = append(calls, vaultAt(d.opts.Factory, i))
		}

		for _, res := range d.reader.BatchCall(ctx, calls, block) {
			addr, ok := res.Address(0)
			if !ok || addr == (common.Address{}) {
				return vaults
			}
			vaults = append(vaults, addr)
		}
	}
	return vaults
}

func vaultAt(factory common.Address, index int) chain.Call {
	return chain.Call{
		Target: factory,
		ABI:    &chain.FactoryABI,
		Method: "vaults",
		Args:   []any{big.NewInt(int64(index))},
	}
}
