package snapshot

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"etf-vault/internal/chain"
	"etf-vault/internal/integrity"
)

// Per-vault call layout inside the batch.
const (
	callTokens = iota
	callAllocations
	callHoldings
	callRebalancer
	callTotalAssets
	callTotalSupply
	stride
)

// Vault is the raw on-chain state of one vault at one block. Tokens,
// Allocations and TokenBalances are index-aligned and always equal length.
type Vault struct {
	Address       common.Address   `json:"address"`
	Tokens        []common.Address `json:"tokens"`
	Allocations   []*big.Int       `json:"allocations"`
	BaseBalance   *big.Int         `json:"base_balance"`
	TokenBalances []*big.Int       `json:"token_balances"`
	// IsRebalancer is scoped to the actor the snapshot was taken for.
	IsRebalancer bool     `json:"is_rebalancer"`
	TotalAssets  *big.Int `json:"total_assets"`
	TotalSupply  *big.Int `json:"total_supply"`
	// Defaulted lists the reads that failed and were replaced by defaults.
	Defaulted []string `json:"defaulted,omitempty"`
}

// Options parameterise the aggregator.
type Options struct {
	// TokensLengthSlot, when >= 0, is the storage slot holding the length of
	// the vault's token array; it is cross-checked against getTokens().
	TokensLengthSlot int64
}

// Aggregator gathers vault snapshots with one batched read per vault set.
type Aggregator struct {
	reader *chain.Reader
	opts   Options
	logger zerolog.Logger
}

// New constructs an Aggregator.
func New(reader *chain.Reader, opts Options, logger zerolog.Logger) *Aggregator {
	return &Aggregator{reader: reader, opts: opts, logger: logger.With().Str("component", "aggregator").Logger()}
}

// Snapshot reads every vault at block for actor (nil = no connected actor).
// Failed reads fall back to empty sequences, zero and false; a vault is never dropped.
func (a *Aggregator) Snapshot(ctx context.Context, vaults []common.Address, actor *common.Address, block *big.Int, warn *integrity.Collector) map[common.Address]Vault {
	who := common.Address{}
	if actor != nil {
		who = *actor
	}

	calls := make([]chain.Call, 0, len(vaults)*stride)
	for _, vault := range vaults {
		calls = append(calls,
			vaultCall(vault, "getTokens"),
			vaultCall(vault, "getAllocations"),
			vaultCall(vault, "holdings"),
			vaultCall(vault, "isRebalancer", who),
			vaultCall(vault, "totalAssets"),
			vaultCall(vault, "totalSupply"),
		)
	}

	results := a.reader.BatchCall(ctx, calls, block)

	out := make(map[common.Address]Vault, len(vaults))
	for i, vault := range vaults {
		snap := a.assemble(vault, results[i*stride:(i+1)*stride], actor != nil, warn)
		if a.opts.TokensLengthSlot >= 0 {
			if tokens, ok := results[i*stride+callTokens].Addresses(0); ok {
				a.checkTokenSlot(ctx, vault, block, len(tokens), warn)
			}
		}
		out[vault] = snap
	}
	return out
}

func (a *Aggregator) assemble(vault common.Address, res []chain.Result, hasActor bool, warn *integrity.Collector) Vault {
	snap := Vault{Address: vault}
	defaulted := func(method string, r chain.Result) {
		snap.Defaulted = append(snap.Defaulted, method)
		a.logger.Warn().Err(r.Err).Str("vault", vault.Hex()).Str("method", method).Msg("read failed, using default")
	}

	tokens, tokensOK := res[callTokens].Addresses(0)
	if !tokensOK {
		defaulted("getTokens", res[callTokens])
	}
	allocations, allocOK := res[callAllocations].BigInts(0)
	if !allocOK {
		defaulted("getAllocations", res[callAllocations])
	}

	snap.BaseBalance = new(big.Int)
	var balances []*big.Int
	base, baseOK := res[callHoldings].BigInt(0)
	bals, balsOK := res[callHoldings].BigInts(1)
	if baseOK && balsOK {
		snap.BaseBalance = base
		balances = bals
	} else {
		balsOK = false
		defaulted("holdings", res[callHoldings])
	}

	if hasActor {
		isRebalancer, ok := res[callRebalancer].Bool(0)
		if !ok {
			defaulted("isRebalancer", res[callRebalancer])
		}
		snap.IsRebalancer = ok && isRebalancer
	}

	snap.TotalAssets = bigOrZero(res[callTotalAssets], func() { defaulted("totalAssets", res[callTotalAssets]) })
	snap.TotalSupply = bigOrZero(res[callTotalSupply], func() { defaulted("totalSupply", res[callTotalSupply]) })

	n := max(len(tokens), len(allocations), len(balances))
	observed := make([]int, 0, 3)
	if tokensOK {
		observed = append(observed, len(tokens))
	}
	if allocOK {
		observed = append(observed, len(allocations))
	}
	if balsOK {
		observed = append(observed, len(balances))
	}
	for _, l := range observed {
		if l != n {
			warn.Report(integrity.Warning{
				Kind:     integrity.SequenceLength,
				Subject:  vault,
				Detail:   "vault token, allocation and balance sequences disagree in length",
				Expected: uint64(n),
				Observed: uint64(l),
			})
			break
		}
	}

	snap.Tokens = padAddresses(tokens, n)
	snap.Allocations = padBigs(allocations, n)
	snap.TokenBalances = padBigs(balances, n)
	return snap
}

func (a *Aggregator) checkTokenSlot(ctx context.Context, vault common.Address, block *big.Int, viaAccessor int, warn *integrity.Collector) {
	word, err := a.reader.ReadStorageSlot(ctx, vault, uint64(a.opts.TokensLengthSlot), block)
	if err != nil {
		a.logger.Debug().Err(err).Str("vault", vault.Hex()).Msg("token length slot unreadable")
		return
	}
	if !word.IsUint64() || word.Uint64() != uint64(viaAccessor) {
		warn.Report(integrity.Warning{
			Kind:     integrity.TokenLength,
			Subject:  vault,
			Detail:   "storage token length differs from getTokens()",
			Expected: uint64(viaAccessor),
			Observed: word.Uint64(),
		})
	}
}

func vaultCall(vault common.Address, method string, args ...any) chain.Call {
	return chain.Call{Target: vault, ABI: &chain.VaultABI, Method: method, Args: args}
}

func bigOrZero(r chain.Result, onDefault func()) *big.Int {
	if v, ok := r.BigInt(0); ok {
		return v
	}
	onDefault()
	return new(big.Int)
}

func padAddresses(in []common.Address, n int) []common.Address {
	out := make([]common.Address, n)
	copy(out, in)
	return out
}

func padBigs(in []*big.Int, n int) []*big.Int {
	out := make([]*big.Int, n)
	for i := range out {
		if i < len(in) && in[i] != nil {
			out[i] = in[i]
			continue
		}
		out[i] = new(big.Int)
	}
	return out
}
