package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// ErrNoSigner is returned when a write is attempted without a configured key.
var ErrNoSigner = errors.New("wallet private key not configured")

// SwapLeg carries the router parameters for one direction of swaps: one pool
// fee (uint24) and one minimum output per basket token.
type SwapLeg struct {
	Fees    []uint32
	MinOuts []*big.Int
}

// RebalanceParams is the single-call payload of a vault rebalance.
type RebalanceParams struct {
	TokenNames  []string
	Percentages []*big.Int
	ToBase      SwapLeg
	FromBase    SwapLeg
}

// CreateVaultParams is the factory payload for deploying a new vault.
type CreateVaultParams struct {
	TokenNames  []string
	Percentages []*big.Int
	Name        string
	Symbol      string
}

// Writer signs and submits vault, token and factory transactions.
type Writer struct {
	backend *RPCBackend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	sendMu  sync.Mutex
	logger  zerolog.Logger
}

// NewWriter parses the hex private key. chainID <= 0 means "ask the node".
func NewWriter(backend *RPCBackend, privateKeyHex string, chainID int64, logger zerolog.Logger) (*Writer, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return nil, ErrNoSigner
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	w := &Writer{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		logger:  logger.With().Str("component", "chain_writer").Logger(),
	}
	if chainID > 0 {
		w.chainID = big.NewInt(chainID)
	}
	return w, nil
}

// From is the signer address.
func (w *Writer) From() common.Address { return w.from }

// Approve submits ERC-20 approve(spender, amount) on token.
func (w *Writer) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (*types.Transaction, error) {
	return w.transact(ctx, token, ERC20ABI, "approve", spender, amount)
}

// Deposit submits deposit(amountIn, poolFees, minOuts) on vault.
func (w *Writer) Deposit(ctx context.Context, vault common.Address, amount *big.Int, leg SwapLeg) (*types.Transaction, error) {
	return w.transact(ctx, vault, VaultABI, "deposit", amount, feesArg(leg.Fees), minOutsArg(leg.MinOuts))
}

// Withdraw submits the pro-rata withdraw(shares).
func (w *Writer) Withdraw(ctx context.Context, vault common.Address, shares *big.Int) (*types.Transaction, error) {
	return w.transact(ctx, vault, VaultABI, "withdraw", shares)
}

// WithdrawToBase submits withdrawUSDC(shares, poolFees, minOuts).
func (w *Writer) WithdrawToBase(ctx context.Context, vault common.Address, shares *big.Int, leg SwapLeg) (*types.Transaction, error) {
	return w.transact(ctx, vault, VaultABI, "withdrawUSDC", shares, feesArg(leg.Fees), minOutsArg(leg.MinOuts))
}

// Rebalance submits the two-leg rebalance call.
func (w *Writer) Rebalance(ctx context.Context, vault common.Address, p RebalanceParams) (*types.Transaction, error) {
	return w.transact(ctx, vault, VaultABI, "rebalance",
		p.TokenNames,
		bigs(p.Percentages),
		feesArg(p.ToBase.Fees),
		minOutsArg(p.ToBase.MinOuts),
		feesArg(p.FromBase.Fees),
		minOutsArg(p.FromBase.MinOuts),
	)
}

// CreateVault submits createVault on the factory.
func (w *Writer) CreateVault(ctx context.Context, factory common.Address, p CreateVaultParams) (*types.Transaction, error) {
	return w.transact(ctx, factory, FactoryABI, "createVault", p.TokenNames, bigs(p.Percentages), p.Name, p.Symbol)
}

// WaitMined blocks until the transaction has a receipt or ctx expires.
func (w *Writer) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	client, err := w.backend.Client(ctx)
	if err != nil {
		return nil, err
	}
	return bind.WaitMined(ctx, client, tx)
}

func (w *Writer) transact(ctx context.Context, target common.Address, contractABI abi.ABI, method string, args ...any) (*types.Transaction, error) {
	client, err := w.backend.Client(ctx)
	if err != nil {
		return nil, err
	}

	// Nonce selection and broadcast must not interleave across targets.
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	if w.chainID == nil {
		id, err := client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
		w.chainID = id
	}

	opts, err := bind.NewKeyedTransactorWithChainID(w.key, w.chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	contract := bind.NewBoundContract(target, contractABI, client, client, client)
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, target.Hex(), err)
	}

	w.logger.Info().
		Str("method", method).
		Str("target", target.Hex()).
		Str("tx", tx.Hash().Hex()).
		Uint64("nonce", tx.Nonce()).
		Msg("transaction submitted")
	return tx, nil
}

func feesArg(fees []uint32) []*big.Int {
	out := make([]*big.Int, len(fees))
	for i, fee := range fees {
		out[i] = new(big.Int).SetUint64(uint64(fee))
	}
	return out
}

func minOutsArg(minOuts []*big.Int) []*big.Int {
	return bigs(minOuts)
}

func bigs(values []*big.Int) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		if v == nil {
			out[i] = new(big.Int)
			continue
		}
		out[i] = new(big.Int).Set(v)
	}
	return out
}
