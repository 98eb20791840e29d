// Package txn sequences allowance-gated vault transactions through a small
// per-target state machine: Idle, AwaitingApproval, AwaitingAction, then
// Confirmed or Failed, and back to Idle.
package txn

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"etf-vault/internal/chain"
	"etf-vault/internal/metrics"
)

// DefaultConfirmTimeout bounds the wait for a receipt.
const DefaultConfirmTimeout = 3 * time.Minute

// Writer submits transactions and waits for their receipts.
type Writer interface {
	From() common.Address
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (*types.Transaction, error)
	Deposit(ctx context.Context, vault common.Address, amount *big.Int, leg chain.SwapLeg) (*types.Transaction, error)
	Withdraw(ctx context.Context, vault common.Address, shares *big.Int) (*types.Transaction, error)
	WithdrawToBase(ctx context.Context, vault common.Address, shares *big.Int, leg chain.SwapLeg) (*types.Transaction, error)
	Rebalance(ctx context.Context, vault common.Address, p chain.RebalanceParams) (*types.Transaction, error)
	CreateVault(ctx context.Context, factory common.Address, p chain.CreateVaultParams) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Recorder persists transitions to an audit log.
type Recorder interface {
	RecordAction(ctx context.Context, s Status) error
}

// Notifier is told about confirmed and failed actions.
type Notifier interface {
	NotifyAction(ctx context.Context, s Status) error
}

// Refresher is the refresh counter bumped after a confirmed action.
type Refresher interface {
	Request() uint64
}

// Options configure an Orchestrator. Recorder, Notifier, Refresher and
// Metrics are optional.
type Options struct {
	BaseAsset       common.Address
	AllocationTotal int64
	ConfirmTimeout  time.Duration
	Recorder        Recorder
	Notifier        Notifier
	Refresher       Refresher
	Metrics         *metrics.Metrics
}

// Orchestrator runs at most one action per target at a time.
type Orchestrator struct {
	writer     Writer
	reader     *chain.Reader
	allowances *AllowanceCache
	opts       Options
	logger     zerolog.Logger

	busy   *xsync.Map[common.Address, string]
	status *xsync.Map[common.Address, Status]

	mu        sync.RWMutex
	observers []Observer
}

// New constructs an Orchestrator.
func New(writer Writer, reader *chain.Reader, allowances *AllowanceCache, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.AllocationTotal <= 0 {
		opts.AllocationTotal = 100
	}
	return &Orchestrator{
		writer:     writer,
		reader:     reader,
		allowances: allowances,
		opts:       opts,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		busy:       xsync.NewMap[common.Address, string](),
		status:     xsync.NewMap[common.Address, Status](),
	}
}

// Observe registers fn for every transition.
func (o *Orchestrator) Observe(fn Observer) {
	o.mu.Lock()
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
}

// Status returns the latest transition of target; Idle when nothing ran yet.
func (o *Orchestrator) Status(target common.Address) Status {
	if s, ok := o.status.Load(target); ok {
		return s
	}
	return Status{Target: target, State: StateIdle}
}

// DepositRequest deposits Amount of the base asset into Vault.
type DepositRequest struct {
	Vault  common.Address
	Amount *big.Int
	Leg    chain.SwapLeg
}

// Deposit approves exactly Amount when the cached allowance is short, waits
// for that approval, then deposits.
func (o *Orchestrator) Deposit(ctx context.Context, req DepositRequest) (Status, error) {
	if !positive(req.Amount) {
		return Status{}, ErrInvalidAmount
	}
	act, err := o.begin(req.Vault, KindDeposit)
	if err != nil {
		return Status{}, err
	}
	defer o.release(req.Vault)

	owner := o.writer.From()
	allowance, err := o.allowances.Get(ctx, owner, req.Vault)
	if err != nil {
		o.logger.Warn().Err(err).Str("vault", req.Vault.Hex()).Msg("allowance unreadable, approving")
		allowance = new(big.Int)
	}

	if allowance.Cmp(req.Amount) < 0 {
		// the base asset is claimed before any transition, so a second
		// deposit waiting on it is rejected like any other busy target
		if err := o.claim(o.opts.BaseAsset, act.id, act.kind); err != nil {
			return Status{}, err
		}
		err := o.approve(ctx, act, owner, req.Vault, req.Amount)
		o.release(o.opts.BaseAsset)
		if err != nil {
			return o.fail(ctx, act, err)
		}
	}

	return o.submit(ctx, act, func(ctx context.Context) (*types.Transaction, error) {
		return o.writer.Deposit(ctx, req.Vault, req.Amount, req.Leg)
	})
}

// Withdraw burns shares for a pro-rata basket payout.
func (o *Orchestrator) Withdraw(ctx context.Context, vault common.Address, shares *big.Int) (Status, error) {
	if !positive(shares) {
		return Status{}, ErrInvalidAmount
	}
	act, err := o.begin(vault, KindWithdraw)
	if err != nil {
		return Status{}, err
	}
	defer o.release(vault)

	return o.submit(ctx, act, func(ctx context.Context) (*types.Transaction, error) {
		return o.writer.Withdraw(ctx, vault, shares)
	})
}

// WithdrawToBase burns shares and swaps the payout into the base asset.
func (o *Orchestrator) WithdrawToBase(ctx context.Context, vault common.Address, shares *big.Int, leg chain.SwapLeg) (Status, error) {
	if !positive(shares) {
		return Status{}, ErrInvalidAmount
	}
	act, err := o.begin(vault, KindWithdrawToBase)
	if err != nil {
		return Status{}, err
	}
	defer o.release(vault)

	return o.submit(ctx, act, func(ctx context.Context) (*types.Transaction, error) {
		return o.writer.WithdrawToBase(ctx, vault, shares, leg)
	})
}

// Rebalance replaces the vault basket in one call. The signer must be a
// rebalancer of the vault at the latest block.
func (o *Orchestrator) Rebalance(ctx context.Context, vault common.Address, p chain.RebalanceParams) (Status, error) {
	if err := o.validateBasket(p.TokenNames, p.Percentages); err != nil {
		return Status{}, err
	}
	act, err := o.begin(vault, KindRebalance)
	if err != nil {
		return Status{}, err
	}
	defer o.release(vault)

	allowed, err := o.isRebalancer(ctx, vault)
	if err != nil {
		return o.fail(ctx, act, fmt.Errorf("check rebalancer: %w", err))
	}
	if !allowed {
		return o.fail(ctx, act, ErrNotRebalancer)
	}

	return o.submit(ctx, act, func(ctx context.Context) (*types.Transaction, error) {
		return o.writer.Rebalance(ctx, vault, p)
	})
}

// CreateVault deploys a new vault through the factory.
func (o *Orchestrator) CreateVault(ctx context.Context, factory common.Address, p chain.CreateVaultParams) (Status, error) {
	if err := o.validateBasket(p.TokenNames, p.Percentages); err != nil {
		return Status{}, err
	}
	if p.Name == "" || p.Symbol == "" {
		return Status{}, fmt.Errorf("%w: name and symbol are required", ErrInvalidBasket)
	}
	act, err := o.begin(factory, KindCreateVault)
	if err != nil {
		return Status{}, err
	}
	defer o.release(factory)

	return o.submit(ctx, act, func(ctx context.Context) (*types.Transaction, error) {
		return o.writer.CreateVault(ctx, factory, p)
	})
}

type action struct {
	id     string
	target common.Address
	kind   Kind
	txHash common.Hash
}

// begin claims target or rejects the request without touching its state.
func (o *Orchestrator) begin(target common.Address, kind Kind) (*action, error) {
	id := uuid.NewString()
	if err := o.claim(target, id, kind); err != nil {
		return nil, err
	}
	return &action{id: id, target: target, kind: kind}, nil
}

func (o *Orchestrator) claim(target common.Address, id string, kind Kind) error {
	if _, loaded := o.busy.LoadOrStore(target, id); loaded {
		o.logger.Warn().Str("target", target.Hex()).Str("kind", string(kind)).Msg("action rejected, target busy")
		return fmt.Errorf("%w: %s", ErrBusy, target.Hex())
	}
	return nil
}

func (o *Orchestrator) release(target common.Address) {
	o.busy.Delete(target)
}

// approve runs the approval leg. The caller holds the base asset claim.
func (o *Orchestrator) approve(ctx context.Context, act *action, owner, spender common.Address, amount *big.Int) error {
	o.transition(ctx, act, StateAwaitingApproval, "")
	tx, err := o.writer.Approve(ctx, o.opts.BaseAsset, spender, amount)
	if err != nil {
		return fmt.Errorf("%w: approve: %v", ErrRejected, err)
	}
	act.txHash = tx.Hash()
	if err := o.confirm(ctx, tx); err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	o.allowances.Set(owner, spender, amount)
	return nil
}

// submit runs the action leg and settles the target.
func (o *Orchestrator) submit(ctx context.Context, act *action, send func(context.Context) (*types.Transaction, error)) (Status, error) {
	act.txHash = common.Hash{}
	o.transition(ctx, act, StateAwaitingAction, "")
	tx, err := send(ctx)
	if err != nil {
		return o.fail(ctx, act, fmt.Errorf("%w: %v", ErrRejected, err))
	}
	act.txHash = tx.Hash()
	o.transition(ctx, act, StateAwaitingAction, "")

	if err := o.confirm(ctx, tx); err != nil {
		return o.fail(ctx, act, err)
	}

	confirmed := o.transition(ctx, act, StateConfirmed, "")
	o.opts.Metrics.TxOutcome(string(act.kind), string(StateConfirmed))
	o.notify(ctx, confirmed)
	o.allowances.Invalidate()
	if o.opts.Refresher != nil {
		o.opts.Refresher.Request()
	}
	o.transition(ctx, act, StateIdle, "")
	return confirmed, nil
}

func (o *Orchestrator) fail(ctx context.Context, act *action, err error) (Status, error) {
	failed := o.transition(ctx, act, StateFailed, err.Error())
	o.opts.Metrics.TxOutcome(string(act.kind), string(StateFailed))
	o.notify(ctx, failed)
	o.transition(ctx, act, StateIdle, err.Error())
	return failed, err
}

// confirm waits for a successful receipt within the confirmation window.
func (o *Orchestrator) confirm(ctx context.Context, tx *types.Transaction) error {
	waitCtx, cancel := context.WithTimeout(ctx, o.opts.ConfirmTimeout)
	defer cancel()

	receipt, err := o.writer.WaitMined(waitCtx, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %s", ErrConfirmTimeout, o.opts.ConfirmTimeout, tx.Hash().Hex())
		}
		return fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s in block %v", ErrReverted, tx.Hash().Hex(), receipt.BlockNumber)
	}
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, act *action, state State, reason string) Status {
	s := Status{
		ActionID:  act.id,
		Target:    act.target,
		Kind:      act.kind,
		State:     state,
		Reason:    reason,
		TxHash:    act.txHash,
		UpdatedAt: time.Now().UTC(),
	}
	o.status.Store(act.target, s)
	o.opts.Metrics.TxTransition(string(act.kind), string(state))

	o.logger.Info().
		Str("action_id", act.id).
		Str("target", act.target.Hex()).
		Str("kind", string(act.kind)).
		Str("state", string(state)).
		Str("tx", act.txHash.Hex()).
		Str("reason", reason).
		Msg("action transition")

	if o.opts.Recorder != nil {
		if err := o.opts.Recorder.RecordAction(ctx, s); err != nil {
			o.logger.Warn().Err(err).Str("action_id", act.id).Msg("record action failed")
		}
	}

	o.mu.RLock()
	observers := o.observers
	o.mu.RUnlock()
	for _, fn := range observers {
		fn(s)
	}
	return s
}

func (o *Orchestrator) notify(ctx context.Context, s Status) {
	if o.opts.Notifier == nil {
		return
	}
	if err := o.opts.Notifier.NotifyAction(ctx, s); err != nil {
		o.logger.Warn().Err(err).Str("action_id", s.ActionID).Msg("action notification failed")
	}
}

func (o *Orchestrator) isRebalancer(ctx context.Context, vault common.Address) (bool, error) {
	res := o.reader.BatchCall(ctx, []chain.Call{{
		Target: vault,
		ABI:    &chain.VaultABI,
		Method: "isRebalancer",
		Args:   []any{o.writer.From()},
	}}, nil)
	ok, decoded := res[0].Bool(0)
	if !decoded {
		if res[0].Err != nil {
			return false, res[0].Err
		}
		return false, fmt.Errorf("isRebalancer on %s: unexpected result", vault.Hex())
	}
	return ok, nil
}

func (o *Orchestrator) validateBasket(names []string, percentages []*big.Int) error {
	if len(names) == 0 || len(names) != len(percentages) {
		return fmt.Errorf("%w: %d tokens, %d percentages", ErrInvalidBasket, len(names), len(percentages))
	}
	sum := new(big.Int)
	for _, p := range percentages {
		if p == nil || p.Sign() < 0 {
			return fmt.Errorf("%w: negative percentage", ErrInvalidBasket)
		}
		sum.Add(sum, p)
	}
	if sum.Cmp(big.NewInt(o.opts.AllocationTotal)) != 0 {
		return fmt.Errorf("%w: percentages sum to %s, want %d", ErrInvalidBasket, sum, o.opts.AllocationTotal)
	}
	return nil
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
