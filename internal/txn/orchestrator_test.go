package txn

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etf-vault/internal/chain"
	"etf-vault/internal/chain/chaintest"
)

var (
	usdc    = chaintest.Addr(0x1)
	vaultA  = chaintest.Addr(0xA)
	vaultB  = chaintest.Addr(0xB)
	factory = chaintest.Addr(0xFAC)
	signer  = chaintest.Addr(0x5157)
)

type sentTx struct {
	method string
	amount *big.Int
}

type fakeWriter struct {
	mu      sync.Mutex
	nonce   uint64
	sent    []sentTx
	methods map[common.Hash]string

	reject string
	revert string
	hold   string
	unhold chan struct{}
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{methods: make(map[common.Hash]string), unhold: make(chan struct{})}
}

func (f *fakeWriter) send(method string, amount *big.Int) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if method == f.reject {
		return nil, errors.New("user denied transaction signature")
	}
	tx := types.NewTx(&types.LegacyTx{Nonce: f.nonce, GasPrice: big.NewInt(1), Value: new(big.Int)})
	f.nonce++
	f.sent = append(f.sent, sentTx{method: method, amount: amount})
	f.methods[tx.Hash()] = method
	return tx, nil
}

func (f *fakeWriter) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.method
	}
	return out
}

func (f *fakeWriter) From() common.Address { return signer }

func (f *fakeWriter) Approve(_ context.Context, _, _ common.Address, amount *big.Int) (*types.Transaction, error) {
	return f.send("approve", amount)
}

func (f *fakeWriter) Deposit(_ context.Context, _ common.Address, amount *big.Int, _ chain.SwapLeg) (*types.Transaction, error) {
	return f.send("deposit", amount)
}

func (f *fakeWriter) Withdraw(_ context.Context, _ common.Address, shares *big.Int) (*types.Transaction, error) {
	return f.send("withdraw", shares)
}

func (f *fakeWriter) WithdrawToBase(_ context.Context, _ common.Address, shares *big.Int, _ chain.SwapLeg) (*types.Transaction, error) {
	return f.send("withdrawUSDC", shares)
}

func (f *fakeWriter) Rebalance(context.Context, common.Address, chain.RebalanceParams) (*types.Transaction, error) {
	return f.send("rebalance", nil)
}

func (f *fakeWriter) CreateVault(context.Context, common.Address, chain.CreateVaultParams) (*types.Transaction, error) {
	return f.send("createVault", nil)
}

func (f *fakeWriter) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	f.mu.Lock()
	method := f.methods[tx.Hash()]
	hold, revert := f.hold, f.revert
	f.mu.Unlock()

	if method == hold {
		select {
		case <-f.unhold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	status := types.ReceiptStatusSuccessful
	if method == revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, TxHash: tx.Hash(), BlockNumber: big.NewInt(101)}, nil
}

type counter struct {
	mu sync.Mutex
	n  uint64
}

func (c *counter) Request() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *counter) count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type recorder struct {
	mu       sync.Mutex
	states   []State
	notified []State
}

func (r *recorder) RecordAction(_ context.Context, s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s.State)
	return nil
}

func (r *recorder) NotifyAction(_ context.Context, s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, s.State)
	return nil
}

type harness struct {
	backend *chaintest.Backend
	writer  *fakeWriter
	refresh *counter
	rec     *recorder
	orch    *Orchestrator

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, allowance int64, opts Options) *harness {
	t.Helper()
	backend := chaintest.New()
	backend.Return(usdc, "allowance", big.NewInt(allowance))

	reader := chain.NewReader(backend, chain.ReaderOptions{}, zerolog.Nop())
	t.Cleanup(reader.Close)

	h := &harness{backend: backend, writer: newFakeWriter(), refresh: &counter{}, rec: &recorder{}}
	opts.BaseAsset = usdc
	opts.Refresher = h.refresh
	opts.Recorder = h.rec
	opts.Notifier = h.rec
	h.orch = New(h.writer, reader, NewAllowanceCache(reader, usdc), opts, zerolog.Nop())
	h.orch.Observe(func(s Status) {
		h.mu.Lock()
		h.states = append(h.states, s.State)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) observed() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func TestDepositApprovesWhenAllowanceShort(t *testing.T) {
	h := newHarness(t, 0, Options{})

	status, err := h.orch.Deposit(context.Background(), DepositRequest{Vault: vaultA, Amount: big.NewInt(100)})
	require.NoError(t, err)

	assert.Equal(t, StateConfirmed, status.State)
	assert.Equal(t, []string{"approve", "deposit"}, h.writer.sentMethods())
	assert.Equal(t, int64(100), h.writer.sent[0].amount.Int64(), "approval is for the exact amount")
	assert.Equal(t, []State{
		StateAwaitingApproval,
		StateAwaitingAction,
		StateAwaitingAction,
		StateConfirmed,
		StateIdle,
	}, h.observed())
	assert.Equal(t, uint64(1), h.refresh.count())
	assert.Equal(t, StateIdle, h.orch.Status(vaultA).State)
	assert.Equal(t, []State{StateConfirmed}, h.rec.notified)
}

func TestDepositSkipsApprovalWhenCovered(t *testing.T) {
	h := newHarness(t, 100, Options{})

	_, err := h.orch.Deposit(context.Background(), DepositRequest{Vault: vaultA, Amount: big.NewInt(100)})
	require.NoError(t, err)

	assert.Equal(t, []string{"deposit"}, h.writer.sentMethods())
	assert.NotContains(t, h.observed(), StateAwaitingApproval)
}

func TestBusyTargetIsRejected(t *testing.T) {
	h := newHarness(t, 100, Options{})
	h.writer.hold = "deposit"

	inFlight := make(chan struct{})
	var once sync.Once
	h.orch.Observe(func(s Status) {
		if s.Target == vaultA && s.State == StateAwaitingAction && s.TxHash != (common.Hash{}) {
			once.Do(func() { close(inFlight) })
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Deposit(context.Background(), DepositRequest{Vault: vaultA, Amount: big.NewInt(100)})
		done <- err
	}()
	<-inFlight

	before := h.orch.Status(vaultA)
	_, err := h.orch.Deposit(context.Background(), DepositRequest{Vault: vaultA, Amount: big.NewInt(5)})
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, before, h.orch.Status(vaultA), "in-flight state untouched")
	assert.Equal(t, StateAwaitingAction, before.State)

	_, err = h.orch.Withdraw(context.Background(), vaultB, big.NewInt(1))
	require.NoError(t, err, "other targets are independent")

	close(h.writer.unhold)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, h.orch.Status(vaultA).State)
}

func TestConcurrentApprovalsOnBaseAssetAreRejected(t *testing.T) {
	h := newHarness(t, 0, Options{})
	h.writer.hold = "approve"

	approving := make(chan struct{})
	var once sync.Once
	h.orch.Observe(func(s Status) {
		if s.Target == vaultA && s.State == StateAwaitingApproval {
			once.Do(func() { close(approving) })
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Deposit(context.Background(), DepositRequest{Vault: vaultA, Amount: big.NewInt(100)})
		done <- err
	}()
	<-approving

	status, err := h.orch.Deposit(context.Background(), DepositRequest{Vault: vaultB, Amount: big.NewInt(50)})
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, Status{}, status)
	assert.Equal(t, StateIdle, h.orch.Status(vaultB).State, "rejected vault never left idle")
	assert.Empty(t, h.orch.Status(vaultB).ActionID)

	close(h.writer.unhold)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"approve", "deposit"}, h.writer.sentMethods())
	assert.Equal(t, []State{StateConfirmed}, h.rec.notified, "no failure was reported for the rejected deposit")

	_, err = h.orch.Deposit(context.Background(), DepositRequest{Vault: vaultB, Amount: big.NewInt(50)})
	require.NoError(t, err, "vault and base asset are released afterwards")
}

func TestRevertedActionFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, 100, Options{})
	h.writer.revert = "deposit"

	status, err := h.orch.Deposit(context.Background(), DepositRequest{Vault: vaultA, Amount: big.NewInt(100)})
	require.ErrorIs(t, err, ErrReverted)

	assert.Equal(t, StateFailed, status.State)
	assert.NotEmpty(t, status.Reason)
	assert.Equal(t, []string{"deposit"}, h.writer.sentMethods())
	assert.Zero(t, h.refresh.count())

	last := h.orch.Status(vaultA)
	assert.Equal(t, StateIdle, last.State)
	assert.Equal(t, status.Reason, last.Reason)
	assert.Equal(t, []State{StateFailed}, h.rec.notified)
}

func TestRejectedApprovalStopsDeposit(t *testing.T) {
	h := newHarness(t, 0, Options{})
	h.writer.reject = "approve"

	_, err := h.orch.Deposit(context.Background(), DepositRequest{Vault: vaultA, Amount: big.NewInt(100)})
	require.ErrorIs(t, err, ErrRejected)

	assert.Empty(t, h.writer.sentMethods())
	assert.Equal(t, []State{StateAwaitingApproval, StateFailed, StateIdle}, h.observed())
}

func TestConfirmTimeoutReleasesTarget(t *testing.T) {
	h := newHarness(t, 0, Options{ConfirmTimeout: 20 * time.Millisecond})
	h.writer.hold = "withdraw"

	_, err := h.orch.Withdraw(context.Background(), vaultA, big.NewInt(1))
	require.ErrorIs(t, err, ErrConfirmTimeout)

	h.writer.mu.Lock()
	h.writer.hold = ""
	h.writer.mu.Unlock()

	_, err = h.orch.Withdraw(context.Background(), vaultA, big.NewInt(1))
	require.NoError(t, err)
}

func TestWithdrawToBaseNeedsNoApproval(t *testing.T) {
	h := newHarness(t, 0, Options{})

	_, err := h.orch.WithdrawToBase(context.Background(), vaultA, big.NewInt(7), chain.SwapLeg{Fees: []uint32{500}})
	require.NoError(t, err)
	assert.Equal(t, []string{"withdrawUSDC"}, h.writer.sentMethods())
	assert.Zero(t, h.backend.Calls("allowance"))
}

func TestRebalanceRequiresRebalancer(t *testing.T) {
	h := newHarness(t, 0, Options{})
	h.backend.Return(vaultA, "isRebalancer", false)
	h.backend.Return(vaultB, "isRebalancer", true)

	params := chain.RebalanceParams{
		TokenNames:  []string{"WETH", "cbBTC"},
		Percentages: []*big.Int{big.NewInt(60), big.NewInt(40)},
	}

	_, err := h.orch.Rebalance(context.Background(), vaultA, params)
	require.ErrorIs(t, err, ErrNotRebalancer)
	assert.Empty(t, h.writer.sentMethods())

	_, err = h.orch.Rebalance(context.Background(), vaultB, params)
	require.NoError(t, err)
	assert.Equal(t, []string{"rebalance"}, h.writer.sentMethods())
}

func TestCreateVault(t *testing.T) {
	h := newHarness(t, 0, Options{})

	status, err := h.orch.CreateVault(context.Background(), factory, chain.CreateVaultParams{
		TokenNames:  []string{"WETH"},
		Percentages: []*big.Int{big.NewInt(100)},
		Name:        "ETH Index",
		Symbol:      "ETHX",
	})
	require.NoError(t, err)
	assert.Equal(t, factory, status.Target)
	assert.Equal(t, KindCreateVault, status.Kind)
	assert.Equal(t, uint64(1), h.refresh.count())
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, 0, Options{})
	ctx := context.Background()

	_, err := h.orch.Deposit(ctx, DepositRequest{Vault: vaultA, Amount: big.NewInt(0)})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = h.orch.Withdraw(ctx, vaultA, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = h.orch.Rebalance(ctx, vaultA, chain.RebalanceParams{
		TokenNames:  []string{"WETH", "cbBTC"},
		Percentages: []*big.Int{big.NewInt(60), big.NewInt(30)},
	})
	assert.ErrorIs(t, err, ErrInvalidBasket)
	_, err = h.orch.CreateVault(ctx, factory, chain.CreateVaultParams{
		TokenNames:  []string{"WETH"},
		Percentages: []*big.Int{big.NewInt(100)},
	})
	assert.ErrorIs(t, err, ErrInvalidBasket)

	assert.Empty(t, h.writer.sentMethods())
	assert.Empty(t, h.observed())
}

func TestAllowanceCacheReadThrough(t *testing.T) {
	backend := chaintest.New()
	backend.Return(usdc, "allowance", big.NewInt(42))
	reader := chain.NewReader(backend, chain.ReaderOptions{}, zerolog.Nop())
	t.Cleanup(reader.Close)
	cache := NewAllowanceCache(reader, usdc)

	for range 3 {
		v, err := cache.Get(context.Background(), signer, vaultA)
		require.NoError(t, err)
		assert.Equal(t, int64(42), v.Int64())
	}
	assert.Equal(t, 1, backend.Calls("allowance"))

	cache.Invalidate()
	_, err := cache.Get(context.Background(), signer, vaultA)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.Calls("allowance"))

	backend.Fail(usdc, "allowance")
	_, err = cache.Get(context.Background(), signer, vaultB)
	assert.ErrorIs(t, err, chain.ErrReadFailure)
}
