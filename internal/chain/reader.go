package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"etf-vault/internal/metrics"
)

var (
	// ErrReadFailure marks a single contract read or storage read that failed.
	ErrReadFailure = errors.New("chain: read failure")

	errEmptyReturn = errors.New("empty return data")
	errNotExecuted = errors.New("call not executed")
)

// ReadError carries the failing call site.
type ReadError struct {
	Target common.Address
	Method string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s on %s: %v", e.Method, e.Target.Hex(), e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrReadFailure) match any ReadError.
func (e *ReadError) Is(target error) bool { return target == ErrReadFailure }

// CallResult is the raw outcome of one eth_call inside a batch.
type CallResult struct {
	Data []byte
	Err  error
}

// Backend is the RPC surface the reader needs.
type Backend interface {
	// BatchCall executes msgs against block (nil = latest). A non-nil error
	// means the whole batch failed in transport.
	BatchCall(ctx context.Context, msgs []ethereum.CallMsg, block *big.Int) ([]CallResult, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, block *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	// BlockTime returns the header timestamp of block (nil = latest).
	BlockTime(ctx context.Context, block *big.Int) (time.Time, error)
}

// Call describes one view call to pack into a batch.
type Call struct {
	Target common.Address
	ABI    *abi.ABI
	Method string
	Args   []any
}

// Result is the decoded outcome of a Call, aligned with the input order.
type Result struct {
	Values []any
	Err    error
}

// ReaderOptions tune batching.
type ReaderOptions struct {
	BatchSize      int
	MaxConcurrency int
	Metrics        *metrics.Metrics
}

// Reader issues storage reads and batched contract calls.
type Reader struct {
	backend Backend
	opts    ReaderOptions
	pool    pond.Pool
	logger  zerolog.Logger
}

// NewReader wraps a backend with a bounded fan-out pool.
func NewReader(backend Backend, opts ReaderOptions, logger zerolog.Logger) *Reader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	return &Reader{
		backend: backend,
		opts:    opts,
		pool:    pond.NewPool(opts.MaxConcurrency),
		logger:  logger.With().Str("component", "chain_reader").Logger(),
	}
}

// Close stops the worker pool.
func (r *Reader) Close() {
	r.pool.StopAndWait()
}

// LatestBlock returns the current head, used to pin a refresh cycle.
func (r *Reader) LatestBlock(ctx context.Context) (*big.Int, error) {
	n, err := r.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	return new(big.Int).SetUint64(n), nil
}

// BlockTime returns the timestamp of the block a cycle is pinned to.
func (r *Reader) BlockTime(ctx context.Context, block *big.Int) (time.Time, error) {
	at, err := r.backend.BlockTime(ctx, block)
	if err != nil {
		return time.Time{}, fmt.Errorf("block time: %w", err)
	}
	return at, nil
}

// ReadStorageSlot reads one raw 32-byte storage word as an unsigned integer.
func (r *Reader) ReadStorageSlot(ctx context.Context, contract common.Address, slot uint64, block *big.Int) (*big.Int, error) {
	key := common.BigToHash(new(big.Int).SetUint64(slot))
	raw, err := r.backend.StorageAt(ctx, contract, key, block)
	if err != nil {
		r.opts.Metrics.ReadFailed("storage")
		return nil, &ReadError{Target: contract, Method: fmt.Sprintf("storage[%d]", slot), Err: err}
	}
	return new(big.Int).SetBytes(raw), nil
}

// BatchCall packs, executes and decodes calls. Failures are reported per item;
// one failing call never invalidates the others.
func (r *Reader) BatchCall(ctx context.Context, calls []Call, block *big.Int) []Result {
	results := make([]Result, len(calls))
	if len(calls) == 0 {
		return results
	}

	msgs := make([]ethereum.CallMsg, 0, len(calls))
	index := make([]int, 0, len(calls))
	for i, call := range calls {
		data, err := call.ABI.Pack(call.Method, call.Args...)
		if err != nil {
			results[i].Err = &ReadError{Target: call.Target, Method: call.Method, Err: err}
			continue
		}
		target := call.Target
		msgs = append(msgs, ethereum.CallMsg{To: &target, Data: data})
		index = append(index, i)
	}

	group := r.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for start := 0; start < len(msgs); start += r.opts.BatchSize {
		end := min(start+r.opts.BatchSize, len(msgs))
		group.Submit(func() {
			raw, err := r.backend.BatchCall(groupCtx, msgs[start:end], block)
			for j := start; j < end; j++ {
				i := index[j]
				results[i] = decode(calls[i], raw, j-start, err)
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.logger.Warn().Err(err).Int("calls", len(msgs)).Msg("batch call group finished with error")
	}

	failed := 0
	for i := range results {
		if results[i].Err == nil && results[i].Values == nil {
			results[i].Err = &ReadError{Target: calls[i].Target, Method: calls[i].Method, Err: errNotExecuted}
		}
		if results[i].Err != nil {
			failed++
			r.opts.Metrics.ReadFailed(calls[i].Method)
		}
	}
	if failed > 0 {
		r.logger.Debug().Int("calls", len(calls)).Int("failed", failed).Msg("batch completed with failed reads")
	}
	return results
}

func decode(call Call, raw []CallResult, pos int, batchErr error) Result {
	fail := func(err error) Result {
		return Result{Err: &ReadError{Target: call.Target, Method: call.Method, Err: err}}
	}
	if batchErr != nil {
		return fail(batchErr)
	}
	if pos >= len(raw) {
		return fail(errNotExecuted)
	}
	if raw[pos].Err != nil {
		return fail(raw[pos].Err)
	}
	if len(raw[pos].Data) == 0 {
		return fail(errEmptyReturn)
	}
	values, err := call.ABI.Unpack(call.Method, raw[pos].Data)
	if err != nil {
		return fail(err)
	}
	if values == nil {
		values = []any{}
	}
	return Result{Values: values}
}
