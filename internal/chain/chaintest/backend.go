// Package chaintest provides an in-memory chain.Backend that answers eth_call
// by decoding the selector against the client's ABIs.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"etf-vault/internal/chain"
)

// ErrReverted mimics a node answering "execution reverted".
var ErrReverted = errors.New("execution reverted")

// Handler answers one call given its decoded inputs.
type Handler func(args []any) ([]any, error)

type callKey struct {
	addr   common.Address
	method string
}

type slotKey struct {
	addr common.Address
	slot common.Hash
}

// Backend is a scripted chain.Backend.
type Backend struct {
	mu       sync.Mutex
	handlers map[callKey]Handler
	storage  map[slotKey]*big.Int
	times    map[uint64]time.Time
	head     uint64

	// BatchErr, when set, fails every batch in transport.
	BatchErr error
	// StorageErr, when set, fails every storage read.
	StorageErr error
	// HeadErr, when set, fails BlockNumber.
	HeadErr error

	calls   map[string]int
	batches int
	blocks  []*big.Int
}

// New returns an empty backend at block 100.
func New() *Backend {
	return &Backend{
		handlers: make(map[callKey]Handler),
		storage:  make(map[slotKey]*big.Int),
		times:    make(map[uint64]time.Time),
		calls:    make(map[string]int),
		head:     100,
	}
}

// On installs a handler for method on addr.
func (b *Backend) On(addr common.Address, method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[callKey{addr, method}] = h
}

// Return makes method on addr always answer outputs.
func (b *Backend) Return(addr common.Address, method string, outputs ...any) {
	b.On(addr, method, func([]any) ([]any, error) { return outputs, nil })
}

// Fail makes method on addr always revert.
func (b *Backend) Fail(addr common.Address, method string) {
	b.On(addr, method, func([]any) ([]any, error) { return nil, ErrReverted })
}

// SetStorage writes a raw storage word.
func (b *Backend) SetStorage(addr common.Address, slot uint64, value *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.storage[slotKey{addr, common.BigToHash(new(big.Int).SetUint64(slot))}] = value
}

// SetHead changes the block number reported by BlockNumber.
func (b *Backend) SetHead(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = n
}

// SetBlockTime records the header timestamp of block n.
func (b *Backend) SetBlockTime(n uint64, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.times[n] = at
}

// Calls reports how many times method was called on any address.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Batches reports how many BatchCall invocations happened.
func (b *Backend) Batches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batches
}

// Blocks lists the block arguments seen by BatchCall, in call order.
func (b *Backend) Blocks() []*big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*big.Int(nil), b.blocks...)
}

// BatchCall implements chain.Backend.
func (b *Backend) BatchCall(_ context.Context, msgs []ethereum.CallMsg, block *big.Int) ([]chain.CallResult, error) {
	b.mu.Lock()
	b.batches++
	b.blocks = append(b.blocks, block)
	batchErr := b.BatchErr
	b.mu.Unlock()

	if batchErr != nil {
		return nil, batchErr
	}

	out := make([]chain.CallResult, len(msgs))
	for i, msg := range msgs {
		data, err := b.call(msg)
		out[i] = chain.CallResult{Data: data, Err: err}
	}
	return out, nil
}

func (b *Backend) call(msg ethereum.CallMsg) ([]byte, error) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, fmt.Errorf("malformed call")
	}
	method, err := lookup(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.calls[method.Name]++
	h, ok := b.handlers[callKey{*msg.To, method.Name}]
	b.mu.Unlock()

	if !ok {
		return nil, ErrReverted
	}
	outputs, err := h(args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(outputs...)
}

// StorageAt implements chain.Backend.
func (b *Backend) StorageAt(_ context.Context, account common.Address, key common.Hash, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.StorageErr != nil {
		return nil, b.StorageErr
	}
	v, ok := b.storage[slotKey{account, key}]
	if !ok {
		return common.Hash{}.Bytes(), nil
	}
	return common.BigToHash(v).Bytes(), nil
}

// BlockNumber implements chain.Backend.
func (b *Backend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.HeadErr != nil {
		return 0, b.HeadErr
	}
	return b.head, nil
}

// BlockTime implements chain.Backend. Blocks without a recorded time fail.
func (b *Backend) BlockTime(_ context.Context, block *big.Int) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.head
	if block != nil {
		n = block.Uint64()
	}
	at, ok := b.times[n]
	if !ok {
		return time.Time{}, fmt.Errorf("no header for block %d", n)
	}
	return at, nil
}

func lookup(selector []byte) (*abi.Method, error) {
	for _, parsed := range chain.KnownABIs() {
		if m, err := parsed.MethodById(selector); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown selector %x", selector)
}

// Addr derives a deterministic test address from n.
func Addr(n int64) common.Address {
	return common.BigToAddress(big.NewInt(n))
}

// Big parses a base-10 integer literal, panicking on bad input.
func Big(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("chaintest: bad integer " + s)
	}
	return v
}

var _ chain.Backend = (*Backend)(nil)
