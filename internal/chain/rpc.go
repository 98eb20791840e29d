package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// ErrNoEndpoint is returned when no RPC URL was configured.
var ErrNoEndpoint = errors.New("ethereum rpc url not configured")

// RPCOptions parameterise the JSON-RPC backend.
type RPCOptions struct {
	URL     string
	Timeout time.Duration
}

// RPCBackend talks to an Ethereum node over JSON-RPC. The client is dialled
// lazily on first use.
type RPCBackend struct {
	opts      RPCOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewRPCBackend builds a backend; no connection is made yet.
func NewRPCBackend(opts RPCOptions, logger zerolog.Logger) *RPCBackend {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &RPCBackend{opts: opts, logger: logger.With().Str("component", "rpc_backend").Logger()}
}

// Client returns the shared ethclient, dialling it if needed.
func (b *RPCBackend) Client(ctx context.Context) (*ethclient.Client, error) {
	if b.opts.URL == "" {
		return nil, ErrNoEndpoint
	}

	b.clientMux.Lock()
	defer b.clientMux.Unlock()

	if b.client != nil {
		return b.client, nil
	}

	client, err := ethclient.DialContext(ctx, b.opts.URL)
	if err != nil {
		return nil, err
	}
	b.logger.Debug().Msg("rpc client connected")
	b.client = client
	return client, nil
}

// Close releases the underlying connection.
func (b *RPCBackend) Close() {
	b.clientMux.Lock()
	defer b.clientMux.Unlock()
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
}

// BatchCall sends all msgs as a single JSON-RPC batch of eth_call requests.
func (b *RPCBackend) BatchCall(ctx context.Context, msgs []ethereum.CallMsg, block *big.Int) ([]CallResult, error) {
	client, err := b.Client(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	outs := make([]hexutil.Bytes, len(msgs))
	elems := make([]rpc.BatchElem, len(msgs))
	for i, msg := range msgs {
		elems[i] = rpc.BatchElem{
			Method: "eth_call",
			Args:   []any{toCallArg(msg), toBlockNumArg(block)},
			Result: &outs[i],
		}
	}

	if err := client.Client().BatchCallContext(ctx, elems); err != nil {
		return nil, err
	}

	results := make([]CallResult, len(msgs))
	for i := range elems {
		results[i] = CallResult{Data: outs[i], Err: elems[i].Error}
	}
	return results, nil
}

// StorageAt reads a raw storage word.
func (b *RPCBackend) StorageAt(ctx context.Context, account common.Address, key common.Hash, block *big.Int) ([]byte, error) {
	client, err := b.Client(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()
	return client.StorageAt(ctx, account, key, block)
}

// BlockNumber returns the latest block height.
func (b *RPCBackend) BlockNumber(ctx context.Context) (uint64, error) {
	client, err := b.Client(ctx)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()
	return client.BlockNumber(ctx)
}

// BlockTime returns the header timestamp of block (nil = latest).
func (b *RPCBackend) BlockTime(ctx context.Context, block *big.Int) (time.Time, error) {
	client, err := b.Client(ctx)
	if err != nil {
		return time.Time{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()
	header, err := client.HeaderByNumber(ctx, block)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

func toCallArg(msg ethereum.CallMsg) map[string]any {
	arg := map[string]any{
		"to":   msg.To,
		"data": hexutil.Bytes(msg.Data),
	}
	if msg.From != (common.Address{}) {
		arg["from"] = msg.From
	}
	return arg
}

func toBlockNumArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	return hexutil.EncodeBig(number)
}

var _ Backend = (*RPCBackend)(nil)
