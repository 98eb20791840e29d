package chain_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etf-vault/internal/chain"
	"etf-vault/internal/chain/chaintest"
)

func TestBatchCallPartialFailure(t *testing.T) {
	backend := chaintest.New()
	vault := chaintest.Addr(1)
	backend.Return(vault, "totalAssets", big.NewInt(500))
	backend.Fail(vault, "totalSupply")
	backend.Return(vault, "getTokens", []common.Address{chaintest.Addr(7), chaintest.Addr(8)})

	reader := chain.NewReader(backend, chain.ReaderOptions{BatchSize: 2, MaxConcurrency: 2}, zerolog.Nop())
	defer reader.Close()

	results := reader.BatchCall(context.Background(), []chain.Call{
		{Target: vault, ABI: &chain.VaultABI, Method: "totalAssets"},
		{Target: vault, ABI: &chain.VaultABI, Method: "totalSupply"},
		{Target: vault, ABI: &chain.VaultABI, Method: "getAllocations"},
	}, nil)

	require.Len(t, results, 3)
	assets, ok := results[0].BigInt(0)
	require.True(t, ok)
	assert.Equal(t, int64(500), assets.Int64())

	require.Error(t, results[1].Err)
	assert.True(t, errors.Is(results[1].Err, chain.ErrReadFailure))
	var readErr *chain.ReadError
	require.True(t, errors.As(results[1].Err, &readErr))
	assert.Equal(t, "totalSupply", readErr.Method)

	// no handler installed: behaves like a reverting call
	assert.False(t, results[2].OK())
	assert.Equal(t, 2, backend.Batches())
}

func TestBatchCallTransportFailureMarksEveryItem(t *testing.T) {
	backend := chaintest.New()
	backend.BatchErr = errors.New("connection refused")

	reader := chain.NewReader(backend, chain.ReaderOptions{}, zerolog.Nop())
	defer reader.Close()

	results := reader.BatchCall(context.Background(), []chain.Call{
		{Target: chaintest.Addr(1), ABI: &chain.VaultABI, Method: "totalAssets"},
		{Target: chaintest.Addr(2), ABI: &chain.VaultABI, Method: "totalAssets"},
	}, big.NewInt(42))

	for _, res := range results {
		assert.ErrorIs(t, res.Err, chain.ErrReadFailure)
	}
}

func TestBatchCallPinsBlock(t *testing.T) {
	backend := chaintest.New()
	backend.Return(chaintest.Addr(1), "totalSupply", big.NewInt(1))

	reader := chain.NewReader(backend, chain.ReaderOptions{}, zerolog.Nop())
	defer reader.Close()

	reader.BatchCall(context.Background(), []chain.Call{
		{Target: chaintest.Addr(1), ABI: &chain.VaultABI, Method: "totalSupply"},
	}, big.NewInt(1234))

	blocks := backend.Blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, int64(1234), blocks[0].Int64())
}

func TestBatchCallPackErrorStaysLocal(t *testing.T) {
	backend := chaintest.New()
	backend.Return(chaintest.Addr(1), "totalSupply", big.NewInt(9))

	reader := chain.NewReader(backend, chain.ReaderOptions{}, zerolog.Nop())
	defer reader.Close()

	results := reader.BatchCall(context.Background(), []chain.Call{
		{Target: chaintest.Addr(1), ABI: &chain.VaultABI, Method: "isRebalancer", Args: []any{"not-an-address"}},
		{Target: chaintest.Addr(1), ABI: &chain.VaultABI, Method: "totalSupply"},
	}, nil)

	assert.ErrorIs(t, results[0].Err, chain.ErrReadFailure)
	supply, ok := results[1].BigInt(0)
	require.True(t, ok)
	assert.Equal(t, int64(9), supply.Int64())
}

func TestReadStorageSlot(t *testing.T) {
	backend := chaintest.New()
	factory := chaintest.Addr(99)
	backend.SetStorage(factory, 0, big.NewInt(3))

	reader := chain.NewReader(backend, chain.ReaderOptions{}, zerolog.Nop())
	defer reader.Close()

	word, err := reader.ReadStorageSlot(context.Background(), factory, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), word.Int64())

	backend.StorageErr = errors.New("boom")
	_, err = reader.ReadStorageSlot(context.Background(), factory, 0, nil)
	assert.ErrorIs(t, err, chain.ErrReadFailure)
}
