package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etf-vault/internal/portfolio"
	"etf-vault/internal/position"
	"etf-vault/internal/snapshot"
	"etf-vault/internal/storage"
	"etf-vault/internal/txn"
	"etf-vault/internal/valuation"
)

var (
	vaultA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	actor  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

type staticViews struct{ view *portfolio.View }

func (s staticViews) Current() *portfolio.View { return s.view }

type countingTrigger struct{ n uint64 }

func (c *countingTrigger) Request() uint64 {
	c.n++
	return c.n
}

type fakeActions struct {
	history []storage.ActionRecord
}

func (fakeActions) RecordAction(context.Context, txn.Status) error { return nil }

func (f fakeActions) ListActions(_ context.Context, target string, limit int) ([]storage.ActionRecord, error) {
	return f.history, nil
}

func testView() *portfolio.View {
	return &portfolio.View{
		Version: 7,
		Actor:   &actor,
		Block:   1234,
		Vaults: []portfolio.VaultView{{
			Snapshot: snapshot.Vault{Address: vaultA},
			Derived:  valuation.View{Vault: vaultA, NAVPerShare: decimal.NewFromInt(2), TotalValueUSD: decimal.NewFromInt(6100)},
		}},
		Positions:      []position.Position{{Vault: vaultA, ValueUSD: decimal.NewFromInt(10)}},
		TVL:            decimal.NewFromInt(6100),
		PortfolioValue: decimal.NewFromInt(10),
	}
}

func newTestServer(deps Deps) http.Handler {
	return NewServer(deps, zerolog.Nop()).Router()
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	body := map[string]any{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthWithoutView(t *testing.T) {
	rec, body := do(t, newTestServer(Deps{}), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body, "version")
}

func TestVaultsBeforeFirstRefresh(t *testing.T) {
	rec, _ := do(t, newTestServer(Deps{Views: staticViews{}}), http.MethodGet, "/api/vaults")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestVaultsAndVault(t *testing.T) {
	h := newTestServer(Deps{Views: staticViews{view: testView()}})

	rec, body := do(t, h, http.MethodGet, "/api/vaults")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 7, body["version"])
	assert.Equal(t, "6100", body["tvl"])
	assert.Len(t, body["vaults"], 1)

	rec, body = do(t, h, http.MethodGet, "/api/vaults/"+vaultA.Hex())
	require.Equal(t, http.StatusOK, rec.Code)
	derived := body["derived"].(map[string]any)
	assert.Equal(t, "2", derived["nav_per_share"])

	rec, _ = do(t, h, http.MethodGet, "/api/vaults/0x00000000000000000000000000000000000000bb")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/vaults/nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPositions(t *testing.T) {
	rec, body := do(t, newTestServer(Deps{Views: staticViews{view: testView()}}), http.MethodGet, "/api/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", body["portfolio_value"])
	assert.Len(t, body["positions"], 1)
}

func TestRefreshTrigger(t *testing.T) {
	trigger := &countingTrigger{}
	h := newTestServer(Deps{Trigger: trigger})

	rec, body := do(t, h, http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.EqualValues(t, 1, body["requested"])

	rec, _ = do(t, h, http.MethodGet, "/api/refresh")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, _ = do(t, newTestServer(Deps{}), http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestActions(t *testing.T) {
	settled := fakeActions{history: []storage.ActionRecord{
		{ID: "2", Target: vaultA.Hex(), Kind: "deposit", State: "confirmed"},
		{ID: "1", Target: vaultA.Hex(), Kind: "deposit", State: "failed"},
	}}
	h := newTestServer(Deps{Actions: settled})

	rec, body := do(t, h, http.MethodGet, "/api/actions/"+vaultA.Hex()+"?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", body["state"])
	assert.Len(t, body["history"], 2)

	rec, _ = do(t, h, http.MethodGet, "/api/actions/"+vaultA.Hex()+"?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActionsReportInFlightState(t *testing.T) {
	pending := fakeActions{history: []storage.ActionRecord{
		{ID: "3", Target: vaultA.Hex(), Kind: "deposit", State: "awaiting_approval"},
	}}
	rec, body := do(t, newTestServer(Deps{Actions: pending}), http.MethodGet, "/api/actions/"+vaultA.Hex())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "awaiting_approval", body["state"])

	rec, _ = do(t, newTestServer(Deps{}), http.MethodGet, "/api/actions/"+vaultA.Hex())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(Deps{}, zerolog.Nop()).ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
