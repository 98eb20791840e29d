package app

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"etf-vault/internal/config"
	"etf-vault/internal/portfolio"
	"etf-vault/internal/snapshot"
	"etf-vault/internal/storage"
	"etf-vault/internal/valuation"
)

func sample(vault string, at time.Time, nav int64) storage.VaultSample {
	return storage.VaultSample{Vault: vault, SampledAt: at, NAVPerShare: decimal.NewFromInt(nav)}
}

func TestDownsampleKeepsEndpoints(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var samples []storage.VaultSample
	for i := 0; i < 100; i++ {
		samples = append(samples, sample("0xaa", base.Add(time.Duration(i)*time.Minute), int64(i)))
	}

	got := downsampleSamples(samples, 10)
	if len(got) != 10 {
		t.Fatalf("expected 10 points, got %d", len(got))
	}
	if !got[0].NAVPerShare.Equal(decimal.Zero) || !got[9].NAVPerShare.Equal(decimal.NewFromInt(99)) {
		t.Fatalf("endpoints not kept: %s %s", got[0].NAVPerShare, got[9].NAVPerShare)
	}
	if len(downsampleSamples(samples[:5], 10)) != 5 {
		t.Fatalf("short series must be returned unchanged")
	}
}

func TestGroupByVault(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := []storage.VaultSample{
		sample("0xbb", base.Add(time.Minute), 2),
		sample("0xaa", base, 1),
		sample("0xbb", base, 1),
	}
	groups := groupByVault(samples)
	if len(groups) != 2 || groups[0].vault != "0xaa" || groups[1].vault != "0xbb" {
		t.Fatalf("unexpected grouping: %+v", groups)
	}
	if !groups[1].samples[0].SampledAt.Equal(base) {
		t.Fatalf("samples not time ordered")
	}
}

func TestBackfillHeights(t *testing.T) {
	got, err := backfillHeights(100, 110, 4)
	if err != nil {
		t.Fatalf("heights: %v", err)
	}
	want := []uint64{100, 104, 108, 110}
	if len(got) != len(want) {
		t.Fatalf("heights = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("heights = %v, want %v", got, want)
		}
	}

	single, err := backfillHeights(5, 5, 0)
	if err != nil || len(single) != 1 || single[0] != 5 {
		t.Fatalf("single height: %v %v", single, err)
	}
	if _, err := backfillHeights(10, 5, 1); err == nil {
		t.Fatalf("expected error for inverted range")
	}
}

type fixedHead struct {
	block int64
	ok    bool
	err   error
}

func (f fixedHead) LatestSampledBlock(context.Context) (int64, bool, error) {
	return f.block, f.ok, f.err
}

func TestResumeHeight(t *testing.T) {
	got, err := resumeHeight(context.Background(), fixedHead{block: 1000, ok: true}, 50)
	if err != nil || got != 1050 {
		t.Fatalf("resume = %d %v, want 1050", got, err)
	}
	got, err = resumeHeight(context.Background(), fixedHead{block: 1000, ok: true}, 0)
	if err != nil || got != 1001 {
		t.Fatalf("resume with zero step = %d %v, want 1001", got, err)
	}
	if _, err := resumeHeight(context.Background(), fixedHead{}, 50); err == nil {
		t.Fatalf("expected error without stored samples")
	}
	if _, err := resumeHeight(context.Background(), fixedHead{err: errors.New("db down")}, 50); err == nil {
		t.Fatalf("expected store error to surface")
	}
}

func TestRenderStoredRows(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	renderSamples(&buf, []storage.VaultSample{sample("0xaa", at, 2)}, 42)
	if !strings.Contains(buf.String(), "Showing 1 of 42 stored samples") {
		t.Fatalf("missing sample total:\n%s", buf.String())
	}

	buf.Reset()
	renderAlerts(&buf, []storage.AlertRecord{{
		Vault:        "0xaa",
		Token:        "WETH",
		BlockNumber:  1234,
		DriftPct:     decimal.RequireFromString("7.5"),
		ThresholdPct: decimal.NewFromInt(5),
		Channels:     []string{"telegram", "log"},
		CreatedAt:    at,
	}})
	out := buf.String()
	for _, want := range []string{"WETH", "1234", "7.50", "telegram,log"} {
		if !strings.Contains(out, want) {
			t.Fatalf("alert table missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	renderAlerts(&buf, nil)
	if !strings.Contains(buf.String(), "no alerts found") {
		t.Fatalf("unexpected empty output: %s", buf.String())
	}
}

func testApp() *App {
	cfg := &config.Config{}
	cfg.Tokens = []config.TokenConfig{
		{Address: "0x4200000000000000000000000000000000000006", Symbol: "WETH", Decimals: 18, PoolFee: 500},
		{Address: "0xcbB7C0000aB88B473b1f5aFd9ef808440eed33Bf", Symbol: "cbBTC", Decimals: 8, PoolFee: 3000},
	}
	cfg.Tx.DefaultPoolFee = 10000
	return &App{Config: cfg}
}

func TestSwapLegUsesConfiguredFees(t *testing.T) {
	a := testApp()
	tokens, err := a.basketTokens([]string{"weth", "cbBTC"})
	if err != nil {
		t.Fatalf("basket tokens: %v", err)
	}
	leg := a.swapLeg(append(tokens, common.HexToAddress("0x1234")))
	if leg.Fees[0] != 500 || leg.Fees[1] != 3000 || leg.Fees[2] != 10000 {
		t.Fatalf("unexpected fees %v", leg.Fees)
	}
	for _, m := range leg.MinOuts {
		if m.Sign() != 0 {
			t.Fatalf("min outs must be zero")
		}
	}
	if _, err := a.basketTokens([]string{"DOGE"}); err == nil {
		t.Fatalf("expected unknown token error")
	}
}

func TestRenderView(t *testing.T) {
	vault := common.HexToAddress("0xaa")
	weth := common.HexToAddress("0x4200000000000000000000000000000000000006")
	view := &portfolio.View{
		Block: 1234,
		Vaults: []portfolio.VaultView{{
			Snapshot: snapshot.Vault{Address: vault, Tokens: []common.Address{weth}, Allocations: []*big.Int{big.NewInt(100)}},
			Derived: valuation.View{
				Vault:       vault,
				NAVPerShare: decimal.RequireFromString("1.5"),
				Assets: []valuation.Asset{
					{Symbol: "USDC", Amount: decimal.NewFromInt(100), PriceUSD: decimal.NewFromInt(1), ValueUSD: decimal.NewFromInt(100), AllocationPercent: decimal.RequireFromString("1.64")},
					{Symbol: "WETH", Amount: decimal.NewFromInt(2), PriceUSD: decimal.NewFromInt(3000), ValueUSD: decimal.NewFromInt(6000), AllocationPercent: decimal.RequireFromString("98.36")},
				},
				TotalValueUSD: decimal.NewFromInt(6100),
			},
		}},
		TVL: decimal.NewFromInt(6100),
	}

	var buf bytes.Buffer
	renderView(&buf, view, 100)
	out := buf.String()
	for _, want := range []string{"1234", "6100.00", "1.500000", "WETH", "98.36", "100.00"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

type recordingRefresher struct {
	calls int
	actor *common.Address
	err   error
}

func (r *recordingRefresher) Refresh(_ context.Context, actor *common.Address, _ *big.Int) (*portfolio.View, error) {
	r.calls++
	r.actor = actor
	if r.err != nil {
		return nil, r.err
	}
	return &portfolio.View{Version: 3, Block: 200, Actor: actor}, nil
}

func TestRefreshAfterConfirmedAction(t *testing.T) {
	wallet := "0x00000000000000000000000000000000000000aa"
	a := &App{Config: &config.Config{Wallet: config.WalletConfig{Address: wallet}}, Logger: zerolog.Nop()}
	trigger := portfolio.NewTrigger()
	fake := &recordingRefresher{}

	if view := a.refreshAfter(context.Background(), trigger.C(), fake); view != nil || fake.calls != 0 {
		t.Fatalf("no refresh expected without a confirmation, got %v after %d calls", view, fake.calls)
	}

	trigger.Request()
	view := a.refreshAfter(context.Background(), trigger.C(), fake)
	if view == nil || view.Block != 200 {
		t.Fatalf("expected refreshed view, got %+v", view)
	}
	if fake.calls != 1 || fake.actor == nil || *fake.actor != common.HexToAddress(wallet) {
		t.Fatalf("refresh must run once for the wallet, got %d calls actor %v", fake.calls, fake.actor)
	}

	trigger.Request()
	fake.err = errors.New("rpc down")
	if view := a.refreshAfter(context.Background(), trigger.C(), fake); view != nil {
		t.Fatalf("failed refresh must not return a view")
	}
}
