package storage

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"etf-vault/internal/config"
	"etf-vault/internal/txn"
)

func TestUnconfiguredStore(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if err := s.UpsertVaultSamples(ctx, []VaultSample{{}}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := s.RecordAction(ctx, txn.Status{ActionID: "x"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, _, err := s.TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	s.Close()
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(names) == 0 {
		t.Fatalf("no embedded migrations")
	}
	body, err := migrations.ReadFile(names[0])
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, table := range []string{"vault_samples", "tx_actions", "drift_alerts"} {
		if !strings.Contains(string(body), table) {
			t.Fatalf("migration missing table %s", table)
		}
	}
}

// TestStoreRoundTrip runs against a real database when VAULTCTL_TEST_DSN is set.
func TestStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("VAULTCTL_TEST_DSN")
	if dsn == "" {
		t.Skip("VAULTCTL_TEST_DSN not set")
	}
	ctx := context.Background()

	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	store := NewStore(pool)
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	vault := common.HexToAddress("0xaa").Hex()
	now := time.Now().UTC().Truncate(time.Second)
	sample := VaultSample{
		BlockNumber:   999_000_001,
		Vault:         vault,
		SampledAt:     now,
		NAVPerShare:   decimal.RequireFromString("1.000123"),
		TotalValueUSD: decimal.RequireFromString("6100"),
		TotalAssets:   decimal.RequireFromString("6100000000"),
		TotalSupply:   decimal.RequireFromString("6100000000000000000000"),
	}
	if err := store.UpsertVaultSamples(ctx, []VaultSample{sample}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.ListSamplesBetween(ctx, vault, now.Add(-time.Second), now.Add(time.Second))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || !got[0].NAVPerShare.Equal(sample.NAVPerShare) || !got[0].TotalSupply.Equal(sample.TotalSupply) {
		t.Fatalf("unexpected samples: %+v", got)
	}

	id := uuid.NewString()
	target := common.HexToAddress("0xbb")
	count, err := store.CountSamples(ctx)
	if err != nil || count < 1 {
		t.Fatalf("count samples = %d %v", count, err)
	}
	latest, ok, err := store.LatestSampledBlock(ctx)
	if err != nil || !ok || latest < sample.BlockNumber {
		t.Fatalf("latest sampled block = %d %v %v", latest, ok, err)
	}

	for _, state := range []txn.State{txn.StateAwaitingAction, txn.StateConfirmed, txn.StateIdle} {
		err := store.RecordAction(ctx, txn.Status{ActionID: id, Target: target, Kind: txn.KindDeposit, State: state, UpdatedAt: now})
		if err != nil {
			t.Fatalf("record action: %v", err)
		}
	}
	actions, err := store.ListActions(ctx, target.Hex(), 10)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) == 0 || actions[0].State != string(txn.StateConfirmed) {
		t.Fatalf("outcome must survive the return to idle: %+v", actions)
	}

	alert := AlertRecord{
		Vault:        vault,
		Token:        "WETH",
		BlockNumber:  sample.BlockNumber,
		DriftPct:     decimal.RequireFromString("7.5"),
		ThresholdPct: decimal.NewFromInt(5),
		Channels:     []string{"log"},
	}
	if _, err := store.InsertAlert(ctx, alert); err != nil {
		t.Fatalf("insert alert: %v", err)
	}
	alerts, err := store.ListRecentAlerts(ctx, 10)
	if err != nil || len(alerts) == 0 {
		t.Fatalf("list alerts = %+v %v", alerts, err)
	}
	if err := store.DeleteAlertsBefore(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("delete alerts: %v", err)
	}
	alerts, err = store.ListRecentAlerts(ctx, 10)
	if err != nil || len(alerts) != 0 {
		t.Fatalf("alerts not pruned: %+v %v", alerts, err)
	}
}
