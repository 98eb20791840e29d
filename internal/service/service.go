package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"etf-vault/internal/alerting"
	"etf-vault/internal/config"
	"etf-vault/internal/metrics"
	"etf-vault/internal/portfolio"
	"etf-vault/internal/scheduler"
	"etf-vault/internal/storage"
	"etf-vault/internal/valuation"
)

// Refresher produces a portfolio view pinned to one block.
type Refresher interface {
	Refresh(ctx context.Context, actor *common.Address, block *big.Int) (*portfolio.View, error)
}

// Service drives refreshes and then persists samples, updates gauges and
// raises drift alerts.
type Service struct {
	scheduler  *scheduler.Scheduler
	pipeline   Refresher
	store      storage.SampleStore
	alertStore storage.AlertStore
	notifier   alerting.Notifier
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	actor           *common.Address
	allocationTotal int64
	threshold       decimal.Decimal
	cooldown        time.Duration
	retention       time.Duration
	channels        []string
	alertsOn        bool
	lastAlert       *xsync.Map[string, time.Time]
	now             func() time.Time

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the refresh service.
func New(cfg *config.Config, sched *scheduler.Scheduler, pipeline Refresher, store storage.SampleStore, alertStore storage.AlertStore, notifier alerting.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Service {
	threshold := decimal.Zero
	if cfg.Alerting.Enabled && cfg.Alerting.DriftThresholdPct > 0 {
		threshold = decimal.NewFromFloat(cfg.Alerting.DriftThresholdPct)
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:       sched,
		pipeline:        pipeline,
		store:           store,
		alertStore:      alertStore,
		notifier:        notifier,
		metrics:         m,
		logger:          logger.With().Str("component", "service").Logger(),
		actor:           cfg.WalletAddress(),
		allocationTotal: cfg.Vault.AllocationTotal,
		threshold:       threshold,
		cooldown:        cfg.Alerting.Cooldown,
		retention:       cfg.Alerting.Retention,
		channels:        cfg.Alerting.Channels,
		alertsOn:        cfg.Alerting.Enabled,
		lastAlert:       xsync.NewMap[string, time.Time](),
		now:             time.Now,
		locker:          locker,
		lockKey:         cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the refresh loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick 执行一次刷新：读链、落库、更新指标、检查配比偏离。
func (s *Service) ProcessTick(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("at", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	view, err := s.pipeline.Refresh(ctx, s.actor, nil)
	if errors.Is(err, portfolio.ErrConfiguration) {
		// 流水线已记录过一次，这里不再每个 tick 重复报错
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh portfolio: %w", err)
	}

	if s.store != nil {
		if err := s.store.UpsertVaultSamples(ctx, Samples(view, at)); err != nil {
			s.logger.Error().Err(err).Uint64("block", view.Block).Msg("failed to upsert samples")
		}
	}

	s.updateMetrics(view)

	s.logger.Info().Uint64("block", view.Block).
		Uint64("version", view.Version).
		Int("vaults", len(view.Vaults)).
		Str("tvl", view.TVL.StringFixed(2)).
		Int("warnings", len(view.Warnings)).
		Msg("portfolio refreshed")

	if s.alertsOn && s.notifier != nil && !s.threshold.IsZero() {
		s.checkDrift(ctx, view)
	}
	s.pruneAlerts(ctx)
	return nil
}

// pruneAlerts 删除超过保留期的告警记录，0 表示永久保留。
func (s *Service) pruneAlerts(ctx context.Context) {
	if s.alertStore == nil || s.retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.retention)
	if err := s.alertStore.DeleteAlertsBefore(ctx, cutoff); err != nil {
		s.logger.Warn().Err(err).Time("cutoff", cutoff).Msg("failed to prune old alerts")
	}
}

// Samples flattens a view into one storage row per vault.
func Samples(view *portfolio.View, at time.Time) []storage.VaultSample {
	if view == nil {
		return nil
	}
	out := make([]storage.VaultSample, 0, len(view.Vaults))
	for _, vv := range view.Vaults {
		warnings := 0
		for _, w := range view.Warnings {
			if w.Subject == vv.Snapshot.Address {
				warnings++
			}
		}
		out = append(out, storage.VaultSample{
			BlockNumber:    int64(view.Block),
			Vault:          vv.Snapshot.Address.Hex(),
			RefreshVersion: int64(view.Version),
			SampledAt:      at.UTC(),
			NAVPerShare:    vv.Derived.NAVPerShare,
			TotalValueUSD:  vv.Derived.TotalValueUSD,
			TotalAssets:    bigDecimal(vv.Snapshot.TotalAssets),
			TotalSupply:    bigDecimal(vv.Snapshot.TotalSupply),
			Warnings:       warnings,
		})
	}
	return out
}

func bigDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

func (s *Service) updateMetrics(view *portfolio.View) {
	for _, vv := range view.Vaults {
		s.metrics.SetVault(vv.Snapshot.Address.Hex(), vv.Derived.NAVPerShare.InexactFloat64(), vv.Derived.TotalValueUSD.InexactFloat64())
	}
	s.metrics.SetTotals(view.TVL.InexactFloat64(), view.PortfolioValue.InexactFloat64())
}

func (s *Service) checkDrift(ctx context.Context, view *portfolio.View) {
	now := s.now()
	for _, vv := range view.Vaults {
		for _, d := range valuation.AllocationDrift(vv.Derived, vv.Snapshot, s.allocationTotal) {
			if !d.Drift.Abs().GreaterThan(s.threshold) {
				continue
			}
			key := vv.Snapshot.Address.Hex() + "/" + d.Token.Hex()
			if last, ok := s.lastAlert.Load(key); ok && s.cooldown > 0 && now.Sub(last) < s.cooldown {
				continue
			}
			s.lastAlert.Store(key, now)
			s.emitDrift(ctx, view, vv.Snapshot.Address, d, now)
		}
	}
}

func (s *Service) emitDrift(ctx context.Context, view *portfolio.View, vault common.Address, d valuation.Drift, now time.Time) {
	drift := d
	note := alerting.Notification{
		At:           now,
		Block:        view.Block,
		Vault:        vault,
		Drift:        &drift,
		ThresholdPct: s.threshold,
		Channels:     s.channels,
	}
	if s.alertStore != nil {
		record := storage.AlertRecord{
			Vault:        vault.Hex(),
			Token:        d.Token.Hex(),
			BlockNumber:  int64(view.Block),
			DriftPct:     d.Drift,
			ThresholdPct: s.threshold,
			Channels:     s.channels,
		}
		if _, err := s.alertStore.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Str("vault", vault.Hex()).Msg("failed to persist alert record")
		}
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("vault", vault.Hex()).Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
