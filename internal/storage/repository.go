package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"etf-vault/internal/txn"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertVaultSampleSQL = `INSERT INTO vault_samples (
        block_number,
        vault,
        refresh_version,
        sampled_at,
        nav_per_share,
        total_value_usd,
        total_assets,
        total_supply,
        warnings
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (block_number, vault) DO UPDATE
    SET
        refresh_version = EXCLUDED.refresh_version,
        sampled_at      = EXCLUDED.sampled_at,
        nav_per_share   = EXCLUDED.nav_per_share,
        total_value_usd = EXCLUDED.total_value_usd,
        total_assets    = EXCLUDED.total_assets,
        total_supply    = EXCLUDED.total_supply,
        warnings        = EXCLUDED.warnings;`

	vaultSampleColumns = `
        block_number,
        vault,
        refresh_version,
        sampled_at,
        nav_per_share::text,
        total_value_usd::text,
        total_assets::text,
        total_supply::text,
        warnings,
        created_at`

	listSamplesBetweenSQL = `SELECT` + vaultSampleColumns + `
    FROM vault_samples
    WHERE sampled_at >= $1
      AND sampled_at < $2
      AND ($3 = '' OR vault = $3)
    ORDER BY sampled_at, vault;`

	listRecentSamplesSQL = `SELECT` + vaultSampleColumns + `
    FROM vault_samples
    ORDER BY sampled_at DESC, vault
    LIMIT $1;`

	countSamplesSQL = `SELECT COUNT(*) FROM vault_samples;`

	latestSampledBlockSQL = `SELECT MAX(block_number) FROM vault_samples;`

	upsertActionSQL = `INSERT INTO tx_actions (
        id,
        target,
        kind,
        state,
        tx_hash,
        reason,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$7
    )
    ON CONFLICT (id) DO UPDATE
    SET
        state      = CASE WHEN EXCLUDED.state = 'idle' THEN tx_actions.state ELSE EXCLUDED.state END,
        tx_hash    = COALESCE(EXCLUDED.tx_hash, tx_actions.tx_hash),
        reason     = COALESCE(EXCLUDED.reason, tx_actions.reason),
        updated_at = EXCLUDED.updated_at;`

	listActionsSQL = `SELECT
        id::text,
        target,
        kind,
        state,
        tx_hash,
        reason,
        created_at,
        updated_at
    FROM tx_actions
    WHERE ($1 = '' OR target = $1)
    ORDER BY created_at DESC
    LIMIT $2;`

	insertAlertSQL = `INSERT INTO drift_alerts (
        vault,
        token,
        block_number,
        drift_pct,
        threshold_pct,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (vault, token, block_number) DO UPDATE
    SET drift_pct     = EXCLUDED.drift_pct,
        threshold_pct = EXCLUDED.threshold_pct,
        channels      = EXCLUDED.channels
    RETURNING id, vault, token, block_number, drift_pct::text, threshold_pct::text, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        vault,
        token,
        block_number,
        drift_pct::text,
        threshold_pct::text,
        channels,
        created_at
    FROM drift_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM drift_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SampleStore defines operations for vault sample persistence.
type SampleStore interface {
	UpsertVaultSamples(ctx context.Context, samples []VaultSample) error
	ListSamplesBetween(ctx context.Context, vault string, from, to time.Time) ([]VaultSample, error)
	ListRecentSamples(ctx context.Context, limit int) ([]VaultSample, error)
	CountSamples(ctx context.Context) (int64, error)
	LatestSampledBlock(ctx context.Context) (int64, bool, error)
}

// ActionStore defines the transaction audit log.
type ActionStore interface {
	RecordAction(ctx context.Context, s txn.Status) error
	ListActions(ctx context.Context, target string, limit int) ([]ActionRecord, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to samples, actions and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// unlock best effort
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertVaultSamples persists one refresh worth of samples in a single batch.
func (s *Store) UpsertVaultSamples(ctx context.Context, samples []VaultSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, sample := range samples {
		batch.Queue(upsertVaultSampleSQL,
			sample.BlockNumber,
			sample.Vault,
			sample.RefreshVersion,
			sample.SampledAt,
			sample.NAVPerShare.String(),
			sample.TotalValueUSD.String(),
			sample.TotalAssets.String(),
			sample.TotalSupply.String(),
			sample.Warnings,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range samples {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("upsert vault sample: %w", execErr)
		}
	}
	return nil
}

// ListSamplesBetween lists samples within a time window; an empty vault means all vaults.
func (s *Store) ListSamplesBetween(ctx context.Context, vault string, from, to time.Time) ([]VaultSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, from, to, vault)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]VaultSample, 0)
	for rows.Next() {
		sample, scanErr := scanVaultSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// ListRecentSamples returns the most recent samples.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]VaultSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]VaultSample, 0, limit)
	for rows.Next() {
		sample, scanErr := scanVaultSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// LatestSampledBlock returns the highest block with a stored sample.
func (s *Store) LatestSampledBlock(ctx context.Context) (int64, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, false, err
	}
	var block sql.NullInt64
	if scanErr := pool.QueryRow(ctx, latestSampledBlockSQL).Scan(&block); scanErr != nil {
		return 0, false, fmt.Errorf("latest sampled block: %w", scanErr)
	}
	return block.Int64, block.Valid, nil
}

// RecordAction upserts the audit row of an orchestrated action.
func (s *Store) RecordAction(ctx context.Context, st txn.Status) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if st.ActionID == "" {
		return nil
	}

	var hash any
	if st.TxHash != (common.Hash{}) {
		hash = st.TxHash.Hex()
	}
	var reason any
	if st.Reason != "" {
		reason = st.Reason
	}

	_, execErr := pool.Exec(ctx, upsertActionSQL,
		st.ActionID,
		st.Target.Hex(),
		string(st.Kind),
		string(st.State),
		hash,
		reason,
		st.UpdatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("record action: %w", execErr)
	}
	return nil
}

// ListActions lists recent actions; an empty target means all targets.
func (s *Store) ListActions(ctx context.Context, target string, limit int) ([]ActionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActionsSQL, target, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list actions: %w", queryErr)
	}
	defer rows.Close()

	actions := make([]ActionRecord, 0, limit)
	for rows.Next() {
		var (
			rec    ActionRecord
			hash   sql.NullString
			reason sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Target,
			&rec.Kind,
			&rec.State,
			&hash,
			&reason,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if hash.Valid {
			v := hash.String
			rec.TxHash = &v
		}
		if reason.Valid {
			v := reason.String
			rec.Reason = &v
		}
		actions = append(actions, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return actions, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Vault,
		alert.Token,
		alert.BlockNumber,
		alert.DriftPct.String(),
		alert.ThresholdPct.String(),
		alert.Channels,
	)

	rec, scanErr := scanAlert(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec          AlertRecord
		driftStr     string
		thresholdStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Vault,
		&rec.Token,
		&rec.BlockNumber,
		&driftStr,
		&thresholdStr,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var convErr error
	rec.DriftPct, convErr = decimal.NewFromString(driftStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse drift pct: %w", convErr)
	}
	rec.ThresholdPct, convErr = decimal.NewFromString(thresholdStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold pct: %w", convErr)
	}
	return rec, nil
}

func scanVaultSample(rows pgx.Rows) (VaultSample, error) {
	var (
		sample    VaultSample
		navStr    string
		valueStr  string
		assetsStr string
		supplyStr string
	)

	if err := rows.Scan(
		&sample.BlockNumber,
		&sample.Vault,
		&sample.RefreshVersion,
		&sample.SampledAt,
		&navStr,
		&valueStr,
		&assetsStr,
		&supplyStr,
		&sample.Warnings,
		&sample.CreatedAt,
	); err != nil {
		return VaultSample{}, err
	}

	var err error
	if sample.NAVPerShare, err = decimal.NewFromString(navStr); err != nil {
		return VaultSample{}, fmt.Errorf("parse nav per share: %w", err)
	}
	if sample.TotalValueUSD, err = decimal.NewFromString(valueStr); err != nil {
		return VaultSample{}, fmt.Errorf("parse total value: %w", err)
	}
	if sample.TotalAssets, err = decimal.NewFromString(assetsStr); err != nil {
		return VaultSample{}, fmt.Errorf("parse total assets: %w", err)
	}
	if sample.TotalSupply, err = decimal.NewFromString(supplyStr); err != nil {
		return VaultSample{}, fmt.Errorf("parse total supply: %w", err)
	}
	return sample, nil
}
