package telemetry

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"codeberg.org/mutker/flippermon/internal/ble"
	"codeberg.org/mutker/flippermon/internal/errors"
	"codeberg.org/mutker/flippermon/internal/logger"
	"codeberg.org/mutker/flippermon/internal/metrics"
)

type Repository interface {
	StoreSnapshot(ctx context.Context, snapshot *metrics.Snapshot) error
	StoreTransition(ctx context.Context, transition ble.Transition) error
	Close() error
}

type sqliteRepository struct {
	db *sql.DB
	mu sync.Mutex
}

func NewRepository(cfg Config) (Repository, error) {
	errFactory := errors.New()
	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	logger.Debug().Msgf("Initializing telemetry repository at: %s", cfg.DBPath)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	return &sqliteRepository{
		db: db,
	}, nil
}

func (r *sqliteRepository) StoreSnapshot(ctx context.Context, snapshot *metrics.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var gpuUsage any
	if snapshot.GPUUsagePercent != nil {
		gpuUsage = *snapshot.GPUUsagePercent
	}

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO snapshots (
            timestamp, architecture, cpu_percent,
            ram_used, ram_total,
            gpu_name, gpu_source, gpu_usage_percent,
            vram_used, vram_total,
            stale, degraded
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(timestamp) DO UPDATE SET
            architecture = excluded.architecture,
            cpu_percent = excluded.cpu_percent,
            ram_used = excluded.ram_used,
            ram_total = excluded.ram_total,
            gpu_name = excluded.gpu_name,
            gpu_source = excluded.gpu_source,
            gpu_usage_percent = excluded.gpu_usage_percent,
            vram_used = excluded.vram_used,
            vram_total = excluded.vram_total,
            stale = excluded.stale,
            degraded = excluded.degraded
    `,
		snapshot.Timestamp.Unix(),
		snapshot.Architecture.String(),
		snapshot.CPUPercent,
		snapshot.RAMUsed,
		snapshot.RAMTotal,
		snapshot.GPUName,
		string(snapshot.Provenance[metrics.CategoryGPUUsage]),
		gpuUsage,
		snapshot.VRAMUsed,
		snapshot.VRAMTotal,
		boolToInt(snapshot.Stale),
		boolToInt(snapshot.Degraded),
	)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteRepository) StoreTransition(ctx context.Context, transition ble.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO session_transitions (at, from_state, to_state, reason)
        VALUES (?, ?, ?, ?)
    `,
		transition.At.Unix(),
		transition.From.String(),
		transition.To.String(),
		string(transition.Reason),
	)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *sqliteRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}
