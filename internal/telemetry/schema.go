package telemetry

import (
	"database/sql"

	"codeberg.org/mutker/flippermon/internal/errors"
)

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS snapshots (
            timestamp INTEGER PRIMARY KEY,
            architecture TEXT,
            cpu_percent REAL,
            ram_used INTEGER,
            ram_total INTEGER,
            gpu_name TEXT,
            gpu_source TEXT,
            gpu_usage_percent REAL,
            vram_used INTEGER,
            vram_total INTEGER,
            stale INTEGER,
            degraded INTEGER
        );
        CREATE TABLE IF NOT EXISTS session_transitions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            at INTEGER,
            from_state TEXT,
            to_state TEXT,
            reason TEXT
        );
    `)
	if err != nil {
		return errors.New().Wrap(ErrSchemaInitFailed, err)
	}

	return nil
}
