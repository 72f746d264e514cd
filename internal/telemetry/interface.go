package telemetry

import (
	"context"

	"codeberg.org/mutker/flippermon/internal/ble"
	"codeberg.org/mutker/flippermon/internal/metrics"
)

// Recorder persists the daemon's history: resolved snapshots and the
// session edges that framed them.
type Recorder interface {
	RecordSnapshot(ctx context.Context, snapshot *metrics.Snapshot) error
	RecordTransition(ctx context.Context, transition ble.Transition) error
	Close() error
}
