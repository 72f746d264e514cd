package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/flippermon/internal/errors"
)

// Category identifies one resolved metric.
type Category string

const (
	CategoryCPUUsage    Category = "cpu_usage"
	CategoryRAMUsage    Category = "ram_usage"
	CategoryGPUPresence Category = "gpu_presence"
	CategoryVRAM        Category = "vram"
	CategoryGPUUsage    Category = "gpu_usage"
)

// Confidence tags a fragment's provenance. Ordering matters: the
// resolver accepts the first fragment at or above ConfidenceEstimated.
type Confidence int8

const (
	ConfidenceUnavailable Confidence = iota
	ConfidenceEstimated
	ConfidenceExact
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceExact:
		return "exact"
	case ConfidenceEstimated:
		return "estimated"
	default:
		return "unavailable"
	}
}

// AdapterID identifies the acquisition method that produced a value.
type AdapterID string

const (
	AdapterSysinfo      AdapterID = "sysinfo"
	AdapterSysctl       AdapterID = "sysctl"
	AdapterIOReg        AdapterID = "ioreg"
	AdapterProfiler     AdapterID = "system_profiler"
	AdapterPowerMetrics AdapterID = "powermetrics"
	AdapterNVML         AdapterID = "nvml"
)

// Architecture is resolved once at startup and gates which adapters are
// attempted. Unified-memory machines skip discrete-VRAM-only adapters.
type Architecture int8

const (
	ArchIntelAMD Architecture = iota
	ArchAppleSilicon
)

func (a Architecture) String() string {
	if a == ArchAppleSilicon {
		return "apple_silicon"
	}
	return "intel_amd"
}

// UnifiedMemory reports whether GPU and CPU share one physical pool,
// making discrete VRAM figures meaningless.
func (a Architecture) UnifiedMemory() bool {
	return a == ArchAppleSilicon
}

// Latency classifies how expensive an adapter is to query.
type Latency int8

const (
	LatencyFast Latency = iota
	LatencySlow
	LatencyBlocking // spawns an external process
)

// Privilege declares what an adapter needs to succeed.
type Privilege int8

const (
	PrivilegeNone Privilege = iota
	PrivilegeElevated
)

// Fragment is one adapter's answer for one category. Immutable once
// produced.
type Fragment struct {
	Category   Category
	Value      float64 // percent for usage categories, used bytes for RAM/VRAM
	Max        float64 // total bytes for RAM/VRAM, otherwise unused
	Text       string  // device name for GPUPresence
	Confidence Confidence
	Source     AdapterID
}

// Adapter is a single acquisition method. Adapters never retry
// internally; retry and fallback policy belong to the resolver.
type Adapter interface {
	ID() AdapterID
	Latency() Latency
	Privilege() Privilege
	Acquire(ctx context.Context, category Category) (Fragment, error)
}

// Snapshot is the single consistent view produced by one resolver run.
// Exactly one snapshot is current at any time; superseded snapshots are
// discarded, never retained.
type Snapshot struct {
	Timestamp    time.Time
	Architecture Architecture

	CPUPercent float64
	RAMUsed    uint64
	RAMTotal   uint64

	GPUName         string
	VRAMTotal       uint64
	VRAMUsed        uint64
	GPUUsagePercent *float64 // nil when no source could measure it

	// Confidence and Provenance record, per category, how the value
	// was obtained. Failures records why unavailable categories
	// failed; it is carried for diagnostics, never silently dropped.
	Confidence map[Category]Confidence
	Provenance map[Category]AdapterID
	Failures   map[Category]errors.ErrorCode

	// Stale marks a snapshot served past its poll cycle because a
	// whole resolve failed. Degraded marks staleness beyond the
	// configured threshold.
	Stale    bool
	Degraded bool
}

// Available reports whether the category resolved with usable confidence.
func (s *Snapshot) Available(c Category) bool {
	return s.Confidence[c] >= ConfidenceEstimated
}

// AllUnavailable reports whether the resolve produced nothing usable.
func (s *Snapshot) AllUnavailable() bool {
	for _, c := range s.Confidence {
		if c >= ConfidenceEstimated {
			return false
		}
	}
	return true
}

// Clone returns a copy sharing the immutable provenance maps.
func (s *Snapshot) Clone() *Snapshot {
	copied := *s
	return &copied
}
