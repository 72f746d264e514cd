package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/flippermon/internal/errors"
	"codeberg.org/mutker/flippermon/internal/logger"
)

// categoryOrder fixes the resolve order so snapshots are filled
// deterministically.
var categoryOrder = []Category{
	CategoryCPUUsage,
	CategoryRAMUsage,
	CategoryGPUPresence,
	CategoryVRAM,
	CategoryGPUUsage,
}

// mandatoryCategories must have at least one candidate adapter at
// startup. A platform that cannot answer them cannot do its job at all.
var mandatoryCategories = []Category{CategoryCPUUsage, CategoryRAMUsage}

// Chains is the declarative priority list per category, ordered by
// reliability and cost. First successful candidate wins; provenance
// stays explicit rather than implicit.
type Chains map[Category][]Adapter

// DefaultChains builds the candidate chains for the resolved host
// architecture. Unified-memory machines never see discrete-VRAM-only
// adapters, and discrete machines never see the unified-memory total.
func DefaultChains(arch Architecture) Chains {
	sysinfo := NewSysinfoAdapter()

	chains := Chains{
		CategoryCPUUsage: {sysinfo},
		CategoryRAMUsage: {sysinfo},
	}

	if arch.UnifiedMemory() {
		chains[CategoryGPUPresence] = []Adapter{NewProfilerAdapter()}
		chains[CategoryVRAM] = []Adapter{NewSysctlAdapter()}
		chains[CategoryGPUUsage] = []Adapter{NewPowerMetricsAdapter()}
		return chains
	}

	nvmlAdapter := NewNVMLAdapter()
	chains[CategoryGPUPresence] = []Adapter{nvmlAdapter, NewProfilerAdapter()}
	chains[CategoryVRAM] = []Adapter{nvmlAdapter, NewIORegAdapter(), NewProfilerAdapter()}
	chains[CategoryGPUUsage] = []Adapter{nvmlAdapter, NewPowerMetricsAdapter()}
	return chains
}

// Resolver reconciles the candidate adapters into one consistent
// snapshot per run. Adapter outputs are owned only transiently, per
// poll.
type Resolver struct {
	arch   Architecture
	chains Chains
}

func NewResolver(arch Architecture, chains Chains) (*Resolver, error) {
	errFactory := errors.New()

	for _, category := range mandatoryCategories {
		if len(chains[category]) == 0 {
			return nil, errFactory.WithData(errors.ErrNoAdapters, category)
		}
	}

	return &Resolver{arch: arch, chains: chains}, nil
}

// Resolve runs every category's chain and merges the winning fragments
// into a snapshot. A category whose candidates all fail is marked
// Unavailable; its zero value is never presented as a measurement.
func (r *Resolver) Resolve(ctx context.Context) *Snapshot {
	snapshot := &Snapshot{
		Timestamp:    time.Now(),
		Architecture: r.arch,
		Confidence:   make(map[Category]Confidence, len(categoryOrder)),
		Provenance:   make(map[Category]AdapterID, len(categoryOrder)),
		Failures:     make(map[Category]errors.ErrorCode),
	}

	for _, category := range categoryOrder {
		fragment, failure := r.resolveCategory(ctx, category)
		if failure != "" {
			snapshot.Confidence[category] = ConfidenceUnavailable
			snapshot.Failures[category] = failure
			continue
		}
		snapshot.Confidence[category] = fragment.Confidence
		snapshot.Provenance[category] = fragment.Source
		snapshot.apply(fragment)
	}

	return snapshot
}

// resolveCategory walks the chain with early exit on the first usable
// fragment. Returns the winning fragment, or the most telling failure
// code when every candidate failed.
func (r *Resolver) resolveCategory(ctx context.Context, category Category) (Fragment, errors.ErrorCode) {
	chain := r.chains[category]
	if len(chain) == 0 {
		return Fragment{}, errors.ErrSourceNotApplicable
	}

	failure := errors.ErrorCode("")
	for _, adapter := range chain {
		fragment, err := adapter.Acquire(ctx, category)
		if err != nil {
			code := errors.CodeOf(err)
			// Denied elevation on the power sampler is a normal
			// terminal state, recorded but never surfaced loudly.
			logger.Debug().
				Str("category", string(category)).
				Str("adapter", string(adapter.ID())).
				Str("error_code", string(code)).
				Msg("Metric source failed, trying next candidate")
			if failure == "" || failure == errors.ErrSourceToolUnavailable {
				failure = code
			}
			continue
		}
		if fragment.Confidence < ConfidenceEstimated {
			continue
		}
		return fragment, ""
	}

	if failure == "" {
		failure = errors.ErrSourceToolUnavailable
	}
	return Fragment{}, failure
}

func (s *Snapshot) apply(fragment Fragment) {
	switch fragment.Category {
	case CategoryCPUUsage:
		s.CPUPercent = fragment.Value
	case CategoryRAMUsage:
		s.RAMUsed = uint64(fragment.Value)
		s.RAMTotal = uint64(fragment.Max)
	case CategoryGPUPresence:
		s.GPUName = fragment.Text
	case CategoryVRAM:
		s.VRAMUsed = uint64(fragment.Value)
		s.VRAMTotal = uint64(fragment.Max)
	case CategoryGPUUsage:
		usage := fragment.Value
		s.GPUUsagePercent = &usage
	}
}
