package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/flippermon/internal/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// cpuSampleWindow is the measurement window for the CPU usage delta.
const cpuSampleWindow = 200 * time.Millisecond

// sysinfoAdapter answers CPU and RAM usage from the generic
// cross-platform sysinfo query. It is the only mandatory-category
// provider: without it the process cannot start.
type sysinfoAdapter struct{}

func NewSysinfoAdapter() Adapter {
	return &sysinfoAdapter{}
}

func (*sysinfoAdapter) ID() AdapterID        { return AdapterSysinfo }
func (*sysinfoAdapter) Latency() Latency     { return LatencyFast }
func (*sysinfoAdapter) Privilege() Privilege { return PrivilegeNone }

func (a *sysinfoAdapter) Acquire(ctx context.Context, category Category) (Fragment, error) {
	errFactory := errors.New()

	switch category {
	case CategoryCPUUsage:
		percentages, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
		if err != nil {
			return Fragment{}, errFactory.Wrap(errors.ErrSourceToolUnavailable, err)
		}
		if len(percentages) == 0 {
			return Fragment{}, errFactory.WithMessage(errors.ErrSourceParseFailure, "no aggregate cpu sample")
		}
		return Fragment{
			Category:   CategoryCPUUsage,
			Value:      percentages[0],
			Max:        100,
			Confidence: ConfidenceExact,
			Source:     a.ID(),
		}, nil

	case CategoryRAMUsage:
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return Fragment{}, errFactory.Wrap(errors.ErrSourceToolUnavailable, err)
		}
		return Fragment{
			Category:   CategoryRAMUsage,
			Value:      float64(vm.Used),
			Max:        float64(vm.Total),
			Confidence: ConfidenceExact,
			Source:     a.ID(),
		}, nil

	default:
		return Fragment{}, errFactory.WithData(errors.ErrSourceNotApplicable, category)
	}
}
