package metrics

import (
	"context"
	"strconv"
	"strings"

	"codeberg.org/mutker/flippermon/internal/errors"
)

// sysctlAdapter reads the kernel control table. On unified-memory
// machines the GPU addresses the whole physical pool, so hw.memsize is
// the only meaningful "VRAM total". Tagged Estimated, not Exact.
type sysctlAdapter struct{}

func NewSysctlAdapter() Adapter {
	return &sysctlAdapter{}
}

func (*sysctlAdapter) ID() AdapterID        { return AdapterSysctl }
func (*sysctlAdapter) Latency() Latency     { return LatencyFast }
func (*sysctlAdapter) Privilege() Privilege { return PrivilegeNone }

func (a *sysctlAdapter) Acquire(ctx context.Context, category Category) (Fragment, error) {
	errFactory := errors.New()

	if category != CategoryVRAM {
		return Fragment{}, errFactory.WithData(errors.ErrSourceNotApplicable, category)
	}

	out, err := runTool(ctx, a.Latency(), "sysctl", "-n", "hw.memsize")
	if err != nil {
		return Fragment{}, err
	}

	total, err := strconv.ParseUint(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return Fragment{}, errFactory.WithData(errors.ErrSourceParseFailure, strings.TrimSpace(out))
	}

	return Fragment{
		Category:   CategoryVRAM,
		Max:        float64(total),
		Confidence: ConfidenceEstimated,
		Source:     a.ID(),
	}, nil
}
