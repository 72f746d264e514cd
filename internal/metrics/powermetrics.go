package metrics

import (
	"context"
	"strconv"
	"strings"

	"codeberg.org/mutker/flippermon/internal/errors"
)

// powermetricsAdapter samples GPU active residency via the elevated
// power sampler. Denied permission is a normal terminal state for this
// source, recorded quietly and never surfaced loudly.
type powermetricsAdapter struct{}

func NewPowerMetricsAdapter() Adapter {
	return &powermetricsAdapter{}
}

func (*powermetricsAdapter) ID() AdapterID        { return AdapterPowerMetrics }
func (*powermetricsAdapter) Latency() Latency     { return LatencyBlocking }
func (*powermetricsAdapter) Privilege() Privilege { return PrivilegeElevated }

func (a *powermetricsAdapter) Acquire(ctx context.Context, category Category) (Fragment, error) {
	errFactory := errors.New()

	if category != CategoryGPUUsage {
		return Fragment{}, errFactory.WithData(errors.ErrSourceNotApplicable, category)
	}

	out, err := runTool(ctx, a.Latency(), "powermetrics", "--samplers", "gpu_power", "-i", "1000", "-n", "1")
	if err != nil {
		return Fragment{}, err
	}

	usage, ok := parsePowerMetricsResidency(out)
	if !ok {
		return Fragment{}, errFactory.WithMessage(errors.ErrSourceParseFailure, "no GPU residency in sampler output")
	}

	return Fragment{
		Category:   CategoryGPUUsage,
		Value:      usage,
		Max:        100,
		Confidence: ConfidenceExact,
		Source:     a.ID(),
	}, nil
}

// parsePowerMetricsResidency extracts the active residency percentage
// from lines like `GPU HW active residency:  12.34%`.
func parsePowerMetricsResidency(out string) (float64, bool) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "GPU active residency") &&
			!strings.Contains(line, "GPU HW active residency") {
			continue
		}
		_, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		cleaned := strings.TrimSuffix(fields[0], "%")
		residency, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			continue
		}
		return residency, true
	}
	return 0, false
}
