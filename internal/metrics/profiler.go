package metrics

import (
	"context"
	"strconv"
	"strings"

	"codeberg.org/mutker/flippermon/internal/errors"
)

// profilerAdapter runs the display inventory query. It is the slowest
// source in every chain it appears in, but the only one that reliably
// names the GPU.
type profilerAdapter struct{}

func NewProfilerAdapter() Adapter {
	return &profilerAdapter{}
}

func (*profilerAdapter) ID() AdapterID        { return AdapterProfiler }
func (*profilerAdapter) Latency() Latency     { return LatencyBlocking }
func (*profilerAdapter) Privilege() Privilege { return PrivilegeNone }

func (a *profilerAdapter) Acquire(ctx context.Context, category Category) (Fragment, error) {
	errFactory := errors.New()

	if category != CategoryGPUPresence && category != CategoryVRAM {
		return Fragment{}, errFactory.WithData(errors.ErrSourceNotApplicable, category)
	}

	out, err := runTool(ctx, a.Latency(), "system_profiler", "SPDisplaysDataType")
	if err != nil {
		return Fragment{}, err
	}

	if category == CategoryGPUPresence {
		name, ok := parseProfilerModel(out)
		if !ok {
			return Fragment{}, errFactory.WithMessage(errors.ErrSourceParseFailure, "no chipset model in display inventory")
		}
		return Fragment{
			Category:   CategoryGPUPresence,
			Value:      1,
			Text:       name,
			Confidence: ConfidenceExact,
			Source:     a.ID(),
		}, nil
	}

	total, ok := parseProfilerVRAM(out)
	if !ok {
		return Fragment{}, errFactory.WithMessage(errors.ErrSourceParseFailure, "no VRAM figure in display inventory")
	}
	return Fragment{
		Category:   CategoryVRAM,
		Max:        float64(total),
		Confidence: ConfidenceExact,
		Source:     a.ID(),
	}, nil
}

// parseProfilerModel extracts the first `Chipset Model:` value.
func parseProfilerModel(out string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		_, value, found := strings.Cut(line, "Chipset Model:")
		if !found {
			continue
		}
		if name := strings.TrimSpace(value); name != "" {
			return name, true
		}
	}
	return "", false
}

// parseProfilerVRAM extracts a total VRAM figure in bytes from lines
// like `VRAM (Total): 8 GB` or `VRAM (Dynamic, Max): 1536 MB`.
func parseProfilerVRAM(out string) (uint64, bool) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "VRAM") {
			continue
		}
		words := strings.Fields(line)
		for i, word := range words {
			if i == 0 {
				continue
			}
			var multiplier uint64
			switch {
			case strings.HasPrefix(word, "GB"):
				multiplier = 1024 * 1024 * 1024
			case strings.HasPrefix(word, "MB"):
				multiplier = 1024 * 1024
			default:
				continue
			}
			value, err := strconv.ParseUint(words[i-1], 10, 64)
			if err != nil {
				continue
			}
			return value * multiplier, true
		}
	}
	return 0, false
}
