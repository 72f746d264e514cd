package metrics

import (
	"context"
	"strconv"
	"strings"

	"codeberg.org/mutker/flippermon/internal/errors"
)

// ioregAdapter queries the IORegistry accelerator class for discrete
// VRAM totals. Cheaper than spawning system_profiler, so it sits first
// in the discrete VRAM chain.
type ioregAdapter struct{}

func NewIORegAdapter() Adapter {
	return &ioregAdapter{}
}

func (*ioregAdapter) ID() AdapterID        { return AdapterIOReg }
func (*ioregAdapter) Latency() Latency     { return LatencySlow }
func (*ioregAdapter) Privilege() Privilege { return PrivilegeNone }

func (a *ioregAdapter) Acquire(ctx context.Context, category Category) (Fragment, error) {
	errFactory := errors.New()

	if category != CategoryVRAM {
		return Fragment{}, errFactory.WithData(errors.ErrSourceNotApplicable, category)
	}

	out, err := runTool(ctx, a.Latency(), "ioreg", "-r", "-d", "1", "-w", "0", "-c", "IOAccelerator")
	if err != nil {
		return Fragment{}, err
	}

	total, ok := parseIORegVRAM(out)
	if !ok {
		return Fragment{}, errFactory.WithMessage(errors.ErrSourceParseFailure, "no VRAM entry in IOAccelerator registry")
	}

	return Fragment{
		Category:   CategoryVRAM,
		Max:        float64(total),
		Confidence: ConfidenceExact,
		Source:     a.ID(),
	}, nil
}

// parseIORegVRAM extracts a total VRAM figure in bytes from ioreg
// output. Entries look like `"VRAM,totalMB" = 8192`.
func parseIORegVRAM(out string) (uint64, bool) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "VRAM") {
			continue
		}
		_, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		cleaned := strings.Trim(strings.TrimSpace(value), `",`)
		megabytes, err := strconv.ParseUint(cleaned, 10, 64)
		if err != nil {
			continue
		}
		return megabytes * 1024 * 1024, true
	}
	return 0, false
}
