package metrics

import (
	"context"
	"runtime"
	"strings"
	"sync"

	"codeberg.org/mutker/flippermon/internal/logger"
)

var (
	archOnce   sync.Once
	cachedArch Architecture
)

// DetectArchitecture resolves the host architecture once per process.
// It cannot change at runtime, so the result is cached and passed as
// configuration into the resolver rather than re-derived per adapter.
func DetectArchitecture(ctx context.Context) Architecture {
	archOnce.Do(func() {
		cachedArch = detectArchitecture(ctx)
		logger.Debug().Str("architecture", cachedArch.String()).Msg("Detected host architecture")
	})
	return cachedArch
}

func detectArchitecture(ctx context.Context) Architecture {
	if runtime.GOOS != "darwin" {
		return ArchIntelAMD
	}

	// The brand string is authoritative on macOS; GOARCH alone would
	// misclassify an amd64 binary running under Rosetta.
	out, err := runTool(ctx, LatencyFast, "sysctl", "-n", "machdep.cpu.brand_string")
	if err == nil && strings.Contains(out, "Apple") {
		return ArchAppleSilicon
	}

	if runtime.GOARCH == "arm64" {
		return ArchAppleSilicon
	}
	return ArchIntelAMD
}
