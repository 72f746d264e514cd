package metrics

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"codeberg.org/mutker/flippermon/internal/errors"
)

// Hard ceilings per latency class. A hung diagnostic tool must never
// stall the poll cycle or BLE event delivery.
const (
	fastTimeout     = 2 * time.Second
	slowTimeout     = 5 * time.Second
	blockingTimeout = 15 * time.Second
)

func timeoutFor(latency Latency) time.Duration {
	switch latency {
	case LatencyBlocking:
		return blockingTimeout
	case LatencySlow:
		return slowTimeout
	default:
		return fastTimeout
	}
}

// runTool invokes an external diagnostic tool under a hard timeout and
// converts every failure mode into a source error. A missing binary or
// denied permission is a normal SourceError, not a startup failure.
func runTool(ctx context.Context, latency Latency, name string, args ...string) (string, error) {
	errFactory := errors.New()

	ctx, cancel := context.WithTimeout(ctx, timeoutFor(latency))
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	// Parent cancellation is shutdown, not a slow tool.
	if errors.Is(ctx.Err(), context.Canceled) {
		return "", errFactory.Wrap(errors.ErrSourceCanceled, ctx.Err())
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", errFactory.WithData(errors.ErrSourceTimeout, name)
	}
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return "", errFactory.WithData(errors.ErrSourceToolUnavailable, name)
		}
		if isPermissionDenied(stderr.String()) {
			return "", errFactory.WithData(errors.ErrSourcePermissionDenied, name)
		}
		return "", errFactory.WithData(errors.ErrSourceParseFailure, strings.TrimSpace(stderr.String()))
	}

	return stdout.String(), nil
}

func isPermissionDenied(stderr string) bool {
	stderr = strings.ToLower(stderr)
	return strings.Contains(stderr, "superuser") ||
		strings.Contains(stderr, "permission denied") ||
		strings.Contains(stderr, "must be invoked as root") ||
		strings.Contains(stderr, "not permitted")
}
