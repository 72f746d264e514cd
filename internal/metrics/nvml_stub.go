//go:build !linux || !cgo

package metrics

import (
	"context"

	"codeberg.org/mutker/flippermon/internal/errors"
)

// NVML is only linked on Linux. Elsewhere the adapter exists but every
// acquisition reports the tool as unavailable, which the resolver
// treats like any other missing source.
type nvmlAdapter struct{}

func NewNVMLAdapter() Adapter {
	return &nvmlAdapter{}
}

func (*nvmlAdapter) ID() AdapterID        { return AdapterNVML }
func (*nvmlAdapter) Latency() Latency     { return LatencyFast }
func (*nvmlAdapter) Privilege() Privilege { return PrivilegeNone }

func (*nvmlAdapter) Acquire(_ context.Context, _ Category) (Fragment, error) {
	return Fragment{}, errors.New().WithMessage(errors.ErrSourceToolUnavailable, "NVML not supported on this platform")
}
