//go:build linux && cgo

package metrics

import (
	"context"
	"sync"

	"codeberg.org/mutker/flippermon/internal/errors"
	"codeberg.org/mutker/flippermon/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlAdapter answers discrete-GPU categories through the NVIDIA
// management library. Initialization is lazy and cached: a host without
// the library or a GPU fails once and keeps failing cheaply.
type nvmlAdapter struct {
	initOnce sync.Once
	initErr  error
	device   nvml.Device
}

func NewNVMLAdapter() Adapter {
	return &nvmlAdapter{}
}

func (*nvmlAdapter) ID() AdapterID        { return AdapterNVML }
func (*nvmlAdapter) Latency() Latency     { return LatencyFast }
func (*nvmlAdapter) Privilege() Privilege { return PrivilegeNone }

func (a *nvmlAdapter) init() error {
	a.initOnce.Do(func() {
		errFactory := errors.New()

		if ret := nvml.Init(); ret != nvml.SUCCESS {
			a.initErr = errFactory.WithData(errors.ErrSourceToolUnavailable, nvml.ErrorString(ret))
			return
		}

		count, ret := nvml.DeviceGetCount()
		if ret != nvml.SUCCESS || count == 0 {
			a.initErr = errFactory.WithMessage(errors.ErrSourceToolUnavailable, "no NVIDIA devices")
			return
		}

		device, ret := nvml.DeviceGetHandleByIndex(0)
		if ret != nvml.SUCCESS {
			a.initErr = errFactory.WithData(errors.ErrSourceToolUnavailable, nvml.ErrorString(ret))
			return
		}
		a.device = device

		if name, ret := device.GetName(); ret == nvml.SUCCESS {
			logger.Debug().Str("gpu", name).Msg("NVML device detected")
		}
	})
	return a.initErr
}

func (a *nvmlAdapter) Acquire(_ context.Context, category Category) (Fragment, error) {
	errFactory := errors.New()

	if err := a.init(); err != nil {
		return Fragment{}, err
	}

	switch category {
	case CategoryGPUPresence:
		name, ret := a.device.GetName()
		if ret != nvml.SUCCESS {
			return Fragment{}, nvmlError(ret)
		}
		return Fragment{
			Category:   CategoryGPUPresence,
			Value:      1,
			Text:       name,
			Confidence: ConfidenceExact,
			Source:     a.ID(),
		}, nil

	case CategoryGPUUsage:
		util, ret := a.device.GetUtilizationRates()
		if ret != nvml.SUCCESS {
			return Fragment{}, nvmlError(ret)
		}
		return Fragment{
			Category:   CategoryGPUUsage,
			Value:      float64(util.Gpu),
			Max:        100,
			Confidence: ConfidenceExact,
			Source:     a.ID(),
		}, nil

	case CategoryVRAM:
		memory, ret := a.device.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			return Fragment{}, nvmlError(ret)
		}
		return Fragment{
			Category:   CategoryVRAM,
			Value:      float64(memory.Used),
			Max:        float64(memory.Total),
			Confidence: ConfidenceExact,
			Source:     a.ID(),
		}, nil

	default:
		return Fragment{}, errFactory.WithData(errors.ErrSourceNotApplicable, category)
	}
}

func nvmlError(ret nvml.Return) error {
	errFactory := errors.New()
	if ret == nvml.ERROR_NO_PERMISSION {
		return errFactory.WithData(errors.ErrSourcePermissionDenied, nvml.ErrorString(ret))
	}
	return errFactory.WithData(errors.ErrSourceParseFailure, nvml.ErrorString(ret))
}
