//go:build !linux && !darwin

package ble

import (
	goble "github.com/go-ble/ble"

	"codeberg.org/mutker/flippermon/internal/errors"
)

func newDevice() (goble.Device, error) {
	return nil, errors.New().WithMessage(errors.ErrInitFailed, "no BLE central on this platform")
}
