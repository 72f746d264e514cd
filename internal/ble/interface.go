package ble

import (
	"context"
	"strings"
	"time"

	"codeberg.org/mutker/flippermon/internal/errors"
)

// Flipper BLE serial service layout. Both characteristics are required;
// a peripheral missing either never reaches Ready.
const (
	SerialServiceUUID = "8fe5b3d5-2e7f-4a98-2a48-7acc60fe0000"
	// SerialRxUUID accepts host writes (telemetry frames out).
	SerialRxUUID = "19ed82ae-ed21-4c9d-4145-228e62fe0000"
	// SerialTxUUID notifies the host (command frames in).
	SerialTxUUID = "19ed82ae-ed21-4c9d-4145-228e61fe0000"
)

// State is the session lifecycle position. Transitions happen only
// along the defined edges; there is no shortcut from Scanning to Ready.
type State int32

const (
	StateDisconnected State = iota
	StateScanning
	StateConnecting
	StateReady
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// Transition is one observed state machine edge.
type Transition struct {
	From   State
	To     State
	Reason errors.ErrorCode
	At     time.Time
}

// Advertisement is the subset of a BLE advertisement the session
// manager needs to recognize and rank candidates.
type Advertisement struct {
	Name        string
	Addr        string
	RSSI        int
	Connectable bool
}

// Identity is the stable pattern used to recognize the target device
// among advertisements.
type Identity struct {
	// NamePatterns match case-sensitively as substrings of the
	// advertised local name; any one suffices.
	NamePatterns []string
	// Address, when set, pins the peripheral to one exact address.
	Address string
}

func (id Identity) Matches(adv Advertisement) bool {
	if !adv.Connectable {
		return false
	}
	if id.Address != "" {
		return strings.EqualFold(adv.Addr, id.Address)
	}
	for _, pattern := range id.NamePatterns {
		if pattern != "" && strings.Contains(adv.Name, pattern) {
			return true
		}
	}
	return false
}

// Characteristic is an opaque handle to one resolved characteristic.
// Handles are owned by the session manager and discarded wholesale on
// every disconnect; the peripheral may have reset its handle table.
type Characteristic interface {
	UUID() string
}

// Link is one established connection to a peripheral.
type Link interface {
	// Characteristics resolves the wanted characteristic UUIDs under
	// the given service. Missing entries are simply absent from the
	// returned map.
	Characteristics(ctx context.Context, service string, wanted []string) (map[string]Characteristic, error)
	// Write performs a write-without-response.
	Write(c Characteristic, data []byte) error
	// Subscribe registers a notification handler.
	Subscribe(c Characteristic, handler func([]byte)) error
	// Disconnected closes when the link drops, whatever the cause.
	Disconnected() <-chan struct{}
	// Close disconnects explicitly.
	Close() error
}

// Transport abstracts the BLE central so the session manager can be
// driven against a fake in tests.
type Transport interface {
	// Scan streams advertisements until the context is canceled.
	Scan(ctx context.Context, found func(Advertisement)) error
	// Dial connects to the peripheral at addr.
	Dial(ctx context.Context, addr string) (Link, error)
}
