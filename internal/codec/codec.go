// Package codec serializes snapshots into the fixed-size frames the
// peripheral's characteristic accepts, and decodes inbound command
// notifications. Reassembly is the peripheral's concern; the framing
// contract (sequence + index + total) is ours.
package codec

import (
	"reflect"

	"codeberg.org/mutker/flippermon/internal/errors"
	"codeberg.org/mutker/flippermon/internal/metrics"
	"github.com/fxamacker/cbor/v2"
)

const (
	// Frame header: magic, snapshot sequence, frame index, frame total.
	telemetryMagic = 0xF1
	commandMagic   = 0xC3
	headerSize     = 4

	// ATT write-without-response overhead on the negotiated MTU.
	attOverhead = 3

	commandFrameSize     = 4
	maxFramesPerSnapshot = 255

	// maxGPUNameLen bounds the device name on the wire; the Flipper
	// screen cannot show more anyway.
	maxGPUNameLen = 20
)

// Command identifiers accepted from the peripheral.
const (
	CommandSetInterval uint8 = 0x01
	CommandPushNow     uint8 = 0x02
)

// encMode is configured with Core Deterministic Encoding: the same
// snapshot always produces identical bytes, which keeps peripheral-side
// reassembly idempotent.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Telemetry is the compact wire form of a snapshot. Totals are scaled
// to a unit exponent so they fit sixteen bits, matching what the
// peripheral renders. The Ok flags let the peripheral distinguish an
// idle GPU from an unknown one.
type Telemetry struct {
	CPUUsage uint8  `cbor:"cpu"`
	RAMMax   uint16 `cbor:"rmax"`
	RAMUsage uint8  `cbor:"rpct"`
	RAMUnit  string `cbor:"runit"`

	GPUOk    bool   `cbor:"gok"`
	GPUUsage uint8  `cbor:"gpct"`
	GPUName  string `cbor:"gname,omitempty"`

	VRAMOk    bool   `cbor:"vok"`
	VRAMMax   uint16 `cbor:"vmax"`
	VRAMUsage uint8  `cbor:"vpct"`
	VRAMUnit  string `cbor:"vunit"`

	AppleSilicon bool `cbor:"asi"`
	Stale        bool `cbor:"stale"`
}

// Command is a decoded inbound instruction from the peripheral.
type Command struct {
	ID  uint8
	Arg uint16
}

// Encoder splits snapshots into frames sized to the link's MTU.
type Encoder struct {
	capacity int
	seq      uint8
}

func NewEncoder(mtu int) (*Encoder, error) {
	capacity := mtu - attOverhead - headerSize
	if capacity < 1 {
		return nil, errors.New().WithData(errors.ErrInvalidArgument, mtu)
	}
	return &Encoder{capacity: capacity}, nil
}

// Encode serializes the snapshot and splits it deterministically into
// frames. Every call advances the sequence number so the peripheral can
// discard fragments of a superseded snapshot.
func (e *Encoder) Encode(snapshot *metrics.Snapshot) ([][]byte, error) {
	errFactory := errors.New()

	payload, err := encMode.Marshal(telemetryFromSnapshot(snapshot))
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrCodecMalformedFrame, err)
	}

	total := (len(payload) + e.capacity - 1) / e.capacity
	if total == 0 {
		total = 1
	}
	if total > maxFramesPerSnapshot {
		return nil, errFactory.WithData(errors.ErrCodecFrameOverflow, len(payload))
	}

	e.seq++
	frames := make([][]byte, 0, total)
	for index := 0; index < total; index++ {
		start := index * e.capacity
		end := start + e.capacity
		if end > len(payload) {
			end = len(payload)
		}
		frame := make([]byte, 0, headerSize+end-start)
		frame = append(frame, telemetryMagic, e.seq, uint8(index), uint8(total))
		frame = append(frame, payload[start:end]...)
		frames = append(frames, frame)
	}
	return frames, nil
}

// Decode reassembles frames produced by Encode back into telemetry.
// This is the conformance half of the framing contract; the peripheral
// implements the same logic.
func Decode(frames [][]byte) (*Telemetry, error) {
	errFactory := errors.New()

	if len(frames) == 0 {
		return nil, errFactory.WithMessage(errors.ErrCodecMalformedFrame, "no frames")
	}

	var payload []byte
	var seq uint8
	total := len(frames)
	for index, frame := range frames {
		if len(frame) < headerSize {
			return nil, errFactory.WithMessage(errors.ErrCodecMalformedFrame, "short frame")
		}
		if frame[0] != telemetryMagic {
			return nil, errFactory.WithData(errors.ErrCodecMalformedFrame, frame[0])
		}
		if index == 0 {
			seq = frame[1]
		} else if frame[1] != seq {
			return nil, errFactory.WithMessage(errors.ErrCodecMalformedFrame, "mixed sequence numbers")
		}
		if int(frame[2]) != index || int(frame[3]) != total {
			return nil, errFactory.WithMessage(errors.ErrCodecMalformedFrame, "frame index mismatch")
		}
		payload = append(payload, frame[headerSize:]...)
	}

	telemetry := &Telemetry{}
	if err := decMode.Unmarshal(payload, telemetry); err != nil {
		return nil, errFactory.Wrap(errors.ErrCodecMalformedFrame, err)
	}
	return telemetry, nil
}

// ParseCommand validates and decodes an inbound command notification.
// Malformed frames are reported, never interpreted.
func ParseCommand(data []byte) (Command, error) {
	errFactory := errors.New()

	if len(data) != commandFrameSize {
		return Command{}, errFactory.WithData(errors.ErrCodecMalformedFrame, len(data))
	}
	if data[0] != commandMagic {
		return Command{}, errFactory.WithData(errors.ErrCodecMalformedFrame, data[0])
	}

	command := Command{
		ID:  data[1],
		Arg: uint16(data[2]) | uint16(data[3])<<8,
	}
	switch command.ID {
	case CommandSetInterval, CommandPushNow:
		return command, nil
	default:
		return Command{}, errFactory.WithData(errors.ErrCodecUnknownCommand, command.ID)
	}
}

// EncodeCommand builds a command frame. The daemon never sends these;
// it exists to document the contract and to drive tests.
func EncodeCommand(command Command) []byte {
	return []byte{commandMagic, command.ID, byte(command.Arg), byte(command.Arg >> 8)}
}

func telemetryFromSnapshot(snapshot *metrics.Snapshot) Telemetry {
	telemetry := Telemetry{
		CPUUsage:     clampPercent(snapshot.CPUPercent),
		AppleSilicon: snapshot.Architecture == metrics.ArchAppleSilicon,
		Stale:        snapshot.Stale,
	}

	telemetry.RAMMax, telemetry.RAMUsage, telemetry.RAMUnit = scaleCapacity(snapshot.RAMUsed, snapshot.RAMTotal)

	if snapshot.Available(metrics.CategoryGPUUsage) && snapshot.GPUUsagePercent != nil {
		telemetry.GPUOk = true
		telemetry.GPUUsage = clampPercent(*snapshot.GPUUsagePercent)
	}
	if name := snapshot.GPUName; name != "" {
		telemetry.GPUName = truncateName(name, maxGPUNameLen)
	}
	if snapshot.Available(metrics.CategoryVRAM) {
		telemetry.VRAMOk = true
		telemetry.VRAMMax, telemetry.VRAMUsage, telemetry.VRAMUnit = scaleCapacity(snapshot.VRAMUsed, snapshot.VRAMTotal)
	}

	return telemetry
}

// truncateName cuts at a rune boundary. Splitting a multi-byte rune
// would produce invalid UTF-8 that a strict CBOR decoder rejects.
func truncateName(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	cut := 0
	for i := range name {
		if i > limit {
			break
		}
		cut = i
	}
	return name[:cut]
}

// scaleCapacity reduces a byte total to a sixteen-bit figure with a
// unit suffix, and the used share to a percentage.
func scaleCapacity(used, total uint64) (uint16, uint8, string) {
	if total == 0 {
		return 0, 0, "B"
	}

	exp := capacityExp(total)
	divisor := uint64(1) << (10 * exp)
	scaled := total / divisor
	percent := clampPercent(float64(used) / float64(total) * 100)
	return uint16(scaled), percent, capacityUnit(exp)
}

func capacityExp(n uint64) uint {
	switch {
	case n > 1<<40:
		return 4
	case n > 1<<30:
		return 3
	case n > 1<<20:
		return 2
	case n > 1<<10:
		return 1
	default:
		return 0
	}
}

func capacityUnit(exp uint) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	if int(exp) < len(units) {
		return units[exp]
	}
	return "B"
}

func clampPercent(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return uint8(v)
}
