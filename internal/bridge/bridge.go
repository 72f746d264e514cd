package bridge

import (
	"context"
	"time"

	"codeberg.org/mutker/flippermon/internal/ble"
	"codeberg.org/mutker/flippermon/internal/codec"
	"codeberg.org/mutker/flippermon/internal/errors"
	"codeberg.org/mutker/flippermon/internal/logger"
	"codeberg.org/mutker/flippermon/internal/metrics"
)

// Poller is the snapshot producer the bridge consumes.
type Poller interface {
	Subscribe() (<-chan *metrics.Snapshot, func())
	SetInterval(interval time.Duration) error
	PollNow()
}

// Session is the delivery side. Push may block while the session
// retries a degraded link.
type Session interface {
	State() ble.State
	Push(ctx context.Context, frames [][]byte) error
	Transitions() <-chan ble.Transition
}

// Recorder persists history. Optional; a nil Recorder disables it.
type Recorder interface {
	RecordSnapshot(ctx context.Context, snapshot *metrics.Snapshot) error
	RecordTransition(ctx context.Context, transition ble.Transition) error
}

// Bridge connects the poller to the session: snapshots flow out as
// frames while the session is up, commands flow back in. Snapshots
// produced while the session is down are dropped, never queued; the
// peripheral only ever wants the present.
type Bridge struct {
	poller   Poller
	session  Session
	encoder  *codec.Encoder
	recorder Recorder
}

func New(poller Poller, session Session, mtu int, recorder Recorder) (*Bridge, error) {
	errFactory := errors.New()
	if poller == nil || session == nil {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "poller and session are required")
	}

	encoder, err := codec.NewEncoder(mtu)
	if err != nil {
		return nil, err
	}

	return &Bridge{
		poller:   poller,
		session:  session,
		encoder:  encoder,
		recorder: recorder,
	}, nil
}

// HandleCommand decodes one inbound notification. Safe to call from the
// transport's notify goroutine.
func (b *Bridge) HandleCommand(data []byte) {
	command, err := codec.ParseCommand(data)
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring malformed command")
		return
	}

	switch command.ID {
	case codec.CommandSetInterval:
		interval := time.Duration(command.Arg) * time.Second
		if err := b.poller.SetInterval(interval); err != nil {
			logger.Warn().Err(err).Uint16("seconds", command.Arg).Msg("Rejected interval change")
			return
		}
		logger.Info().Uint16("seconds", command.Arg).Msg("Poll interval changed by peripheral")
	case codec.CommandPushNow:
		logger.Debug().Msg("Immediate poll requested by peripheral")
		b.poller.PollNow()
	}
}

// Run consumes snapshots and session transitions until ctx is canceled.
func (b *Bridge) Run(ctx context.Context) error {
	snapshots, unsubscribe := b.poller.Subscribe()
	defer unsubscribe()

	transitions := b.session.Transitions()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snapshot, ok := <-snapshots:
			if !ok {
				return nil
			}
			b.handleSnapshot(ctx, snapshot)
		case transition := <-transitions:
			b.handleTransition(ctx, transition)
		}
	}
}

func (b *Bridge) handleSnapshot(ctx context.Context, snapshot *metrics.Snapshot) {
	b.record(ctx, snapshot)

	// Degraded recovery happens inside the session's own retry loop, so
	// anything short of Ready means there is nothing to push to.
	state := b.session.State()
	if state != ble.StateReady {
		logger.Debug().Str("state", state.String()).Msg("No session, snapshot dropped")
		return
	}

	frames, err := b.encoder.Encode(snapshot)
	if err != nil {
		logger.Error().Err(err).Msg("Snapshot encoding failed")
		return
	}

	if err := b.session.Push(ctx, frames); err != nil {
		logger.Warn().Err(err).Msg("Push failed, snapshot lost")
		return
	}

	logger.Debug().
		Int("frames", len(frames)).
		Float64("cpu", snapshot.CPUPercent).
		Bool("stale", snapshot.Stale).
		Msg("Snapshot pushed")
}

func (b *Bridge) handleTransition(ctx context.Context, transition ble.Transition) {
	logger.Info().
		Str("from", transition.From.String()).
		Str("to", transition.To.String()).
		Str("reason", string(transition.Reason)).
		Msg("Session transition")

	if b.recorder != nil {
		if err := b.recorder.RecordTransition(ctx, transition); err != nil {
			logger.Warn().Err(err).Msg("Failed to record transition")
		}
	}

	// A fresh session should not wait out the current interval.
	if transition.To == ble.StateReady {
		b.poller.PollNow()
	}
}

func (b *Bridge) record(ctx context.Context, snapshot *metrics.Snapshot) {
	if b.recorder == nil {
		return
	}
	if err := b.recorder.RecordSnapshot(ctx, snapshot); err != nil {
		logger.Warn().Err(err).Msg("Failed to record snapshot")
	}
}
