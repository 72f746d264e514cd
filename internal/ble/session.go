package ble

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"codeberg.org/mutker/flippermon/internal/errors"
	"codeberg.org/mutker/flippermon/internal/logger"
)

const (
	// scanSettleWindow keeps collecting candidates after the first
	// match so the strongest signal wins when several devices match.
	scanSettleWindow = 2 * time.Second

	writeBackoffBase = 100 * time.Millisecond

	transitionBuffer = 32
)

// Config carries the session manager tunables.
type Config struct {
	Identity       Identity
	ConnectTimeout time.Duration
	// WriteRetries is the Degraded budget: consecutive failed writes
	// tolerated before the session is torn down.
	WriteRetries int
	// ScanSettle overrides the candidate settle window when positive.
	ScanSettle time.Duration
}

type session struct {
	link    Link
	write   Characteristic
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// Manager owns the peripheral connection lifecycle. Exactly one Run
// loop drives scanning and connecting; Push is safe to call from other
// goroutines and operates on whatever session is current.
type Manager struct {
	transport Transport
	cfg       Config

	state       atomic.Int32
	transitions chan Transition

	mu      sync.Mutex
	current *session
	// dropReason remembers why the last live session was torn down, so
	// the Disconnected edge carries the real cause rather than a
	// generic link loss.
	dropReason errors.ErrorCode

	// onCommand receives inbound notification payloads. Set before Run.
	onCommand func([]byte)
}

func NewManager(transport Transport, cfg Config) (*Manager, error) {
	errFactory := errors.New()
	if transport == nil {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "transport is required")
	}
	if cfg.ConnectTimeout <= 0 {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "connect timeout must be positive")
	}
	if cfg.WriteRetries < 1 {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "write retries must be at least 1")
	}
	if cfg.Identity.Address == "" && len(cfg.Identity.NamePatterns) == 0 {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "identity needs a name pattern or an address")
	}

	if cfg.ScanSettle <= 0 {
		cfg.ScanSettle = scanSettleWindow
	}

	m := &Manager{
		transport:   transport,
		cfg:         cfg,
		transitions: make(chan Transition, transitionBuffer),
	}
	m.state.Store(int32(StateDisconnected))

	return m, nil
}

// OnCommand registers the inbound notification handler. Must be called
// before Run.
func (m *Manager) OnCommand(handler func([]byte)) {
	m.onCommand = handler
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// Transitions returns the edge stream. Edges observed while the
// buffer is full are dropped.
func (m *Manager) Transitions() <-chan Transition {
	return m.transitions
}

// Run drives the session until ctx is canceled. Scanning is unbounded;
// each connect attempt is bounded by ConnectTimeout. Always disconnects
// explicitly before returning.
func (m *Manager) Run(ctx context.Context) error {
	defer m.dropSession("")

	for ctx.Err() == nil {
		m.setState(StateScanning, "")

		candidate, err := m.scan(ctx)
		if err != nil {
			m.setState(StateDisconnected, errors.ErrSessionScanAborted)
			return err
		}

		logger.Info().
			Str("name", candidate.Name).
			Str("addr", candidate.Addr).
			Int("rssi", candidate.RSSI).
			Msg("Device found")
		m.setState(StateConnecting, "")

		sess, err := m.connect(ctx, candidate)
		if err != nil {
			m.setState(StateDisconnected, errors.CodeOf(err))
			logger.Warn().Err(err).Msg("Connection attempt failed")
			continue
		}

		m.install(sess)
		m.setState(StateReady, "")
		logger.Info().Str("addr", candidate.Addr).Msg("Session established")

		select {
		case <-ctx.Done():
			m.dropSession("")
			m.setState(StateDisconnected, "")
			return ctx.Err()
		case <-sess.link.Disconnected():
			// The wakeup may be a spontaneous link loss or a teardown
			// started by an exhausted write budget.
			reason := m.takeDropReason()
			m.dropSession(reason)
			m.setState(StateDisconnected, reason)
			logger.Warn().Str("reason", string(reason)).Msg("Session lost")
		}
	}

	return ctx.Err()
}

// Push writes the frames of one snapshot in order. A failed write
// moves the session to Degraded and retries with backoff; once the
// retry budget is spent the session is torn down and the caller's
// snapshot is lost with it.
func (m *Manager) Push(ctx context.Context, frames [][]byte) error {
	for _, frame := range frames {
		if err := m.writeFrame(ctx, frame); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) writeFrame(ctx context.Context, frame []byte) error {
	errFactory := errors.New()
	for attempt := 0; ; attempt++ {
		sess := m.currentSession()
		if sess == nil {
			return errFactory.WithMessage(errors.ErrSessionWriteFailed, "no active session")
		}

		_, err := sess.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, sess.link.Write(sess.write, frame)
		})
		if err == nil {
			if m.State() == StateDegraded {
				m.setState(StateReady, "")
			}
			return nil
		}
		if err == gobreaker.ErrOpenState {
			// Budget exhausted. Closing the link wakes Run, which
			// rebuilds the session from Scanning.
			m.dropSession(errors.ErrSessionWriteFailed)
			return errFactory.Wrap(errors.ErrSessionWriteFailed, err)
		}

		if m.State() == StateReady {
			m.setState(StateDegraded, errors.ErrSessionWriteFailed)
			logger.Warn().Err(err).Msg("Write failed, session degraded")
		}

		select {
		case <-ctx.Done():
			return errFactory.Wrap(errors.ErrSessionWriteFailed, ctx.Err())
		case <-time.After(writeBackoffBase << uint(attempt)):
		}
	}
}

// scan blocks until a matching advertisement appears, then keeps
// listening briefly and returns the strongest candidate. Most recently
// seen wins on equal signal.
func (m *Manager) scan(ctx context.Context) (Advertisement, error) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	matches := make(chan Advertisement, 8)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- m.transport.Scan(scanCtx, func(adv Advertisement) {
			if !m.cfg.Identity.Matches(adv) {
				return
			}
			select {
			case matches <- adv:
			default:
			}
		})
	}()

	var best Advertisement
	select {
	case <-ctx.Done():
		return Advertisement{}, ctx.Err()
	case err := <-scanErr:
		if err == nil {
			err = errors.New().New(errors.ErrSessionScanAborted)
		}
		return Advertisement{}, err
	case best = <-matches:
	}

	settle := time.After(m.cfg.ScanSettle)
	for {
		select {
		case <-ctx.Done():
			return Advertisement{}, ctx.Err()
		case adv := <-matches:
			if adv.RSSI >= best.RSSI {
				best = adv
			}
		case <-settle:
			return best, nil
		}
	}
}

func (m *Manager) connect(ctx context.Context, candidate Advertisement) (*session, error) {
	errFactory := errors.New()
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	link, err := m.transport.Dial(dialCtx, candidate.Addr)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrSessionConnectTimeout, err)
	}

	chars, err := link.Characteristics(dialCtx, SerialServiceUUID, []string{SerialRxUUID, SerialTxUUID})
	if err != nil {
		_ = link.Close()
		return nil, errFactory.Wrap(errors.ErrSessionCharacteristicMissing, err)
	}

	write, ok := chars[SerialRxUUID]
	notify, hasNotify := chars[SerialTxUUID]
	if !ok || !hasNotify {
		// Partial resolution is as unusable as none.
		_ = link.Close()
		return nil, errFactory.WithMessage(errors.ErrSessionCharacteristicMissing, "serial characteristics not resolved")
	}

	if handler := m.onCommand; handler != nil {
		if err := link.Subscribe(notify, handler); err != nil {
			_ = link.Close()
			return nil, errFactory.Wrap(errors.ErrSessionCharacteristicMissing, err)
		}
	}

	return &session{
		link:    link,
		write:   write,
		breaker: m.newBreaker(candidate.Addr),
	}, nil
}

func (m *Manager) newBreaker(addr string) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "ble-write-" + addr,
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(m.cfg.WriteRetries)
		},
	})
}

func (m *Manager) install(sess *session) {
	m.mu.Lock()
	m.current = sess
	m.dropReason = ""
	m.mu.Unlock()
}

func (m *Manager) currentSession() *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// dropSession discards the current link and all characteristic handles.
// The next session starts handle resolution from scratch.
func (m *Manager) dropSession(reason errors.ErrorCode) {
	m.mu.Lock()
	sess := m.current
	m.current = nil
	if sess != nil {
		m.dropReason = reason
	}
	m.mu.Unlock()

	if sess == nil {
		return
	}
	if err := sess.link.Close(); err != nil {
		logger.Debug().Err(err).Str("reason", string(reason)).Msg("Close on teardown failed")
	}
}

// takeDropReason consumes the recorded teardown cause, defaulting to
// link loss when the disconnect was spontaneous.
func (m *Manager) takeDropReason() errors.ErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()

	reason := m.dropReason
	m.dropReason = ""
	if reason == "" {
		reason = errors.ErrSessionLinkLost
	}

	return reason
}

func (m *Manager) setState(to State, reason errors.ErrorCode) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}

	transition := Transition{From: from, To: to, Reason: reason, At: time.Now()}
	select {
	case m.transitions <- transition:
	default:
	}

	logger.Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("reason", string(reason)).
		Msg("Session state changed")
}
