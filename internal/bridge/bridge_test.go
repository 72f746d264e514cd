package bridge_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/flippermon/internal/ble"
	"codeberg.org/mutker/flippermon/internal/bridge"
	"codeberg.org/mutker/flippermon/internal/codec"
	"codeberg.org/mutker/flippermon/internal/logger"
	"codeberg.org/mutker/flippermon/internal/metrics"
)

func TestMain(m *testing.M) {
	logger.Init(false, false, true)
	os.Exit(m.Run())
}

type fakePoller struct {
	snaps chan *metrics.Snapshot

	mu        sync.Mutex
	intervals []time.Duration
	pollNows  int
	setErr    error
}

func newFakePoller() *fakePoller {
	return &fakePoller{snaps: make(chan *metrics.Snapshot, 8)}
}

func (p *fakePoller) Subscribe() (<-chan *metrics.Snapshot, func()) {
	return p.snaps, func() {}
}

func (p *fakePoller) SetInterval(interval time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.setErr != nil {
		return p.setErr
	}
	p.intervals = append(p.intervals, interval)

	return nil
}

func (p *fakePoller) PollNow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollNows++
}

func (p *fakePoller) pollNowCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pollNows
}

func (p *fakePoller) setIntervals() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]time.Duration(nil), p.intervals...)
}

type fakeSession struct {
	transitions chan ble.Transition

	mu     sync.Mutex
	state  ble.State
	pushes [][][]byte
}

func newFakeSession(state ble.State) *fakeSession {
	return &fakeSession{state: state, transitions: make(chan ble.Transition, 8)}
}

func (s *fakeSession) State() ble.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *fakeSession) setState(state ble.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *fakeSession) Push(_ context.Context, frames [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, frames)

	return nil
}

func (s *fakeSession) Transitions() <-chan ble.Transition {
	return s.transitions
}

func (s *fakeSession) pushed() [][][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([][][]byte(nil), s.pushes...)
}

type countingRecorder struct {
	mu          sync.Mutex
	snapCount   int
	transitions []ble.Transition
}

func (r *countingRecorder) RecordSnapshot(_ context.Context, _ *metrics.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapCount++

	return nil
}

func (r *countingRecorder) RecordTransition(_ context.Context, transition ble.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition)

	return nil
}

func (r *countingRecorder) snapshots() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapCount
}

func (r *countingRecorder) recordedTransitions() []ble.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]ble.Transition(nil), r.transitions...)
}

func snap(cpu float64) *metrics.Snapshot {
	return &metrics.Snapshot{
		Timestamp:  time.Now(),
		CPUPercent: cpu,
		RAMUsed:    8 << 30,
		RAMTotal:   16 << 30,
		Confidence: map[metrics.Category]metrics.Confidence{
			metrics.CategoryCPUUsage: metrics.ConfidenceExact,
			metrics.CategoryRAMUsage: metrics.ConfidenceExact,
		},
	}
}

func startBridge(t *testing.T, poller *fakePoller, session *fakeSession) *bridge.Bridge {
	t.Helper()

	b, err := bridge.New(poller, session, 512, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("bridge did not stop")
		}
	})

	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSnapshotPushedWhenReady(t *testing.T) {
	poller := newFakePoller()
	session := newFakeSession(ble.StateReady)
	startBridge(t, poller, session)

	poller.snaps <- snap(42.0)

	waitFor(t, "push", func() bool { return len(session.pushed()) == 1 })

	telemetry, err := codec.Decode(session.pushed()[0])
	require.NoError(t, err)
	assert.Equal(t, uint8(42), telemetry.CPUUsage)
	assert.Equal(t, uint8(50), telemetry.RAMUsage)
}

func TestSnapshotDroppedWithoutSession(t *testing.T) {
	poller := newFakePoller()
	session := newFakeSession(ble.StateScanning)
	recorder := &countingRecorder{}

	b, err := bridge.New(poller, session, 512, recorder)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	// Dropped while down; delivered once the session is up.
	poller.snaps <- snap(10.0)
	waitFor(t, "first snapshot recorded", func() bool { return recorder.snapshots() == 1 })
	time.Sleep(200 * time.Millisecond)
	require.Empty(t, session.pushed())

	session.setState(ble.StateReady)
	poller.snaps <- snap(20.0)

	waitFor(t, "push", func() bool { return len(session.pushed()) == 1 })

	telemetry, err := codec.Decode(session.pushed()[0])
	require.NoError(t, err)
	assert.Equal(t, uint8(20), telemetry.CPUUsage)
}

func TestSnapshotDroppedWhileDegraded(t *testing.T) {
	poller := newFakePoller()
	session := newFakeSession(ble.StateDegraded)
	recorder := &countingRecorder{}

	b, err := bridge.New(poller, session, 512, recorder)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	// A degraded session is mid-retry or mid-teardown; either way the
	// bridge has nothing to push to until it reads Ready again.
	poller.snaps <- snap(30.0)
	waitFor(t, "snapshot recorded", func() bool { return recorder.snapshots() == 1 })
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, session.pushed())
}

func TestSetIntervalCommand(t *testing.T) {
	poller := newFakePoller()
	session := newFakeSession(ble.StateReady)
	b := startBridge(t, poller, session)

	b.HandleCommand(codec.EncodeCommand(codec.Command{ID: codec.CommandSetInterval, Arg: 5}))

	intervals := poller.setIntervals()
	require.Len(t, intervals, 1)
	assert.Equal(t, 5*time.Second, intervals[0])
}

func TestPushNowCommand(t *testing.T) {
	poller := newFakePoller()
	session := newFakeSession(ble.StateReady)
	b := startBridge(t, poller, session)

	b.HandleCommand(codec.EncodeCommand(codec.Command{ID: codec.CommandPushNow}))

	assert.Equal(t, 1, poller.pollNowCount())
}

func TestMalformedCommandIgnored(t *testing.T) {
	poller := newFakePoller()
	session := newFakeSession(ble.StateReady)
	b := startBridge(t, poller, session)

	b.HandleCommand(nil)
	b.HandleCommand([]byte{0x00, 0x01})
	b.HandleCommand([]byte{0xC3, 0xFF, 0x00, 0x00})

	assert.Empty(t, poller.setIntervals())
	assert.Equal(t, 0, poller.pollNowCount())
}

func TestReadyTransitionTriggersImmediatePoll(t *testing.T) {
	poller := newFakePoller()
	session := newFakeSession(ble.StateReady)
	startBridge(t, poller, session)

	session.transitions <- ble.Transition{From: ble.StateConnecting, To: ble.StateReady, At: time.Now()}

	waitFor(t, "poll now", func() bool { return poller.pollNowCount() == 1 })
}

func TestTransitionsAreRecorded(t *testing.T) {
	poller := newFakePoller()
	session := newFakeSession(ble.StateReady)
	recorder := &countingRecorder{}

	b, err := bridge.New(poller, session, 512, recorder)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	session.transitions <- ble.Transition{From: ble.StateReady, To: ble.StateDisconnected, At: time.Now()}

	waitFor(t, "transition recorded", func() bool { return len(recorder.recordedTransitions()) == 1 })
	assert.Equal(t, ble.StateDisconnected, recorder.recordedTransitions()[0].To)
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := bridge.New(nil, newFakeSession(ble.StateReady), 512, nil)
	require.Error(t, err)

	_, err = bridge.New(newFakePoller(), nil, 512, nil)
	require.Error(t, err)

	_, err = bridge.New(newFakePoller(), newFakeSession(ble.StateReady), 10, nil)
	require.Error(t, err)
}
