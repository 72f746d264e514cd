package ble_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/flippermon/internal/ble"
	"codeberg.org/mutker/flippermon/internal/errors"
	"codeberg.org/mutker/flippermon/internal/logger"
)

func TestMain(m *testing.M) {
	logger.Init(false, false, true)
	os.Exit(m.Run())
}

type fakeChar string

func (c fakeChar) UUID() string { return string(c) }

type fakeLink struct {
	mu           sync.Mutex
	chars        map[string]ble.Characteristic
	writeErrs    []error
	failWrites   bool
	writes       [][]byte
	handler      func([]byte)
	subscribeErr error
	disconnected chan struct{}
	closeOnce    sync.Once
}

func newFakeLink(uuids ...string) *fakeLink {
	chars := make(map[string]ble.Characteristic, len(uuids))
	for _, uuid := range uuids {
		chars[uuid] = fakeChar(uuid)
	}

	return &fakeLink{chars: chars, disconnected: make(chan struct{})}
}

func goodLink() *fakeLink {
	return newFakeLink(ble.SerialRxUUID, ble.SerialTxUUID)
}

func (l *fakeLink) Characteristics(_ context.Context, _ string, wanted []string) (map[string]ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	resolved := make(map[string]ble.Characteristic)
	for _, want := range wanted {
		if c, ok := l.chars[want]; ok {
			resolved[want] = c
		}
	}

	return resolved, nil
}

func (l *fakeLink) Write(_ ble.Characteristic, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failWrites {
		return errors.New().New(errors.ErrSessionWriteFailed)
	}
	if len(l.writeErrs) > 0 {
		err := l.writeErrs[0]
		l.writeErrs = l.writeErrs[1:]
		if err != nil {
			return err
		}
	}

	l.writes = append(l.writes, append([]byte(nil), data...))

	return nil
}

func (l *fakeLink) Subscribe(_ ble.Characteristic, handler func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler

	return l.subscribeErr
}

func (l *fakeLink) Disconnected() <-chan struct{} {
	return l.disconnected
}

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.disconnected) })

	return nil
}

func (l *fakeLink) takeWrites() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writes
}

type fakeTransport struct {
	advs []ble.Advertisement

	mu    sync.Mutex
	links []*fakeLink
	dials []string
}

func newFakeTransport(advs []ble.Advertisement, links ...*fakeLink) *fakeTransport {
	return &fakeTransport{advs: advs, links: links}
}

func (t *fakeTransport) Scan(ctx context.Context, found func(ble.Advertisement)) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, adv := range t.advs {
				found(adv)
			}
		}
	}
}

func (t *fakeTransport) Dial(_ context.Context, addr string) (ble.Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dials = append(t.dials, addr)
	if len(t.links) == 0 {
		return goodLink(), nil
	}
	link := t.links[0]
	t.links = t.links[1:]

	return link, nil
}

func (t *fakeTransport) dialed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string(nil), t.dials...)
}

func flipperAdv() ble.Advertisement {
	return ble.Advertisement{Name: "PC Mon Bridge", Addr: "aa:bb:cc:dd:ee:ff", RSSI: -60, Connectable: true}
}

func testConfig() ble.Config {
	return ble.Config{
		Identity:       ble.Identity{NamePatterns: []string{"PC Mon", "Flipper"}},
		ConnectTimeout: time.Second,
		WriteRetries:   2,
		ScanSettle:     20 * time.Millisecond,
	}
}

func startManager(t *testing.T, transport ble.Transport, cfg ble.Config) (*ble.Manager, context.CancelFunc) {
	t.Helper()

	manager, err := ble.NewManager(transport, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = manager.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("manager did not stop")
		}
	})

	return manager, cancel
}

func waitEdge(t *testing.T, transitions <-chan ble.Transition, to ble.State) ble.Transition {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case tr := <-transitions:
			if tr.To == to {
				return tr
			}
		case <-deadline:
			t.Fatalf("timed out waiting for transition to %s", to)
		}
	}
}

func TestSessionEstablishGoesThroughEveryState(t *testing.T) {
	transport := newFakeTransport([]ble.Advertisement{flipperAdv()}, goodLink())
	manager, _ := startManager(t, transport, testConfig())

	transitions := manager.Transitions()
	scanning := waitEdge(t, transitions, ble.StateScanning)
	assert.Equal(t, ble.StateDisconnected, scanning.From)

	connecting := waitEdge(t, transitions, ble.StateConnecting)
	assert.Equal(t, ble.StateScanning, connecting.From)

	ready := waitEdge(t, transitions, ble.StateReady)
	assert.Equal(t, ble.StateConnecting, ready.From)
	assert.Equal(t, ble.StateReady, manager.State())
}

func TestMissingCharacteristicRestartsScan(t *testing.T) {
	// First link resolves only the notify characteristic.
	partial := newFakeLink(ble.SerialTxUUID)
	transport := newFakeTransport([]ble.Advertisement{flipperAdv()}, partial, goodLink())
	manager, _ := startManager(t, transport, testConfig())

	transitions := manager.Transitions()
	waitEdge(t, transitions, ble.StateConnecting)

	dropped := waitEdge(t, transitions, ble.StateDisconnected)
	assert.Equal(t, ble.StateConnecting, dropped.From)
	assert.Equal(t, errors.ErrSessionCharacteristicMissing, dropped.Reason)

	waitEdge(t, transitions, ble.StateScanning)
	waitEdge(t, transitions, ble.StateReady)
	assert.Len(t, transport.dialed(), 2)
}

func TestLinkLossReturnsToScanning(t *testing.T) {
	first := goodLink()
	transport := newFakeTransport([]ble.Advertisement{flipperAdv()}, first, goodLink())
	manager, _ := startManager(t, transport, testConfig())

	transitions := manager.Transitions()
	waitEdge(t, transitions, ble.StateReady)

	require.NoError(t, first.Close())

	lost := waitEdge(t, transitions, ble.StateDisconnected)
	assert.Equal(t, ble.StateReady, lost.From)
	assert.Equal(t, errors.ErrSessionLinkLost, lost.Reason)

	// Reconnect starts over; nothing jumps straight back to Ready.
	reconnecting := waitEdge(t, transitions, ble.StateConnecting)
	assert.Equal(t, ble.StateScanning, reconnecting.From)
	waitEdge(t, transitions, ble.StateReady)
}

func TestPushFailureDegradesThenRecovers(t *testing.T) {
	link := goodLink()
	link.writeErrs = []error{errors.New().New(errors.ErrSessionWriteFailed)}
	transport := newFakeTransport([]ble.Advertisement{flipperAdv()}, link)

	cfg := testConfig()
	cfg.WriteRetries = 3
	manager, _ := startManager(t, transport, cfg)

	transitions := manager.Transitions()
	waitEdge(t, transitions, ble.StateReady)

	err := manager.Push(context.Background(), [][]byte{{0x01}, {0x02}})
	require.NoError(t, err)

	degraded := waitEdge(t, transitions, ble.StateDegraded)
	assert.Equal(t, ble.StateReady, degraded.From)
	recovered := waitEdge(t, transitions, ble.StateReady)
	assert.Equal(t, ble.StateDegraded, recovered.From)

	assert.Equal(t, [][]byte{{0x01}, {0x02}}, link.takeWrites())
}

func TestPushBudgetExhaustionTearsDownSession(t *testing.T) {
	link := goodLink()
	link.failWrites = true
	transport := newFakeTransport([]ble.Advertisement{flipperAdv()}, link, goodLink())
	manager, _ := startManager(t, transport, testConfig())

	transitions := manager.Transitions()
	waitEdge(t, transitions, ble.StateReady)

	err := manager.Push(context.Background(), [][]byte{{0x01}, {0x02}, {0x03}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrSessionWriteFailed))
	assert.Empty(t, link.takeWrites())

	waitEdge(t, transitions, ble.StateDegraded)

	// The teardown cause survives through the disconnect edge; a spent
	// write budget is not reported as a lost link.
	down := waitEdge(t, transitions, ble.StateDisconnected)
	assert.Equal(t, errors.ErrSessionWriteFailed, down.Reason)

	// A fresh session comes up from scratch afterwards.
	waitEdge(t, transitions, ble.StateReady)
	assert.Len(t, transport.dialed(), 2)
}

func TestPushWithoutSessionFails(t *testing.T) {
	transport := newFakeTransport(nil)
	manager, err := ble.NewManager(transport, testConfig())
	require.NoError(t, err)

	err = manager.Push(context.Background(), [][]byte{{0x01}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrSessionWriteFailed))
}

func TestStrongestCandidateWins(t *testing.T) {
	weak := ble.Advertisement{Name: "PC Mon A", Addr: "11:11:11:11:11:11", RSSI: -85, Connectable: true}
	strong := ble.Advertisement{Name: "PC Mon B", Addr: "22:22:22:22:22:22", RSSI: -45, Connectable: true}
	transport := newFakeTransport([]ble.Advertisement{weak, strong}, goodLink())
	manager, _ := startManager(t, transport, testConfig())

	waitEdge(t, manager.Transitions(), ble.StateReady)

	dials := transport.dialed()
	require.NotEmpty(t, dials)
	assert.Equal(t, strong.Addr, dials[0])
}

func TestCommandsArriveThroughSubscription(t *testing.T) {
	link := goodLink()
	transport := newFakeTransport([]ble.Advertisement{flipperAdv()}, link)
	manager, err := ble.NewManager(transport, testConfig())
	require.NoError(t, err)

	received := make(chan []byte, 1)
	manager.OnCommand(func(data []byte) { received <- data })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = manager.Run(ctx) }()

	waitEdge(t, manager.Transitions(), ble.StateReady)

	link.mu.Lock()
	handler := link.handler
	link.mu.Unlock()
	require.NotNil(t, handler)

	handler([]byte{0xC3, 0x01, 0x05, 0x00})
	select {
	case data := <-received:
		assert.Equal(t, []byte{0xC3, 0x01, 0x05, 0x00}, data)
	case <-time.After(5 * time.Second):
		t.Fatal("command never delivered")
	}
}

func TestIdentityMatches(t *testing.T) {
	id := ble.Identity{NamePatterns: []string{"PC Mon", "Flipper"}}

	assert.True(t, id.Matches(ble.Advertisement{Name: "PC Mon Bridge", Connectable: true}))
	assert.True(t, id.Matches(ble.Advertisement{Name: "Flipper Kira", Connectable: true}))
	assert.False(t, id.Matches(ble.Advertisement{Name: "PC Mon Bridge", Connectable: false}))
	assert.False(t, id.Matches(ble.Advertisement{Name: "Some Headphones", Connectable: true}))

	pinned := ble.Identity{Address: "AA:BB:CC:DD:EE:FF"}
	assert.True(t, pinned.Matches(ble.Advertisement{Name: "whatever", Addr: "aa:bb:cc:dd:ee:ff", Connectable: true}))
	assert.False(t, pinned.Matches(ble.Advertisement{Name: "PC Mon", Addr: "11:22:33:44:55:66", Connectable: true}))
}

func TestNewManagerValidation(t *testing.T) {
	transport := newFakeTransport(nil)

	_, err := ble.NewManager(nil, testConfig())
	require.Error(t, err)

	cfg := testConfig()
	cfg.ConnectTimeout = 0
	_, err = ble.NewManager(transport, cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.WriteRetries = 0
	_, err = ble.NewManager(transport, cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Identity = ble.Identity{}
	_, err = ble.NewManager(transport, cfg)
	require.Error(t, err)
}
