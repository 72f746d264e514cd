package poller_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/flippermon/internal/metrics"
	"codeberg.org/mutker/flippermon/internal/poller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedResolver replays a fixed sequence of snapshots, repeating the
// last one when the script runs out.
type scriptedResolver struct {
	mu        sync.Mutex
	snapshots []*metrics.Snapshot
	index     int
}

func (r *scriptedResolver) Resolve(_ context.Context) *metrics.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.snapshots[r.index]
	if r.index < len(r.snapshots)-1 {
		r.index++
	}
	return snapshot
}

func goodSnapshot(cpu float64) *metrics.Snapshot {
	return &metrics.Snapshot{
		Timestamp:  time.Now(),
		CPUPercent: cpu,
		RAMUsed:    uint64(cpu),
		RAMTotal:   100,
		Confidence: map[metrics.Category]metrics.Confidence{
			metrics.CategoryCPUUsage: metrics.ConfidenceExact,
			metrics.CategoryRAMUsage: metrics.ConfidenceExact,
		},
	}
}

func unavailableSnapshot() *metrics.Snapshot {
	return &metrics.Snapshot{
		Timestamp: time.Now(),
		Confidence: map[metrics.Category]metrics.Confidence{
			metrics.CategoryCPUUsage: metrics.ConfidenceUnavailable,
			metrics.CategoryRAMUsage: metrics.ConfidenceUnavailable,
		},
	}
}

func receive(t *testing.T, ch <-chan *metrics.Snapshot) *metrics.Snapshot {
	t.Helper()
	select {
	case snapshot := <-ch:
		return snapshot
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func TestFirstCycleIsImmediate(t *testing.T) {
	resolver := &scriptedResolver{snapshots: []*metrics.Snapshot{goodSnapshot(10)}}
	p, err := poller.New(resolver, time.Second, time.Minute)
	require.NoError(t, err)

	ch, unsubscribe := p.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	snapshot := receive(t, ch)
	assert.InDelta(t, 10, snapshot.CPUPercent, 0.001)
	assert.Same(t, snapshot, p.Current())
}

func TestFailedCycleRetainsPreviousWithStaleMarker(t *testing.T) {
	resolver := &scriptedResolver{snapshots: []*metrics.Snapshot{
		goodSnapshot(25),
		unavailableSnapshot(),
	}}
	p, err := poller.New(resolver, time.Second, time.Minute)
	require.NoError(t, err)

	ch, unsubscribe := p.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	first := receive(t, ch)
	assert.False(t, first.Stale)

	p.PollNow()
	second := receive(t, ch)
	assert.True(t, second.Stale, "previous snapshot must be retained with a stale marker")
	assert.False(t, second.Degraded)
	assert.InDelta(t, 25, second.CPUPercent, 0.001, "retained values come from the last good cycle")
}

func TestStalenessBeyondThresholdMarksDegraded(t *testing.T) {
	resolver := &scriptedResolver{snapshots: []*metrics.Snapshot{
		goodSnapshot(25),
		unavailableSnapshot(),
	}}
	p, err := poller.New(resolver, time.Second, 0)
	require.NoError(t, err)

	ch, unsubscribe := p.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	receive(t, ch)
	p.PollNow()
	second := receive(t, ch)
	assert.True(t, second.Stale)
	assert.True(t, second.Degraded)
}

func TestSnapshotReplacementIsAtomic(t *testing.T) {
	snapshots := make([]*metrics.Snapshot, 100)
	for i := range snapshots {
		snapshots[i] = goodSnapshot(float64(i))
	}
	resolver := &scriptedResolver{snapshots: snapshots}
	p, err := poller.New(resolver, time.Second, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			if snapshot := p.Current(); snapshot != nil {
				// CPUPercent and RAMUsed are written from the same
				// counter; a torn snapshot would disagree.
				assert.Equal(t, uint64(snapshot.CPUPercent), snapshot.RAMUsed)
			}
		}
	}()

	for i := 0; i < 100; i++ {
		p.PollNow()
	}
	<-done
}

func TestSubscriberSeesOnlyLatest(t *testing.T) {
	resolver := &scriptedResolver{snapshots: []*metrics.Snapshot{
		goodSnapshot(1), goodSnapshot(2), goodSnapshot(3),
	}}
	p, err := poller.New(resolver, time.Second, time.Minute)
	require.NoError(t, err)

	ch, unsubscribe := p.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	receive(t, ch)

	// Two cycles land before the consumer reads: only the newest
	// snapshot may be delivered.
	p.PollNow()
	time.Sleep(50 * time.Millisecond)
	p.PollNow()
	time.Sleep(50 * time.Millisecond)

	latest := receive(t, ch)
	assert.InDelta(t, 3, latest.CPUPercent, 0.001)
}

func TestSetIntervalValidation(t *testing.T) {
	resolver := &scriptedResolver{snapshots: []*metrics.Snapshot{goodSnapshot(1)}}
	p, err := poller.New(resolver, 2*time.Second, time.Minute)
	require.NoError(t, err)

	require.NoError(t, p.SetInterval(5*time.Second))
	assert.Equal(t, 5*time.Second, p.Interval())

	require.Error(t, p.SetInterval(0))
	require.Error(t, p.SetInterval(2*time.Hour))
	assert.Equal(t, 5*time.Second, p.Interval(), "invalid interval must not apply")
}

func TestNewRejectsInvalidInterval(t *testing.T) {
	resolver := &scriptedResolver{snapshots: []*metrics.Snapshot{goodSnapshot(1)}}
	_, err := poller.New(resolver, 0, time.Minute)
	require.Error(t, err)
}
