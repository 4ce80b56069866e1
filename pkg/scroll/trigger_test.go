package scroll

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	mu       sync.Mutex
	px       float64
	attached bool
}

func (p *fakeProbe) Distance() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.px, p.attached
}

func (p *fakeProbe) set(px float64, attached bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.px, p.attached = px, attached
}

type fakeTarget struct {
	mu         sync.Mutex
	loading    bool
	hasMore    bool
	generation uint64
	length     int
	calls      atomic.Int32
	grow       int
}

func (f *fakeTarget) Loading() bool      { f.mu.Lock(); defer f.mu.Unlock(); return f.loading }
func (f *fakeTarget) HasMore() bool      { f.mu.Lock(); defer f.mu.Unlock(); return f.hasMore }
func (f *fakeTarget) Generation() uint64 { f.mu.Lock(); defer f.mu.Unlock(); return f.generation }
func (f *fakeTarget) Len() int           { f.mu.Lock(); defer f.mu.Unlock(); return f.length }

func (f *fakeTarget) LoadMore(context.Context) error {
	f.calls.Add(1)
	f.mu.Lock()
	f.length += f.grow
	f.mu.Unlock()
	return nil
}

func newTrigger(probe *fakeProbe, target *fakeTarget, debounce time.Duration) *Trigger {
	return New(probe, target, Config{Margin: 200, Debounce: debounce}, zerolog.Nop())
}

func TestFire_Guards(t *testing.T) {
	tests := []struct {
		name    string
		px      float64
		attach  bool
		hasMore bool
		loading bool
		want    Result
	}{
		{"near bottom fires", 150, true, true, false, Fired},
		{"exactly at margin fires", 200, true, true, false, Fired},
		{"far from bottom", 800, true, true, false, SkipOutOfView},
		{"detached sentinel", 0, false, true, false, SkipOutOfView},
		{"already loading", 100, true, true, true, SkipLoading},
		{"exhausted", 100, true, false, false, SkipExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := &fakeProbe{px: tt.px, attached: tt.attach}
			target := &fakeTarget{hasMore: tt.hasMore, loading: tt.loading}
			trig := newTrigger(probe, target, time.Millisecond)
			defer trig.Dispose()

			assert.Equal(t, tt.want, trig.Fire())
			wantCalls := int32(0)
			if tt.want == Fired {
				wantCalls = 1
			}
			assert.Equal(t, wantCalls, target.calls.Load())
		})
	}
}

func TestFire_OncePerApproach(t *testing.T) {
	probe := &fakeProbe{px: 50, attached: true}
	target := &fakeTarget{hasMore: true}
	trig := newTrigger(probe, target, time.Millisecond)
	defer trig.Dispose()

	assert.Equal(t, Fired, trig.Fire())
	// Nothing arrived yet: the same condition must not load again.
	assert.Equal(t, SkipLatched, trig.Fire())
	assert.Equal(t, int32(1), target.calls.Load())

	// Leaving the margin releases the latch.
	probe.set(900, true)
	assert.Equal(t, SkipOutOfView, trig.Fire())
	probe.set(50, true)
	assert.Equal(t, Fired, trig.Fire())
	assert.Equal(t, int32(2), target.calls.Load())
}

func TestFire_NewRecordsReleaseLatch(t *testing.T) {
	probe := &fakeProbe{px: 50, attached: true}
	target := &fakeTarget{hasMore: true, grow: 20}
	trig := newTrigger(probe, target, time.Millisecond)
	defer trig.Dispose()

	assert.Equal(t, Fired, trig.Fire())
	assert.Equal(t, Fired, trig.Fire(), "new records arrived and the sentinel is still near")
	assert.Equal(t, int32(2), target.calls.Load())
}

func TestFire_RejectsDisposedWindow(t *testing.T) {
	probe := &fakeProbe{px: 50, attached: true}
	target := &fakeTarget{hasMore: true, generation: 1}
	trig := newTrigger(probe, target, time.Millisecond)
	defer trig.Dispose()

	// The Window was reset but the trigger was not re-armed.
	target.mu.Lock()
	target.generation = 2
	target.mu.Unlock()

	assert.Equal(t, SkipWrongWindow, trig.Fire())
	assert.Zero(t, target.calls.Load())

	trig.Rearm(2)
	assert.Equal(t, Fired, trig.Fire())
}

func TestOnScroll_DebouncesBursts(t *testing.T) {
	probe := &fakeProbe{px: 50, attached: true}
	target := &fakeTarget{hasMore: true, grow: 10}
	trig := newTrigger(probe, target, 30*time.Millisecond)
	defer trig.Dispose()

	for i := 0; i < 10; i++ {
		trig.OnScroll()
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return target.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), target.calls.Load())
}

func TestOnScroll_GuardsReadAtFireTime(t *testing.T) {
	probe := &fakeProbe{px: 50, attached: true}
	target := &fakeTarget{hasMore: true}
	trig := newTrigger(probe, target, 20*time.Millisecond)
	defer trig.Dispose()

	trig.OnScroll()
	// A load started by another path before the debounced event fires.
	target.mu.Lock()
	target.loading = true
	target.mu.Unlock()

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, target.calls.Load())
}

func TestDispose_StopsPendingEvaluation(t *testing.T) {
	probe := &fakeProbe{px: 50, attached: true}
	target := &fakeTarget{hasMore: true}
	trig := newTrigger(probe, target, 20*time.Millisecond)

	trig.OnScroll()
	trig.Dispose()
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, target.calls.Load())
	assert.Equal(t, SkipDisposed, trig.Fire())
	trig.OnScroll()
}
