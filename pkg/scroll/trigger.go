// Package scroll requests more records when the end of a list nears the
// visible bottom of its scroll container.
package scroll

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Evaluations counts fire-time guard evaluations by result.
var Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "recordsync_scroll_evaluations_total",
	Help: "Scroll trigger evaluations by result",
}, []string{"result"})

// Result is the outcome of one fire-time evaluation.
type Result string

const (
	Fired           Result = "fired"
	SkipLoading     Result = "loading"
	SkipExhausted   Result = "exhausted"
	SkipOutOfView   Result = "out_of_view"
	SkipLatched     Result = "latched"
	SkipDisposed    Result = "disposed"
	SkipWrongWindow Result = "wrong_window"
)

// Probe measures the sentinel placed after the last record.
type Probe interface {
	// Distance returns how far the sentinel is below the visible bottom of
	// the container (negative once it is inside the viewport) and whether the
	// sentinel is attached at all.
	Distance() (px float64, attached bool)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func() (float64, bool)

// Distance calls f.
func (f ProbeFunc) Distance() (float64, bool) { return f() }

// Target is the Window the trigger loads into.
type Target interface {
	Loading() bool
	HasMore() bool

	// Generation identifies the Window instance; it changes on every reset.
	Generation() uint64

	Len() int
	LoadMore(ctx context.Context) error
}

// Config holds trigger configuration.
type Config struct {
	// Margin is how close, in pixels, the sentinel must be to the visible
	// bottom before more records are requested.
	Margin float64

	// Debounce collapses bursts of scroll events.
	Debounce time.Duration
}

// DefaultConfig returns a 200px margin and a 100ms debounce.
func DefaultConfig() Config {
	return Config{
		Margin:   200,
		Debounce: 100 * time.Millisecond,
	}
}

// Trigger calls Target.LoadMore at most once per approaching-bottom
// condition. Every guard is evaluated when the debounced event fires, not
// when it is scheduled.
type Trigger struct {
	probe  Probe
	target Target
	config Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
	latched    bool
	latchLen   int
	disposed   bool
}

// New creates a trigger armed for the target's current generation.
func New(probe Probe, target Target, config Config, logger zerolog.Logger) *Trigger {
	if probe == nil || target == nil {
		panic("probe and target cannot be nil")
	}
	if config.Margin < 0 {
		config.Margin = 0
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		probe:      probe,
		target:     target,
		config:     config,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		generation: target.Generation(),
	}
}

// Rearm binds the trigger to a new Window generation and clears the latch.
func (t *Trigger) Rearm(generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.generation = generation
	t.latched = false
	t.latchLen = 0
}

// OnScroll schedules an evaluation after the debounce period. A newer event
// replaces a pending one.
func (t *Trigger) OnScroll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.config.Debounce, func() {
		t.Fire()
	})
}

// Fire evaluates the guards now and calls LoadMore when all pass.
func (t *Trigger) Fire() Result {
	result := t.evaluate()
	Evaluations.WithLabelValues(string(result)).Inc()
	if result != Fired {
		t.logger.Debug().Str("result", string(result)).Msg("Scroll trigger skipped")
		return result
	}

	t.logger.Debug().Int("records", t.target.Len()).Msg("Scroll trigger fired")
	if err := t.target.LoadMore(t.ctx); err != nil {
		t.logger.Debug().Err(err).Msg("Load more from scroll trigger returned error")
	}
	return Fired
}

func (t *Trigger) evaluate() Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return SkipDisposed
	}
	if t.target.Generation() != t.generation {
		return SkipWrongWindow
	}

	px, attached := t.probe.Distance()
	if !attached || px > t.config.Margin {
		t.latched = false
		return SkipOutOfView
	}

	if t.target.Loading() {
		return SkipLoading
	}
	if !t.target.HasMore() {
		return SkipExhausted
	}

	if t.latched {
		if t.target.Len() == t.latchLen {
			return SkipLatched
		}
		t.latched = false
	}

	t.latched = true
	t.latchLen = t.target.Len()
	return Fired
}

// Dispose stops the trigger. Pending evaluations become no-ops and an
// in-progress LoadMore sees its context cancelled.
func (t *Trigger) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return
	}
	t.disposed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.cancel()
}
