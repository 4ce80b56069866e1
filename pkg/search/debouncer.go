// Package search collapses rapid search and filter input into a single
// reset-and-fetch once the input has been quiet for a while.
package search

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for the debouncer.
var (
	Fires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordsync_search_fires_total",
		Help: "Debounced search resets fired",
	})

	Superseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordsync_search_superseded_total",
		Help: "Pending search terms replaced before firing",
	})
)

// Config holds debouncer configuration.
type Config struct {
	// QuietPeriod is how long input must be idle before firing.
	QuietPeriod time.Duration
}

// DefaultConfig returns a 500ms quiet period.
func DefaultConfig() Config {
	return Config{QuietPeriod: 500 * time.Millisecond}
}

// Debouncer fires resetAndFetch with the latest term after a quiet period.
// Each new term replaces the pending one; there is never more than one
// pending fire.
type Debouncer struct {
	config        Config
	resetAndFetch func(term string)
	logger        zerolog.Logger

	mu         sync.Mutex
	timer      *time.Timer
	seq        uint64
	pending    string
	hasPending bool
	applied    string
	stopped    bool
}

// New creates a debouncer.
func New(config Config, resetAndFetch func(term string), logger zerolog.Logger) *Debouncer {
	if resetAndFetch == nil {
		panic("resetAndFetch cannot be nil")
	}
	if config.QuietPeriod <= 0 {
		config.QuietPeriod = DefaultConfig().QuietPeriod
	}

	return &Debouncer{
		config:        config,
		resetAndFetch: resetAndFetch,
		logger:        logger,
	}
}

// Sync records term as the one the Window currently reflects, without firing.
func (d *Debouncer) Sync(term string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applied = strings.TrimSpace(term)
}

// OnTermChange schedules a reset for term. A term equal to the applied one
// cancels any pending fire instead.
func (d *Debouncer) OnTermChange(term string) {
	term = strings.TrimSpace(term)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.stopLocked()
	if term == d.applied {
		d.logger.Debug().Str("term", term).Msg("Search term unchanged, nothing to fire")
		return
	}

	d.pending = term
	d.hasPending = true
	seq := d.seq
	d.timer = time.AfterFunc(d.config.QuietPeriod, func() {
		d.fire(seq)
	})
}

// Flush fires the pending term immediately. It reports whether a term was
// pending.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	seq := d.seq
	d.mu.Unlock()

	return d.fire(seq)
}

// Cancel drops the pending term.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// Stop cancels the pending term and ignores all further input.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.stopped = true
}

// Pending returns the term waiting to fire.
func (d *Debouncer) Pending() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending, d.hasPending
}

// stopLocked invalidates the pending fire. The sequence bump covers a timer
// whose callback already started and is waiting for the lock.
func (d *Debouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.hasPending {
		Superseded.Inc()
	}
	d.seq++
	d.pending = ""
	d.hasPending = false
}

func (d *Debouncer) fire(seq uint64) bool {
	d.mu.Lock()
	if d.stopped || seq != d.seq || !d.hasPending {
		d.mu.Unlock()
		return false
	}
	term := d.pending
	d.pending = ""
	d.hasPending = false
	d.applied = term
	d.timer = nil
	d.mu.Unlock()

	Fires.Inc()
	d.logger.Debug().Str("term", term).Msg("Search quiet period elapsed, resetting")
	d.resetAndFetch(term)
	return true
}
