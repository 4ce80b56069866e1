// Package reconcile tracks optimistic status edits against the last-known
// server state and drives publish followed by refetch.
//
// A Reconciler moves through explicit phases:
//
//	Idle -> Editing -> Publishing -> Reconciling -> Idle
//
// Edits are only accepted in Idle and Editing. After every publish attempt,
// successful or not, the baseline is refetched; local edits are never taken
// as committed server state.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/recordsync/pkg/record"
	"github.com/Sternrassler/recordsync/pkg/transition"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for edit reconciliation.
var (
	Publishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordsync_reconcile_publishes_total",
		Help: "Publish attempts by outcome (success, partial, failure)",
	}, []string{"outcome"})

	RejectedEdits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordsync_reconcile_rejected_edits_total",
		Help: "Edits rejected at the interaction boundary by reason",
	}, []string{"reason"})
)

// Phase is the reconciler's lifecycle state.
type Phase string

const (
	Idle        Phase = "idle"
	Editing     Phase = "editing"
	Publishing  Phase = "publishing"
	Reconciling Phase = "reconciling"
)

// PendingEdit is an uncommitted status change.
type PendingEdit struct {
	RecordID  string           `json:"id"`
	FromState transition.State `json:"from"`
	ToState   transition.State `json:"to"`
	At        time.Time        `json:"at"`
	Bulk      bool             `json:"bulk,omitempty"`
}

// Publisher sends edits to the server and returns the accepted count.
type Publisher interface {
	Publish(ctx context.Context, edits []PendingEdit) (int, error)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, edits []PendingEdit) (int, error)

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, edits []PendingEdit) (int, error) {
	return f(ctx, edits)
}

// Refetch loads the current server state of the records.
type Refetch[R record.Stateful] func(ctx context.Context) ([]R, error)

// PublishResult describes one publish attempt.
type PublishResult struct {
	Requested int `json:"requested"`
	Updated   int `json:"updated"`

	// Partial is set when the server accepted a different count than
	// requested. The refetched baseline is the truth either way.
	Partial bool `json:"partial"`

	// RefetchErr is set when the post-publish refetch failed; the baseline
	// is then older than the server state.
	RefetchErr error `json:"-"`
}

// Config holds reconciler configuration.
type Config struct {
	Policy *transition.Policy
	Now    func() time.Time
}

// DefaultConfig uses the default transition policy.
func DefaultConfig() Config {
	return Config{
		Policy: transition.DefaultPolicy(),
		Now:    time.Now,
	}
}

type bulkEdit struct {
	ids   map[string]struct{}
	state transition.State
	at    time.Time
}

// Reconciler holds the pending edits of one view.
type Reconciler[R record.Stateful] struct {
	publisher Publisher
	refetch   Refetch[R]
	policy    *transition.Policy
	now       func() time.Time
	logger    zerolog.Logger

	mu       sync.Mutex
	phase    Phase
	order    []string
	baseline map[string]transition.State
	manual   map[string]PendingEdit
	bulk     *bulkEdit
}

// New creates a reconciler.
func New[R record.Stateful](publisher Publisher, refetch Refetch[R], config Config, logger zerolog.Logger) *Reconciler[R] {
	if publisher == nil || refetch == nil {
		panic("publisher and refetch cannot be nil")
	}
	if config.Policy == nil {
		config.Policy = transition.DefaultPolicy()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Reconciler[R]{
		publisher: publisher,
		refetch:   refetch,
		policy:    config.Policy,
		now:       config.Now,
		logger:    logger,
		phase:     Idle,
		baseline:  make(map[string]transition.State),
		manual:    make(map[string]PendingEdit),
	}
}

// Policy returns the transition policy.
func (r *Reconciler[R]) Policy() *transition.Policy {
	return r.policy
}

// Phase returns the current phase.
func (r *Reconciler[R]) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Load replaces the server baseline. Edits on records that are no longer
// present, or that the new server state no longer allows, are dropped.
func (r *Reconciler[R]) Load(records []R) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busyLocked() {
		return ErrBusy
	}
	r.loadLocked(records)
	return nil
}

func (r *Reconciler[R]) loadLocked(records []R) {
	r.order = make([]string, 0, len(records))
	r.baseline = make(map[string]transition.State, len(records))
	for _, rec := range records {
		id := rec.RecordID()
		if _, dup := r.baseline[id]; dup {
			continue
		}
		r.order = append(r.order, id)
		r.baseline[id] = rec.RecordStatus()
	}

	for id, edit := range r.manual {
		base, ok := r.baseline[id]
		if !ok || base == edit.ToState || !r.policy.IsValid(base, edit.ToState) {
			delete(r.manual, id)
			continue
		}
		edit.FromState = base
		r.manual[id] = edit
	}
	if r.bulk != nil {
		for id := range r.bulk.ids {
			if base, ok := r.baseline[id]; !ok || !r.policy.IsValid(base, r.bulk.state) {
				delete(r.bulk.ids, id)
			}
		}
		if len(r.bulk.ids) == 0 {
			r.bulk = nil
		}
	}
	r.settleLocked()
}

func (r *Reconciler[R]) busyLocked() bool {
	return r.phase == Publishing || r.phase == Reconciling
}

// settleLocked moves between Idle and Editing after edits changed.
func (r *Reconciler[R]) settleLocked() {
	if r.busyLocked() {
		return
	}
	if len(r.manual) > 0 || r.bulk != nil {
		r.phase = Editing
	} else {
		r.phase = Idle
	}
}

// effectiveLocked returns the state a row would have after publish.
func (r *Reconciler[R]) effectiveLocked(id string) transition.State {
	if r.bulk != nil {
		if _, ok := r.bulk.ids[id]; ok {
			return r.bulk.state
		}
	}
	if edit, ok := r.manual[id]; ok {
		return edit.ToState
	}
	return r.baseline[id]
}

// SetEdit proposes a status for one row. The proposal is validated against
// the row's server state, the state it is published from; an invalid
// proposal changes nothing. While the row is covered by the bulk edit the
// bulk status stays in effect and the manual edit applies only once the
// bulk edit is cleared.
func (r *Reconciler[R]) SetEdit(id string, to transition.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busyLocked() {
		RejectedEdits.WithLabelValues("busy").Inc()
		return ErrBusy
	}
	base, ok := r.baseline[id]
	if !ok {
		RejectedEdits.WithLabelValues("unknown_record").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}

	if !r.policy.IsValid(base, to) {
		RejectedEdits.WithLabelValues("invalid_transition").Inc()
		r.logger.Debug().Str("record", id).Str("from", string(base)).Str("to", string(to)).Msg("Edit rejected")
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, base, to)
	}

	if to == base {
		delete(r.manual, id)
	} else {
		r.manual[id] = PendingEdit{RecordID: id, FromState: base, ToState: to, At: r.now()}
	}
	r.settleLocked()
	return nil
}

// SetBulk applies one status to a selection of rows. The status must be in
// the intersection of the allowed transitions of the rows' server states.
// The bulk edit replaces any previous one and clears manual edits on the
// selected rows.
func (r *Reconciler[R]) SetBulk(ids []string, to transition.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busyLocked() {
		RejectedEdits.WithLabelValues("busy").Inc()
		return ErrBusy
	}

	states, err := r.statesLocked(ids)
	if err != nil {
		RejectedEdits.WithLabelValues("unknown_record").Inc()
		return err
	}

	options, ok, reason := r.policy.BulkOptions(states)
	if !ok {
		RejectedEdits.WithLabelValues("no_common_transition").Inc()
		return fmt.Errorf("%w: %s", ErrNoCommonTransition, reason)
	}

	allowed := false
	for _, s := range options {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		RejectedEdits.WithLabelValues("invalid_transition").Inc()
		return fmt.Errorf("%w: %q is not offered for the selection", ErrInvalidTransition, to)
	}

	selected := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		selected[id] = struct{}{}
		delete(r.manual, id)
	}
	r.bulk = &bulkEdit{ids: selected, state: to, at: r.now()}

	r.logger.Debug().Int("rows", len(selected)).Str("to", string(to)).Msg("Bulk edit set")
	r.settleLocked()
	return nil
}

func (r *Reconciler[R]) statesLocked(ids []string) ([]transition.State, error) {
	states := make([]transition.State, 0, len(ids))
	for _, id := range ids {
		s, ok := r.baseline[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRecord, id)
		}
		states = append(states, s)
	}
	return states, nil
}

// ClearBulk drops the bulk edit.
func (r *Reconciler[R]) ClearBulk() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busyLocked() {
		return
	}
	r.bulk = nil
	r.settleLocked()
}

// Revert drops all edits on one row.
func (r *Reconciler[R]) Revert(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busyLocked() {
		return
	}
	delete(r.manual, id)
	if r.bulk != nil {
		delete(r.bulk.ids, id)
		if len(r.bulk.ids) == 0 {
			r.bulk = nil
		}
	}
	r.settleLocked()
}

// RevertAll drops every pending edit.
func (r *Reconciler[R]) RevertAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busyLocked() {
		return
	}
	r.manual = make(map[string]PendingEdit)
	r.bulk = nil
	r.settleLocked()
}

// Options returns the statuses offered for one row: those allowed from its
// server state.
func (r *Reconciler[R]) Options(id string) []transition.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy.Allowed(r.baseline[id])
}

// BulkOptions returns the statuses offered for a selection, or ok=false with
// an explanatory reason when the selection shares none.
func (r *Reconciler[R]) BulkOptions(ids []string) ([]transition.State, bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	states, err := r.statesLocked(ids)
	if err != nil {
		return nil, false, err.Error()
	}
	return r.policy.BulkOptions(states)
}

// ComputeDiff returns the edits whose effective state differs from the
// server baseline, in baseline order.
func (r *Reconciler[R]) ComputeDiff() []PendingEdit {
	r.mu.Lock()
	defer r.mu.Unlock()

	var diff []PendingEdit
	for _, id := range r.order {
		base := r.baseline[id]
		to := r.effectiveLocked(id)
		if to == base {
			continue
		}

		edit := PendingEdit{RecordID: id, FromState: base, ToState: to}
		if r.bulk != nil {
			if _, ok := r.bulk.ids[id]; ok {
				edit.Bulk = true
				edit.At = r.bulk.at
			}
		}
		if !edit.Bulk {
			edit.At = r.manual[id].At
		}
		diff = append(diff, edit)
	}
	return diff
}

// Publish sends diff and then refetches the baseline, whatever the outcome.
// On success every pending edit is cleared; on failure they are kept and a
// *PublishError is returned.
func (r *Reconciler[R]) Publish(ctx context.Context, diff []PendingEdit) (PublishResult, error) {
	r.mu.Lock()
	if r.busyLocked() {
		r.mu.Unlock()
		return PublishResult{}, ErrBusy
	}
	if len(diff) == 0 {
		r.mu.Unlock()
		return PublishResult{}, nil
	}
	r.phase = Publishing
	r.mu.Unlock()

	result := PublishResult{Requested: len(diff)}

	updated, pubErr := r.publisher.Publish(ctx, diff)
	if pubErr == nil {
		result.Updated = updated
		result.Partial = updated != len(diff)
	}

	r.mu.Lock()
	r.phase = Reconciling
	r.mu.Unlock()

	records, refetchErr := r.refetch(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if pubErr == nil {
		r.manual = make(map[string]PendingEdit)
		r.bulk = nil
	}
	if refetchErr == nil {
		r.loadLocked(records)
	} else {
		result.RefetchErr = refetchErr
		r.logger.Warn().Err(refetchErr).Msg("Refetch after publish failed, baseline may be outdated")
	}
	r.phase = Idle
	r.settleLocked()

	switch {
	case pubErr != nil:
		Publishes.WithLabelValues("failure").Inc()
		r.logger.Warn().Err(pubErr).Int("requested", len(diff)).Msg("Publish failed, edits kept")
		return result, &PublishError{Requested: len(diff), Err: pubErr}
	case result.Partial:
		Publishes.WithLabelValues("partial").Inc()
		r.logger.Warn().
			Int("requested", result.Requested).
			Int("updated", result.Updated).
			Msg("Server accepted a different count than requested, refetched baseline is authoritative")
	default:
		Publishes.WithLabelValues("success").Inc()
		r.logger.Info().Int("updated", result.Updated).Msg("Publish complete")
	}
	return result, nil
}

// Baseline returns the server state of a row.
func (r *Reconciler[R]) Baseline(id string) (transition.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.baseline[id]
	return s, ok
}

// Effective returns the state a row would have after publish.
func (r *Reconciler[R]) Effective(id string) transition.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveLocked(id)
}
