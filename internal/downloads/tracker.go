// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package downloads

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/xoffline/internal/log"
	"github.com/ManuGH/xoffline/internal/metrics"
)

const (
	defaultVerdictBuffer = 64
	dropLogEvery         = 100
)

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithVerdictBuffer sets the capacity of the Verdicts channel.
func WithVerdictBuffer(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.buffer = n
		}
	}
}

// Tracker keeps the latest verdict for every download of a transfer engine.
// Verdicts are recomputed on each engine notification and published on a
// buffered channel. A full channel drops the update; Verdict and Snapshot
// always reflect the latest state.
type Tracker struct {
	policy Policy
	logger zerolog.Logger
	buffer int

	mu       sync.RWMutex
	records  map[string]Record
	verdicts map[string]Verdict
	out      chan Verdict
	closed   bool

	unsubscribe func()
	dropped     atomic.Uint64
}

// NewTracker seeds verdicts from engine.CurrentDownloads and subscribes to
// further changes. The tracker never calls engine mutators.
func NewTracker(ctx context.Context, engine TransferEngine, policy Policy, opts ...TrackerOption) (*Tracker, error) {
	if engine == nil {
		return nil, fmt.Errorf("downloads: transfer engine is required")
	}
	t := &Tracker{
		policy:   policy,
		logger:   xglog.WithComponent("downloads.tracker"),
		buffer:   defaultVerdictBuffer,
		records:  make(map[string]Record),
		verdicts: make(map[string]Verdict),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.out = make(chan Verdict, t.buffer)

	// Subscribe before listing so no change between the two is lost.
	// A late snapshot entry never overwrites a newer notification.
	t.unsubscribe = engine.Subscribe(t.observe)
	current, err := engine.CurrentDownloads(ctx)
	if err != nil {
		t.unsubscribe()
		return nil, fmt.Errorf("downloads: list current downloads: %w", err)
	}
	t.mu.Lock()
	for _, rec := range current {
		if _, seen := t.records[rec.ID]; !seen {
			t.applyLocked(rec)
		}
	}
	t.publishGaugeLocked()
	t.mu.Unlock()

	t.logger.Info().
		Str(xglog.FieldEvent, "downloads.tracker.started").
		Int("downloads", len(current)).
		Msg("download tracker started")
	return t, nil
}

// Verdicts delivers verdict changes. It is closed by Close.
func (t *Tracker) Verdicts() <-chan Verdict { return t.out }

// Verdict returns the latest verdict for id.
func (t *Tracker) Verdict(id string) (Verdict, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.verdicts[id]
	return v, ok
}

// Record returns the latest engine record for id.
func (t *Tracker) Record(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	return r, ok
}

// Playable reports whether id may be offered for offline playback.
func (t *Tracker) Playable(id string) bool {
	v, ok := t.Verdict(id)
	return ok && v.Playable()
}

// Snapshot returns all verdicts ordered by download ID.
func (t *Tracker) Snapshot() []Verdict {
	t.mu.RLock()
	out := make([]Verdict, 0, len(t.verdicts))
	for _, v := range t.verdicts {
		out = append(out, v)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dropped returns how many verdict updates were not delivered.
func (t *Tracker) Dropped() uint64 { return t.dropped.Load() }

// Close unsubscribes from the engine and closes the Verdicts channel.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.out)
	t.mu.Unlock()

	t.unsubscribe()
	t.logger.Info().Str(xglog.FieldEvent, "downloads.tracker.stopped").Msg("download tracker stopped")
	return nil
}

func (t *Tracker) observe(rec Record, cause error) {
	if cause != nil && rec.LastError == "" {
		rec.LastError = cause.Error()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.applyLocked(rec)
	t.publishGaugeLocked()
}

// applyLocked stores rec and publishes its verdict when it changed.
func (t *Tracker) applyLocked(rec Record) {
	if rec.ID == "" {
		return
	}
	t.records[rec.ID] = rec
	next := Classify(t.policy, rec)
	prev, had := t.verdicts[rec.ID]
	if had && prev == next {
		return
	}
	t.verdicts[rec.ID] = next
	metrics.RecordDownloadVerdict(string(next.EffectiveState), string(next.Reason))

	ev := t.logger.Debug()
	if had && prev.EffectiveState != next.EffectiveState {
		ev = t.logger.Info()
	}
	if next.Reason == ReasonRecoveredFromHighProgress || next.Reason == ReasonInsufficientProgress {
		ev = t.logger.Warn().Str("last_error", rec.LastError)
	}
	ev.Str(xglog.FieldEvent, "downloads.verdict").
		Str(xglog.FieldDownloadID, rec.ID).
		Str(xglog.FieldOldState, string(prev.EffectiveState)).
		Str(xglog.FieldNewState, string(next.EffectiveState)).
		Str(xglog.FieldReason, string(next.Reason)).
		Float64(xglog.FieldPercent, rec.PercentComplete).
		Int64(xglog.FieldBytes, rec.BytesDownloaded).
		Msg("download verdict changed")

	select {
	case t.out <- next:
	default:
		if n := t.dropped.Add(1); n%dropLogEvery == 1 {
			t.logger.Warn().
				Str(xglog.FieldEvent, "downloads.verdict.dropped").
				Uint64("dropped", n).
				Msg("verdict channel full, update dropped")
		}
	}
}

func (t *Tracker) publishGaugeLocked() {
	counts := make(map[string]int, 3)
	for _, v := range t.verdicts {
		counts[string(v.EffectiveState)]++
	}
	metrics.SetTrackedDownloads(counts)
}
