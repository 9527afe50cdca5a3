// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package license

import (
	"context"
)

// OpKind selects the operation run by Submit.
type OpKind int

const (
	OpKindAcquire OpKind = iota + 1
	OpKindRestore
	OpKindRelease
	OpKindReleaseAll
)

// Op is a unit of work for Submit.
type Op struct {
	Kind OpKind
	// Request is used by OpKindAcquire.
	Request Request
	// ContentID and MinRemainingSeconds are used by restore and release.
	ContentID           string
	MinRemainingSeconds int64
	// Release is used by release operations.
	Release ReleaseOptions
}

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeFailed OutcomeKind = iota
	OutcomeAcquired
	OutcomeRestored
	OutcomeReleased
	OutcomeAllReleased
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAcquired:
		return "acquired"
	case OutcomeRestored:
		return "restored"
	case OutcomeReleased:
		return "released"
	case OutcomeAllReleased:
		return "all_released"
	default:
		return "failed"
	}
}

// Outcome is the terminal result of a submitted operation.
type Outcome struct {
	Kind      OutcomeKind
	ContentID string
	KeySet    []byte
	Err       error
}

// Submit runs op in the background. The returned channel delivers exactly
// one Outcome and is then closed. Close cancels pending work; the outcome is
// still delivered.
func (m *Manager) Submit(ctx context.Context, op Op) <-chan Outcome {
	out := make(chan Outcome, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		out <- Outcome{Kind: OutcomeFailed, ContentID: op.contentID(), Err: ErrClosed}
		close(out)
		return out
	}
	m.wg.Add(1)
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)

	go func() {
		defer m.wg.Done()
		defer close(out)
		defer cancel()
		defer stop()
		out <- m.run(ctx, op)
	}()
	return out
}

func (m *Manager) run(ctx context.Context, op Op) Outcome {
	id := op.contentID()
	switch op.Kind {
	case OpKindAcquire:
		rec, err := m.Acquire(ctx, op.Request)
		if err != nil {
			return Outcome{Kind: OutcomeFailed, ContentID: id, Err: err}
		}
		return Outcome{Kind: OutcomeAcquired, ContentID: id, KeySet: rec.KeySet}
	case OpKindRestore:
		rec, err := m.Restore(ctx, id, op.MinRemainingSeconds)
		if err != nil {
			return Outcome{Kind: OutcomeFailed, ContentID: id, Err: err}
		}
		return Outcome{Kind: OutcomeRestored, ContentID: id, KeySet: rec.KeySet}
	case OpKindRelease:
		if _, err := m.Release(ctx, id, op.Release); err != nil {
			return Outcome{Kind: OutcomeFailed, ContentID: id, Err: err}
		}
		return Outcome{Kind: OutcomeReleased, ContentID: id}
	case OpKindReleaseAll:
		if err := m.ReleaseAll(ctx, op.Release); err != nil {
			return Outcome{Kind: OutcomeFailed, Err: err}
		}
		return Outcome{Kind: OutcomeAllReleased}
	default:
		return Outcome{Kind: OutcomeFailed, ContentID: id,
			Err: newError(KindInvalidConfig, "submit", id, "unknown operation", nil)}
	}
}

func (op Op) contentID() string {
	if op.Kind == OpKindAcquire {
		return op.Request.ContentID
	}
	return op.ContentID
}
