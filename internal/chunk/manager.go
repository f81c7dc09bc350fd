// Package chunk turns any seekable iteration into a resumable, time-boxed
// operation.
//
// A Manager runs an Iterator for a bounded number of items or a bounded
// wall-clock slice per invocation, persisting the iterator position and the
// caller's state through a Store so the next invocation resumes exactly
// where the previous one stopped.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Iterator is a seekable sequence of items.
type Iterator[I, P any] interface {
	Rewind()
	Seek(pos P) error
	// Next returns the next item; ok is false when exhausted.
	Next() (item I, ok bool, err error)
	Position() P
}

// Snapshot is what a Store persists between invocations.
type Snapshot[P, S any] struct {
	Position P
	State    S
}

// Store persists snapshots by job identifier.
type Store[P, S any] interface {
	// Load returns the saved snapshot, or nil if there is none.
	Load(ctx context.Context, jobID string) (*Snapshot[P, S], error)
	Save(ctx context.Context, jobID string, snap Snapshot[P, S]) error
	Clear(ctx context.Context, jobID string) error
}

// Action processes one item. It may update state; an error stops the chunk
// and is returned from Run, and the state is rolled back to its value before
// the item. Per-item problems that should not stop the chunk must be
// recorded in state and not returned.
type Action[I, S any] func(ctx context.Context, item I, state *S) error

// Hooks run around every chunk. Start sees the loaded state (resumed is
// false on a fresh start). Stop runs before the snapshot is saved or
// cleared; done is true when the iterator was exhausted.
type Hooks[S any] struct {
	Start func(ctx context.Context, state *S, resumed bool) error
	Stop  func(ctx context.Context, state *S, done bool) error
}

// Options bounds one chunk. Zero values mean unlimited.
type Options struct {
	MaxIterations int
	TimeBudget    time.Duration
	Throttle      time.Duration // Sleep between items
}

// StopReason says why a chunk ended.
type StopReason string

const (
	StopExhausted  StopReason = "exhausted"
	StopIterations StopReason = "iteration_budget"
	StopTime       StopReason = "time_budget"
	StopFatal      StopReason = "fatal"
	StopCancelled  StopReason = "cancelled"
)

// Result describes one finished chunk.
type Result[S any] struct {
	Done      bool
	Processed int
	Elapsed   time.Duration
	Reason    StopReason
	State     S
}

// Manager drives an Iterator through an Action in bounded chunks.
type Manager[I, P, S any] struct {
	it     Iterator[I, P]
	store  Store[P, S]
	opts   Options
	hooks  Hooks[S]
	logger *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a chunk manager.
func NewManager[I, P, S any](it Iterator[I, P], store Store[P, S], opts Options, logger *zap.Logger) *Manager[I, P, S] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager[I, P, S]{
		it:     it,
		store:  store,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// WithHooks sets the chunk hooks.
func (m *Manager[I, P, S]) WithHooks(h Hooks[S]) *Manager[I, P, S] {
	m.hooks = h
	return m
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes one chunk for jobID.
//
// At least one item is processed per call when the iterator is not
// exhausted, so every invocation makes progress. Budgets are checked between
// items, so a chunk overruns its time budget by at most one item.
func (m *Manager[I, P, S]) Run(ctx context.Context, jobID string, action Action[I, S]) (Result[S], error) {
	start := m.now()
	var res Result[S]

	snap, err := m.store.Load(ctx, jobID)
	if err != nil {
		return res, fmt.Errorf("failed to load chunk state: %w", err)
	}

	var state S
	resumed := snap != nil
	if resumed {
		if err := m.it.Seek(snap.Position); err != nil {
			return res, fmt.Errorf("failed to seek to saved position: %w", err)
		}
		state = snap.State
	} else {
		m.it.Rewind()
	}

	if m.hooks.Start != nil {
		if err := m.hooks.Start(ctx, &state, resumed); err != nil {
			return res, err
		}
	}

	m.logger.Debug("Chunk started",
		zap.String("job", jobID),
		zap.Bool("resumed", resumed),
		zap.Int("max_iterations", m.opts.MaxIterations),
		zap.Duration("time_budget", m.opts.TimeBudget))

	var (
		exhausted bool
		fatal     error
	)
	pos := m.it.Position()

	for {
		if res.Processed > 0 {
			if reason, stop := m.budgetSpent(ctx, res.Processed, start); stop {
				res.Reason = reason
				break
			}
			if m.opts.Throttle > 0 {
				if err := m.sleep(ctx, m.opts.Throttle); err != nil {
					res.Reason = StopCancelled
					break
				}
			}
		}

		pos = m.it.Position()
		item, ok, err := m.it.Next()
		if err != nil {
			fatal = err
			break
		}
		if !ok {
			exhausted = true
			res.Reason = StopExhausted
			break
		}

		before := state
		if err := action(ctx, item, &state); err != nil {
			// The item is retried on resume, so its partial effects are dropped
			state = before
			fatal = err
			break
		}
		res.Processed++
	}

	res.Elapsed = m.now().Sub(start)
	res.State = state

	if fatal != nil {
		res.Reason = StopFatal
		if m.hooks.Stop != nil {
			if err := m.hooks.Stop(ctx, &state, false); err != nil {
				return res, errors.Join(fatal, err)
			}
			res.State = state
		}
		// Resume at the failed item rather than past it
		if err := m.store.Save(ctx, jobID, Snapshot[P, S]{Position: pos, State: state}); err != nil {
			return res, errors.Join(fatal, fmt.Errorf("failed to save chunk state: %w", err))
		}
		m.logger.Debug("Chunk stopped on error",
			zap.String("job", jobID),
			zap.Int("processed", res.Processed),
			zap.Error(fatal))
		return res, fatal
	}

	if m.hooks.Stop != nil {
		if err := m.hooks.Stop(ctx, &state, exhausted); err != nil {
			return res, err
		}
		res.State = state
	}

	if exhausted {
		if err := m.store.Clear(ctx, jobID); err != nil {
			return res, fmt.Errorf("failed to clear chunk state: %w", err)
		}
		res.Done = true
	} else if err := m.store.Save(ctx, jobID, Snapshot[P, S]{Position: m.it.Position(), State: state}); err != nil {
		return res, fmt.Errorf("failed to save chunk state: %w", err)
	}

	m.logger.Debug("Chunk finished",
		zap.String("job", jobID),
		zap.Bool("done", res.Done),
		zap.String("reason", string(res.Reason)),
		zap.Int("processed", res.Processed),
		zap.Duration("elapsed", res.Elapsed))

	return res, nil
}

func (m *Manager[I, P, S]) budgetSpent(ctx context.Context, processed int, start time.Time) (StopReason, bool) {
	if ctx.Err() != nil {
		return StopCancelled, true
	}
	if m.opts.MaxIterations > 0 && processed >= m.opts.MaxIterations {
		return StopIterations, true
	}
	if m.opts.TimeBudget > 0 && m.now().Sub(start) >= m.opts.TimeBudget {
		return StopTime, true
	}
	return "", false
}
