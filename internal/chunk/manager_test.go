package chunk

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
)

// sliceIterator walks a fixed list; its position is the next index.
type sliceIterator struct {
	items  []int
	next   int
	failAt int // Next fails at this index when > 0
}

func (s *sliceIterator) Rewind() { s.next = 0 }

func (s *sliceIterator) Seek(pos int) error {
	s.next = pos
	return nil
}

func (s *sliceIterator) Next() (int, bool, error) {
	if s.failAt > 0 && s.next == s.failAt {
		return 0, false, errors.New("read failed")
	}
	if s.next >= len(s.items) {
		return 0, false, nil
	}
	v := s.items[s.next]
	s.next++
	return v, true, nil
}

func (s *sliceIterator) Position() int { return s.next }

type sumState struct {
	Sum  int
	Seen []int
}

func record(_ context.Context, item int, st *sumState) error {
	st.Sum += item
	st.Seen = append(st.Seen, item)
	return nil
}

func newItems(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i + 1
	}
	return items
}

// fakeClock advances only when told to.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRunUnbounded(t *testing.T) {
	store := NewMemoryStore[int, sumState]()
	m := NewManager[int, int, sumState](&sliceIterator{items: newItems(10)}, store, Options{}, zap.NewNop())

	res, err := m.Run(context.Background(), "job", record)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Done || res.Processed != 10 || res.Reason != StopExhausted {
		t.Errorf("Run() = %+v, want done after 10", res)
	}
	if res.State.Sum != 55 {
		t.Errorf("Sum = %d, want 55", res.State.Sum)
	}
	if snap, _ := store.Load(context.Background(), "job"); snap != nil {
		t.Errorf("snapshot = %+v, want cleared", snap)
	}
}

func TestRunIterationBudgetResumes(t *testing.T) {
	store := NewMemoryStore[int, sumState]()
	it := &sliceIterator{items: newItems(10)}
	m := NewManager[int, int, sumState](it, store, Options{MaxIterations: 3}, zap.NewNop())

	var chunks []int
	var res Result[sumState]
	for i := 0; i < 10; i++ {
		// A fresh iterator each time, as a new process would have
		m.it = &sliceIterator{items: newItems(10)}

		var err error
		res, err = m.Run(context.Background(), "job", record)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		chunks = append(chunks, res.Processed)
		if res.Done {
			break
		}
		if res.Reason != StopIterations {
			t.Errorf("Reason = %v, want %v", res.Reason, StopIterations)
		}
	}

	if want := []int{3, 3, 3, 1}; !reflect.DeepEqual(chunks, want) {
		t.Errorf("chunks = %v, want %v", chunks, want)
	}
	if !reflect.DeepEqual(res.State.Seen, newItems(10)) {
		t.Errorf("Seen = %v, want every item once in order", res.State.Seen)
	}
}

func TestRunTimeBudget(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	store := NewMemoryStore[int, sumState]()
	m := NewManager[int, int, sumState](&sliceIterator{items: newItems(10)}, store, Options{TimeBudget: 50 * time.Millisecond}, zap.NewNop())
	m.now = clock.now

	slow := func(ctx context.Context, item int, st *sumState) error {
		clock.advance(20 * time.Millisecond)
		return record(ctx, item, st)
	}

	res, err := m.Run(context.Background(), "job", slow)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Done || res.Reason != StopTime {
		t.Fatalf("Run() = %+v, want stopped on time budget", res)
	}
	// 20ms, 40ms, 60ms: the budget is checked between items
	if res.Processed != 3 {
		t.Errorf("Processed = %d, want 3", res.Processed)
	}

	for !res.Done {
		res, err = m.Run(context.Background(), "job", slow)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}
	if !reflect.DeepEqual(res.State.Seen, newItems(10)) {
		t.Errorf("Seen = %v, want every item once", res.State.Seen)
	}
}

func TestRunRealTimeBudget(t *testing.T) {
	store := NewMemoryStore[int, sumState]()
	m := NewManager[int, int, sumState](&sliceIterator{items: newItems(100)}, store, Options{TimeBudget: 50 * time.Millisecond}, zap.NewNop())

	slow := func(ctx context.Context, item int, st *sumState) error {
		time.Sleep(10 * time.Millisecond)
		return record(ctx, item, st)
	}

	res, err := m.Run(context.Background(), "job", slow)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Done {
		t.Fatal("Run() done, want stopped on time budget")
	}
	if res.Elapsed > 500*time.Millisecond {
		t.Errorf("Elapsed = %v, ran far past budget", res.Elapsed)
	}
	if snap, _ := store.Load(context.Background(), "job"); snap == nil || snap.Position != res.Processed {
		t.Errorf("snapshot = %+v, want position %d", snap, res.Processed)
	}
}

func TestRunAlwaysProgresses(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	store := NewMemoryStore[int, sumState]()
	m := NewManager[int, int, sumState](&sliceIterator{items: newItems(3)}, store, Options{TimeBudget: time.Nanosecond}, zap.NewNop())
	m.now = clock.now

	slow := func(ctx context.Context, item int, st *sumState) error {
		clock.advance(time.Second)
		return record(ctx, item, st)
	}

	for i := 1; i <= 3; i++ {
		res, err := m.Run(context.Background(), "job", slow)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Processed != 1 {
			t.Errorf("chunk %d Processed = %d, want 1", i, res.Processed)
		}
	}
}

func TestRunFatalActionKeepsPosition(t *testing.T) {
	store := NewMemoryStore[int, sumState]()
	m := NewManager[int, int, sumState](&sliceIterator{items: newItems(10)}, store, Options{}, zap.NewNop())

	errBoom := errors.New("boom")
	failing := func(ctx context.Context, item int, st *sumState) error {
		st.Sum += 1000 // partial effect that must be rolled back
		if item == 5 {
			return errBoom
		}
		st.Sum -= 1000
		return record(ctx, item, st)
	}

	res, err := m.Run(context.Background(), "job", failing)
	if !errors.Is(err, errBoom) {
		t.Fatalf("Run() error = %v, want %v", err, errBoom)
	}
	if res.Reason != StopFatal || res.Processed != 4 {
		t.Errorf("Run() = %+v, want fatal after 4", res)
	}

	snap, _ := store.Load(context.Background(), "job")
	if snap == nil || snap.Position != 4 {
		t.Fatalf("snapshot = %+v, want position 4", snap)
	}
	if snap.State.Sum != 10 {
		t.Errorf("saved Sum = %d, want 10", snap.State.Sum)
	}

	res, err = m.Run(context.Background(), "job", record)
	if err != nil {
		t.Fatalf("Run() retry error = %v", err)
	}
	if !res.Done || !reflect.DeepEqual(res.State.Seen, newItems(10)) {
		t.Errorf("retry = %+v, want every item once", res)
	}
}

func TestRunIteratorError(t *testing.T) {
	store := NewMemoryStore[int, sumState]()
	m := NewManager[int, int, sumState](&sliceIterator{items: newItems(5), failAt: 2}, store, Options{}, zap.NewNop())

	if _, err := m.Run(context.Background(), "job", record); err == nil {
		t.Fatal("Run() error = nil, want iterator error")
	}
	snap, _ := store.Load(context.Background(), "job")
	if snap == nil || snap.Position != 2 {
		t.Errorf("snapshot = %+v, want position 2", snap)
	}
}

func TestRunThrottle(t *testing.T) {
	store := NewMemoryStore[int, sumState]()
	m := NewManager[int, int, sumState](&sliceIterator{items: newItems(4)}, store, Options{Throttle: time.Millisecond}, zap.NewNop())

	var sleeps []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	if _, err := m.Run(context.Background(), "job", record); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// One sleep after every processed item, none before the first
	if len(sleeps) != 4 {
		t.Errorf("sleeps = %d, want 4", len(sleeps))
	}
}

func TestRunCancelled(t *testing.T) {
	store := NewMemoryStore[int, sumState]()
	m := NewManager[int, int, sumState](&sliceIterator{items: newItems(5)}, store, Options{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancelling := func(ctx context.Context, item int, st *sumState) error {
		cancel()
		return record(ctx, item, st)
	}

	res, err := m.Run(ctx, "job", cancelling)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Done || res.Reason != StopCancelled || res.Processed != 1 {
		t.Errorf("Run() = %+v, want cancelled after 1", res)
	}
}

func TestRunHooks(t *testing.T) {
	store := NewMemoryStore[int, sumState]()
	m := NewManager[int, int, sumState](&sliceIterator{items: newItems(4)}, store, Options{MaxIterations: 2}, zap.NewNop())

	var starts []bool
	var stops []bool
	m.WithHooks(Hooks[sumState]{
		Start: func(_ context.Context, st *sumState, resumed bool) error {
			starts = append(starts, resumed)
			return nil
		},
		Stop: func(_ context.Context, st *sumState, done bool) error {
			stops = append(stops, done)
			return nil
		},
	})

	for i := 0; i < 3; i++ {
		if _, err := m.Run(context.Background(), "job", record); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}

	if want := []bool{false, true, true}; !reflect.DeepEqual(starts, want) {
		t.Errorf("starts = %v, want %v", starts, want)
	}
	if want := []bool{false, false, true}; !reflect.DeepEqual(stops, want) {
		t.Errorf("stops = %v, want %v", stops, want)
	}
}

func TestRunStopHookErrorSkipsSave(t *testing.T) {
	store := NewMemoryStore[int, sumState]()
	m := NewManager[int, int, sumState](&sliceIterator{items: newItems(4)}, store, Options{MaxIterations: 2}, zap.NewNop())

	errFlush := errors.New("flush failed")
	m.WithHooks(Hooks[sumState]{
		Stop: func(context.Context, *sumState, bool) error { return errFlush },
	})

	if _, err := m.Run(context.Background(), "job", record); !errors.Is(err, errFlush) {
		t.Fatalf("Run() error = %v, want %v", err, errFlush)
	}
	if store.Saves() != 0 {
		t.Errorf("Saves() = %d, want 0", store.Saves())
	}
}
