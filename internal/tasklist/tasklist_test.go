package tasklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/dukerupert/togetha/internal/docdb"
	"github.com/dukerupert/togetha/internal/model"
)

type watch struct {
	familyID  string
	onNext    func([]model.Task)
	onErr     func(error)
	cancelled bool
}

type fakeTasks struct {
	watches []*watch
	added   []string
	updates []bool
	addErr  error
	setErr  error
}

func (f *fakeTasks) Add(ctx context.Context, familyID, title string) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, title)
	return fmt.Sprintf("t%d", len(f.added)), nil
}

func (f *fakeTasks) SetCompleted(ctx context.Context, id string, completed bool) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.updates = append(f.updates, completed)
	return nil
}

func (f *fakeTasks) Watch(familyID string, onNext func([]model.Task), onErr func(error)) func() {
	w := &watch{familyID: familyID, onNext: onNext, onErr: onErr}
	f.watches = append(f.watches, w)
	return func() { w.cancelled = true }
}

func (f *fakeTasks) last() *watch {
	return f.watches[len(f.watches)-1]
}

type pendingTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func setupTestStore(t *testing.T) (*Store, *fakeTasks, *[]*pendingTimer) {
	t.Helper()
	f := &fakeTasks{}
	s := New(f, DefaultConfig(), slog.Default())
	timers := &[]*pendingTimer{}
	s.after = func(d time.Duration, fn func()) func() bool {
		p := &pendingTimer{delay: d, fn: fn}
		*timers = append(*timers, p)
		return func() bool {
			p.stopped = true
			return true
		}
	}
	return s, f, timers
}

var (
	t1 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
	t3 = t2.Add(time.Hour)
)

func permissionDenied() error {
	return fmt.Errorf("watch tasks: %w", docdb.ErrPermissionDenied)
}

func TestSubscribeSortsNewestFirst(t *testing.T) {
	s, f, _ := setupTestStore(t)
	s.SubscribeToTasks("f1")

	if !s.State().Loading {
		t.Error("expected loading before first snapshot")
	}

	f.last().onNext([]model.Task{
		{ID: "b", CreatedAt: t2},
		{ID: "a", CreatedAt: t1},
		{ID: "c", CreatedAt: t3},
	})

	st := s.State()
	if st.Loading {
		t.Error("expected loading cleared")
	}
	got := []string{st.Tasks[0].ID, st.Tasks[1].ID, st.Tasks[2].ID}
	if got[0] != "c" || got[1] != "b" || got[2] != "a" {
		t.Errorf("order = %v, want [c b a]", got)
	}
}

func TestSortStable(t *testing.T) {
	tasks := []model.Task{{ID: "x", CreatedAt: t1}, {ID: "y", CreatedAt: t1}, {ID: "z", CreatedAt: t2}}
	Sort(tasks)
	if tasks[0].ID != "z" || tasks[1].ID != "x" || tasks[2].ID != "y" {
		t.Errorf("order = %s %s %s, want z x y", tasks[0].ID, tasks[1].ID, tasks[2].ID)
	}
}

func TestSubscribeEmptyFamily(t *testing.T) {
	s, f, _ := setupTestStore(t)

	unsubscribe := s.SubscribeToTasks("")
	unsubscribe()

	st := s.State()
	if st.Loading || st.Tasks == nil || len(st.Tasks) != 0 {
		t.Errorf("state = %+v, want empty settled list", st)
	}
	if len(f.watches) != 0 {
		t.Error("empty family should not open a watch")
	}
}

func TestPermissionDeniedRetries(t *testing.T) {
	s, f, timers := setupTestStore(t)
	s.SubscribeToTasks("f1")

	for attempt := 1; attempt <= DefaultMaxRetries; attempt++ {
		f.last().onErr(permissionDenied())

		if len(*timers) != attempt {
			t.Fatalf("attempt %d: timers = %d", attempt, len(*timers))
		}
		timer := (*timers)[attempt-1]
		if want := time.Duration(attempt) * DefaultRetryBaseDelay; timer.delay != want {
			t.Errorf("attempt %d delay = %v, want %v", attempt, timer.delay, want)
		}
		if s.State().Retries != attempt {
			t.Errorf("retries = %d, want %d", s.State().Retries, attempt)
		}
		if s.State().Err != nil {
			t.Fatalf("attempt %d: error set before retries exhausted", attempt)
		}
		timer.fn()
	}

	f.last().onErr(permissionDenied())

	if len(*timers) != DefaultMaxRetries {
		t.Errorf("timers = %d, want %d", len(*timers), DefaultMaxRetries)
	}
	st := s.State()
	if !docdb.IsPermissionDenied(st.Err) || st.Loading || len(st.Tasks) != 0 {
		t.Errorf("state = %+v, want terminal permission error", st)
	}
	if len(f.watches) != DefaultMaxRetries+1 {
		t.Errorf("watches = %d, want %d", len(f.watches), DefaultMaxRetries+1)
	}
}

func TestRetryCountResetsOnSnapshot(t *testing.T) {
	s, f, timers := setupTestStore(t)
	s.SubscribeToTasks("f1")

	f.last().onErr(permissionDenied())
	(*timers)[0].fn()
	f.last().onNext([]model.Task{{ID: "a", CreatedAt: t1}})

	if s.State().Retries != 0 {
		t.Errorf("retries = %d, want 0", s.State().Retries)
	}

	f.last().onErr(permissionDenied())
	if got := (*timers)[1].delay; got != DefaultRetryBaseDelay {
		t.Errorf("delay after reset = %v, want %v", got, DefaultRetryBaseDelay)
	}
}

func TestOtherErrorIsTerminal(t *testing.T) {
	s, f, timers := setupTestStore(t)
	s.SubscribeToTasks("f1")
	f.last().onNext([]model.Task{{ID: "a", CreatedAt: t1}})

	f.last().onErr(errors.New("unavailable"))

	if len(*timers) != 0 {
		t.Error("non-permission error should not retry")
	}
	st := s.State()
	if st.Err == nil || len(st.Tasks) != 0 {
		t.Errorf("state = %+v", st)
	}
}

func TestUnsubscribeCancelsRetry(t *testing.T) {
	s, f, timers := setupTestStore(t)
	unsubscribe := s.SubscribeToTasks("f1")

	f.last().onErr(permissionDenied())
	unsubscribe()

	if !(*timers)[0].stopped {
		t.Error("pending retry should be stopped")
	}
	(*timers)[0].fn()
	if len(f.watches) != 1 {
		t.Errorf("watches = %d, want 1", len(f.watches))
	}
}

func TestUnsubscribeDropsLateSnapshots(t *testing.T) {
	s, f, _ := setupTestStore(t)
	unsubscribe := s.SubscribeToTasks("f1")
	w := f.last()

	unsubscribe()
	if !w.cancelled {
		t.Error("watch should be cancelled")
	}
	w.onNext([]model.Task{{ID: "late"}})
	if len(s.State().Tasks) != 0 {
		t.Error("late snapshot should be ignored")
	}
}

func TestAddTask(t *testing.T) {
	s, f, _ := setupTestStore(t)

	if err := s.AddTask(context.Background(), "  Milk ", "f1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(f.added) != 1 || f.added[0] != "Milk" {
		t.Errorf("added = %v, want [Milk]", f.added)
	}
}

func TestAddTaskBlankIsNoop(t *testing.T) {
	s, f, _ := setupTestStore(t)
	before := s.State()

	for _, title := range []string{"", "   ", "\t\n"} {
		if err := s.AddTask(context.Background(), title, "f1"); err != nil {
			t.Errorf("AddTask(%q) error = %v", title, err)
		}
	}
	if len(f.added) != 0 {
		t.Errorf("added = %v, want none", f.added)
	}
	if after := s.State(); after.Err != before.Err || len(after.Tasks) != len(before.Tasks) {
		t.Error("state should be unchanged")
	}
}

func TestAddTaskError(t *testing.T) {
	s, f, _ := setupTestStore(t)
	f.addErr = errors.New("denied")

	if err := s.AddTask(context.Background(), "Milk", "f1"); err == nil {
		t.Fatal("expected error")
	}
	if s.State().Err == nil {
		t.Error("expected error in state")
	}
	if err := s.AddTask(context.Background(), "Milk", ""); !errors.Is(err, ErrFamilyRequired) {
		t.Errorf("error = %v, want ErrFamilyRequired", err)
	}
}

func TestToggleTaskTwice(t *testing.T) {
	s, f, _ := setupTestStore(t)
	s.SubscribeToTasks("f1")
	f.last().onNext([]model.Task{{ID: "a", CreatedAt: t1}})

	if err := s.ToggleTask(context.Background(), "a"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if len(f.updates) != 1 || !f.updates[0] {
		t.Fatalf("updates = %v, want [true]", f.updates)
	}

	f.last().onNext([]model.Task{{ID: "a", CreatedAt: t1, Completed: true}})
	s.ToggleTask(context.Background(), "a")

	if len(f.updates) != 2 || f.updates[1] {
		t.Errorf("updates = %v, want [true false]", f.updates)
	}
}

func TestToggleUnknownTask(t *testing.T) {
	s, f, _ := setupTestStore(t)
	if err := s.ToggleTask(context.Background(), "missing"); err != nil {
		t.Errorf("error = %v", err)
	}
	if len(f.updates) != 0 {
		t.Error("unknown task should not be written")
	}
}

func TestReset(t *testing.T) {
	s, f, _ := setupTestStore(t)
	s.SubscribeToTasks("f1")
	f.last().onNext([]model.Task{{ID: "a", CreatedAt: t1}})

	s.Reset()
	if st := s.State(); len(st.Tasks) != 0 || st.Loading || st.Err != nil {
		t.Errorf("state = %+v", st)
	}
}

func TestLinearBackoff(t *testing.T) {
	b := linearBackoff(100*time.Millisecond, 3)
	var prev time.Duration
	for i := 1; i <= 3; i++ {
		d, stop := b.Next()
		if stop {
			t.Fatalf("stopped at retry %d", i)
		}
		if d <= prev {
			t.Errorf("delay %v not greater than %v", d, prev)
		}
		prev = d
	}
	if _, stop := b.Next(); !stop {
		t.Error("expected stop after max retries")
	}
}
