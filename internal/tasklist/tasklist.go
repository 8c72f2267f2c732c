// Package tasklist keeps the task list of one family in step with the
// backend and exposes add and toggle. Tasks are ordered newest first on the
// client because the backend query only filters.
package tasklist

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/togetha/internal/docdb"
	"github.com/dukerupert/togetha/internal/model"
	"github.com/dukerupert/togetha/internal/observe"
)

const (
	DefaultRetryBaseDelay = time.Second
	DefaultMaxRetries     = 5
)

var ErrFamilyRequired = errors.New("family ID is required")

// Tasks reads and writes task documents.
type Tasks interface {
	Add(ctx context.Context, familyID, title string) (string, error)
	SetCompleted(ctx context.Context, id string, completed bool) error
	Watch(familyID string, onNext func([]model.Task), onErr func(error)) (cancel func())
}

// Config controls the retry of subscriptions refused with permission
// denied. Retry n waits RetryBaseDelay*n. Zero values select the defaults.
type Config struct {
	RetryBaseDelay time.Duration
	MaxRetries     int
}

type State struct {
	Tasks   []model.Task
	Loading bool
	Err     error
	// Retries counts retries of the current subscription since its last
	// good snapshot.
	Retries int
}

type Store struct {
	tasks    Tasks
	cfg      Config
	logger   *slog.Logger
	notifier observe.Notifier[State]
	after    func(d time.Duration, f func()) (stop func() bool)

	mu      sync.Mutex
	state   State
	version uint64
}

func New(tasks Tasks, cfg Config, logger *slog.Logger) *Store {
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Store{
		tasks:  tasks,
		cfg:    cfg,
		logger: logger.With("component", "tasklist"),
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
}

// DefaultConfig returns the stock retry policy.
func DefaultConfig() Config {
	return Config{RetryBaseDelay: DefaultRetryBaseDelay, MaxRetries: DefaultMaxRetries}
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	return s.notifier.Subscribe(fn)
}

// commit publishes the current state; s.mu must be held and is released.
func (s *Store) commit() {
	s.version++
	v, st := s.version, s.state
	s.mu.Unlock()
	s.notifier.Publish(v, st)
}

func (s *Store) update(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	s.commit()
}

// linearBackoff waits base, 2*base, 3*base... and stops after max retries.
func linearBackoff(base time.Duration, maxRetries int) retry.Backoff {
	var attempt int64
	return retry.WithMaxRetries(uint64(maxRetries), retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return base * time.Duration(attempt), false
	}))
}

// Sort orders tasks newest first. Tasks created at the same instant keep
// their arrival order.
func Sort(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

type subscription struct {
	s        *Store
	familyID string

	// Guarded by s.mu.
	closed   bool
	gen      int
	retries  int
	backoff  retry.Backoff
	cancel   func()
	stopWait func() bool
}

// SubscribeToTasks follows the tasks of familyID. An empty familyID
// publishes an empty list and returns a no-op. The returned func also
// cancels any pending retry.
func (s *Store) SubscribeToTasks(familyID string) (unsubscribe func()) {
	if familyID == "" {
		s.update(func(st *State) {
			st.Tasks = []model.Task{}
			st.Loading = false
		})
		return func() {}
	}

	s.update(func(st *State) {
		st.Loading = true
		st.Err = nil
		st.Retries = 0
	})

	sub := &subscription{
		s:        s,
		familyID: familyID,
		backoff:  linearBackoff(s.cfg.RetryBaseDelay, s.cfg.MaxRetries),
	}
	sub.start()
	return sub.close
}

func (sub *subscription) start() {
	s := sub.s
	s.mu.Lock()
	if sub.closed {
		s.mu.Unlock()
		return
	}
	sub.gen++
	gen := sub.gen
	sub.stopWait = nil
	s.mu.Unlock()

	cancel := s.tasks.Watch(sub.familyID, func(tasks []model.Task) {
		sub.handleSnapshot(gen, tasks)
	}, func(err error) {
		sub.handleError(gen, err)
	})

	s.mu.Lock()
	if sub.closed || gen != sub.gen {
		s.mu.Unlock()
		cancel()
		return
	}
	prev := sub.cancel
	sub.cancel = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (sub *subscription) handleSnapshot(gen int, tasks []model.Task) {
	s := sub.s
	sorted := append([]model.Task(nil), tasks...)
	Sort(sorted)

	s.mu.Lock()
	if sub.closed || gen != sub.gen {
		s.mu.Unlock()
		return
	}
	sub.retries = 0
	sub.backoff = linearBackoff(s.cfg.RetryBaseDelay, s.cfg.MaxRetries)
	s.state.Tasks = sorted
	s.state.Loading = false
	s.state.Err = nil
	s.state.Retries = 0
	s.commit()
}

func (sub *subscription) handleError(gen int, err error) {
	s := sub.s
	s.mu.Lock()
	if sub.closed || gen != sub.gen {
		s.mu.Unlock()
		return
	}

	if docdb.IsPermissionDenied(err) {
		if delay, stop := sub.backoff.Next(); !stop {
			sub.retries++
			s.state.Retries = sub.retries
			s.logger.Info("retrying task subscription",
				"family_id", sub.familyID,
				"attempt", sub.retries,
				"max", s.cfg.MaxRetries,
				"delay", delay,
			)
			s.commit()

			stopWait := s.after(delay, sub.start)
			s.mu.Lock()
			if sub.closed {
				s.mu.Unlock()
				stopWait()
				return
			}
			sub.stopWait = stopWait
			s.mu.Unlock()
			return
		}
	}

	s.logger.Error("task subscription failed", "family_id", sub.familyID, "error", err)
	s.state.Err = err
	s.state.Loading = false
	s.state.Tasks = []model.Task{}
	s.commit()
}

func (sub *subscription) close() {
	s := sub.s
	s.mu.Lock()
	if sub.closed {
		s.mu.Unlock()
		return
	}
	sub.closed = true
	cancel, stopWait := sub.cancel, sub.stopWait
	sub.cancel, sub.stopWait = nil, nil
	s.mu.Unlock()

	if stopWait != nil {
		stopWait()
	}
	if cancel != nil {
		cancel()
	}
}

// AddTask writes a new task. A blank title is ignored.
func (s *Store) AddTask(ctx context.Context, title, familyID string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	if familyID == "" {
		return ErrFamilyRequired
	}
	if _, err := s.tasks.Add(ctx, familyID, title); err != nil {
		s.logger.Error("add task", "family_id", familyID, "error", err)
		s.update(func(st *State) { st.Err = err })
		return err
	}
	return nil
}

// ToggleTask flips the completed flag of a task in the current list. An id
// not in the list is ignored.
func (s *Store) ToggleTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	var (
		found   bool
		current bool
	)
	for _, t := range s.state.Tasks {
		if t.ID == taskID {
			found, current = true, t.Completed
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return nil
	}

	if err := s.tasks.SetCompleted(ctx, taskID, !current); err != nil {
		s.logger.Error("toggle task", "task_id", taskID, "error", err)
		s.update(func(st *State) { st.Err = err })
		return err
	}
	return nil
}

// Reset returns the store to its initial state.
func (s *Store) Reset() {
	s.update(func(st *State) {
		*st = State{}
	})
}
