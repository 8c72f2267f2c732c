// Package app wires the auth, membership and task stores to the routing
// gate and owns the pairing of their subscriptions: one profile
// subscription per signed-in user, and one task and one member
// subscription per family.
package app

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dukerupert/togetha/internal/authstate"
	"github.com/dukerupert/togetha/internal/membership"
	"github.com/dukerupert/togetha/internal/observe"
	"github.com/dukerupert/togetha/internal/routing"
	"github.com/dukerupert/togetha/internal/tasklist"
)

// Profiles creates and follows profile documents.
type Profiles interface {
	authstate.Profiles
	membership.Profiles
}

type Config struct {
	Logger    *slog.Logger
	Backend   authstate.Backend
	Creds     authstate.Credentials
	Users     Profiles
	Families  membership.Families
	Tasks     tasklist.Tasks
	TaskRetry tasklist.Config
}

// Snapshot is a consistent view of every store and the route derived
// from them.
type Snapshot struct {
	Auth   authstate.State
	Family membership.State
	Tasks  tasklist.State
	Route  routing.Target
}

// UID returns the signed-in user's uid, or "" when signed out.
func (s Snapshot) UID() string {
	if !s.Auth.IsAuthenticated || s.Auth.User == nil {
		return ""
	}
	return s.Auth.User.UID
}

type App struct {
	Auth   *authstate.Store
	Family *membership.Store
	Tasks  *tasklist.Store

	logger *slog.Logger
	gate   *routing.Gate
	routes observe.Notifier[routing.Target]

	initOnce  sync.Once
	closeOnce sync.Once
	signal    chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	unwatch   []func()

	// Guarded by reconcileMu.
	reconcileMu sync.Mutex
	uid         string
	familyID    string
	unsubFamily  func()
	unsubTasks   func()
	unsubMembers func()
	routeSeq     uint64

	mu       sync.Mutex
	snapshot Snapshot
	changed  chan struct{}
}

func New(cfg Config) *App {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Auth:    authstate.New(cfg.Backend, cfg.Creds, cfg.Users, logger),
		Family:  membership.New(cfg.Users, cfg.Families, logger),
		Tasks:   tasklist.New(cfg.Tasks, cfg.TaskRetry, logger),
		logger:  logger.With("component", "app"),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		changed: make(chan struct{}),
	}
	a.gate = routing.NewGate(a.publishRoute, a.Family.Reset)
	a.snapshot = a.read(routing.Wait)
	return a
}

// Init restores the cached session and starts reconciling. Only the first
// call has any effect.
func (a *App) Init() {
	a.initOnce.Do(func() {
		a.unwatch = []func(){
			a.Auth.Subscribe(func(authstate.State) { a.poke() }),
			a.Family.Subscribe(func(membership.State) { a.poke() }),
			a.Tasks.Subscribe(func(tasklist.State) { a.poke() }),
		}
		go a.run()
		a.Auth.Init()
		a.poke()
	})
}

// poke schedules a reconcile. Pokes arriving while one is pending collapse
// into it.
func (a *App) poke() {
	select {
	case a.signal <- struct{}{}:
	default:
	}
}

func (a *App) run() {
	defer close(a.stopped)
	for {
		select {
		case <-a.done:
			return
		case <-a.signal:
			a.reconcile()
		}
	}
}

func (a *App) reconcile() {
	a.reconcileMu.Lock()
	defer a.reconcileMu.Unlock()

	auth := a.Auth.State()
	uid := ""
	if auth.IsAuthenticated && auth.User != nil {
		uid = auth.User.UID
	}
	if uid != a.uid {
		a.logger.Debug("user changed", "from", a.uid, "to", uid)
		a.teardown()
		a.Family.Reset()
		a.Tasks.Reset()
		a.uid = uid
		if uid != "" {
			a.unsubFamily = a.Family.SubscribeToUserFamily(uid)
		}
	}

	family := a.Family.State()
	if family.FamilyID != a.familyID {
		a.logger.Debug("family changed", "from", a.familyID, "to", family.FamilyID)
		a.stopFamily()
		a.familyID = family.FamilyID
		if a.familyID != "" {
			a.unsubTasks = a.Tasks.SubscribeToTasks(a.familyID)
			a.unsubMembers = a.Family.SubscribeToMembers(a.familyID)
		} else {
			a.Tasks.Reset()
		}
	}

	target := a.gate.Evaluate(routing.Inputs{
		AuthLoading:     auth.Loading,
		IsAuthenticated: auth.IsAuthenticated,
		FamilyLoading:   family.Loading || family.FamilyLoading,
		HasFamilyID:     family.HasFamilyID,
	})

	snap := a.read(target)
	a.mu.Lock()
	a.snapshot = snap
	close(a.changed)
	a.changed = make(chan struct{})
	a.mu.Unlock()
}

func (a *App) read(route routing.Target) Snapshot {
	return Snapshot{
		Auth:   a.Auth.State(),
		Family: a.Family.State(),
		Tasks:  a.Tasks.State(),
		Route:  route,
	}
}

func (a *App) publishRoute(t routing.Target) {
	a.routeSeq++
	a.logger.Info("route changed", "route", t.String())
	a.routes.Publish(a.routeSeq, t)
}

// stopFamily ends the task and member subscriptions; a.reconcileMu must
// be held.
func (a *App) stopFamily() {
	if a.unsubTasks != nil {
		a.unsubTasks()
		a.unsubTasks = nil
	}
	if a.unsubMembers != nil {
		a.unsubMembers()
		a.unsubMembers = nil
	}
}

// teardown ends every subscription; a.reconcileMu must be held.
func (a *App) teardown() {
	a.stopFamily()
	if a.unsubFamily != nil {
		a.unsubFamily()
		a.unsubFamily = nil
	}
	a.familyID = ""
}

// Snapshot returns the state as of the last reconcile.
func (a *App) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot
}

func (a *App) Route() routing.Target {
	return a.Snapshot().Route
}

// OnRoute registers fn for route changes. fn must not call back into the
// app.
func (a *App) OnRoute(fn func(routing.Target)) (cancel func()) {
	return a.routes.Subscribe(fn)
}

// Await blocks until cond holds for a reconciled snapshot or ctx ends.
func (a *App) Await(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	for {
		a.mu.Lock()
		snap, changed := a.snapshot, a.changed
		a.mu.Unlock()

		if cond(snap) {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// WaitRoute blocks until the gate has settled on a route other than Wait.
func (a *App) WaitRoute(ctx context.Context) (routing.Target, error) {
	snap, err := a.Await(ctx, func(s Snapshot) bool {
		return s.Route != routing.Wait
	})
	return snap.Route, err
}

// Reset drops every subscription and store state. The next reconcile
// subscribes again for whoever is signed in.
func (a *App) Reset() {
	a.reconcileMu.Lock()
	a.teardown()
	a.uid = ""
	a.Family.Reset()
	a.Tasks.Reset()
	a.reconcileMu.Unlock()
	a.poke()
}

// Close stops reconciling and releases every subscription.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		if a.unwatch != nil {
			<-a.stopped
		}
		for _, cancel := range a.unwatch {
			cancel()
		}
		a.Auth.Close()

		a.reconcileMu.Lock()
		a.teardown()
		a.reconcileMu.Unlock()
	})
}
