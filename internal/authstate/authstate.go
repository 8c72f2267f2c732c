// Package authstate owns the canonical authentication state of the client:
// who is signed in, whether that is confirmed, and whether it is still being
// worked out. It merges backend auth events with the credential cache.
package authstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukerupert/togetha/internal/model"
	"github.com/dukerupert/togetha/internal/observe"
	"github.com/dukerupert/togetha/internal/store"
)

// Backend is the authentication service.
type Backend interface {
	CreateAccount(ctx context.Context, email, password string) (*model.Identity, error)
	SignIn(ctx context.Context, email, password string) (*model.Identity, error)
	SignOut(ctx context.Context) error
	OnAuthStateChanged(fn func(*model.Identity)) (cancel func())
}

// Credentials is the credential cache.
type Credentials interface {
	Persist(id *model.Identity)
	LoadIfValid() *model.Identity
	HasAuthenticatedState() bool
	IsValid() bool
	Clear()
}

// Profiles creates or merges user profile documents.
type Profiles interface {
	Sync(ctx context.Context, u store.SyncUser, familyID *string) (*model.Profile, error)
}

type State struct {
	User            *model.Identity
	IsAuthenticated bool
	Loading         bool
}

type Store struct {
	backend  Backend
	creds    Credentials
	profiles Profiles
	logger   *slog.Logger

	once     sync.Once
	notifier observe.Notifier[State]

	mu      sync.Mutex
	state   State
	version uint64
	cancel  func()
}

func New(backend Backend, creds Credentials, profiles Profiles, logger *slog.Logger) *Store {
	return &Store{
		backend:  backend,
		creds:    creds,
		profiles: profiles,
		logger:   logger.With("component", "authstate"),
		state:    State{Loading: true},
	}
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.User = st.User.Clone()
	return st
}

// Subscribe registers fn for state changes. fn must not call back into the
// store.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	return s.notifier.Subscribe(fn)
}

func (s *Store) update(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	s.version++
	v, st := s.version, s.state
	st.User = st.User.Clone()
	s.mu.Unlock()

	s.notifier.Publish(v, st)
}

func (s *Store) setUser(id *model.Identity) {
	s.update(func(st *State) {
		st.User = id.Clone()
		st.IsAuthenticated = id != nil
		st.Loading = false
	})
}

// Init restores the cached identity, if any, and starts following backend
// auth events. Only the first call has any effect.
func (s *Store) Init() {
	s.once.Do(func() {
		if id := s.creds.LoadIfValid(); id != nil {
			s.logger.Info("restored cached identity", "uid", id.UID)
			s.setUser(id)
		} else {
			s.update(func(st *State) { st.Loading = false })
		}

		cancel := s.backend.OnAuthStateChanged(s.handleAuthEvent)
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()
	})
}

func (s *Store) handleAuthEvent(id *model.Identity) {
	if id != nil {
		s.logger.Debug("backend confirmed session", "uid", id.UID)
		s.setUser(id)
		s.creds.Persist(id)
		return
	}

	if !s.creds.HasAuthenticatedState() {
		s.setUser(nil)
		return
	}
	if !s.creds.IsValid() {
		s.logger.Info("no backend session and cached identity expired")
		s.setUser(nil)
		s.creds.Clear()
		return
	}
	// The cached identity is still inside its trust window, so a backend
	// without a session does not sign the user out.
	s.update(func(st *State) { st.Loading = false })
}

// Signup creates an account and its profile document. The profile starts
// without a family.
func (s *Store) Signup(ctx context.Context, email, password string) error {
	s.update(func(st *State) { st.Loading = true })

	id, err := s.backend.CreateAccount(ctx, email, password)
	if err != nil {
		s.update(func(st *State) { st.Loading = false })
		return fmt.Errorf("sign up: %w", err)
	}

	_, err = s.profiles.Sync(ctx, store.SyncUser{
		UID:         id.UID,
		Email:       id.Email,
		DisplayName: id.DisplayName,
	}, nil)
	if err != nil {
		s.update(func(st *State) { st.Loading = false })
		return fmt.Errorf("sign up: %w", err)
	}

	s.setUser(id)
	return nil
}

func (s *Store) Login(ctx context.Context, email, password string) error {
	s.update(func(st *State) { st.Loading = true })

	id, err := s.backend.SignIn(ctx, email, password)
	if err != nil {
		s.update(func(st *State) { st.Loading = false })
		return fmt.Errorf("log in: %w", err)
	}

	s.setUser(id)
	return nil
}

func (s *Store) Logout(ctx context.Context) error {
	s.update(func(st *State) { st.Loading = true })
	defer s.update(func(st *State) { st.Loading = false })

	if err := s.backend.SignOut(ctx); err != nil {
		return fmt.Errorf("log out: %w", err)
	}
	s.creds.Clear()
	s.setUser(nil)
	return nil
}

// Close stops following backend auth events.
func (s *Store) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
