// Package membership projects the signed-in user's family membership from
// their profile document and runs the family create and join flows.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukerupert/togetha/internal/model"
	"github.com/dukerupert/togetha/internal/observe"
)

const DefaultFamilyName = "My Family"

var ErrUserIDRequired = errors.New("user ID is required")

// Profiles follows profile documents.
type Profiles interface {
	Watch(uid string, onNext func(*model.Profile), onErr func(error)) (cancel func())
}

// Families reads and writes family documents.
type Families interface {
	Create(ctx context.Context, creatorUID, name string) (*model.Family, error)
	JoinWithCode(ctx context.Context, uid, code string) (*model.Family, error)
	Get(ctx context.Context, id string) (*model.Family, error)
	Members(ctx context.Context, familyID string) ([]model.Member, error)
	WatchMembers(familyID string, onNext func([]model.Member)) (cancel func())
}

// State is the membership projection. Loading covers the profile
// subscription; FamilyLoading covers create, join and load.
type State struct {
	FamilyID      string
	HasFamilyID   bool
	Family        *model.Family
	Members       []model.Member
	Loading       bool
	FamilyLoading bool
	Err           error
}

type Store struct {
	profiles Profiles
	families Families
	logger   *slog.Logger
	notifier observe.Notifier[State]

	mu      sync.Mutex
	state   State
	version uint64
}

func New(profiles Profiles, families Families, logger *slog.Logger) *Store {
	return &Store{
		profiles: profiles,
		families: families,
		logger:   logger.With("component", "membership"),
	}
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	return s.notifier.Subscribe(fn)
}

func (s *Store) update(fn func(*State)) {
	s.mu.Lock()
	s.apply(fn)
	v, st := s.version, s.state
	s.mu.Unlock()
	s.notifier.Publish(v, st)
}

// apply mutates state; s.mu must be held.
func (s *Store) apply(fn func(*State)) {
	fn(&s.state)
	s.version++
}

// subscription guards one profile or member listener. Once closed, late
// callbacks from the backend are dropped.
type subscription struct {
	closed bool
	cancel func()
}

// guarded runs fn under the store lock unless sub is closed.
func (s *Store) guarded(sub *subscription, fn func(*State)) {
	s.mu.Lock()
	if sub.closed {
		s.mu.Unlock()
		return
	}
	s.apply(fn)
	v, st := s.version, s.state
	s.mu.Unlock()
	s.notifier.Publish(v, st)
}

func (s *Store) open(sub *subscription, start func() func()) func() {
	cancel := start()

	s.mu.Lock()
	if sub.closed {
		s.mu.Unlock()
		cancel()
		return func() {}
	}
	sub.cancel = cancel
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if sub.closed {
			s.mu.Unlock()
			return
		}
		sub.closed = true
		cancel := sub.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

// SubscribeToUserFamily follows uid's profile and derives the family id
// from it. A subscription error fails closed: no family. The caller owns
// the returned func and must call it before subscribing for another user.
func (s *Store) SubscribeToUserFamily(uid string) (unsubscribe func()) {
	s.update(func(st *State) {
		st.Loading = true
		st.Err = nil
	})

	sub := &subscription{}
	return s.open(sub, func() func() {
		return s.profiles.Watch(uid, func(p *model.Profile) {
			familyID := ""
			if p != nil && p.FamilyID != nil {
				familyID = *p.FamilyID
			}
			s.guarded(sub, func(st *State) {
				if st.Family != nil && st.Family.ID != familyID {
					st.Family = nil
					st.Members = nil
				}
				st.FamilyID = familyID
				st.HasFamilyID = familyID != ""
				st.Loading = false
			})
		}, func(err error) {
			s.logger.Warn("profile subscription failed", "uid", uid, "error", err)
			s.guarded(sub, func(st *State) {
				st.Err = err
				st.FamilyID = ""
				st.HasFamilyID = false
				st.Loading = false
			})
		})
	})
}

// CreateNewFamily creates a family with uid as its admin. An empty name
// becomes DefaultFamilyName.
func (s *Store) CreateNewFamily(ctx context.Context, name, uid string) (*model.Family, error) {
	if uid == "" {
		return nil, ErrUserIDRequired
	}
	if name == "" {
		name = DefaultFamilyName
	}

	s.update(func(st *State) {
		st.FamilyLoading = true
		st.Err = nil
	})

	f, err := s.families.Create(ctx, uid, name)
	if err != nil {
		s.logger.Error("create family", "uid", uid, "error", err)
		s.update(func(st *State) {
			st.Err = err
			st.FamilyLoading = false
		})
		return nil, err
	}

	s.logger.Info("family created", "family_id", f.ID, "uid", uid)
	s.setFamily(f)
	return f, nil
}

// JoinFamily adds uid to the family holding inviteCode.
func (s *Store) JoinFamily(ctx context.Context, inviteCode, uid string) (*model.Family, error) {
	if uid == "" {
		return nil, ErrUserIDRequired
	}

	s.update(func(st *State) {
		st.FamilyLoading = true
		st.Err = nil
	})

	f, err := s.families.JoinWithCode(ctx, uid, inviteCode)
	if err != nil {
		s.logger.Error("join family", "uid", uid, "error", err)
		s.update(func(st *State) {
			st.Err = err
			st.FamilyLoading = false
		})
		return nil, err
	}

	s.logger.Info("family joined", "family_id", f.ID, "uid", uid)
	s.setFamily(f)
	return f, nil
}

func (s *Store) setFamily(f *model.Family) {
	s.update(func(st *State) {
		st.FamilyID = f.ID
		st.HasFamilyID = true
		st.Family = f
		st.FamilyLoading = false
	})
}

// LoadFamily reads the family document and its members into state.
func (s *Store) LoadFamily(ctx context.Context, familyID string) error {
	s.update(func(st *State) {
		st.FamilyLoading = true
		st.Err = nil
	})

	f, err := s.families.Get(ctx, familyID)
	if err == nil && f == nil {
		err = fmt.Errorf("load family %s: not found", familyID)
	}
	var members []model.Member
	if err == nil {
		members, err = s.families.Members(ctx, familyID)
	}
	if err != nil {
		s.update(func(st *State) {
			st.Err = err
			st.FamilyLoading = false
		})
		return err
	}

	s.update(func(st *State) {
		st.Family = f
		st.Members = members
		st.FamilyLoading = false
	})
	return nil
}

// SubscribeToMembers keeps Members in step with the family's member list.
// Lists arriving after the user has moved to another family are dropped.
func (s *Store) SubscribeToMembers(familyID string) (unsubscribe func()) {
	sub := &subscription{}
	return s.open(sub, func() func() {
		return s.families.WatchMembers(familyID, func(members []model.Member) {
			s.guarded(sub, func(st *State) {
				if st.FamilyID != familyID {
					return
				}
				st.Members = members
			})
		})
	})
}

// Reset returns the store to its initial state.
func (s *Store) Reset() {
	s.update(func(st *State) {
		*st = State{}
	})
}
