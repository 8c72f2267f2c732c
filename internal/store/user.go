package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/dukerupert/togetha/internal/docdb"
	"github.com/dukerupert/togetha/internal/model"
)

const usersCollection = "users"

type UserStore struct {
	db docdb.DB
}

func NewUserStore(db docdb.DB) *UserStore {
	return &UserStore{db: db}
}

func userPath(uid string) string {
	return docdb.Join(usersCollection, uid)
}

// nullable turns a nil pointer into an untyped nil so both backends store null.
func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func decodeProfile(snap docdb.Snapshot) (*model.Profile, error) {
	var p model.Profile
	if err := snap.DataTo(&p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if p.UID == "" {
		p.UID = snap.ID()
	}
	if p.FamilyID != nil && *p.FamilyID == "" {
		p.FamilyID = nil
	}
	return &p, nil
}

func (s *UserStore) Get(ctx context.Context, uid string) (*model.Profile, error) {
	snap, err := s.db.Get(ctx, userPath(uid))
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	return decodeProfile(snap)
}

// SyncUser is the identity data copied onto a profile.
type SyncUser struct {
	UID         string
	Email       string
	DisplayName string
}

// DefaultDisplayName picks the name shown for a user without one: the local
// part of the email, or "User".
func DefaultDisplayName(displayName, email string) string {
	if displayName != "" {
		return displayName
	}
	if local, _, ok := strings.Cut(email, "@"); ok && local != "" {
		return local
	}
	if email != "" && !strings.Contains(email, "@") {
		return email
	}
	return "User"
}

// Sync creates or merges the profile for u. A nil familyID keeps the stored
// family; role and join time are preserved when the profile exists.
func (s *UserStore) Sync(ctx context.Context, u SyncUser, familyID *string) (*model.Profile, error) {
	existing, err := s.Get(ctx, u.UID)
	if err != nil {
		return nil, fmt.Errorf("sync profile: %w", err)
	}

	data := map[string]any{
		"uid":         u.UID,
		"displayName": DefaultDisplayName(u.DisplayName, u.Email),
		"email":       u.Email,
		"role":        string(model.RoleMember),
		"joinedAt":    docdb.ServerTimestamp,
		"familyId":    nullable(familyID),
	}
	if existing != nil {
		if familyID == nil {
			data["familyId"] = nullable(existing.FamilyID)
		}
		if existing.Role != "" {
			data["role"] = string(existing.Role)
		}
		if !existing.JoinedAt.IsZero() {
			data["joinedAt"] = existing.JoinedAt
		}
	}

	if err := s.db.Set(ctx, userPath(u.UID), data, true); err != nil {
		return nil, fmt.Errorf("sync profile: %w", err)
	}
	return s.Get(ctx, u.UID)
}

// SetFamilyID points the profile at familyID, or clears it when nil.
func (s *UserStore) SetFamilyID(ctx context.Context, uid string, familyID *string) error {
	if err := s.db.Set(ctx, userPath(uid), map[string]any{"familyId": nullable(familyID)}, true); err != nil {
		return fmt.Errorf("set profile family: %w", err)
	}
	return nil
}

// Watch follows the profile document. onNext receives nil while the
// profile does not exist.
func (s *UserStore) Watch(uid string, onNext func(*model.Profile), onErr func(error)) (cancel func()) {
	return s.db.WatchDocument(userPath(uid), func(snap docdb.Snapshot) {
		if !snap.Exists() {
			onNext(nil)
			return
		}
		p, err := decodeProfile(snap)
		if err != nil {
			onErr(err)
			return
		}
		onNext(p)
	}, onErr)
}
