package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/dukerupert/togetha/internal/docdb"
	"github.com/dukerupert/togetha/internal/model"
)

const (
	familiesCollection = "families"
	membersCollection  = "members"

	InviteCodeLength   = 6
	inviteCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	inviteCodeAttempts = 10
)

var (
	ErrFamilyNotFound   = errors.New("family not found")
	ErrInviteCodeExists = errors.New("could not generate an unused invite code")
)

type FamilyStore struct {
	db    docdb.DB
	users *UserStore
}

func NewFamilyStore(db docdb.DB, users *UserStore) *FamilyStore {
	return &FamilyStore{db: db, users: users}
}

func familyPath(id string) string {
	return docdb.Join(familiesCollection, id)
}

func membersPath(familyID string) string {
	return docdb.Join(familiesCollection, familyID, membersCollection)
}

func memberPath(familyID, uid string) string {
	return docdb.Join(membersPath(familyID), uid)
}

// NormalizeInviteCode trims and uppercases a user-entered code.
func NormalizeInviteCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// generateInviteCode returns a random code of InviteCodeLength characters
// from A-Z and 0-9.
func generateInviteCode() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(inviteCodeAlphabet)))
	for i := 0; i < InviteCodeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate invite code: %w", err)
		}
		b.WriteByte(inviteCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// unusedInviteCode draws codes until one is not held by any family.
func (s *FamilyStore) unusedInviteCode(ctx context.Context) (string, error) {
	for i := 0; i < inviteCodeAttempts; i++ {
		code, err := generateInviteCode()
		if err != nil {
			return "", err
		}
		existing, err := s.GetByInviteCode(ctx, code)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return code, nil
		}
	}
	return "", ErrInviteCodeExists
}

func decodeFamily(snap docdb.Snapshot) (*model.Family, error) {
	var f model.Family
	if err := snap.DataTo(&f); err != nil {
		return nil, fmt.Errorf("decode family: %w", err)
	}
	f.ID = snap.ID()
	return &f, nil
}

// Create writes a new family, adds the creator as admin and points the
// creator's profile at it. The writes are not atomic: the returned error
// names the step that failed and earlier writes are left in place.
func (s *FamilyStore) Create(ctx context.Context, creatorUID, name string) (*model.Family, error) {
	if name == "" {
		prefix := creatorUID
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		name = prefix + "'s Family"
	}

	code, err := s.unusedInviteCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("create family: %w", err)
	}

	id := s.db.NewID(familiesCollection)
	err = s.db.Set(ctx, familyPath(id), map[string]any{
		"name":       name,
		"createdBy":  creatorUID,
		"createdAt":  docdb.ServerTimestamp,
		"inviteCode": code,
	}, false)
	if err != nil {
		return nil, fmt.Errorf("create family: write family: %w", err)
	}

	if err := s.AddMember(ctx, id, creatorUID, model.RoleAdmin); err != nil {
		return nil, fmt.Errorf("create family: %w", err)
	}
	if err := s.users.SetFamilyID(ctx, creatorUID, &id); err != nil {
		return nil, fmt.Errorf("create family: %w", err)
	}

	return s.Get(ctx, id)
}

// AddMember writes the membership entry for uid. Entries are keyed by uid,
// so adding an existing member again only refreshes it.
func (s *FamilyStore) AddMember(ctx context.Context, familyID, uid string, role model.Role) error {
	err := s.db.Set(ctx, memberPath(familyID, uid), map[string]any{
		"uid":      uid,
		"role":     string(role),
		"joinedAt": docdb.ServerTimestamp,
	}, false)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// RemoveMember deletes the membership entry and clears the user's family.
func (s *FamilyStore) RemoveMember(ctx context.Context, familyID, uid string) error {
	if err := s.db.Delete(ctx, memberPath(familyID, uid)); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if err := s.users.SetFamilyID(ctx, uid, nil); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (s *FamilyStore) Get(ctx context.Context, id string) (*model.Family, error) {
	snap, err := s.db.Get(ctx, familyPath(id))
	if err != nil {
		return nil, fmt.Errorf("get family: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	return decodeFamily(snap)
}

func (s *FamilyStore) GetByInviteCode(ctx context.Context, code string) (*model.Family, error) {
	snaps, err := s.db.FindEqual(ctx, familiesCollection, "inviteCode", NormalizeInviteCode(code))
	if err != nil {
		return nil, fmt.Errorf("get family by invite code: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return decodeFamily(snaps[0])
}

// JoinWithCode adds uid as a member of the family holding code and points
// the profile at it. Like Create it is not atomic.
func (s *FamilyStore) JoinWithCode(ctx context.Context, uid, code string) (*model.Family, error) {
	f, err := s.GetByInviteCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("join family: %w", err)
	}
	if f == nil {
		return nil, ErrFamilyNotFound
	}
	if err := s.AddMember(ctx, f.ID, uid, model.RoleMember); err != nil {
		return nil, fmt.Errorf("join family: %w", err)
	}
	if err := s.users.SetFamilyID(ctx, uid, &f.ID); err != nil {
		return nil, fmt.Errorf("join family: %w", err)
	}
	return f, nil
}

func (s *FamilyStore) Update(ctx context.Context, id, name string) (*model.Family, error) {
	if err := s.db.Update(ctx, familyPath(id), map[string]any{"name": name}); err != nil {
		if errors.Is(err, docdb.ErrNotFound) {
			return nil, ErrFamilyNotFound
		}
		return nil, fmt.Errorf("update family: %w", err)
	}
	return s.Get(ctx, id)
}

// MemberRole returns uid's role in the family, or "" when uid has no
// member entry.
func (s *FamilyStore) MemberRole(ctx context.Context, familyID, uid string) (model.Role, error) {
	snap, err := s.db.Get(ctx, memberPath(familyID, uid))
	if err != nil {
		return "", fmt.Errorf("get member role: %w", err)
	}
	if !snap.Exists() {
		return "", nil
	}
	var m model.Member
	if err := snap.DataTo(&m); err != nil {
		return "", fmt.Errorf("decode member: %w", err)
	}
	return m.Role, nil
}

// Members lists the family's members with display name and email copied
// from their profiles.
func (s *FamilyStore) Members(ctx context.Context, familyID string) ([]model.Member, error) {
	snaps, err := s.db.List(ctx, membersPath(familyID))
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return s.enrich(ctx, snaps)
}

func (s *FamilyStore) enrich(ctx context.Context, snaps []docdb.Snapshot) ([]model.Member, error) {
	members := make([]model.Member, 0, len(snaps))
	for _, snap := range snaps {
		var m model.Member
		if err := snap.DataTo(&m); err != nil {
			return nil, fmt.Errorf("decode member: %w", err)
		}
		if m.UID == "" {
			m.UID = snap.ID()
		}
		// A profile that cannot be read leaves the member without
		// display fields.
		if p, err := s.users.Get(ctx, m.UID); err == nil && p != nil {
			m.DisplayName = p.DisplayName
			m.Email = p.Email
		}
		members = append(members, m)
	}
	return members, nil
}

// WatchMembers follows the member list. Errors are reported as an empty
// list and end the subscription.
func (s *FamilyStore) WatchMembers(familyID string, onNext func([]model.Member)) (cancel func()) {
	return s.db.WatchQuery(membersPath(familyID), "", nil, func(snaps []docdb.Snapshot) {
		members, err := s.enrich(context.Background(), snaps)
		if err != nil {
			onNext([]model.Member{})
			return
		}
		onNext(members)
	}, func(error) {
		onNext([]model.Member{})
	})
}
