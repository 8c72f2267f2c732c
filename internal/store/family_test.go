package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/togetha/internal/model"
)

func TestFamilyCreate(t *testing.T) {
	s := setupTestStores(t)
	ctx := context.Background()
	s.users.Sync(ctx, SyncUser{UID: "u1", Email: "alice@example.com"}, nil)

	f, err := s.families.Create(ctx, "u1", "Smith Family")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if f.Name != "Smith Family" || f.CreatedBy != "u1" {
		t.Errorf("family = %+v", f)
	}
	if len(f.InviteCode) != InviteCodeLength {
		t.Errorf("invite code = %q", f.InviteCode)
	}

	p, _ := s.users.Get(ctx, "u1")
	if p.FamilyID == nil || *p.FamilyID != f.ID {
		t.Errorf("profile familyId = %v, want %s", p.FamilyID, f.ID)
	}

	members, err := s.families.Members(ctx, f.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0].Role != model.RoleAdmin {
		t.Fatalf("members = %+v, want one admin", members)
	}
	if members[0].DisplayName != "alice" || members[0].Email != "alice@example.com" {
		t.Errorf("member not enriched: %+v", members[0])
	}
}

func TestFamilyCreateDefaultName(t *testing.T) {
	s := setupTestStores(t)

	f, err := s.families.Create(context.Background(), "abcdefghij", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if f.Name != "abcdefgh's Family" {
		t.Errorf("name = %q", f.Name)
	}
}

func TestFamilyJoinWithCode(t *testing.T) {
	s := setupTestStores(t)
	ctx := context.Background()

	f, _ := s.families.Create(ctx, "u1", "Smith Family")

	joined, err := s.families.JoinWithCode(ctx, "u2", "  "+strings.ToLower(f.InviteCode)+" ")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined.ID != f.ID {
		t.Errorf("joined %s, want %s", joined.ID, f.ID)
	}

	p, _ := s.users.Get(ctx, "u2")
	if p == nil || p.FamilyID == nil || *p.FamilyID != f.ID {
		t.Errorf("profile = %+v", p)
	}

	members, _ := s.families.Members(ctx, f.ID)
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	for _, m := range members {
		if m.UID == "u2" && m.Role != model.RoleMember {
			t.Errorf("joined role = %q, want member", m.Role)
		}
	}
}

func TestFamilyJoinUnknownCode(t *testing.T) {
	s := setupTestStores(t)

	_, err := s.families.JoinWithCode(context.Background(), "u1", "ZZZZZZ")
	if !errors.Is(err, ErrFamilyNotFound) {
		t.Errorf("error = %v, want ErrFamilyNotFound", err)
	}
}

func TestFamilyRemoveMember(t *testing.T) {
	s := setupTestStores(t)
	ctx := context.Background()

	f, _ := s.families.Create(ctx, "u1", "Smith Family")
	s.families.JoinWithCode(ctx, "u2", f.InviteCode)

	if err := s.families.RemoveMember(ctx, f.ID, "u2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	members, _ := s.families.Members(ctx, f.ID)
	if len(members) != 1 {
		t.Errorf("members = %d, want 1", len(members))
	}
	p, _ := s.users.Get(ctx, "u2")
	if p.FamilyID != nil {
		t.Errorf("familyId = %q, want nil", *p.FamilyID)
	}
}

func TestFamilyMemberRole(t *testing.T) {
	s := setupTestStores(t)
	ctx := context.Background()

	f, _ := s.families.Create(ctx, "u1", "Smith Family")
	s.families.JoinWithCode(ctx, "u2", f.InviteCode)

	tests := []struct {
		uid  string
		want model.Role
	}{
		{"u1", model.RoleAdmin},
		{"u2", model.RoleMember},
		{"u3", ""},
	}
	for _, tt := range tests {
		got, err := s.families.MemberRole(ctx, f.ID, tt.uid)
		if err != nil {
			t.Fatalf("member role %s: %v", tt.uid, err)
		}
		if got != tt.want {
			t.Errorf("role of %s = %q, want %q", tt.uid, got, tt.want)
		}
	}

	s.families.RemoveMember(ctx, f.ID, "u2")
	if got, _ := s.families.MemberRole(ctx, f.ID, "u2"); got != "" {
		t.Errorf("role after removal = %q, want empty", got)
	}
}

func TestFamilyUpdate(t *testing.T) {
	s := setupTestStores(t)
	ctx := context.Background()

	f, _ := s.families.Create(ctx, "u1", "Old Name")
	updated, err := s.families.Update(ctx, f.ID, "New Name")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "New Name" || updated.InviteCode != f.InviteCode {
		t.Errorf("updated = %+v", updated)
	}

	if _, err := s.families.Update(ctx, "missing", "X"); !errors.Is(err, ErrFamilyNotFound) {
		t.Errorf("error = %v, want ErrFamilyNotFound", err)
	}
}

func TestFamilyGetMissing(t *testing.T) {
	s := setupTestStores(t)
	f, err := s.families.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if f != nil {
		t.Error("expected nil for missing family")
	}
}

func TestFamilyWatchMembers(t *testing.T) {
	s := setupTestStores(t)
	ctx := context.Background()
	f, _ := s.families.Create(ctx, "u1", "Smith Family")

	lists := make(chan []model.Member, 8)
	cancel := s.families.WatchMembers(f.ID, func(m []model.Member) { lists <- m })
	defer cancel()

	if m := <-lists; len(m) != 1 {
		t.Fatalf("initial members = %d, want 1", len(m))
	}

	s.families.JoinWithCode(ctx, "u2", f.InviteCode)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-lists:
			if len(m) == 2 {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for second member")
		}
	}
}
