package auth

import (
	"context"
	"testing"
)

func TestWithAuthAndFromContext(t *testing.T) {
	ac := AuthContext{
		UID:      "u1",
		Email:    "alice@example.com",
		FamilyID: "f1",
		Role:     "admin",
	}

	ctx := WithAuth(context.Background(), ac)
	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected AuthContext in context")
	}
	if got.UID != "u1" {
		t.Errorf("UID = %q, want %q", got.UID, "u1")
	}
	if got.Email != "alice@example.com" {
		t.Errorf("Email = %q, want %q", got.Email, "alice@example.com")
	}
	if got.FamilyID != "f1" {
		t.Errorf("FamilyID = %q, want %q", got.FamilyID, "f1")
	}
	if got.Role != "admin" {
		t.Errorf("Role = %q, want %q", got.Role, "admin")
	}
}

func TestFromContextMissing(t *testing.T) {
	_, ok := FromContext(context.Background())
	if ok {
		t.Error("expected false for missing AuthContext")
	}
}

func TestFamilyID(t *testing.T) {
	ctx := WithAuth(context.Background(), AuthContext{FamilyID: "f42"})
	if FamilyID(ctx) != "f42" {
		t.Errorf("FamilyID = %q, want f42", FamilyID(ctx))
	}
}

func TestFamilyIDMissing(t *testing.T) {
	if FamilyID(context.Background()) != "" {
		t.Error("expected empty family for missing context")
	}
}

func TestUID(t *testing.T) {
	ctx := WithAuth(context.Background(), AuthContext{UID: "u7"})
	if UID(ctx) != "u7" {
		t.Errorf("UID = %q, want u7", UID(ctx))
	}
}

func TestUIDMissing(t *testing.T) {
	if UID(context.Background()) != "" {
		t.Error("expected empty uid for missing context")
	}
}

func TestIsAdmin(t *testing.T) {
	ctx := WithAuth(context.Background(), AuthContext{Role: "admin"})
	if !IsAdmin(ctx) {
		t.Error("expected IsAdmin = true for admin role")
	}
}

func TestIsAdminFalse(t *testing.T) {
	ctx := WithAuth(context.Background(), AuthContext{Role: "member"})
	if IsAdmin(ctx) {
		t.Error("expected IsAdmin = false for member role")
	}
}

func TestIsAdminMissing(t *testing.T) {
	if IsAdmin(context.Background()) {
		t.Error("expected IsAdmin = false for missing context")
	}
}
