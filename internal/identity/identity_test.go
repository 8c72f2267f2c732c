package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/togetha/internal/database"
	"github.com/dukerupert/togetha/internal/model"
)

func setupTestService(t *testing.T) *Service {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(db, "test-secret")
}

func TestCreateAccount(t *testing.T) {
	s := setupTestService(t)

	id, err := s.CreateAccount(context.Background(), " Alice@Example.com ", "hunter22")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if id.UID == "" {
		t.Error("expected uid")
	}
	if id.Email != "alice@example.com" {
		t.Errorf("email = %q, want %q", id.Email, "alice@example.com")
	}
	if id.IDToken == "" {
		t.Error("expected id token")
	}
}

func TestCreateAccountErrors(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	if _, err := s.CreateAccount(ctx, "alice@example.com", "hunter22"); err != nil {
		t.Fatalf("create account: %v", err)
	}

	tests := []struct {
		name     string
		email    string
		password string
		want     Code
	}{
		{"invalid email", "not-an-email", "hunter22", CodeInvalidEmail},
		{"weak password", "bob@example.com", "12345", CodeWeakPassword},
		{"email in use", "ALICE@example.com", "hunter22", CodeEmailInUse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateAccount(ctx, tt.email, tt.password)
			if got := CodeOf(err); got != tt.want {
				t.Errorf("code = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSignIn(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	created, _ := s.CreateAccount(ctx, "alice@example.com", "hunter22")

	id, err := s.SignIn(ctx, "alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if id.UID != created.UID {
		t.Errorf("uid = %q, want %q", id.UID, created.UID)
	}

	if _, err := s.SignIn(ctx, "alice@example.com", "wrong-pass"); CodeOf(err) != CodeWrongPassword {
		t.Errorf("wrong password code = %q", CodeOf(err))
	}
	if _, err := s.SignIn(ctx, "nobody@example.com", "hunter22"); CodeOf(err) != CodeUserNotFound {
		t.Errorf("unknown user code = %q", CodeOf(err))
	}
}

func TestSignInTooManyRequests(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.CreateAccount(ctx, "alice@example.com", "hunter22")
	for i := 0; i < maxFailures; i++ {
		s.SignIn(ctx, "alice@example.com", "wrong-pass")
	}

	if _, err := s.SignIn(ctx, "alice@example.com", "hunter22"); CodeOf(err) != CodeTooManyRequests {
		t.Fatalf("code = %q, want %q", CodeOf(err), CodeTooManyRequests)
	}

	now = now.Add(failureWindow)
	if _, err := s.SignIn(ctx, "alice@example.com", "hunter22"); err != nil {
		t.Errorf("sign in after window: %v", err)
	}
}

func TestVerifyToken(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	created, _ := s.CreateAccount(ctx, "alice@example.com", "hunter22")

	id, err := s.VerifyToken(ctx, created.IDToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UID != created.UID {
		t.Errorf("uid = %q, want %q", id.UID, created.UID)
	}

	if _, err := s.VerifyToken(ctx, created.IDToken+"x"); CodeOf(err) != CodeInvalidCredential {
		t.Errorf("tampered token code = %q", CodeOf(err))
	}

	other := NewService(s.db, "other-secret")
	if _, err := other.VerifyToken(ctx, created.IDToken); CodeOf(err) != CodeInvalidCredential {
		t.Errorf("foreign token code = %q", CodeOf(err))
	}
}

func TestVerifyTokenExpired(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	created, _ := s.CreateAccount(ctx, "alice@example.com", "hunter22")
	now = now.Add(TokenTTL + time.Minute)

	if _, err := s.VerifyToken(ctx, created.IDToken); CodeOf(err) != CodeInvalidCredential {
		t.Errorf("expired token code = %q", CodeOf(err))
	}
}

func TestSetDisplayName(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	created, _ := s.CreateAccount(ctx, "alice@example.com", "hunter22")
	if err := s.SetDisplayName(ctx, created.UID, "Alice"); err != nil {
		t.Fatalf("set display name: %v", err)
	}
	id, _ := s.SignIn(ctx, "alice@example.com", "hunter22")
	if id.DisplayName != "Alice" {
		t.Errorf("display name = %q, want %q", id.DisplayName, "Alice")
	}

	if err := s.SetDisplayName(ctx, "missing", "X"); CodeOf(err) != CodeUserNotFound {
		t.Errorf("missing uid code = %q", CodeOf(err))
	}
}

func TestClientNotifiesListeners(t *testing.T) {
	c := NewClient(setupTestService(t))
	ctx := context.Background()

	var events []*model.Identity
	cancel := c.OnAuthStateChanged(func(id *model.Identity) { events = append(events, id) })

	if len(events) != 1 || events[0] != nil {
		t.Fatalf("initial events = %v, want [nil]", events)
	}

	created, err := c.CreateAccount(ctx, "alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := c.SignOut(ctx); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	cancel()
	c.SignIn(ctx, "alice@example.com", "hunter22")

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[1] == nil || events[1].UID != created.UID {
		t.Errorf("event 1 = %+v, want uid %s", events[1], created.UID)
	}
	if events[2] != nil {
		t.Errorf("event 2 = %+v, want nil", events[2])
	}
	if c.CurrentUser() == nil {
		t.Error("expected current user after sign in")
	}
}

func TestClientUpdateDisplayName(t *testing.T) {
	c := NewClient(setupTestService(t))
	ctx := context.Background()

	if _, err := c.UpdateDisplayName(ctx, "Alice"); !errors.Is(err, ErrNoSession) {
		t.Errorf("signed out error = %v, want ErrNoSession", err)
	}

	created, err := c.CreateAccount(ctx, "alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	var events []*model.Identity
	cancel := c.OnAuthStateChanged(func(id *model.Identity) { events = append(events, id) })
	defer cancel()

	id, err := c.UpdateDisplayName(ctx, "Alice")
	if err != nil {
		t.Fatalf("update display name: %v", err)
	}
	if id.UID != created.UID || id.DisplayName != "Alice" || id.IDToken != created.IDToken {
		t.Errorf("identity = %+v", id)
	}
	if len(events) != 2 || events[1] == nil || events[1].DisplayName != "Alice" {
		t.Errorf("events = %+v, want initial and renamed identity", events)
	}

	signedIn, _ := c.svc.SignIn(ctx, "alice@example.com", "hunter22")
	if signedIn.DisplayName != "Alice" {
		t.Errorf("stored display name = %q, want %q", signedIn.DisplayName, "Alice")
	}
}

func TestClientResume(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	created, _ := s.CreateAccount(ctx, "alice@example.com", "hunter22")

	c := NewClient(s)
	if _, err := c.Resume(ctx, created.IDToken); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := c.CurrentUser(); got == nil || got.UID != created.UID {
		t.Errorf("current user = %+v, want uid %s", got, created.UID)
	}
}

func TestMessage(t *testing.T) {
	tests := []struct {
		err    error
		action Action
	}{
		{&Error{Code: CodeUserNotFound}, ActionSignup},
		{&Error{Code: CodeEmailInUse}, ActionLogin},
		{&Error{Code: CodeNetworkFailed}, ActionRetry},
		{&Error{Code: CodeWrongPassword}, ActionNone},
		{errors.New("boom"), ActionNone},
	}
	for _, tt := range tests {
		msg, action := Message(tt.err)
		if msg == "" {
			t.Errorf("empty message for %v", tt.err)
		}
		if action != tt.action {
			t.Errorf("Message(%v) action = %s, want %s", tt.err, action, tt.action)
		}
	}

	generic, _ := Message(errors.New("boom"))
	if want := "Something went wrong. Please try again."; generic != want {
		t.Errorf("generic message = %q, want %q", generic, want)
	}
}
