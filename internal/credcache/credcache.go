// Package credcache keeps a time-bounded snapshot of the last confirmed
// identity in the secure store. The snapshot is a hint for rendering an
// authenticated state before the backend has confirmed the session; it is
// never proof of one.
//
// Every operation is best effort. Storage failures are logged and
// swallowed.
package credcache

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dukerupert/togetha/internal/model"
	"github.com/dukerupert/togetha/internal/securestore"
)

const (
	KeyToken       = "user_auth_token"
	KeyUserData    = "user_data"
	KeyLastLogin   = "last_login_timestamp"
	KeyAuthState   = "auth_state"
	KeyPreferences = "user_preferences"

	stateAuthenticated = "authenticated"

	DefaultTrustWindow = 30 * 24 * time.Hour
)

var allKeys = []string{KeyToken, KeyUserData, KeyLastLogin, KeyAuthState, KeyPreferences}

type userData struct {
	UID           string  `json:"uid"`
	Email         *string `json:"email"`
	DisplayName   *string `json:"displayName"`
	EmailVerified bool    `json:"emailVerified"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Preferences are per-device user settings stored alongside the snapshot.
type Preferences struct {
	Theme            string `json:"theme"`
	Notifications    bool   `json:"notifications"`
	FamilyID         string `json:"familyId,omitempty"`
	LastActiveFamily string `json:"lastActiveFamily,omitempty"`
}

type Cache struct {
	store  securestore.Store
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// New returns a cache over store. A non-positive window selects
// DefaultTrustWindow.
func New(store securestore.Store, window time.Duration, logger *slog.Logger) *Cache {
	if window <= 0 {
		window = DefaultTrustWindow
	}
	return &Cache{
		store:  store,
		window: window,
		logger: logger.With("component", "credcache"),
		now:    time.Now,
	}
}

// TrustWindow returns how long a snapshot stays valid after login.
func (c *Cache) TrustWindow() time.Duration {
	return c.window
}

// Persist records id as the last confirmed identity. A nil id clears the
// cache instead.
func (c *Cache) Persist(id *model.Identity) {
	if id == nil {
		c.Clear()
		return
	}

	data, err := json.Marshal(userData{
		UID:           id.UID,
		Email:         optional(id.Email),
		DisplayName:   optional(id.DisplayName),
		EmailVerified: id.EmailVerified,
	})
	if err != nil {
		c.logger.Error("encode user data", "error", err)
		return
	}

	entries := []struct{ key, value string }{
		{KeyUserData, string(data)},
		{KeyLastLogin, c.now().UTC().Format(time.RFC3339Nano)},
		{KeyAuthState, stateAuthenticated},
		{KeyToken, id.IDToken},
	}
	for _, e := range entries {
		if err := c.store.SetItem(e.key, e.value); err != nil {
			c.logger.Error("persist auth state", "key", e.key, "error", err)
			return
		}
	}
}

// HasAuthenticatedState reports whether a snapshot was stored, without
// regard to its age.
func (c *Cache) HasAuthenticatedState() bool {
	state, err := c.store.GetItem(KeyAuthState)
	if err != nil {
		c.logger.Error("read auth state", "error", err)
		return false
	}
	return state == stateAuthenticated
}

// IsValid reports whether a stored snapshot is younger than the trust window.
func (c *Cache) IsValid() bool {
	if !c.HasAuthenticatedState() {
		return false
	}
	raw, err := c.store.GetItem(KeyLastLogin)
	if err != nil {
		c.logger.Error("read last login", "error", err)
		return false
	}
	if raw == "" {
		return false
	}
	last, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		c.logger.Warn("unparseable last login", "value", raw, "error", err)
		return false
	}
	return c.now().Sub(last) < c.window
}

// LoadIfValid returns the cached identity when the snapshot is valid. A
// stale snapshot is cleared.
func (c *Cache) LoadIfValid() *model.Identity {
	if !c.HasAuthenticatedState() {
		return nil
	}
	if !c.IsValid() {
		c.logger.Info("cached auth state expired, clearing")
		c.Clear()
		return nil
	}

	raw, err := c.store.GetItem(KeyUserData)
	if err != nil {
		c.logger.Error("read user data", "error", err)
		return nil
	}
	if raw == "" {
		return nil
	}
	var data userData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		c.logger.Warn("decode user data", "error", err)
		return nil
	}
	if data.UID == "" {
		return nil
	}

	return &model.Identity{
		UID:           data.UID,
		Email:         deref(data.Email),
		DisplayName:   deref(data.DisplayName),
		EmailVerified: data.EmailVerified,
	}
}

// Token returns the cached ID token while the snapshot is valid.
func (c *Cache) Token() string {
	if !c.IsValid() {
		return ""
	}
	token, err := c.store.GetItem(KeyToken)
	if err != nil {
		c.logger.Error("read token", "error", err)
		return ""
	}
	return token
}

// Clear removes every key the cache owns, preferences included.
func (c *Cache) Clear() {
	for _, key := range allKeys {
		if err := c.store.DeleteItem(key); err != nil {
			c.logger.Error("clear auth data", "key", key, "error", err)
		}
	}
}

func (c *Cache) Preferences() *Preferences {
	raw, err := c.store.GetItem(KeyPreferences)
	if err != nil {
		c.logger.Error("read preferences", "error", err)
		return nil
	}
	if raw == "" {
		return nil
	}
	var p Preferences
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		c.logger.Warn("decode preferences", "error", err)
		return nil
	}
	return &p
}

func (c *Cache) SetPreferences(p Preferences) {
	data, err := json.Marshal(p)
	if err != nil {
		c.logger.Error("encode preferences", "error", err)
		return
	}
	if err := c.store.SetItem(KeyPreferences, string(data)); err != nil {
		c.logger.Error("store preferences", "error", err)
	}
}
