package model

// Identity is the authenticated principal as reported by the auth backend.
// Email and DisplayName are empty when the backend has none.
type Identity struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	EmailVerified bool   `json:"emailVerified"`

	// IDToken is the backend-issued token for the session. It is cached
	// separately from the identity fields and never serialized with them.
	IDToken string `json:"-"`
}

// Clone returns a copy of the identity, or nil for a nil receiver.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}
