package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/dukerupert/togetha/internal/model"
)

// ErrNoSession is returned by operations that need a signed-in user.
var ErrNoSession = errors.New("no signed-in user")

// Client is one device's session against a Service. It starts signed out
// and reports every sign-in and sign-out to its auth state listeners.
type Client struct {
	svc *Service

	mu        sync.Mutex
	current   *model.Identity
	listeners map[int]func(*model.Identity)
	nextID    int
}

func NewClient(svc *Service) *Client {
	return &Client{
		svc:       svc,
		listeners: make(map[int]func(*model.Identity)),
	}
}

func (c *Client) CreateAccount(ctx context.Context, email, password string) (*model.Identity, error) {
	id, err := c.svc.CreateAccount(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.setCurrent(id)
	return id.Clone(), nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	id, err := c.svc.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.setCurrent(id)
	return id.Clone(), nil
}

// Resume restores a session from a previously issued ID token.
func (c *Client) Resume(ctx context.Context, token string) (*model.Identity, error) {
	id, err := c.svc.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}
	c.setCurrent(id)
	return id.Clone(), nil
}

func (c *Client) SignOut(ctx context.Context) error {
	c.setCurrent(nil)
	return nil
}

// UpdateDisplayName renames the signed-in user and reports the updated
// identity to auth state listeners.
func (c *Client) UpdateDisplayName(ctx context.Context, name string) (*model.Identity, error) {
	current := c.CurrentUser()
	if current == nil {
		return nil, ErrNoSession
	}
	if err := c.svc.SetDisplayName(ctx, current.UID, name); err != nil {
		return nil, err
	}
	current.DisplayName = name
	c.setCurrent(current)
	return current.Clone(), nil
}

// CurrentUser returns the signed-in identity, or nil.
func (c *Client) CurrentUser() *model.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

// OnAuthStateChanged registers fn and immediately delivers the current
// state to it. fn receives nil when there is no session.
func (c *Client) OnAuthStateChanged(fn func(*model.Identity)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	current := c.current.Clone()
	c.mu.Unlock()

	fn(current)

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) setCurrent(id *model.Identity) {
	c.mu.Lock()
	c.current = id.Clone()
	listeners := make([]func(*model.Identity), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(id.Clone())
	}
}
