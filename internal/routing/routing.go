// Package routing decides which screen a session belongs on from the auth
// and family state. Authentication is always resolved before family state.
package routing

import "sync"

type Target int

const (
	// Wait keeps the current screen while state is still loading.
	Wait Target = iota
	Auth
	Onboarding
	Tasks
)

func (t Target) String() string {
	switch t {
	case Wait:
		return "wait"
	case Auth:
		return "auth"
	case Onboarding:
		return "onboarding"
	case Tasks:
		return "tasks"
	default:
		return "unknown"
	}
}

// Path is the route a target navigates to. Wait has none.
func (t Target) Path() string {
	switch t {
	case Auth:
		return "/auth"
	case Onboarding:
		return "/onboarding"
	case Tasks:
		return "/tasks"
	default:
		return ""
	}
}

type Inputs struct {
	AuthLoading     bool
	IsAuthenticated bool
	FamilyLoading   bool
	HasFamilyID     bool
}

func Decide(in Inputs) Target {
	switch {
	case in.AuthLoading:
		return Wait
	case !in.IsAuthenticated:
		return Auth
	case in.FamilyLoading:
		return Wait
	case !in.HasFamilyID:
		return Onboarding
	default:
		return Tasks
	}
}

// Gate re-evaluates the target on every state change and reports only
// changes. onUnauthenticated runs each time the target moves to Auth so the
// caller can drop family state.
type Gate struct {
	onChange          func(Target)
	onUnauthenticated func()

	mu      sync.Mutex
	current Target
	started bool
}

func NewGate(onChange func(Target), onUnauthenticated func()) *Gate {
	return &Gate{onChange: onChange, onUnauthenticated: onUnauthenticated}
}

// Evaluate decides the target for in. Callbacks run on the caller's
// goroutine after the gate's lock is released.
func (g *Gate) Evaluate(in Inputs) Target {
	target := Decide(in)

	g.mu.Lock()
	changed := !g.started || target != g.current
	g.current = target
	g.started = true
	g.mu.Unlock()

	if changed && target == Auth && g.onUnauthenticated != nil {
		g.onUnauthenticated()
	}
	if changed && g.onChange != nil {
		g.onChange(target)
	}
	return target
}

func (g *Gate) Current() Target {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}
