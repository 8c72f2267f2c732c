// Package observe fans state snapshots out to in-process subscribers.
package observe

import "sync"

// Notifier delivers versioned snapshots to subscribers. Deliveries are
// serialized and never go backwards: a snapshot older than the last one
// delivered is dropped, so a slow burst of writers collapses to the newest
// state. Subscribers must not publish from inside their callback.
type Notifier[T any] struct {
	mu     sync.Mutex
	subs   map[int]func(T)
	nextID int

	deliver sync.Mutex
	sent    uint64
}

func (n *Notifier[T]) Subscribe(fn func(T)) (cancel func()) {
	n.mu.Lock()
	if n.subs == nil {
		n.subs = make(map[int]func(T))
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Publish hands snap to every subscriber unless a newer version has
// already gone out.
func (n *Notifier[T]) Publish(version uint64, snap T) {
	n.deliver.Lock()
	defer n.deliver.Unlock()

	if version <= n.sent {
		return
	}
	n.sent = version

	n.mu.Lock()
	subs := make([]func(T), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// Len returns the number of subscribers.
func (n *Notifier[T]) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
