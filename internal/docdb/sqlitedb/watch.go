package sqlitedb

import (
	"context"
	"fmt"

	"github.com/dukerupert/togetha/internal/docdb"
)

// watcher re-reads its target whenever a matching write is committed.
// Signals coalesce, so a burst of writes yields at least one fresh read.
type watcher struct {
	match  func(docdb.Change) bool
	notify chan struct{}
	done   chan struct{}
}

func newWatcher(match func(docdb.Change) bool) *watcher {
	w := &watcher{
		match:  match,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	w.signal()
	return w
}

func (w *watcher) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *watcher) stopped() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (d *DB) register(w *watcher) func() {
	d.mu.Lock()
	d.watchers[w] = struct{}{}
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		if _, ok := d.watchers[w]; ok {
			delete(d.watchers, w)
			close(w.done)
		}
		d.mu.Unlock()
	}
}

// run delivers one read per signal until the watcher is cancelled or a read
// fails. A failed read is reported once and ends the subscription.
func (w *watcher) run(cancel func(), read func(context.Context) error, onErr func(error)) {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		<-w.done
		stop()
	}()

	for {
		select {
		case <-w.done:
			return
		case <-w.notify:
		}
		if err := read(ctx); err != nil {
			if w.stopped() {
				return
			}
			cancel()
			onErr(err)
			return
		}
	}
}

func (d *DB) WatchDocument(path string, onNext func(docdb.Snapshot), onErr func(error)) func() {
	w := newWatcher(func(c docdb.Change) bool {
		return c.Path() == path
	})
	cancel := d.register(w)

	go w.run(cancel, func(ctx context.Context) error {
		snap, err := d.Get(ctx, path)
		if err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		if !w.stopped() {
			onNext(snap)
		}
		return nil
	}, onErr)

	return cancel
}

func (d *DB) WatchQuery(collection, field string, value any, onNext func([]docdb.Snapshot), onErr func(error)) func() {
	w := newWatcher(func(c docdb.Change) bool {
		return c.Collection == collection
	})
	cancel := d.register(w)

	go w.run(cancel, func(ctx context.Context) error {
		var snaps []docdb.Snapshot
		var err error
		if field == "" {
			snaps, err = d.List(ctx, collection)
		} else {
			snaps, err = d.FindEqual(ctx, collection, field, value)
		}
		if err != nil {
			return fmt.Errorf("watch %s: %w", collection, err)
		}
		if !w.stopped() {
			onNext(snaps)
		}
		return nil
	}, onErr)

	return cancel
}

// WatcherCount returns the number of live subscriptions.
func (d *DB) WatcherCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.watchers)
}
