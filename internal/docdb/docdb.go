// Package docdb describes the document database the client stores sync
// against. Documents are addressed by slash-separated paths such as
// "users/{uid}" or "families/{id}/members/{uid}"; a collection is the path
// of a document minus its last segment.
package docdb

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrPermissionDenied = errors.New("permission denied")
)

// ServerTimestamp may be used as a field value in Set, Add and Update. The
// backend replaces it with its own clock at write time.
const ServerTimestamp = "\x00server_timestamp"

// IsPermissionDenied reports whether err is an authorization failure.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// Snapshot is a read of one document at a point in time.
type Snapshot interface {
	ID() string
	Exists() bool
	DataTo(v any) error
}

// DB is the document database. Watch callbacks for one subscription are
// delivered in order on a goroutine owned by the implementation; after an
// error is delivered the subscription is dead. The returned cancel func
// must be called by the owner of the subscription.
//
// WatchQuery with an empty field watches every document in the collection.
type DB interface {
	NewID(collection string) string
	Get(ctx context.Context, path string) (Snapshot, error)
	Set(ctx context.Context, path string, data map[string]any, merge bool) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	List(ctx context.Context, collection string) ([]Snapshot, error)
	FindEqual(ctx context.Context, collection, field string, value any) ([]Snapshot, error)
	WatchDocument(path string, onNext func(Snapshot), onErr func(error)) (cancel func())
	WatchQuery(collection, field string, value any, onNext func([]Snapshot), onErr func(error)) (cancel func())
}

type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Change describes one committed write.
type Change struct {
	Collection string
	ID         string
	Action     Action
}

// Path returns the full document path of the change.
func (c Change) Path() string {
	return Join(c.Collection, c.ID)
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the collection and id of a document path.
func Split(path string) (collection, id string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}
