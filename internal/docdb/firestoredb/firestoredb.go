// Package firestoredb implements docdb.DB on Cloud Firestore.
package firestoredb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dukerupert/togetha/internal/docdb"
)

type DB struct {
	client *firestore.Client
	logger *slog.Logger
}

// Open connects to the project's default database. FIRESTORE_EMULATOR_HOST
// is honored by the client library.
func Open(ctx context.Context, projectID string, logger *slog.Logger) (*DB, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &DB{client: client, logger: logger}, nil
}

func (d *DB) Close() error {
	return d.client.Close()
}

type snapshot struct {
	snap *firestore.DocumentSnapshot
}

func (s snapshot) ID() string   { return s.snap.Ref.ID }
func (s snapshot) Exists() bool { return s.snap.Exists() }

func (s snapshot) DataTo(v any) error {
	if !s.snap.Exists() {
		return docdb.ErrNotFound
	}
	return s.snap.DataTo(v)
}

func wrap(snaps []*firestore.DocumentSnapshot) []docdb.Snapshot {
	out := make([]docdb.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, snapshot{snap: s})
	}
	return out
}

// translate maps gRPC status codes onto the docdb error set.
func translate(op string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s: %w: %v", op, docdb.ErrNotFound, err)
	case codes.PermissionDenied:
		return fmt.Errorf("%s: %w: %v", op, docdb.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func convert(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok && s == docdb.ServerTimestamp {
			out[k] = firestore.ServerTimestamp
			continue
		}
		out[k] = v
	}
	return out
}

func (d *DB) NewID(collection string) string {
	return d.client.Collection(collection).NewDoc().ID
}

func (d *DB) Get(ctx context.Context, path string) (docdb.Snapshot, error) {
	snap, err := d.client.Doc(path).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return snapshot{snap: snap}, nil
	}
	if err != nil {
		return nil, translate("get document", err)
	}
	return snapshot{snap: snap}, nil
}

func (d *DB) Set(ctx context.Context, path string, data map[string]any, merge bool) error {
	var opts []firestore.SetOption
	if merge {
		opts = append(opts, firestore.MergeAll)
	}
	if _, err := d.client.Doc(path).Set(ctx, convert(data), opts...); err != nil {
		return translate("set document", err)
	}
	return nil
}

func (d *DB) Update(ctx context.Context, path string, fields map[string]any) error {
	updates := make([]firestore.Update, 0, len(fields))
	for k, v := range convert(fields) {
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	if _, err := d.client.Doc(path).Update(ctx, updates); err != nil {
		return translate("update document", err)
	}
	return nil
}

func (d *DB) Delete(ctx context.Context, path string) error {
	if _, err := d.client.Doc(path).Delete(ctx); err != nil {
		return translate("delete document", err)
	}
	return nil
}

func (d *DB) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	ref, _, err := d.client.Collection(collection).Add(ctx, convert(data))
	if err != nil {
		return "", translate("add document", err)
	}
	return ref.ID, nil
}

func (d *DB) List(ctx context.Context, collection string) ([]docdb.Snapshot, error) {
	snaps, err := d.client.Collection(collection).Documents(ctx).GetAll()
	if err != nil {
		return nil, translate("list documents", err)
	}
	return wrap(snaps), nil
}

func (d *DB) FindEqual(ctx context.Context, collection, field string, value any) ([]docdb.Snapshot, error) {
	snaps, err := d.client.Collection(collection).Where(field, "==", value).Documents(ctx).GetAll()
	if err != nil {
		return nil, translate("query documents", err)
	}
	return wrap(snaps), nil
}

func (d *DB) WatchDocument(path string, onNext func(docdb.Snapshot), onErr func(error)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	it := d.client.Doc(path).Snapshots(ctx)

	go func() {
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == codes.Canceled {
					return
				}
				d.logger.Warn("document listener stopped", "path", path, "error", err)
				onErr(translate("watch "+path, err))
				return
			}
			onNext(snapshot{snap: snap})
		}
	}()

	return cancel
}

func (d *DB) WatchQuery(collection, field string, value any, onNext func([]docdb.Snapshot), onErr func(error)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	q := d.client.Collection(collection).Query
	if field != "" {
		q = q.Where(field, "==", value)
	}
	it := q.Snapshots(ctx)

	go func() {
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == codes.Canceled {
					return
				}
				d.logger.Warn("query listener stopped", "collection", collection, "error", err)
				onErr(translate("watch "+collection, err))
				return
			}
			snaps, err := qs.Documents.GetAll()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				onErr(translate("read "+collection, err))
				return
			}
			onNext(wrap(snaps))
		}
	}()

	return cancel
}

var _ docdb.DB = (*DB)(nil)
