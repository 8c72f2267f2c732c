// Package sqlitedb implements docdb.DB on the local SQLite database. Each
// document is a JSON object in the documents table; live subscriptions are
// driven by the write path rather than by polling.
package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/togetha/internal/docdb"
)

var fieldRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type DB struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	watchers  map[*watcher]struct{}
	listeners map[int]func(docdb.Change)
	nextID    int
}

func New(db *sql.DB, logger *slog.Logger) *DB {
	return &DB{
		db:        db,
		logger:    logger,
		now:       time.Now,
		watchers:  make(map[*watcher]struct{}),
		listeners: make(map[int]func(docdb.Change)),
	}
}

type snapshot struct {
	id     string
	exists bool
	data   []byte
}

func (s *snapshot) ID() string   { return s.id }
func (s *snapshot) Exists() bool { return s.exists }

func (s *snapshot) DataTo(v any) error {
	if !s.exists {
		return docdb.ErrNotFound
	}
	if err := json.Unmarshal(s.data, v); err != nil {
		return fmt.Errorf("decode document %s: %w", s.id, err)
	}
	return nil
}

func (d *DB) NewID(collection string) string {
	return uuid.NewString()
}

func (d *DB) Get(ctx context.Context, path string) (docdb.Snapshot, error) {
	_, id := docdb.Split(path)
	var data string
	err := d.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE path = ?`, path).Scan(&data)
	if err == sql.ErrNoRows {
		return &snapshot{id: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &snapshot{id: id, exists: true, data: []byte(data)}, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (d *DB) read(ctx context.Context, q querier, path string) (map[string]any, bool, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM documents WHERE path = ?`, path).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read document: %w", err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, false, fmt.Errorf("decode document: %w", err)
	}
	return fields, true, nil
}

func (d *DB) write(ctx context.Context, q querier, path string, fields map[string]any) error {
	collection, id := docdb.Split(path)
	if collection == "" || id == "" {
		return fmt.Errorf("invalid document path %q", path)
	}
	encoded, err := json.Marshal(d.resolve(fields))
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO documents (path, collection, id, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT (path) DO UPDATE SET data = excluded.data`,
		path, collection, id, string(encoded),
	)
	if err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

// resolve swaps server timestamp sentinels for the current time.
func (d *DB) resolve(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok && s == docdb.ServerTimestamp {
			out[k] = d.now().UTC()
			continue
		}
		out[k] = v
	}
	return out
}

// modify reads the document at path, passes it to fn and writes fn's
// result, all in one transaction. The database begins transactions
// immediately, so concurrent merges to one document cannot drop fields.
func (d *DB) modify(ctx context.Context, path string, fn func(fields map[string]any, exists bool) (map[string]any, error)) (existed bool, err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin write: %w", err)
	}
	defer tx.Rollback()

	existing, exists, err := d.read(ctx, tx, path)
	if err != nil {
		return false, err
	}
	fields, err := fn(existing, exists)
	if err != nil {
		return exists, err
	}
	if err := d.write(ctx, tx, path, fields); err != nil {
		return exists, err
	}
	if err := tx.Commit(); err != nil {
		return exists, fmt.Errorf("commit write: %w", err)
	}
	return exists, nil
}

func (d *DB) Set(ctx context.Context, path string, data map[string]any, merge bool) error {
	exists, err := d.modify(ctx, path, func(existing map[string]any, exists bool) (map[string]any, error) {
		if !merge || !exists {
			return data, nil
		}
		for k, v := range data {
			existing[k] = v
		}
		return existing, nil
	})
	if err != nil {
		return err
	}
	action := docdb.ActionCreated
	if exists {
		action = docdb.ActionUpdated
	}
	d.emit(path, action)
	return nil
}

func (d *DB) Update(ctx context.Context, path string, fields map[string]any) error {
	_, err := d.modify(ctx, path, func(existing map[string]any, exists bool) (map[string]any, error) {
		if !exists {
			return nil, fmt.Errorf("update %s: %w", path, docdb.ErrNotFound)
		}
		for k, v := range fields {
			existing[k] = v
		}
		return existing, nil
	})
	if err != nil {
		return err
	}
	d.emit(path, docdb.ActionUpdated)
	return nil
}

func (d *DB) Delete(ctx context.Context, path string) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		d.emit(path, docdb.ActionDeleted)
	}
	return nil
}

func (d *DB) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := d.NewID(collection)
	path := docdb.Join(collection, id)
	if err := d.write(ctx, d.db, path, data); err != nil {
		return "", err
	}
	d.emit(path, docdb.ActionCreated)
	return id, nil
}

func (d *DB) List(ctx context.Context, collection string) ([]docdb.Snapshot, error) {
	return d.query(ctx,
		`SELECT id, data FROM documents WHERE collection = ? ORDER BY rowid`,
		collection,
	)
}

func (d *DB) FindEqual(ctx context.Context, collection, field string, value any) ([]docdb.Snapshot, error) {
	if !fieldRegexp.MatchString(field) {
		return nil, fmt.Errorf("invalid field name %q", field)
	}
	return d.query(ctx,
		`SELECT id, data FROM documents WHERE collection = ? AND json_extract(data, ?) = ? ORDER BY rowid`,
		collection, "$."+field, value,
	)
}

func (d *DB) query(ctx context.Context, query string, args ...any) ([]docdb.Snapshot, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var snaps []docdb.Snapshot
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		snaps = append(snaps, &snapshot{id: id, exists: true, data: []byte(data)})
	}
	return snaps, rows.Err()
}

// OnChange registers fn to be called after every committed write.
func (d *DB) OnChange(fn func(docdb.Change)) (cancel func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

func (d *DB) emit(path string, action docdb.Action) {
	collection, id := docdb.Split(path)
	change := docdb.Change{Collection: collection, ID: id, Action: action}

	d.mu.Lock()
	for w := range d.watchers {
		if w.match(change) {
			w.signal()
		}
	}
	listeners := make([]func(docdb.Change), 0, len(d.listeners))
	for _, fn := range d.listeners {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
}
