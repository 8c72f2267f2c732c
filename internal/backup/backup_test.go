package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dukerupert/togetha/internal/database"
	"github.com/dukerupert/togetha/internal/docdb/sqlitedb"
)

// mockS3Client keeps objects in memory.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, _ := io.ReadAll(input.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(input.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(m.objects[k])))})
	}
	return out, nil
}

func (m *mockS3Client) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

var testS3 = S3Config{Bucket: "test", AccessKey: "key", SecretKey: "secret"}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	docs := sqlitedb.New(db, slog.Default())
	if err := docs.Set(context.Background(), "tasks/t1", map[string]any{"title": "Milk", "familyId": "f1"}, false); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	return db
}

func newTestManager(t *testing.T, db *sql.DB, client *mockS3Client, cfg Config) *Manager {
	t.Helper()
	cfg.S3 = testS3
	if cfg.Passphrase == "" {
		cfg.Passphrase = "backup-passphrase"
	}
	m := NewManager(cfg, db, slog.Default())
	m.client = client
	return m
}

func TestManagerDisabled(t *testing.T) {
	m := NewManager(Config{S3: testS3}, nil, slog.Default())
	if m.Enabled() {
		t.Error("manager without passphrase should be disabled")
	}
	if got := m.Status().State; got != StateDisabled {
		t.Errorf("state = %q, want %q", got, StateDisabled)
	}
	if _, err := m.Backup(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("backup error = %v, want ErrDisabled", err)
	}

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return when disabled")
	}
}

func TestManagerDefaults(t *testing.T) {
	m := NewManager(Config{S3: testS3, Passphrase: "p"}, nil, slog.Default())
	if !m.Enabled() {
		t.Fatal("expected manager to be enabled")
	}
	if m.cfg.Interval != DefaultInterval || m.cfg.Keep != DefaultKeep || m.cfg.Prefix != DefaultPrefix {
		t.Errorf("cfg = %+v, want defaults", m.cfg)
	}
	if got := m.Status().State; got != StateIdle {
		t.Errorf("state = %q, want %q", got, StateIdle)
	}
}

func TestBackupAndRestore(t *testing.T) {
	db := setupTestDB(t)
	client := newMockS3()
	m := newTestManager(t, db, client, Config{})
	fixed := time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	obj, err := m.Backup(context.Background())
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if want := "togetha/backup-2025-03-01T020000Z.db.enc"; obj.Key != want {
		t.Errorf("key = %q, want %q", obj.Key, want)
	}
	if client.count() != 1 {
		t.Fatalf("objects = %d, want 1", client.count())
	}
	if bytes.Contains(client.objects[obj.Key], []byte("Milk")) {
		t.Error("uploaded backup is not encrypted")
	}

	st := m.Status()
	if st.State != StateIdle || st.LastBackup == nil || !st.LastBackup.Equal(fixed) {
		t.Errorf("status = %+v, want idle with last backup %v", st, fixed)
	}

	dst := filepath.Join(t.TempDir(), "restored.db")
	if err := m.Restore(context.Background(), obj.Key, dst); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := sql.Open("sqlite", dst)
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	defer restored.Close()
	var data string
	if err := restored.QueryRow(`SELECT data FROM documents WHERE path = ?`, "tasks/t1").Scan(&data); err != nil {
		t.Fatalf("read restored document: %v", err)
	}
	if !strings.Contains(data, "Milk") {
		t.Errorf("restored data = %s, want Milk", data)
	}
	if _, err := os.Stat(dst + ".restore"); !os.IsNotExist(err) {
		t.Error("temp restore file should be removed")
	}
}

func TestBackupUploadError(t *testing.T) {
	db := setupTestDB(t)
	client := newMockS3()
	client.putErr = errors.New("bucket unavailable")
	m := newTestManager(t, db, client, Config{})

	if _, err := m.Backup(context.Background()); err == nil {
		t.Fatal("expected upload error")
	}
	st := m.Status()
	if st.State != StateError || !strings.Contains(st.Error, "bucket unavailable") {
		t.Errorf("status = %+v, want error state", st)
	}
}

func TestRestoreErrors(t *testing.T) {
	db := setupTestDB(t)
	client := newMockS3()
	m := newTestManager(t, db, client, Config{})

	obj, err := m.Backup(context.Background())
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	dir := t.TempDir()
	if err := m.Restore(context.Background(), "togetha/missing.db.enc", filepath.Join(dir, "a.db")); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing key error = %v, want ErrNotFound", err)
	}

	existing := filepath.Join(dir, "existing.db")
	os.WriteFile(existing, []byte("live"), 0600)
	if err := m.Restore(context.Background(), obj.Key, existing); !errors.Is(err, ErrDestinationSet) {
		t.Errorf("existing destination error = %v, want ErrDestinationSet", err)
	}

	other := newTestManager(t, db, client, Config{Passphrase: "wrong"})
	if err := other.Restore(context.Background(), obj.Key, filepath.Join(dir, "b.db")); err == nil {
		t.Error("expected error for wrong passphrase")
	}
	if _, err := os.Stat(filepath.Join(dir, "b.db")); !os.IsNotExist(err) {
		t.Error("failed restore should not create the destination")
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	db := setupTestDB(t)
	client := newMockS3()
	m := newTestManager(t, db, client, Config{Keep: 2})
	client.objects["togetha/README.txt"] = []byte("not a backup")

	base := time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)
	var keys []string
	for i := range 4 {
		at := base.Add(time.Duration(i) * time.Hour)
		m.now = func() time.Time { return at }
		obj, err := m.Backup(context.Background())
		if err != nil {
			t.Fatalf("backup %d: %v", i, err)
		}
		keys = append(keys, obj.Key)
	}

	removed, err := m.Prune(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	objects, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("objects = %d, want 2", len(objects))
	}
	if objects[0].Key != keys[3] || objects[1].Key != keys[2] {
		t.Errorf("kept %s, %s, want %s, %s", objects[0].Key, objects[1].Key, keys[3], keys[2])
	}
	if _, ok := client.objects["togetha/README.txt"]; !ok {
		t.Error("prune should leave unrelated objects alone")
	}
}
