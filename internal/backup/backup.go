// Package backup takes encrypted snapshots of the local database and keeps
// them in S3-compatible storage.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	_ "modernc.org/sqlite"

	"github.com/dukerupert/togetha/internal/securestore"
)

const (
	DefaultInterval = 24 * time.Hour
	DefaultKeep     = 7
	DefaultPrefix   = "togetha/"

	keyTimeFormat = "2006-01-02T150405Z"
	keySuffix     = ".db.enc"
)

var (
	ErrDisabled       = errors.New("backup not configured")
	ErrNotFound       = errors.New("backup not found")
	ErrDestinationSet = errors.New("restore destination already exists")
)

// objectStore is the subset of the S3 client the manager uses.
type objectStore interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds backup settings. Backups are disabled unless the bucket,
// both keys and the passphrase are set.
type Config struct {
	S3         S3Config
	Passphrase string
	Interval   time.Duration
	Keep       int
	Prefix     string
}

func (c Config) enabled() bool {
	return c.S3.Bucket != "" && c.S3.AccessKey != "" && c.S3.SecretKey != "" && c.Passphrase != ""
}

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Object is one stored snapshot.
type Object struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type Manager struct {
	cfg    Config
	db     *sql.DB
	client objectStore
	logger *slog.Logger
	now    func() time.Time

	runMu sync.Mutex

	mu     sync.RWMutex
	status Status
}

// NewManager returns a manager for db. Zero interval, keep and prefix
// select the defaults.
func NewManager(cfg Config, db *sql.DB, logger *slog.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultKeep
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}

	m := &Manager{
		cfg:    cfg,
		db:     db,
		logger: logger.With("component", "backup"),
		now:    time.Now,
		status: Status{State: StateDisabled},
	}
	if cfg.enabled() {
		m.client = newS3Client(cfg.S3)
		m.status.State = StateIdle
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (m *Manager) Enabled() bool {
	return m.client != nil
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// Run takes a backup and prunes old ones every interval until ctx ends.
// It returns at once when backups are disabled.
func (m *Manager) Run(ctx context.Context) {
	if !m.Enabled() {
		m.logger.Info("backups disabled")
		return
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Backup(ctx); err != nil {
				m.logger.Error("scheduled backup failed", "error", err)
				continue
			}
			if _, err := m.Prune(ctx); err != nil {
				m.logger.Error("prune backups", "error", err)
			}
		}
	}
}

func (m *Manager) key(t time.Time) string {
	return m.cfg.Prefix + "backup-" + t.UTC().Format(keyTimeFormat) + keySuffix
}

func (m *Manager) parseKey(key string) (time.Time, bool) {
	name, ok := strings.CutPrefix(key, m.cfg.Prefix+"backup-")
	if !ok {
		return time.Time{}, false
	}
	name, ok = strings.CutSuffix(name, keySuffix)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(keyTimeFormat, name)
	return t, err == nil
}

// Backup snapshots the database, seals it with the passphrase and uploads
// it. Concurrent calls run one at a time.
func (m *Manager) Backup(ctx context.Context) (*Object, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.setStatus(Status{State: StateRunning, LastBackup: m.Status().LastBackup})

	obj, err := m.backup(ctx)
	if err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error(), LastBackup: m.Status().LastBackup})
		return nil, err
	}

	last := obj.CreatedAt
	m.setStatus(Status{State: StateIdle, LastBackup: &last})
	m.logger.Info("backup uploaded", "key", obj.Key, "size", obj.Size)
	return obj, nil
}

func (m *Manager) backup(ctx context.Context) (*Object, error) {
	data, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	sealed, err := securestore.SealWithSecret(m.cfg.Passphrase, data)
	if err != nil {
		return nil, fmt.Errorf("encrypt snapshot: %w", err)
	}

	created := m.now().UTC().Truncate(time.Second)
	key := m.key(created)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return nil, fmt.Errorf("upload to s3: %w", err)
	}
	return &Object{Key: key, Size: int64(len(sealed)), CreatedAt: created}, nil
}

// snapshot writes a consistent copy of the database to a temp file and
// returns its bytes.
func (m *Manager) snapshot(ctx context.Context) ([]byte, error) {
	dir, err := os.MkdirTemp("", "togetha-backup-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return nil, fmt.Errorf("snapshot database: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// List returns stored backups, newest first.
func (m *Manager) List(ctx context.Context) ([]Object, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}

	var objects []Object
	p := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Prefix: aws.String(m.cfg.Prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list backups: %w", err)
		}
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			created, ok := m.parseKey(key)
			if !ok {
				continue
			}
			objects = append(objects, Object{Key: key, Size: aws.ToInt64(o.Size), CreatedAt: created})
		}
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].CreatedAt.After(objects[j].CreatedAt)
	})
	return objects, nil
}

// Prune deletes all but the newest Keep backups and reports how many were
// removed. A failed delete is logged and skipped.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	objects, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(objects) <= m.cfg.Keep {
		return 0, nil
	}

	removed := 0
	for _, o := range objects[m.cfg.Keep:] {
		_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(o.Key),
		})
		if err != nil {
			m.logger.Warn("delete backup", "key", o.Key, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Restore downloads the backup at key, decrypts it, checks its integrity
// and writes it to dst. dst must not exist; swapping it in for the live
// database is left to the operator.
func (m *Manager) Restore(ctx context.Context, key, dst string) error {
	if !m.Enabled() {
		return ErrDisabled
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("%s: %w", dst, ErrDestinationSet)
	}

	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	var missing *types.NoSuchKey
	if errors.As(err, &missing) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	defer result.Body.Close()

	sealed, err := io.ReadAll(result.Body)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	data, err := securestore.OpenWithSecret(m.cfg.Passphrase, sealed)
	if err != nil {
		return fmt.Errorf("decrypt backup: %w", err)
	}

	tmp := dst + ".restore"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write restored db: %w", err)
	}
	defer os.Remove(tmp)

	if err := checkIntegrity(ctx, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("move restored db: %w", err)
	}
	m.logger.Info("backup restored", "key", key, "path", dst)
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
