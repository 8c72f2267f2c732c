package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dukerupert/togetha/internal/app"
	"github.com/dukerupert/togetha/internal/backup"
	"github.com/dukerupert/togetha/internal/config"
	"github.com/dukerupert/togetha/internal/credcache"
	"github.com/dukerupert/togetha/internal/database"
	"github.com/dukerupert/togetha/internal/docdb"
	"github.com/dukerupert/togetha/internal/docdb/firestoredb"
	"github.com/dukerupert/togetha/internal/docdb/sqlitedb"
	"github.com/dukerupert/togetha/internal/identity"
	"github.com/dukerupert/togetha/internal/securestore"
	"github.com/dukerupert/togetha/internal/store"
	"github.com/dukerupert/togetha/internal/tasklist"
)

// env holds everything a command needs. Accounts always live in the local
// database; documents follow the configured backend.
type env struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sql.DB
	docs     docdb.DB
	changes  *sqlitedb.DB
	accounts *identity.Service
	client   *identity.Client
	creds    *credcache.Cache
	users    *store.UserStore
	families *store.FamilyStore
	tasks    *store.TaskStore
	app      *app.App
	backups  *backup.Manager

	closeOnce sync.Once
	closers   []func()
}

func open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*env, error) {
	e := &env{cfg: cfg, logger: logger}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	e.db = db
	e.closers = append(e.closers, func() { db.Close() })

	switch cfg.Backend {
	case config.BackendFirestore:
		fs, err := firestoredb.Open(ctx, cfg.FirestoreProject, logger.With("component", "firestore"))
		if err != nil {
			e.close()
			return nil, err
		}
		e.docs = fs
		e.closers = append(e.closers, func() { fs.Close() })
	default:
		local := sqlitedb.New(db, logger.With("component", "sqlitedb"))
		e.docs = local
		e.changes = local
	}

	secure, err := securestore.Open(filepath.Join(cfg.DataDir, "secure"), cfg.DeviceSecret)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("open secure store: %w", err)
	}

	e.accounts = identity.NewService(db, cfg.TokenSecret)
	e.client = identity.NewClient(e.accounts)
	e.creds = credcache.New(secure, cfg.TrustWindow, logger)
	e.users = store.NewUserStore(e.docs)
	e.families = store.NewFamilyStore(e.docs, e.users)
	e.tasks = store.NewTaskStore(e.docs)

	// A token from an earlier run confirms the session with the backend
	// while it is unexpired. Past that, the cache alone carries it.
	if token := e.creds.Token(); token != "" {
		if _, err := e.client.Resume(ctx, token); err != nil {
			logger.Debug("cached token not accepted", "error", err)
		}
	}

	retry := tasklist.Config{
		RetryBaseDelay: cfg.TaskRetryBase,
		MaxRetries:     cfg.TaskRetryLimit,
	}
	e.app = app.New(app.Config{
		Logger:    logger,
		Backend:   e.client,
		Creds:     e.creds,
		Users:     e.users,
		Families:  e.families,
		Tasks:     e.tasks,
		TaskRetry: retry,
	})
	e.closers = append(e.closers, e.app.Close)

	b := cfg.Backup
	e.backups = backup.NewManager(backup.Config{
		S3: backup.S3Config{
			Endpoint:  b.Endpoint,
			Bucket:    b.Bucket,
			Region:    b.Region,
			AccessKey: b.AccessKey,
			SecretKey: b.SecretKey,
		},
		Passphrase: b.Passphrase,
		Interval:   b.Interval,
		Keep:       b.Keep,
	}, db, logger)
	return e, nil
}

// close releases resources in reverse order of acquisition.
func (e *env) close() {
	e.closeOnce.Do(func() {
		for i := len(e.closers) - 1; i >= 0; i-- {
			e.closers[i]()
		}
	})
}
