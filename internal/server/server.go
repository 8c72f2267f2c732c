package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/togetha/internal/backup"
	"github.com/dukerupert/togetha/internal/docdb"
	"github.com/dukerupert/togetha/internal/handler"
	"github.com/dukerupert/togetha/internal/identity"
	"github.com/dukerupert/togetha/internal/middleware"
	"github.com/dukerupert/togetha/internal/store"
	ws "github.com/dukerupert/togetha/internal/websocket"
)

// ChangeSource reports committed document writes. The sqlite backend
// implements it; without one the change feed stays silent.
type ChangeSource interface {
	OnChange(fn func(docdb.Change)) (cancel func())
}

type Server struct {
	hub         *ws.Hub
	feed        *ws.Feed
	accounts    *identity.Service
	users       *store.UserStore
	families    *store.FamilyStore
	accountH    *handler.AccountHandler
	familyH     *handler.FamilyHandler
	taskH       *handler.TaskHandler
	rateLimiter *middleware.RateLimiter
	backups     *backup.Manager
	logger      *slog.Logger
}

func New(db docdb.DB, accounts *identity.Service, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	users := store.NewUserStore(db)
	families := store.NewFamilyStore(db, users)
	tasks := store.NewTaskStore(db)

	return &Server{
		hub:         hub,
		feed:        ws.NewFeed(hub, db, logger.With("component", "feed")),
		accounts:    accounts,
		users:       users,
		families:    families,
		accountH:    handler.NewAccountHandler(accounts, users, logger.With("component", "account")),
		familyH:     handler.NewFamilyHandler(families, logger.With("component", "family")),
		taskH:       handler.NewTaskHandler(tasks, logger.With("component", "task")),
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}
}

// Hub returns the change feed hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// SetBackups attaches a backup manager. Start runs its schedule and the
// health check reports its status.
func (s *Server) SetBackups(m *backup.Manager) {
	s.backups = m
}

// Start forwards committed writes from src to WebSocket clients until ctx
// ends, and prunes expired rate limit entries.
func (s *Server) Start(ctx context.Context, src ChangeSource) {
	if src != nil {
		cancel := src.OnChange(s.feed.Handle)
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	go s.feed.Run(ctx)
	if s.backups != nil {
		go s.backups.Run(ctx)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.rateLimiter.Cleanup()
			}
		}
	}()
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	requireToken := middleware.RequireToken(s.accounts, s.users, s.families)

	// The WebSocket upgrade needs the raw connection, so the feed sits
	// outside the request logger.
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("GET /ws", requireToken(middleware.RequireFamily(ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket")))))

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/signup", s.rateLimitedHandler(s.accountH.Signup))
	apiMux.HandleFunc("POST /api/login", s.rateLimitedHandler(s.accountH.Login))

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)
	apiMux.Handle("/api/", requireToken(protectedMux))

	outerMux.Handle("/api/", middleware.RequestLogger(s.logger.With("component", "http"))(apiMux))
	return outerMux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	}
	if s.backups != nil {
		body["backup"] = s.backups.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 10, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	inFamily := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireFamily(h)
	}

	// Family routes
	mux.HandleFunc("POST /api/family", s.familyH.Create)
	mux.HandleFunc("POST /api/family/join", s.familyH.Join)
	mux.Handle("GET /api/family", inFamily(s.familyH.Get))
	mux.Handle("PUT /api/family", middleware.RequireFamily(middleware.RequireAdmin(http.HandlerFunc(s.familyH.Update))))
	mux.Handle("POST /api/family/leave", inFamily(s.familyH.Leave))

	// Task routes
	mux.Handle("GET /api/tasks", inFamily(s.taskH.List))
	mux.Handle("POST /api/tasks", inFamily(s.taskH.Create))
	mux.Handle("POST /api/tasks/{id}/toggle", inFamily(s.taskH.Toggle))
}
