package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/togetha/internal/auth"
)

func TestWatchReceivesFamilyMessages(t *testing.T) {
	hub := NewHub(slog.Default())
	ws := HandleWebSocket(hub, slog.Default())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := auth.WithAuth(r.Context(), auth.AuthContext{UID: "u1", FamilyID: "f1"})
		ws(w, r.WithContext(ctx))
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs := make(chan Message, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, url, "secret", func(m Message) { msgs <- m })
	}()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for client to register")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(NewMessage("task", "created", "t1", "f2", nil))
	hub.Broadcast(NewMessage("task", "created", "t2", "f1", nil))

	select {
	case m := <-msgs:
		if m.ID != "t2" {
			t.Errorf("id = %q, want t2", m.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch returned %v, want nil after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestWatchUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Watch(ctx, url, "", func(Message) {}); err == nil {
		t.Error("expected dial error")
	}
}
