package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/dukerupert/togetha/internal/database"
	"github.com/dukerupert/togetha/internal/docdb"
	"github.com/dukerupert/togetha/internal/docdb/sqlitedb"
)

func setupTestFeed(t *testing.T) (*Hub, *sqlitedb.DB) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	docs := sqlitedb.New(db, slog.Default())
	hub := NewHub(slog.Default())
	feed := NewFeed(hub, docs, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(docs.OnChange(feed.Handle))
	go feed.Run(ctx)
	return hub, docs
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return Message{}
}

func TestFeedTaskChanges(t *testing.T) {
	hub, docs := setupTestFeed(t)
	c := mockClient(hub, "f1")
	hub.Register(c)
	defer hub.Unregister(c)

	id, err := docs.Add(context.Background(), "tasks", map[string]any{"title": "Milk", "familyId": "f1"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	msg := receive(t, c)
	if msg.Type != "task_created" || msg.ID != id || msg.FamilyID != "f1" {
		t.Errorf("message = %+v", msg)
	}
}

func TestFeedMemberChanges(t *testing.T) {
	hub, docs := setupTestFeed(t)
	c := mockClient(hub, "f1")
	hub.Register(c)
	defer hub.Unregister(c)

	docs.Set(context.Background(), docdb.Join("families", "f1", "members", "u1"), map[string]any{"uid": "u1"}, false)

	msg := receive(t, c)
	if msg.Type != "member_created" || msg.ID != "u1" {
		t.Errorf("message = %+v", msg)
	}
}

func TestFeedOtherFamilyNotDelivered(t *testing.T) {
	hub, docs := setupTestFeed(t)
	c := mockClient(hub, "f1")
	hub.Register(c)
	defer hub.Unregister(c)

	ctx := context.Background()
	docs.Add(ctx, "tasks", map[string]any{"title": "Bread", "familyId": "f2"})
	docs.Set(ctx, "families/f1", map[string]any{"name": "Ours"}, false)

	msg := receive(t, c)
	if msg.Type != "family_created" || msg.ID != "f1" {
		t.Errorf("message = %+v, want family_created for f1", msg)
	}
}
