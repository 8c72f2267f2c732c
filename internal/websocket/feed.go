package websocket

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukerupert/togetha/internal/docdb"
)

const feedBufferSize = 256

// Feed turns committed document changes into hub broadcasts addressed to
// the family that owns each document.
type Feed struct {
	hub     *Hub
	db      docdb.DB
	logger  *slog.Logger
	changes chan docdb.Change
}

func NewFeed(hub *Hub, db docdb.DB, logger *slog.Logger) *Feed {
	return &Feed{
		hub:     hub,
		db:      db,
		logger:  logger,
		changes: make(chan docdb.Change, feedBufferSize),
	}
}

// Handle queues a change without blocking the writer. Changes that do not
// fit in the queue are dropped.
func (f *Feed) Handle(c docdb.Change) {
	select {
	case f.changes <- c:
	default:
		f.logger.Warn("change feed full, dropping change", "path", c.Path())
	}
}

// Run broadcasts queued changes until ctx ends.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-f.changes:
			msg, ok := f.message(ctx, c)
			if !ok {
				continue
			}
			f.hub.Broadcast(msg)
		}
	}
}

// message resolves the entity and owning family of a change. Changes whose
// family cannot be resolved are not broadcast.
func (f *Feed) message(ctx context.Context, c docdb.Change) (Message, bool) {
	segments := strings.Split(c.Collection, "/")
	var entity, familyID string
	switch {
	case c.Collection == "tasks":
		entity = "task"
		familyID = f.familyField(ctx, c.Path())
	case c.Collection == "users":
		entity = "user"
		familyID = f.familyField(ctx, c.Path())
	case c.Collection == "families":
		entity = "family"
		familyID = c.ID
	case len(segments) == 3 && segments[0] == "families" && segments[2] == "members":
		entity = "member"
		familyID = segments[1]
	default:
		return Message{}, false
	}
	if familyID == "" {
		return Message{}, false
	}
	return NewMessage(entity, string(c.Action), c.ID, familyID, nil), true
}

func (f *Feed) familyField(ctx context.Context, path string) string {
	snap, err := f.db.Get(ctx, path)
	if err != nil {
		f.logger.Warn("resolve change family", "path", path, "error", err)
		return ""
	}
	if !snap.Exists() {
		return ""
	}
	var doc struct {
		FamilyID *string `json:"familyId" firestore:"familyId"`
	}
	if err := snap.DataTo(&doc); err != nil || doc.FamilyID == nil {
		return ""
	}
	return *doc.FamilyID
}
