package drive

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cirrusdrive/cirrus/internal/database"
)

// EventKind names what happened to a node.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventUpdated   EventKind = "updated"
	EventRenamed   EventKind = "renamed"
	EventMoved     EventKind = "moved"
	EventFavorited EventKind = "favorited"
	EventTrashed   EventKind = "trashed"
	EventRestored  EventKind = "restored"
	EventDeleted   EventKind = "deleted"
)

// Event is one entry of the per-user change feed that sync clients
// poll. ContentUpdated distinguishes content rewrites from pure
// metadata changes so clients know when to re-download.
type Event struct {
	OwnerID        uuid.UUID
	FileID         uuid.UUID
	Kind           EventKind
	ContentUpdated bool
}

// EventRecorder appends sync events. Recording is fire-and-forget:
// a failed append must never roll back the mutation it describes.
type EventRecorder interface {
	Record(ctx context.Context, ev Event)
}

// NoopEventRecorder drops events. Used when the sync feed is disabled.
type NoopEventRecorder struct{}

// Record discards the event.
func (NoopEventRecorder) Record(context.Context, Event) {}

const insertEventSQL = `
	INSERT INTO sync_events (id, owner_id, file_id, kind, content_updated, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

// TableEventRecorder appends events to the sync_events table.
type TableEventRecorder struct {
	db database.Executor
}

// NewTableEventRecorder creates a recorder over the given database.
func NewTableEventRecorder(db database.Executor) *TableEventRecorder {
	return &TableEventRecorder{db: db}
}

// Record inserts the event, logging instead of failing when the insert
// goes wrong.
func (r *TableEventRecorder) Record(ctx context.Context, ev Event) {
	_, err := r.db.Exec(ctx, insertEventSQL,
		uuid.New(), ev.OwnerID, ev.FileID, string(ev.Kind), ev.ContentUpdated, time.Now().UTC(),
	)
	if err != nil {
		log.Warn().
			Err(err).
			Str("file_id", ev.FileID.String()).
			Str("kind", string(ev.Kind)).
			Msg("Failed to append sync event")
	}
}
