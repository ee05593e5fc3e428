package session

import (
	"github.com/ssau-fiit/cloudocs-sync/document"
	"github.com/ssau-fiit/cloudocs-sync/presence"
)

// EventKind tags the session event union.
type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventUserJoined      EventKind = "user_joined"
	EventUserLeft        EventKind = "user_left"
	EventDocumentLoaded  EventKind = "document_loaded"
	EventDocumentUpdated EventKind = "document_updated"
	EventRemoteCursor    EventKind = "remote_cursor"
	EventRemoteSelection EventKind = "remote_selection"
	EventConflict        EventKind = "conflict"
	EventError           EventKind = "error"
)

// Event is the tagged union delivered on a session's single ordered event
// channel: exactly one event per state transition, in transition order.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	User      *presence.User
	UserID    string
	Snapshot  *document.Snapshot
	Content   string
	Version   uint64
	Cursor    *presence.Position
	Selection *presence.Range
	Conflict  *Conflict
	Err       error
}
