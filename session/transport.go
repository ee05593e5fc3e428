package session

import (
	"context"
	"errors"
	"time"

	"github.com/ssau-fiit/cloudocs-sync/ot"
	"github.com/ssau-fiit/cloudocs-sync/presence"
)

// ErrTransportFailure wraps network and channel errors. The session
// recovers from it automatically via reconnect backoff.
var ErrTransportFailure = errors.New("transport failure")

// ErrClosed is returned by calls on a session that has left the document.
var ErrClosed = errors.New("session closed")

// ErrRejected means the authority refused a submitted operation. The
// session resyncs onto a fresh snapshot rather than resubmitting blindly.
var ErrRejected = errors.New("operation rejected by authority")

// Inbound is one message off the subscription stream: an authority-ordered
// operation, a presence delta, or a rejection error. Exactly one is set.
type Inbound struct {
	Op       *ot.Operation
	Presence *presence.Delta
	Err      error
}

// Transport is the abstract message channel this core sits on. It must
// preserve per-document operation order; presence deltas may be dropped or
// reordered. The stream channel closing signals a transport failure.
type Transport interface {
	Send(ctx context.Context, docID string, op ot.Operation) error
	SendPresence(ctx context.Context, docID string, d presence.Delta) error
	Subscribe(ctx context.Context, docID string) (<-chan Inbound, error)
	Close() error
}

// SnapshotSource serves authoritative (content, version) pairs. It is hit
// only at join and resync time, never per operation.
type SnapshotSource interface {
	LoadSnapshot(ctx context.Context, docID string) (content string, version uint64, err error)
}

// Resolution states a Conflict can be in.
type Resolution string

const (
	ResolutionAutomatic  Resolution = "automatic"
	ResolutionPending    Resolution = "pending"
	ResolutionUserChoice Resolution = "user_choice"
)

// Conflict records pending local operations that could not be carried
// across a resync. They are surfaced to the caller for reapplication, never
// silently dropped.
type Conflict struct {
	ID         string         `json:"id"`
	Operations []ot.Operation `json:"operations"`
	Resolution Resolution     `json:"resolution"`
	CreatedAt  time.Time      `json:"created_at"`
}
