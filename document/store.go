package document

import (
	"errors"
	"fmt"
	"time"

	"github.com/ssau-fiit/cloudocs-sync/ot"
)

var (
	// ErrStaleVersion means a local submission raced the authority: the
	// operation was built against a version the store has already moved
	// past. The caller rebases and resubmits.
	ErrStaleVersion = errors.New("operation targets a stale document version")

	// ErrDiverged means a remote operation failed to transform or apply
	// against local history. The state is terminal for the session: only
	// a full resync recovers it.
	ErrDiverged = errors.New("document diverged from authority")

	// ErrTimeout means a gap in the ordered remote stream was not filled
	// in time and the document needs a resync.
	ErrTimeout = errors.New("timed out waiting for contiguous remote operations")

	// ErrNotSynced is returned when edits are submitted before a snapshot
	// has been loaded.
	ErrNotSynced = errors.New("document is not synced")
)

// State is the lifecycle state of a document store.
type State int

const (
	Unloaded State = iota
	Loading
	Synced
	Buffering
	Diverged
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Synced:
		return "synced"
	case Buffering:
		return "buffering"
	case Diverged:
		return "diverged"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable copy of store state handed to external readers.
type Snapshot struct {
	DocID        string
	Content      string
	Version      uint64
	AckedThrough uint64
	State        State
	PendingCount int
}

// Store holds the authoritative local view of one document: its content,
// version counter and the buffer of locally-originated operations not yet
// acknowledged by the authority.
//
// A Store is owned by exactly one document actor; it carries no lock and
// must only be touched from that actor's goroutine. ApplyLocal and
// ApplyRemote are pure in-memory transitions and never block.
type Store struct {
	docID  string
	author string

	content      string
	version      uint64
	ackedThrough uint64
	pending      []ot.Operation

	state    State
	buffer   map[uint64]ot.Operation
	gapSince time.Time
}

// New creates an unloaded store for docID, owned by the given local author.
func New(docID, author string) *Store {
	return &Store{
		docID:  docID,
		author: author,
		state:  Unloaded,
		buffer: make(map[uint64]ot.Operation),
	}
}

// BeginLoad marks the store as waiting for an authoritative snapshot.
func (s *Store) BeginLoad() {
	if s.state == Unloaded {
		s.state = Loading
	}
}

// Load installs an authoritative snapshot and transitions to Synced.
// Pending operations are untouched; resync flows use Resync instead.
func (s *Store) Load(content string, version uint64) {
	s.content = content
	s.version = version
	s.ackedThrough = version
	s.state = Synced
	s.buffer = make(map[uint64]ot.Operation)
	s.gapSince = time.Time{}
}

func (s *Store) DocID() string        { return s.docID }
func (s *Store) Author() string       { return s.author }
func (s *Store) Content() string      { return s.content }
func (s *Store) Version() uint64      { return s.version }
func (s *Store) AckedThrough() uint64 { return s.ackedThrough }
func (s *Store) State() State         { return s.state }

// Pending returns a copy of the unacknowledged local operations.
func (s *Store) Pending() []ot.Operation {
	out := make([]ot.Operation, len(s.pending))
	copy(out, s.pending)
	return out
}

// Snapshot returns an immutable copy of the store's externally visible
// state. Metrics and UI readers get this, never a mutable handle.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		DocID:        s.docID,
		Content:      s.content,
		Version:      s.version,
		AckedThrough: s.ackedThrough,
		State:        s.state,
		PendingCount: len(s.pending),
	}
}

// ApplyLocal optimistically applies a locally-originated operation,
// appends it to the pending buffer and returns the new version. Apply is
// atomic: validation happens before any mutation.
func (s *Store) ApplyLocal(op ot.Operation) (uint64, error) {
	switch s.state {
	case Diverged:
		return 0, ErrDiverged
	case Unloaded, Loading:
		return 0, ErrNotSynced
	}
	if op.DocVersion != s.version {
		return 0, fmt.Errorf("%w: op targets v%d, store at v%d", ErrStaleVersion, op.DocVersion, s.version)
	}
	next, err := ot.Apply(op, s.content)
	if err != nil {
		return 0, err
	}
	s.content = next
	s.version++
	s.pending = append(s.pending, op)
	return s.version, nil
}

// ApplyRemote applies an operation already ordered by the authority.
// Operations below the acknowledged watermark are ignored (idempotence);
// operations above it are buffered until the gap fills. A contiguous
// operation authored by us is the authority's ack of our own head pending
// op and is popped instead of transformed; anything else is rebased
// against every pending operation, then applied.
func (s *Store) ApplyRemote(op ot.Operation) error {
	switch s.state {
	case Diverged:
		return ErrDiverged
	case Unloaded, Loading:
		return ErrNotSynced
	}

	if op.DocVersion < s.ackedThrough {
		// Already folded in: replayed delivery, ignore.
		return nil
	}
	if op.DocVersion > s.ackedThrough {
		s.buffer[op.DocVersion] = op
		if s.state != Buffering {
			s.state = Buffering
			s.gapSince = time.Now()
		}
		return nil
	}

	if err := s.applyContiguous(op); err != nil {
		return err
	}
	return s.drainBuffer()
}

func (s *Store) applyContiguous(op ot.Operation) error {
	if op.Author == s.author && len(s.pending) > 0 && s.pending[0].LocalSeq == op.LocalSeq {
		// Authority ack of our own optimistic apply: content and version
		// already reflect it, only the watermark moves.
		s.pending = s.pending[1:]
		s.ackedThrough++
		return nil
	}

	rebased := make([]ot.Operation, len(s.pending))
	copy(rebased, s.pending)
	incoming := op
	for i := range rebased {
		rebased[i], incoming = ot.Transform(rebased[i], incoming)
	}
	next, err := ot.Apply(incoming, s.content)
	if err != nil {
		s.state = Diverged
		return fmt.Errorf("%w: %v", ErrDiverged, err)
	}
	s.content = next
	s.version++
	s.ackedThrough++
	s.pending = rebased
	return nil
}

func (s *Store) drainBuffer() error {
	for {
		op, ok := s.buffer[s.ackedThrough]
		if !ok {
			break
		}
		delete(s.buffer, s.ackedThrough)
		if err := s.applyContiguous(op); err != nil {
			return err
		}
	}
	if len(s.buffer) == 0 {
		if s.state == Buffering {
			s.state = Synced
		}
		s.gapSince = time.Time{}
	} else {
		s.gapSince = time.Now()
	}
	return nil
}

// GapExceeded reports whether the store has been stuck buffering an
// out-of-order remote stream longer than timeout.
func (s *Store) GapExceeded(timeout time.Duration, now time.Time) bool {
	return s.state == Buffering && !s.gapSince.IsZero() && now.Sub(s.gapSince) > timeout
}

// Resync replaces local state with a fresh authoritative snapshot and
// returns the pending operations that were outstanding, compacted, so the
// caller can rebase and resubmit them (or surface conflicts for the ones
// that no longer apply). Resync is the only way out of Diverged.
func (s *Store) Resync(content string, version uint64) []ot.Operation {
	dropped := ot.ComposeAll(s.pending)
	s.pending = nil
	s.Load(content, version)
	return dropped
}
