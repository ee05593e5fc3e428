// Package session drives the connection lifecycle of one user editing one
// document: join/leave, optimistic local edits, remote operation intake,
// presence fanout and reconnect-with-backoff. All document mutations happen
// on a single goroutine per session, so store access needs no locking.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ssau-fiit/cloudocs-sync/document"
	"github.com/ssau-fiit/cloudocs-sync/metrics"
	"github.com/ssau-fiit/cloudocs-sync/ot"
	"github.com/ssau-fiit/cloudocs-sync/presence"
)

// Config tunes a session. Zero values pick the defaults.
type Config struct {
	Backoff         BackoffConfig
	GapTimeout      time.Duration // how long out-of-order buffering may last before a forced resync
	PresenceTimeout time.Duration
	MetricsInterval time.Duration
	EventBuffer     int

	// Metrics is the rollup aggregator to record into. Pass the same one
	// to the transport so its byte counters land in the session's rollup;
	// nil builds a private aggregator.
	Metrics *metrics.Aggregator
}

const (
	defaultGapTimeout  = 10 * time.Second
	defaultEventBuffer = 256
	snapshotCallBudget = 5 * time.Second
)

// Session is the per-document actor handle. Public methods are safe to
// call from any goroutine; they forward work onto the actor loop.
type Session struct {
	docID     string
	user      presence.User
	transport Transport
	snapshots SnapshotSource
	cfg       Config

	store   *document.Store
	tracker *presence.Tracker
	agg     *metrics.Aggregator

	events  chan Event
	cmds    chan func()
	inbound <-chan Inbound
	sendErr chan error

	localSeq uint64
	inflight uint64 // LocalSeq of the op awaiting its ack, 0 when none
	sentAt   map[uint64]time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	runDone chan struct{}

	mu     sync.Mutex
	joined bool
}

// New builds a session for user on docID over the given transport and
// snapshot source. Nothing happens until Join.
func New(docID string, user presence.User, tr Transport, src SnapshotSource, cfg Config) *Session {
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = defaultGapTimeout
	}
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = presence.DefaultTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	agg := cfg.Metrics
	if agg == nil {
		agg = metrics.NewAggregator(docID, cfg.MetricsInterval)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		docID:     docID,
		user:      user,
		transport: tr,
		snapshots: src,
		cfg:       cfg,
		store:     document.New(docID, user.ID),
		tracker:   presence.NewTracker(cfg.PresenceTimeout),
		agg:       agg,
		events:    make(chan Event, cfg.EventBuffer),
		cmds:      make(chan func()),
		sendErr:   make(chan error, 1),
		sentAt:    make(map[uint64]time.Time),
		ctx:       ctx,
		cancel:    cancel,
		runDone:   make(chan struct{}),
	}
}

// Events returns the session's ordered event stream. It is closed when the
// session ends.
func (s *Session) Events() <-chan Event { return s.events }

// Metrics returns the latest derived rollup. Read-only.
func (s *Session) Metrics() metrics.SessionMetrics { return s.agg.Snapshot() }

// Presence returns copies of the current collaborator entries.
func (s *Session) Presence() []presence.Collaborator { return s.tracker.Snapshot() }

// Join subscribes to the document's operation stream, loads the
// authoritative snapshot and starts the actor loop.
func (s *Session) Join(ctx context.Context) (document.Snapshot, error) {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return document.Snapshot{}, errors.New("session already joined")
	}
	s.joined = true
	s.mu.Unlock()

	s.store.BeginLoad()
	sub, err := s.transport.Subscribe(ctx, s.docID)
	if err != nil {
		return document.Snapshot{}, fmt.Errorf("%w: subscribe: %v", ErrTransportFailure, err)
	}
	content, version, err := s.snapshots.LoadSnapshot(ctx, s.docID)
	if err != nil {
		return document.Snapshot{}, fmt.Errorf("%w: load snapshot: %v", ErrTransportFailure, err)
	}
	s.inbound = sub
	s.store.Load(content, version)

	d := s.tracker.Join(s.user)
	if err := s.transport.SendPresence(ctx, s.docID, d); err != nil {
		log.Warn().Err(err).Str("doc", s.docID).Msg("could not announce presence")
	}
	s.agg.SetActiveUsers(s.tracker.ActiveCount())

	// The lifecycle events go out before the loop starts so that a frame
	// already buffered in the subscription cannot produce an update event
	// ahead of them.
	snap := s.store.Snapshot()
	s.emit(Event{Kind: EventConnected})
	s.emit(Event{Kind: EventDocumentLoaded, Snapshot: &snap})

	go s.agg.Run(s.ctx)
	go s.run()
	return snap, nil
}

// ApplyEdit submits a local edit. The session stamps authorship, the local
// sequence number and the base version (it is the document's only writer,
// so the base is always the current version), applies it optimistically
// and hands it to the transport. Returns the new local version.
func (s *Session) ApplyEdit(ctx context.Context, op ot.Operation) (uint64, error) {
	type result struct {
		v   uint64
		err error
	}
	ch := make(chan result, 1)
	err := s.do(ctx, func() {
		op.Author = s.user.ID
		op.DocVersion = s.store.Version()
		op.LocalSeq = s.localSeq + 1
		v, err := s.store.ApplyLocal(op)
		if err != nil {
			ch <- result{0, err}
			return
		}
		s.localSeq++
		s.sentAt[op.LocalSeq] = time.Now()
		s.agg.RecordLocalOp()
		s.emit(Event{Kind: EventDocumentUpdated, Content: s.store.Content(), Version: v})
		s.transmitHead()
		ch <- result{v, nil}
	})
	if err != nil {
		return 0, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-s.runDone:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// UpdateCursor moves the local cursor and broadcasts a presence delta.
// Presence bypasses the transform pipeline entirely.
func (s *Session) UpdateCursor(ctx context.Context, pos presence.Position) error {
	return s.do(ctx, func() {
		d := s.tracker.UpdateCursor(s.user.ID, pos)
		s.sendPresence(d)
	})
}

// UpdateSelection records the local selection and broadcasts a delta.
func (s *Session) UpdateSelection(ctx context.Context, r presence.Range) error {
	return s.do(ctx, func() {
		d := s.tracker.UpdateSelection(s.user.ID, r)
		s.sendPresence(d)
	})
}

// Reconnect forces a full reconnect cycle, as if the transport had failed:
// resubscribe with backoff, fresh snapshot, pending edits carried across.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.do(ctx, func() {
		s.reconnect(errors.New("reconnect requested"))
	})
}

// Document returns an immutable snapshot of the local document state.
func (s *Session) Document(ctx context.Context) (document.Snapshot, error) {
	ch := make(chan document.Snapshot, 1)
	if err := s.do(ctx, func() { ch <- s.store.Snapshot() }); err != nil {
		return document.Snapshot{}, err
	}
	select {
	case snap := <-ch:
		return snap, nil
	case <-s.runDone:
		return document.Snapshot{}, ErrClosed
	case <-ctx.Done():
		return document.Snapshot{}, ctx.Err()
	}
}

// Leave flushes still-pending local operations, deregisters presence and
// shuts the actor down. Reconnect timers in flight are cancelled.
func (s *Session) Leave(ctx context.Context) error {
	err := s.do(ctx, func() {
		// Best-effort flush: anything still unsent goes out composed, in
		// sequence, before the connection drops.
		pending := s.store.Pending()
		base := s.store.AckedThrough()
		if s.inflight != 0 && len(pending) > 0 && pending[0].LocalSeq == s.inflight {
			pending = pending[1:]
			base++
		}
		for i, op := range ot.ComposeAll(pending) {
			op.DocVersion = base + uint64(i)
			// Synchronous, one at a time: the authority rejects an op whose
			// base runs ahead of its version, so flush order matters.
			if err := s.transport.Send(ctx, s.docID, op); err != nil {
				log.Warn().Err(err).Str("doc", s.docID).Msg("leave flush failed")
				break
			}
		}
		s.tracker.Leave(s.user.ID)
		s.sendPresence(presence.Delta{
			UserID:    s.user.ID,
			Status:    presence.StatusOffline,
			Timestamp: time.Now(),
		})
	})
	s.cancel()
	<-s.runDone
	if cerr := s.transport.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// do runs fn on the actor goroutine, or fails if the session is gone.
func (s *Session) do(ctx context.Context, fn func()) error {
	select {
	case s.cmds <- fn:
		return nil
	case <-s.runDone:
		return ErrClosed
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.events)
	defer close(s.runDone)

	gap := time.NewTicker(time.Second)
	defer gap.Stop()
	sweepEvery := s.cfg.PresenceTimeout / 3
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.cmds:
			fn()
		case err := <-s.sendErr:
			s.reconnect(err)
		case in, ok := <-s.inbound:
			if !ok {
				s.reconnect(fmt.Errorf("%w: subscription closed", ErrTransportFailure))
				continue
			}
			s.handleInbound(in)
		case now := <-gap.C:
			if s.store.GapExceeded(s.cfg.GapTimeout, now) {
				s.emit(Event{Kind: EventError, Err: document.ErrTimeout})
				s.resync()
			}
		case now := <-sweep.C:
			for _, id := range s.tracker.Sweep(now) {
				if id != s.user.ID {
					s.emit(Event{Kind: EventUserLeft, UserID: id})
				}
			}
			s.agg.SetActiveUsers(s.tracker.ActiveCount())
		}
	}
}

func (s *Session) handleInbound(in Inbound) {
	if in.Err != nil {
		// The authority refused a submission. The in-flight op may be gone
		// on the server side, so only a fresh snapshot re-establishes a
		// usable base.
		s.emit(Event{Kind: EventError, Err: in.Err})
		s.resync()
		return
	}
	if in.Presence != nil {
		s.handlePresence(*in.Presence)
		return
	}
	if in.Op == nil {
		return
	}
	op := *in.Op

	before := s.store.Version()
	ackedBefore := s.store.AckedThrough()
	if err := s.store.ApplyRemote(op); err != nil {
		s.emit(Event{Kind: EventError, Err: err})
		if errors.Is(err, document.ErrDiverged) {
			s.resync()
		}
		return
	}
	if s.store.AckedThrough() > ackedBefore {
		if op.Author == s.user.ID {
			if t0, ok := s.sentAt[op.LocalSeq]; ok {
				s.agg.RecordAckLatency(time.Since(t0))
				delete(s.sentAt, op.LocalSeq)
			}
		}
		s.reconcileInflight()
	}
	if after := s.store.Version(); after > before {
		for i := before; i < after; i++ {
			s.agg.RecordRemoteOp()
		}
		s.emit(Event{Kind: EventDocumentUpdated, Content: s.store.Content(), Version: after})
	}
}

func (s *Session) handlePresence(d presence.Delta) {
	if d.UserID == s.user.ID {
		return
	}
	announce := d.Status == presence.StatusActive && d.DisplayName != ""
	if !s.tracker.ApplyDelta(d) {
		return
	}
	switch {
	case announce:
		s.emit(Event{Kind: EventUserJoined, User: &presence.User{
			ID:          d.UserID,
			DisplayName: d.DisplayName,
			Color:       d.Color,
		}})
	case d.Status == presence.StatusOffline:
		s.tracker.Leave(d.UserID)
		s.emit(Event{Kind: EventUserLeft, UserID: d.UserID})
	}
	if d.Cursor != nil {
		s.emit(Event{Kind: EventRemoteCursor, UserID: d.UserID, Cursor: d.Cursor})
	}
	if d.Selection != nil {
		s.emit(Event{Kind: EventRemoteSelection, UserID: d.UserID, Selection: d.Selection})
	}
	s.agg.SetActiveUsers(s.tracker.ActiveCount())
}

// reconcileInflight clears the in-flight marker once the acknowledged op
// has left the pending buffer and sends the next head. An ack can be folded
// in directly or drained out of the ordering buffer, so this keys off the
// pending buffer itself rather than off the op that was just processed.
func (s *Session) reconcileInflight() {
	if s.inflight == 0 {
		return
	}
	pending := s.store.Pending()
	if len(pending) == 0 || pending[0].LocalSeq != s.inflight {
		s.inflight = 0
		s.transmitHead()
	}
}

// transmitHead sends the head pending operation when nothing else is in
// flight. Keeping a single outstanding op means every submission the
// authority sees is parented directly off its own state; queued pending
// ops are rebased by ApplyRemote while they wait, so when their turn comes
// the acknowledged watermark is their correct base.
func (s *Session) transmitHead() {
	if s.inflight != 0 {
		return
	}
	pending := s.store.Pending()
	if len(pending) == 0 {
		return
	}
	head := pending[0]
	head.DocVersion = s.store.AckedThrough()
	s.inflight = head.LocalSeq
	s.transmit(head)
}

// transmit hands op to the transport off the actor goroutine; apply paths
// must never suspend on network I/O.
func (s *Session) transmit(op ot.Operation) {
	go func() {
		if err := s.transport.Send(s.ctx, s.docID, op); err != nil {
			select {
			case s.sendErr <- fmt.Errorf("%w: send: %v", ErrTransportFailure, err):
			default:
			}
		}
	}()
}

func (s *Session) sendPresence(d presence.Delta) {
	go func() {
		// Presence is lossy by contract; a failed delta is only logged.
		if err := s.transport.SendPresence(s.ctx, s.docID, d); err != nil {
			log.Debug().Err(err).Str("doc", s.docID).Msg("presence delta dropped")
		}
	}()
}

// reconnect retries the transport with exponential backoff. On success it
// always re-fetches a fresh snapshot rather than replaying pending blindly:
// the authority may have advanced arbitrarily far.
func (s *Session) reconnect(cause error) {
	s.emit(Event{Kind: EventDisconnected, Err: cause})
	log.Warn().Err(cause).Str("doc", s.docID).Msg("transport failed, reconnecting")

	for attempt := 1; attempt <= s.cfg.Backoff.MaxAttempts; attempt++ {
		timer := time.NewTimer(s.cfg.Backoff.Delay(attempt))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		sub, err := s.transport.Subscribe(s.ctx, s.docID)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("resubscribe failed")
			continue
		}
		ctx, cancel := context.WithTimeout(s.ctx, snapshotCallBudget)
		content, version, err := s.snapshots.LoadSnapshot(ctx, s.docID)
		cancel()
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("snapshot reload failed")
			continue
		}

		s.inbound = sub
		s.emit(Event{Kind: EventConnected})
		s.finishResync(content, version)
		d := s.tracker.Join(s.user)
		s.sendPresence(d)
		return
	}

	s.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: gave up after %d attempts", ErrTransportFailure, s.cfg.Backoff.MaxAttempts)})
	s.cancel()
}

// resync reloads the authoritative snapshot over a live transport. Needed
// when the store diverged or an ordering gap timed out.
func (s *Session) resync() {
	ctx, cancel := context.WithTimeout(s.ctx, snapshotCallBudget)
	content, version, err := s.snapshots.LoadSnapshot(ctx, s.docID)
	cancel()
	if err != nil {
		s.reconnect(fmt.Errorf("%w: resync snapshot: %v", ErrTransportFailure, err))
		return
	}
	s.finishResync(content, version)
}

// finishResync installs a fresh snapshot and carries pending local edits
// across it: each compacted pending operation is rebased onto the new
// version and resubmitted; ones that no longer apply are surfaced as
// conflict events, never silently lost.
func (s *Session) finishResync(content string, version uint64) {
	dropped := s.store.Resync(content, version)
	s.inflight = 0
	snap := s.store.Snapshot()
	s.emit(Event{Kind: EventDocumentLoaded, Snapshot: &snap})

	for _, op := range dropped {
		op.DocVersion = s.store.Version()
		s.localSeq++
		op.LocalSeq = s.localSeq
		v, err := s.store.ApplyLocal(op)
		if err != nil {
			s.emit(Event{Kind: EventConflict, Conflict: &Conflict{
				ID:         uuid.New().String(),
				Operations: []ot.Operation{op},
				Resolution: ResolutionPending,
				CreatedAt:  time.Now(),
			}})
			continue
		}
		s.sentAt[op.LocalSeq] = time.Now()
		s.agg.RecordConflictResolved()
		s.emit(Event{Kind: EventDocumentUpdated, Content: s.store.Content(), Version: v})
	}
	s.transmitHead()
}

// emit delivers e on the ordered event channel. The channel is buffered;
// a consumer that stops draining will eventually stall the actor rather
// than scramble event order.
func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}
