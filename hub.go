package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ssau-fiit/cloudocs-sync/database"
	"github.com/ssau-fiit/cloudocs-sync/metrics"
	"github.com/ssau-fiit/cloudocs-sync/ot"
	"github.com/ssau-fiit/cloudocs-sync/presence"
	"github.com/ssau-fiit/cloudocs-sync/transport"
)

const (
	historyLimit     = 4096
	checkpointEvery  = 30 * time.Second
	presenceSweep    = 10 * time.Second
	clientSendBuffer = 64
	persistBudget    = 5 * time.Second
)

type hubClient struct {
	id   string
	send chan transport.Message
}

type submission struct {
	from *hubClient
	op   ot.Operation
}

// docHub is the authority actor for one open document. All mutation of the
// authoritative content happens on its run goroutine; different documents
// run on independent hubs.
type docHub struct {
	docID string

	register     chan *hubClient
	unregister   chan *hubClient
	submissions  chan submission
	deltas       chan presence.Delta
	remoteDeltas chan presence.Delta // deltas relayed from other replicas
	snapshotReq  chan *hubClient

	content     string
	version     uint64
	baseVersion uint64 // version history[0] applies at
	history     []ot.Operation
	clients     map[string]*hubClient

	tracker *presence.Tracker
	agg     *metrics.Aggregator
	persist func(ctx context.Context, content string, version uint64) error
	bus     *presenceBus
}

func newDocHub(docID, content string, version uint64,
	persist func(ctx context.Context, content string, version uint64) error) *docHub {
	return &docHub{
		docID:        docID,
		register:     make(chan *hubClient),
		unregister:   make(chan *hubClient),
		submissions:  make(chan submission, clientSendBuffer),
		deltas:       make(chan presence.Delta, clientSendBuffer),
		remoteDeltas: make(chan presence.Delta, clientSendBuffer),
		snapshotReq:  make(chan *hubClient),
		content:      content,
		version:      version,
		baseVersion:  version,
		clients:      make(map[string]*hubClient),
		tracker:      presence.NewTracker(0),
		agg:          metrics.NewAggregator(docID, 0),
		persist:      persist,
	}
}

func (h *docHub) initMessage() transport.Message {
	return transport.Message{Type: transport.MessageInit, Content: h.content, Version: h.version}
}

func (h *docHub) run(ctx context.Context) {
	go h.agg.Run(ctx)

	checkpoint := time.NewTicker(checkpointEvery)
	defer checkpoint.Stop()
	sweep := time.NewTicker(presenceSweep)
	defer sweep.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			if dirty {
				h.checkpoint()
			}
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			return

		case c := <-h.register:
			h.clients[c.id] = c
			h.sendTo(c, h.initMessage())

		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}

		case c := <-h.snapshotReq:
			h.sendTo(c, h.initMessage())

		case sub := <-h.submissions:
			if h.handleSubmission(sub) {
				dirty = true
			}

		case d := <-h.deltas:
			h.applyDelta(d)
			if h.bus != nil {
				go h.bus.publish(h.docID, d)
			}

		case d := <-h.remoteDeltas:
			// Already travelled the bus once; broadcast locally only.
			h.applyDelta(d)

		case <-checkpoint.C:
			if dirty {
				h.checkpoint()
				dirty = false
			}
			h.trimHistory()

		case now := <-sweep.C:
			for _, id := range h.tracker.Sweep(now) {
				off := presence.Delta{UserID: id, Status: presence.StatusOffline, Timestamp: now}
				h.broadcast(transport.Message{Type: transport.MessagePresence, Presence: &off})
			}
			h.agg.SetActiveUsers(h.tracker.ActiveCount())
		}
	}
}

// handleSubmission rebases a client operation against everything that
// landed since its base version, applies it and broadcasts the ordered
// result stamped with the version it applies at. Invalid submissions are
// rejected with an error frame plus a fresh snapshot so the client can
// resync; authoritative content is never partially mutated.
func (h *docHub) handleSubmission(sub submission) bool {
	op := sub.op
	if op.DocVersion > h.version || op.DocVersion < h.baseVersion {
		h.reject(sub.from, fmt.Sprintf("base version %d outside window [%d,%d]", op.DocVersion, h.baseVersion, h.version))
		return false
	}

	since := h.history[op.DocVersion-h.baseVersion:]
	concurrent := make([]ot.Operation, 0, len(since))
	for _, past := range since {
		// A client keeps one op in flight, so its own earlier ops are
		// already part of this op's base.
		if past.Author == op.Author {
			continue
		}
		concurrent = append(concurrent, past)
	}
	op = ot.TransformAgainst(op, concurrent)
	op.DocVersion = h.version

	next, err := ot.Apply(op, h.content)
	if err != nil {
		h.reject(sub.from, err.Error())
		return false
	}
	h.content = next
	h.history = append(h.history, op)
	h.version++
	h.agg.RecordRemoteOp()

	o := op
	h.broadcast(transport.Message{Type: transport.MessageOp, Op: &o})
	return true
}

func (h *docHub) applyDelta(d presence.Delta) {
	if d.Status == presence.StatusOffline {
		h.tracker.Leave(d.UserID)
	} else {
		h.tracker.ApplyDelta(d)
	}
	dd := d
	h.broadcast(transport.Message{Type: transport.MessagePresence, Presence: &dd})
	h.agg.SetActiveUsers(h.tracker.ActiveCount())
}

func (h *docHub) reject(c *hubClient, reason string) {
	log.Warn().Str("doc", h.docID).Str("reason", reason).Msg("rejected operation")
	h.sendTo(c, transport.Message{Type: transport.MessageError, Error: reason})
	h.sendTo(c, h.initMessage())
}

func (h *docHub) sendTo(c *hubClient, m transport.Message) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- m:
	default:
		delete(h.clients, c.id)
		close(c.send)
	}
}

func (h *docHub) broadcast(m transport.Message) {
	for id, c := range h.clients {
		select {
		case c.send <- m:
		default:
			// Client can't keep up; drop it and let it reconnect.
			delete(h.clients, id)
			close(c.send)
		}
	}
}

func (h *docHub) checkpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), persistBudget)
	defer cancel()
	if err := h.persist(ctx, h.content, h.version); err != nil {
		log.Error().Err(err).Str("doc", h.docID).Msg("checkpoint failed")
	}
}

func (h *docHub) trimHistory() {
	if len(h.history) <= historyLimit {
		return
	}
	cut := len(h.history) - historyLimit
	h.history = append([]ot.Operation(nil), h.history[cut:]...)
	h.baseVersion += uint64(cut)
}

// hubRegistry hands out the per-document authority actor. Callers hold a
// hub reference obtained by document id; there is no shared mutable global.
type hubRegistry struct {
	ctx context.Context

	mu      sync.Mutex
	hubs    map[string]*docHub
	cancels map[string]context.CancelFunc
	bus     *presenceBus
}

func newHubRegistry(ctx context.Context) *hubRegistry {
	return &hubRegistry{
		ctx:     ctx,
		hubs:    make(map[string]*docHub),
		cancels: make(map[string]context.CancelFunc),
	}
}

// get returns the hub for docID, loading its snapshot and starting its
// actor on first use.
func (r *hubRegistry) get(docID string) (*docHub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hubs[docID]; ok {
		return h, nil
	}

	ctx, cancel := context.WithTimeout(r.ctx, persistBudget)
	content, version, err := database.LoadSnapshot(ctx, docID)
	cancel()
	if err != nil {
		return nil, err
	}

	h := newDocHub(docID, content, version, func(ctx context.Context, content string, version uint64) error {
		return database.SaveSnapshot(ctx, docID, content, version)
	})
	if r.bus == nil {
		r.bus = newPresenceBus()
	}
	h.bus = r.bus
	hctx, hcancel := context.WithCancel(r.ctx)
	r.bus.subscribe(hctx, docID, h.remoteDeltas)
	go h.run(hctx)
	r.hubs[docID] = h
	r.cancels[docID] = hcancel
	return h, nil
}

// drop stops and forgets a document's hub, e.g. after deletion.
func (r *hubRegistry) drop(docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[docID]; ok {
		cancel()
		delete(r.cancels, docID)
		delete(r.hubs, docID)
	}
}

// metricsFor exposes a document's derived rollup, read-only.
func (r *hubRegistry) metricsFor(docID string) (metrics.SessionMetrics, bool) {
	r.mu.Lock()
	h, ok := r.hubs[docID]
	r.mu.Unlock()
	if !ok {
		return metrics.SessionMetrics{}, false
	}
	return h.agg.Snapshot(), true
}
