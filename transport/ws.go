// Package transport implements the session's abstract message channel over
// a gorilla websocket connection to the document server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ssau-fiit/cloudocs-sync/metrics"
	"github.com/ssau-fiit/cloudocs-sync/ot"
	"github.com/ssau-fiit/cloudocs-sync/presence"
	"github.com/ssau-fiit/cloudocs-sync/session"
)

const inboundBuffer = 64

// WS is a websocket transport for one document connection. It satisfies
// both session.Transport and session.SnapshotSource: the server pushes the
// authoritative snapshot as the first frame of every connection.
type WS struct {
	urlFor func(docID string) string
	dialer *websocket.Dialer
	agg    *metrics.Aggregator

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	snap      *snapshot
	snapFresh bool
}

type snapshot struct {
	content string
	version uint64
}

// NewWS builds a transport that dials urlFor(docID) per subscription.
// agg may be nil; when set, frame sizes feed its byte counters.
func NewWS(urlFor func(docID string) string, agg *metrics.Aggregator) *WS {
	return &WS{urlFor: urlFor, dialer: websocket.DefaultDialer, agg: agg}
}

// Subscribe dials the document endpoint and returns the ordered inbound
// stream. Any previous connection is torn down first. The channel closes
// when the connection fails, which the session treats as TransportFailure.
func (w *WS) Subscribe(ctx context.Context, docID string) (<-chan session.Inbound, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.urlFor(docID), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", w.urlFor(docID), err)
	}
	snap, err := readInit(conn, w.agg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
	}
	w.conn = conn
	w.snap = snap
	w.snapFresh = true
	w.mu.Unlock()

	ch := make(chan session.Inbound, inboundBuffer)
	go w.readPump(conn, ch)
	return ch, nil
}

// LoadSnapshot returns the authoritative (content, version) pair. The init
// frame cached by Subscribe is consumed once; later calls (resync without a
// reconnect) dial a short-lived connection for a genuinely fresh snapshot.
func (w *WS) LoadSnapshot(ctx context.Context, docID string) (string, uint64, error) {
	w.mu.Lock()
	if w.snap != nil && w.snapFresh {
		s := *w.snap
		w.snapFresh = false
		w.mu.Unlock()
		return s.content, s.version, nil
	}
	w.mu.Unlock()

	conn, _, err := w.dialer.DialContext(ctx, w.urlFor(docID), nil)
	if err != nil {
		return "", 0, fmt.Errorf("dial %s: %w", w.urlFor(docID), err)
	}
	defer conn.Close()
	snap, err := readInit(conn, w.agg)
	if err != nil {
		return "", 0, err
	}
	return snap.content, snap.version, nil
}

// Send submits one operation upstream.
func (w *WS) Send(ctx context.Context, docID string, op ot.Operation) error {
	o := op
	return w.write(Message{Type: MessageOp, Op: &o})
}

// SendPresence submits one presence delta upstream. Lossy by contract.
func (w *WS) SendPresence(ctx context.Context, docID string, d presence.Delta) error {
	p := d
	return w.write(Message{Type: MessagePresence, Presence: &p})
}

// Close tears down the current connection, if any.
func (w *WS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

func (w *WS) write(m Message) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if w.agg != nil {
		w.agg.AddBytes(0, len(data))
	}
	return nil
}

func (w *WS) readPump(conn *websocket.Conn, ch chan<- session.Inbound) {
	defer close(ch)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("websocket read ended")
			return
		}
		if w.agg != nil {
			w.agg.AddBytes(len(data), 0)
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		switch m.Type {
		case MessageOp:
			if m.Op != nil {
				ch <- session.Inbound{Op: m.Op}
			}
		case MessagePresence:
			if m.Presence != nil {
				ch <- session.Inbound{Presence: m.Presence}
			}
		case MessageInit:
			w.mu.Lock()
			w.snap = &snapshot{content: m.Content, version: m.Version}
			w.mu.Unlock()
		case MessageError:
			log.Warn().Str("reason", m.Error).Msg("server rejected a frame")
			ch <- session.Inbound{Err: fmt.Errorf("%w: %s", session.ErrRejected, m.Error)}
		}
	}
}

func readInit(conn *websocket.Conn, agg *metrics.Aggregator) (*snapshot, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read init: %w", err)
	}
	if agg != nil {
		agg.AddBytes(len(data), 0)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode init: %w", err)
	}
	if m.Type != MessageInit {
		return nil, fmt.Errorf("expected init frame, got %q", m.Type)
	}
	return &snapshot{content: m.Content, version: m.Version}, nil
}
