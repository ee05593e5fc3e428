package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssau-fiit/cloudocs-sync/document"
	"github.com/ssau-fiit/cloudocs-sync/metrics"
	"github.com/ssau-fiit/cloudocs-sync/ot"
	"github.com/ssau-fiit/cloudocs-sync/presence"
	"github.com/ssau-fiit/cloudocs-sync/session"
)

// fakeTransport is an in-memory Transport and SnapshotSource. Closing the
// current stream simulates a transport failure.
type fakeTransport struct {
	mu          sync.Mutex
	subs        []chan session.Inbound
	sent        []ot.Operation
	deltas      []presence.Delta
	snapContent string
	snapVersion uint64
	subFailures int
	preload     []session.Inbound
}

func (f *fakeTransport) Subscribe(ctx context.Context, docID string) (<-chan session.Inbound, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subFailures > 0 {
		f.subFailures--
		return nil, errors.New("connection refused")
	}
	ch := make(chan session.Inbound, 16)
	for _, in := range f.preload {
		ch <- in
	}
	f.subs = append(f.subs, ch)
	return ch, nil
}

func (f *fakeTransport) Send(ctx context.Context, docID string, op ot.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, op)
	return nil
}

func (f *fakeTransport) SendPresence(ctx context.Context, docID string, d presence.Delta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, d)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) LoadSnapshot(ctx context.Context, docID string) (string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapContent, f.snapVersion, nil
}

func (f *fakeTransport) setSnapshot(content string, version uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapContent = content
	f.snapVersion = version
}

func (f *fakeTransport) push(in session.Inbound) {
	f.mu.Lock()
	ch := f.subs[len(f.subs)-1]
	f.mu.Unlock()
	ch <- in
}

func (f *fakeTransport) dropStream() {
	f.mu.Lock()
	ch := f.subs[len(f.subs)-1]
	f.mu.Unlock()
	close(ch)
}

func (f *fakeTransport) sentOps() []ot.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ot.Operation, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) sentDeltas() []presence.Delta {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]presence.Delta, len(f.deltas))
	copy(out, f.deltas)
	return out
}

var alice = presence.User{ID: "userA", DisplayName: "Alice", Color: "#00ff00"}

func fastConfig() session.Config {
	return session.Config{
		Backoff: session.BackoffConfig{Base: time.Millisecond, Max: 10 * time.Millisecond, MaxAttempts: 5},
	}
}

func joined(t *testing.T, content string, version uint64) (*session.Session, *fakeTransport) {
	t.Helper()
	f := &fakeTransport{snapContent: content, snapVersion: version}
	s := session.New("doc-1", alice, f, f, fastConfig())
	_, err := s.Join(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Leave(context.Background()) })
	return s, f
}

func nextEvent(t *testing.T, s *session.Session) session.Event {
	t.Helper()
	select {
	case e, ok := <-s.Events():
		require.True(t, ok, "event stream closed")
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for an event")
		return session.Event{}
	}
}

func waitEvent(t *testing.T, s *session.Session, kind session.EventKind) session.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-s.Events():
			require.True(t, ok, "event stream closed while waiting for %s", kind)
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestJoinEmitsConnectedThenLoaded(t *testing.T) {
	s, _ := joined(t, "hello", 3)

	e := nextEvent(t, s)
	assert.Equal(t, session.EventConnected, e.Kind)

	e = nextEvent(t, s)
	require.Equal(t, session.EventDocumentLoaded, e.Kind)
	require.NotNil(t, e.Snapshot)
	assert.Equal(t, "hello", e.Snapshot.Content)
	assert.Equal(t, uint64(3), e.Snapshot.Version)
	assert.Equal(t, document.Synced, e.Snapshot.State)
}

// A frame that was already sitting in the subscription when Join returned
// must not surface ahead of the lifecycle events.
func TestJoinEventsPrecedeBufferedInbound(t *testing.T) {
	op := ot.Insert(0, "X", "userB")
	op.DocVersion = 3
	f := &fakeTransport{
		snapContent: "hello",
		snapVersion: 3,
		preload:     []session.Inbound{{Op: &op}},
	}
	s := session.New("doc-1", alice, f, f, fastConfig())
	_, err := s.Join(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Leave(context.Background()) })

	e := nextEvent(t, s)
	assert.Equal(t, session.EventConnected, e.Kind)

	e = nextEvent(t, s)
	require.Equal(t, session.EventDocumentLoaded, e.Kind)
	assert.Equal(t, "hello", e.Snapshot.Content)

	e = nextEvent(t, s)
	require.Equal(t, session.EventDocumentUpdated, e.Kind)
	assert.Equal(t, "Xhello", e.Content)
}

func TestApplyEditOptimisticallyAndTransmits(t *testing.T) {
	s, f := joined(t, "hello", 3)

	v, err := s.ApplyEdit(context.Background(), ot.Operation{Type: ot.OpInsert, Position: 5, Content: "!"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)

	e := waitEvent(t, s, session.EventDocumentUpdated)
	assert.Equal(t, "hello!", e.Content)
	assert.Equal(t, uint64(4), e.Version)

	require.Eventually(t, func() bool { return len(f.sentOps()) == 1 }, time.Second, 5*time.Millisecond)
	op := f.sentOps()[0]
	assert.Equal(t, "userA", op.Author)
	assert.Equal(t, uint64(3), op.DocVersion, "submission is parented off the acked version")
	assert.Equal(t, uint64(1), op.LocalSeq)
}

func TestApplyEditInvalidRange(t *testing.T) {
	s, f := joined(t, "hi", 1)

	_, err := s.ApplyEdit(context.Background(), ot.Operation{Type: ot.OpDelete, Position: 1, Length: 5})
	assert.ErrorIs(t, err, ot.ErrInvalidRange)
	assert.Empty(t, f.sentOps())
}

func TestRemoteOperationUpdatesDocument(t *testing.T) {
	s, f := joined(t, "hello", 3)

	op := ot.Insert(0, "X", "userB")
	op.DocVersion = 3
	f.push(session.Inbound{Op: &op})

	e := waitEvent(t, s, session.EventDocumentUpdated)
	assert.Equal(t, "Xhello", e.Content)
	assert.Equal(t, uint64(4), e.Version)
}

func TestSingleOperationInFlight(t *testing.T) {
	s, f := joined(t, "hello", 3)

	_, err := s.ApplyEdit(context.Background(), ot.Operation{Type: ot.OpInsert, Position: 5, Content: "!"})
	require.NoError(t, err)
	_, err = s.ApplyEdit(context.Background(), ot.Operation{Type: ot.OpInsert, Position: 6, Content: "?"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.sentOps()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, f.sentOps(), 1, "second op must wait for the first ack")

	// The authority acks the first op; the queued one goes out rebased on
	// the advanced watermark.
	ack := f.sentOps()[0]
	f.push(session.Inbound{Op: &ack})

	require.Eventually(t, func() bool { return len(f.sentOps()) == 2 }, time.Second, 5*time.Millisecond)
	second := f.sentOps()[1]
	assert.Equal(t, uint64(4), second.DocVersion)
	assert.Equal(t, uint64(2), second.LocalSeq)
}

// The authority may order a concurrent op ahead of ours, so our own ack can
// arrive one version early and sit in the ordering buffer. The send window
// must not advance until the ack actually lands.
func TestBufferedAckKeepsSingleInflight(t *testing.T) {
	s, f := joined(t, "ab", 1)

	_, err := s.ApplyEdit(context.Background(), ot.Operation{Type: ot.OpInsert, Position: 0, Content: "X"})
	require.NoError(t, err)
	_, err = s.ApplyEdit(context.Background(), ot.Operation{Type: ot.OpInsert, Position: 1, Content: "Y"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.sentOps()) == 1 }, time.Second, 5*time.Millisecond)

	ack := f.sentOps()[0]
	ack.DocVersion = 2 // one ahead: a concurrent op was ordered first
	f.push(session.Inbound{Op: &ack})

	time.Sleep(20 * time.Millisecond)
	require.Len(t, f.sentOps(), 1, "a buffered ack must not release the next op")

	// The missing op arrives, the buffered ack drains behind it and the
	// queued edit finally goes out on the advanced watermark.
	other := ot.Insert(0, "B", "userB")
	other.DocVersion = 1
	f.push(session.Inbound{Op: &other})

	require.Eventually(t, func() bool { return len(f.sentOps()) == 2 }, time.Second, 5*time.Millisecond)
	second := f.sentOps()[1]
	assert.Equal(t, uint64(2), second.LocalSeq)
	assert.Equal(t, uint64(3), second.DocVersion)

	e := waitEvent(t, s, session.EventDocumentUpdated)
	e = waitEvent(t, s, session.EventDocumentUpdated)
	e = waitEvent(t, s, session.EventDocumentUpdated)
	assert.Equal(t, "XYBab", e.Content)
}

func TestRemotePresenceEvents(t *testing.T) {
	s, f := joined(t, "hello", 3)

	f.push(session.Inbound{Presence: &presence.Delta{
		UserID:      "userB",
		DisplayName: "Bob",
		Status:      presence.StatusActive,
		Timestamp:   time.Now(),
	}})
	e := waitEvent(t, s, session.EventUserJoined)
	require.NotNil(t, e.User)
	assert.Equal(t, "Bob", e.User.DisplayName)

	f.push(session.Inbound{Presence: &presence.Delta{
		UserID:    "userB",
		Cursor:    &presence.Position{Index: 2},
		Status:    presence.StatusActive,
		Timestamp: time.Now(),
	}})
	e = waitEvent(t, s, session.EventRemoteCursor)
	assert.Equal(t, "userB", e.UserID)
	assert.Equal(t, 2, e.Cursor.Index)

	f.push(session.Inbound{Presence: &presence.Delta{
		UserID:    "userB",
		Status:    presence.StatusOffline,
		Timestamp: time.Now(),
	}})
	e = waitEvent(t, s, session.EventUserLeft)
	assert.Equal(t, "userB", e.UserID)
}

func TestOwnPresenceEchoIgnored(t *testing.T) {
	s, f := joined(t, "hello", 3)

	f.push(session.Inbound{Presence: &presence.Delta{
		UserID:    "userA",
		Cursor:    &presence.Position{Index: 1},
		Timestamp: time.Now(),
	}})
	op := ot.Insert(0, "X", "userB")
	op.DocVersion = 3
	f.push(session.Inbound{Op: &op})

	// Only the document update surfaces; the echoed own delta is dropped.
	e := waitEvent(t, s, session.EventDocumentUpdated)
	assert.Equal(t, "Xhello", e.Content)
}

func TestUpdateCursorBroadcastsDelta(t *testing.T) {
	s, f := joined(t, "hello", 3)

	require.NoError(t, s.UpdateCursor(context.Background(), presence.Position{Index: 2}))
	require.Eventually(t, func() bool {
		for _, d := range f.sentDeltas() {
			if d.Cursor != nil && d.Cursor.Index == 2 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.UpdateSelection(context.Background(), presence.Range{Start: 0, End: 4}))
	require.Eventually(t, func() bool {
		for _, d := range f.sentDeltas() {
			if d.Selection != nil && d.Selection.End == 4 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

// Reconnect after a transport failure with pending operations that no
// longer apply to the fresh snapshot: each one surfaces as a conflict
// event, none is applied or dropped silently.
func TestReconnectSurfacesConflicts(t *testing.T) {
	s, f := joined(t, "abcdef", 5)

	for _, pos := range []int{5, 3, 1} {
		_, err := s.ApplyEdit(context.Background(), ot.Operation{Type: ot.OpDelete, Position: pos, Length: 1})
		require.NoError(t, err)
	}

	// The authority moved on while we were gone.
	f.setSnapshot("x", 50)
	f.dropStream()

	waitEvent(t, s, session.EventDisconnected)
	waitEvent(t, s, session.EventConnected)
	e := waitEvent(t, s, session.EventDocumentLoaded)
	assert.Equal(t, "x", e.Snapshot.Content)
	assert.Equal(t, uint64(50), e.Snapshot.Version)

	for i := 0; i < 3; i++ {
		e = waitEvent(t, s, session.EventConflict)
		require.NotNil(t, e.Conflict)
		assert.NotEmpty(t, e.Conflict.ID)
		assert.Equal(t, session.ResolutionPending, e.Conflict.Resolution)
		assert.Len(t, e.Conflict.Operations, 1)
	}

	snap, err := s.Document(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", snap.Content, "conflicting edits must not corrupt the fresh snapshot")
	assert.Zero(t, snap.PendingCount)
}

func TestReconnectResubmitsApplicableOps(t *testing.T) {
	s, f := joined(t, "hello", 3)

	_, err := s.ApplyEdit(context.Background(), ot.Operation{Type: ot.OpInsert, Position: 0, Content: "Z"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.sentOps()) == 1 }, time.Second, 5*time.Millisecond)

	f.setSnapshot("world", 20)
	f.subFailures = 2 // first retries fail, backoff keeps going
	f.dropStream()

	waitEvent(t, s, session.EventDisconnected)
	waitEvent(t, s, session.EventConnected)

	e := waitEvent(t, s, session.EventDocumentUpdated)
	assert.Equal(t, "Zworld", e.Content)

	require.Eventually(t, func() bool { return len(f.sentOps()) == 2 }, time.Second, 5*time.Millisecond)
	resent := f.sentOps()[1]
	assert.Equal(t, uint64(20), resent.DocVersion, "resubmission is rebased onto the fresh snapshot")
}

// A rejection frame from the authority means the in-flight op is gone on
// the server side: the session surfaces the error and re-bases everything
// on a fresh snapshot instead of waiting for an ack that will never come.
func TestServerRejectionForcesResync(t *testing.T) {
	s, f := joined(t, "hello", 3)

	_, err := s.ApplyEdit(context.Background(), ot.Operation{Type: ot.OpInsert, Position: 5, Content: "!"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.sentOps()) == 1 }, time.Second, 5*time.Millisecond)

	f.setSnapshot("hello world", 9)
	f.push(session.Inbound{Err: fmt.Errorf("%w: base version outside window", session.ErrRejected)})

	e := waitEvent(t, s, session.EventError)
	assert.ErrorIs(t, e.Err, session.ErrRejected)

	e = nextEvent(t, s)
	require.Equal(t, session.EventDocumentLoaded, e.Kind)
	assert.Equal(t, uint64(9), e.Snapshot.Version)

	e = nextEvent(t, s)
	require.Equal(t, session.EventDocumentUpdated, e.Kind)
	assert.Equal(t, "hello! world", e.Content, "the pending edit is carried onto the fresh snapshot")

	require.Eventually(t, func() bool { return len(f.sentOps()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(9), f.sentOps()[1].DocVersion)
}

func TestExplicitReconnectRefreshesSnapshot(t *testing.T) {
	s, f := joined(t, "hello", 3)

	f.setSnapshot("elsewhere", 12)
	require.NoError(t, s.Reconnect(context.Background()))

	waitEvent(t, s, session.EventDisconnected)
	waitEvent(t, s, session.EventConnected)
	e := waitEvent(t, s, session.EventDocumentLoaded)
	assert.Equal(t, "elsewhere", e.Snapshot.Content)
	assert.Equal(t, uint64(12), e.Snapshot.Version)
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	f := &fakeTransport{snapContent: "hi", snapVersion: 1}
	cfg := fastConfig()
	cfg.Backoff.MaxAttempts = 2
	s := session.New("doc-1", alice, f, f, cfg)
	_, err := s.Join(context.Background())
	require.NoError(t, err)

	f.mu.Lock()
	f.subFailures = 100
	f.mu.Unlock()
	f.dropStream()

	waitEvent(t, s, session.EventDisconnected)
	e := waitEvent(t, s, session.EventError)
	assert.ErrorIs(t, e.Err, session.ErrTransportFailure)

	// The stream ends once the session gives up.
	_, ok := <-s.Events()
	for ok {
		_, ok = <-s.Events()
	}
	_, err = s.ApplyEdit(context.Background(), ot.Operation{Type: ot.OpInsert, Position: 0, Content: "x"})
	assert.Error(t, err)
}

// The leave flush goes out strictly in base-version order: the authority
// rejects any submission parented ahead of its own version, so a later op
// overtaking an earlier one would lose the tail of the flush.
func TestLeaveFlushesPendingInOrder(t *testing.T) {
	f := &fakeTransport{snapContent: "abcdefghij", snapVersion: 5}
	s := session.New("doc-1", alice, f, f, fastConfig())
	_, err := s.Join(context.Background())
	require.NoError(t, err)

	// Non-adjacent deletes never compose, so each stays a separate op.
	for _, pos := range []int{8, 6, 4, 2} {
		_, err := s.ApplyEdit(context.Background(), ot.Operation{Type: ot.OpDelete, Position: pos, Length: 1})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(f.sentOps()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Leave(context.Background()))

	ops := f.sentOps()
	require.Len(t, ops, 4)
	for i, op := range ops {
		assert.Equal(t, uint64(5+i), op.DocVersion, "flush must progress one base version at a time")
	}
	assert.Equal(t, []int{8, 6, 4, 2}, []int{ops[0].Position, ops[1].Position, ops[2].Position, ops[3].Position})
}

func TestLeaveClosesEventStream(t *testing.T) {
	f := &fakeTransport{snapContent: "hi", snapVersion: 1}
	s := session.New("doc-1", alice, f, f, fastConfig())
	_, err := s.Join(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Leave(context.Background()))

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event stream never closed")
		}
	}
}

func TestMetricsAccessor(t *testing.T) {
	s, _ := joined(t, "hello", 3)
	_, err := s.ApplyEdit(context.Background(), ot.Operation{Type: ot.OpInsert, Position: 0, Content: "a"})
	require.NoError(t, err)

	// The accessor is non-blocking and read-only; the zero rollup is fine
	// before the first tick.
	m := s.Metrics()
	assert.GreaterOrEqual(t, m.ActiveUsers, 0)
}

// A transport that shares the session's aggregator gets its byte counters
// into the same rollup the session exposes.
func TestSharedAggregatorReportsTransportBytes(t *testing.T) {
	f := &fakeTransport{snapContent: "hi", snapVersion: 1}
	agg := metrics.NewAggregator("doc-1", time.Hour)
	cfg := fastConfig()
	cfg.Metrics = agg
	s := session.New("doc-1", alice, f, f, cfg)
	_, err := s.Join(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Leave(context.Background()) })

	agg.AddBytes(10, 5)
	agg.Tick(time.Now())
	assert.Equal(t, uint64(15), s.Metrics().BytesTransferred)
}

func TestBackoffSchedule(t *testing.T) {
	c := session.DefaultBackoff
	assert.Equal(t, time.Second, c.Delay(1))
	assert.Equal(t, 2*time.Second, c.Delay(2))
	assert.Equal(t, 16*time.Second, c.Delay(5))
	assert.Equal(t, 30*time.Second, c.Delay(6))
	assert.Equal(t, 30*time.Second, c.Delay(20))
	assert.Equal(t, time.Second, c.Delay(0))
}
