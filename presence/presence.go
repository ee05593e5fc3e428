// Package presence tracks ephemeral per-user collaboration state: cursors,
// selections and liveness. Presence is advisory UI state; it never affects
// document content correctness, so deltas are last-write-wins and may be
// dropped or reordered by the transport.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Status classifies a collaborator's liveness.
type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// User is the identity triple supplied by the external identity provider.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}

// Position is a cursor location in codepoints.
type Position struct {
	Index int `json:"index"`
}

// Range is a selection span in codepoints.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Collaborator is the tracked presence entry for one user.
type Collaborator struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Color       string    `json:"color"`
	Cursor      *Position `json:"cursor,omitempty"`
	Selection   *Range    `json:"selection,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
	Status      Status    `json:"status"`

	// Last-write-wins is resolved per field, so each field remembers the
	// timestamp of the delta that last set it.
	identitySeen  time.Time
	cursorSeen    time.Time
	selectionSeen time.Time
	statusSeen    time.Time
}

// Delta is a presence update fanned out to peers. Fields are merged
// last-write-wins by Timestamp; nil fields leave the target field alone.
type Delta struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Color       string    `json:"color,omitempty"`
	Cursor      *Position `json:"cursor,omitempty"`
	Selection   *Range    `json:"selection,omitempty"`
	Status      Status    `json:"status,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Tracker owns the presence map for one document. It is the only component
// that mutates it; everyone else reads copies via Snapshot.
type Tracker struct {
	mu      sync.RWMutex
	timeout time.Duration
	users   map[string]*Collaborator
	now     func() time.Time
}

// DefaultTimeout is how long a collaborator may stay silent before the
// liveness sweep reclassifies them Offline.
const DefaultTimeout = 30 * time.Second

// NewTracker creates a tracker with the given liveness timeout; zero means
// DefaultTimeout.
func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		timeout: timeout,
		users:   make(map[string]*Collaborator),
		now:     time.Now,
	}
}

// Join registers a user as an active collaborator and returns the delta to
// announce them with.
func (t *Tracker) Join(u User) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.users[u.ID] = &Collaborator{
		UserID:       u.ID,
		DisplayName:  u.DisplayName,
		Color:        u.Color,
		LastSeen:     now,
		Status:       StatusActive,
		identitySeen: now,
		statusSeen:   now,
	}
	return Delta{UserID: u.ID, DisplayName: u.DisplayName, Color: u.Color, Status: StatusActive, Timestamp: now}
}

// Leave removes a collaborator entirely.
func (t *Tracker) Leave(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.users, userID)
}

// UpdateCursor moves a collaborator's cursor and returns the delta to
// broadcast. Unknown users are created implicitly; presence must work even
// when join announcements were dropped in transit.
func (t *Tracker) UpdateCursor(userID string, pos Position) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.ensure(userID)
	now := t.now()
	p := pos
	c.Cursor = &p
	c.cursorSeen = now
	c.statusSeen = now
	c.LastSeen = now
	c.Status = StatusActive
	return Delta{UserID: userID, Cursor: &p, Status: StatusActive, Timestamp: now}
}

// UpdateSelection records a collaborator's selection and returns the delta
// to broadcast.
func (t *Tracker) UpdateSelection(userID string, r Range) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.ensure(userID)
	now := t.now()
	sel := r
	c.Selection = &sel
	c.selectionSeen = now
	c.statusSeen = now
	c.LastSeen = now
	c.Status = StatusActive
	return Delta{UserID: userID, Selection: &sel, Status: StatusActive, Timestamp: now}
}

// ApplyDelta merges a remote presence delta, last-write-wins per field: a
// delta field applies when it is at least as new as the last delta that set
// that same field, regardless of what other fields have seen since. It
// reports whether anything changed; a delta whose every carried field is
// stale is discarded.
func (t *Tracker) ApplyDelta(d Delta) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.ensure(d.UserID)
	changed := false
	if (d.DisplayName != "" || d.Color != "") && !d.Timestamp.Before(c.identitySeen) {
		if d.DisplayName != "" {
			c.DisplayName = d.DisplayName
		}
		if d.Color != "" {
			c.Color = d.Color
		}
		c.identitySeen = d.Timestamp
		changed = true
	}
	if d.Cursor != nil && !d.Timestamp.Before(c.cursorSeen) {
		p := *d.Cursor
		c.Cursor = &p
		c.cursorSeen = d.Timestamp
		changed = true
	}
	if d.Selection != nil && !d.Timestamp.Before(c.selectionSeen) {
		sel := *d.Selection
		c.Selection = &sel
		c.selectionSeen = d.Timestamp
		changed = true
	}
	if d.Status != "" && !d.Timestamp.Before(c.statusSeen) {
		c.Status = d.Status
		c.statusSeen = d.Timestamp
		changed = true
	}
	if changed && d.Timestamp.After(c.LastSeen) {
		c.LastSeen = d.Timestamp
	}
	return changed
}

// Sweep reclassifies collaborators unheard from for longer than the
// liveness timeout as Offline and returns their ids. Offline entries are
// kept so late deltas can revive them.
func (t *Tracker) Sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var gone []string
	for id, c := range t.users {
		if c.Status != StatusOffline && now.Sub(c.LastSeen) > t.timeout {
			c.Status = StatusOffline
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	return gone
}

// ActiveCount returns the number of collaborators currently Active.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, c := range t.users {
		if c.Status == StatusActive {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all presence entries, sorted by user id.
func (t *Tracker) Snapshot() []Collaborator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Collaborator, 0, len(t.users))
	for _, c := range t.users {
		cp := *c
		if c.Cursor != nil {
			p := *c.Cursor
			cp.Cursor = &p
		}
		if c.Selection != nil {
			sel := *c.Selection
			cp.Selection = &sel
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ensure must be called with the lock held.
func (t *Tracker) ensure(userID string) *Collaborator {
	c, ok := t.users[userID]
	if !ok {
		c = &Collaborator{UserID: userID, Status: StatusActive, LastSeen: t.now()}
		t.users[userID] = c
	}
	return c
}
