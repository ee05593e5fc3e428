package transport

import (
	"github.com/ssau-fiit/cloudocs-sync/ot"
	"github.com/ssau-fiit/cloudocs-sync/presence"
)

// Message is the JSON envelope exchanged between editor clients and the
// document authority. Exactly one payload field is set, per Type.
type Message struct {
	Type     string          `json:"type"`
	Op       *ot.Operation   `json:"op,omitempty"`
	Presence *presence.Delta `json:"presence,omitempty"`
	Content  string          `json:"content,omitempty"`
	Version  uint64          `json:"version,omitempty"`
	Error    string          `json:"error,omitempty"`
}

const (
	// MessageInit carries the authoritative snapshot. Sent by the server
	// on connect and in reply to MessageSnapshot.
	MessageInit = "init"
	// MessageOp carries one operation: client submissions upstream,
	// authority-ordered broadcasts downstream.
	MessageOp = "op"
	// MessagePresence carries a presence delta in either direction.
	MessagePresence = "presence"
	// MessageSnapshot asks the server for a fresh MessageInit.
	MessageSnapshot = "snapshot"
	// MessageError reports a rejected submission.
	MessageError = "error"
)
