package ot

import (
	"errors"
	"fmt"
)

// ErrInvalidRange is returned when an operation's bounds fall outside the
// content it targets. Out-of-range operations are rejected, never clamped.
var ErrInvalidRange = errors.New("operation range out of bounds")

const (
	OpInsert = "insert"
	OpDelete = "delete"
	OpRetain = "retain"
)

// Operation is the atomic edit unit. Insert carries Content and no Length;
// Delete and Retain carry Length and no Content. Operations are immutable
// once created: every function in this package returns new values.
type Operation struct {
	Type       string `json:"type"`
	Position   int    `json:"position"`
	Content    string `json:"content,omitempty"`
	Length     int    `json:"length,omitempty"`
	Author     string `json:"author"`
	LocalSeq   uint64 `json:"local_seq"`
	DocVersion uint64 `json:"doc_version"`
}

// Insert builds an insert operation.
func Insert(pos int, content string, author string) Operation {
	return Operation{Type: OpInsert, Position: pos, Content: content, Author: author}
}

// Delete builds a delete operation.
func Delete(pos, length int, author string) Operation {
	return Operation{Type: OpDelete, Position: pos, Length: length, Author: author}
}

// Retain builds a retain operation. A zero-length retain is the canonical
// no-op produced when a transform fully consumes an operation.
func Retain(pos, length int, author string) Operation {
	return Operation{Type: OpRetain, Position: pos, Length: length, Author: author}
}

// span is the number of codepoints the operation covers in the content it
// targets. Inserts span the text they add.
func (op Operation) span() int {
	if op.Type == OpInsert {
		return len([]rune(op.Content))
	}
	return op.Length
}

// IsNoop reports whether applying the operation cannot change content.
func (op Operation) IsNoop() bool {
	switch op.Type {
	case OpInsert:
		return op.Content == ""
	case OpDelete:
		return op.Length == 0
	default:
		return true
	}
}

// Validate checks the operation's shape and bounds against a document of
// docLen codepoints.
func Validate(op Operation, docLen int) error {
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidRange, op.Position)
	}
	switch op.Type {
	case OpInsert:
		if op.Length != 0 {
			return fmt.Errorf("%w: insert must not carry a length", ErrInvalidRange)
		}
		if op.Position > docLen {
			return fmt.Errorf("%w: insert at %d exceeds length %d", ErrInvalidRange, op.Position, docLen)
		}
	case OpDelete, OpRetain:
		if op.Content != "" {
			return fmt.Errorf("%w: %s must not carry content", ErrInvalidRange, op.Type)
		}
		if op.Length < 0 {
			return fmt.Errorf("%w: negative length %d", ErrInvalidRange, op.Length)
		}
		if op.Position+op.Length > docLen {
			return fmt.Errorf("%w: %s [%d,%d) exceeds length %d", ErrInvalidRange, op.Type, op.Position, op.Position+op.Length, docLen)
		}
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidRange, op.Type)
	}
	return nil
}

// Apply applies op to content and returns the new content. Positions are
// codepoint offsets, so multi-byte text is handled correctly. Apply is
// atomic: it validates fully before producing any result.
func Apply(op Operation, content string) (string, error) {
	runes := []rune(content)
	if err := Validate(op, len(runes)); err != nil {
		return "", err
	}
	switch op.Type {
	case OpInsert:
		out := make([]rune, 0, len(runes)+len([]rune(op.Content)))
		out = append(out, runes[:op.Position]...)
		out = append(out, []rune(op.Content)...)
		out = append(out, runes[op.Position:]...)
		return string(out), nil
	case OpDelete:
		out := make([]rune, 0, len(runes)-op.Length)
		out = append(out, runes[:op.Position]...)
		out = append(out, runes[op.Position+op.Length:]...)
		return string(out), nil
	default:
		// Retain leaves content untouched.
		return content, nil
	}
}

// Compose merges two sequential operations from the same author into an
// equivalent shorter list when they are adjacent. It is used to keep the
// pending buffer compact before retransmission. The merged operation keeps
// a's base version and b's local sequence number so acknowledgement
// bookkeeping still lines up.
func Compose(a, b Operation) []Operation {
	if a.IsNoop() {
		if b.IsNoop() {
			return nil
		}
		return []Operation{b}
	}
	if b.IsNoop() {
		return []Operation{a}
	}
	if a.Author != b.Author {
		return []Operation{a, b}
	}

	switch {
	case a.Type == OpInsert && b.Type == OpInsert:
		// b inserts inside or immediately after a's inserted text.
		aLen := len([]rune(a.Content))
		if b.Position >= a.Position && b.Position <= a.Position+aLen {
			off := b.Position - a.Position
			ar := []rune(a.Content)
			merged := string(ar[:off]) + b.Content + string(ar[off:])
			m := a
			m.Content = merged
			m.LocalSeq = b.LocalSeq
			return []Operation{m}
		}
	case a.Type == OpDelete && b.Type == OpDelete:
		// Forward delete at the same position, or a backspace run.
		if b.Position == a.Position || b.Position+b.Length == a.Position {
			m := a
			m.Position = minInt(a.Position, b.Position)
			m.Length = a.Length + b.Length
			m.LocalSeq = b.LocalSeq
			return []Operation{m}
		}
	}
	return []Operation{a, b}
}

// ComposeAll folds Compose over a sequence of operations.
func ComposeAll(ops []Operation) []Operation {
	var out []Operation
	for _, op := range ops {
		if len(out) == 0 {
			if !op.IsNoop() {
				out = append(out, op)
			}
			continue
		}
		last := out[len(out)-1]
		out = append(out[:len(out)-1], Compose(last, op)...)
	}
	return out
}

// Invert produces the operation that undoes op against the content it was
// applied to. Deletes are inverted by reading the removed text back out of
// that content, so the caller must pass the pre-apply state.
func Invert(op Operation, content string) (Operation, error) {
	runes := []rune(content)
	if err := Validate(op, len(runes)); err != nil {
		return Operation{}, err
	}
	inv := op
	switch op.Type {
	case OpInsert:
		inv.Type = OpDelete
		inv.Content = ""
		inv.Length = len([]rune(op.Content))
	case OpDelete:
		inv.Type = OpInsert
		inv.Length = 0
		inv.Content = string(runes[op.Position : op.Position+op.Length])
	}
	return inv, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
