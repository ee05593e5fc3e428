package ot

// Transform derives the bottom two sides of the OT diamond: given two
// well-formed operations a and b defined over the same document version, it
// returns (a', b') where a' applies after b and b' applies after a, such
// that base+a+b' and base+b+a' converge to identical content.
//
// Concurrent inserts at the same position tie-break by author id: the
// lower id's text ends up first. The rule must be identical on every
// replica or content diverges.
//
// Transform is pure, deterministic and total over well-formed operations;
// zero-length operations always transform to themselves.
func Transform(a, b Operation) (Operation, Operation) {
	if a.IsNoop() || b.IsNoop() {
		return a, b
	}
	if a.Type == OpRetain || b.Type == OpRetain {
		// Retains never move other operations; they only track a window
		// over content that the other operation may shift.
		if a.Type == OpRetain {
			a = shiftWindow(a, b)
		}
		if b.Type == OpRetain {
			b = shiftWindow(b, a)
		}
		return a, b
	}

	switch {
	case a.Type == OpInsert && b.Type == OpInsert:
		if a.Position < b.Position || (a.Position == b.Position && a.Author <= b.Author) {
			b.Position += a.span()
			return a, b
		}
		a.Position += b.span()
		return a, b

	case a.Type == OpInsert && b.Type == OpDelete:
		return transformInsertDelete(a, b)

	case a.Type == OpDelete && b.Type == OpInsert:
		bp, ap := transformInsertDelete(b, a)
		return ap, bp

	default: // delete vs delete
		aEnd, bEnd := a.Position+a.Length, b.Position+b.Length
		switch {
		case aEnd <= b.Position:
			b.Position -= a.Length
			return a, b
		case bEnd <= a.Position:
			a.Position -= b.Length
			return a, b
		default:
			// Overlapping ranges: each side deletes only what the other
			// did not already remove. A fully consumed delete becomes a
			// zero-length retain.
			pos := minInt(a.Position, b.Position)
			overlap := minInt(aEnd, bEnd) - maxInt(a.Position, b.Position)
			return shrinkDelete(a, pos, a.Length-overlap), shrinkDelete(b, pos, b.Length-overlap)
		}
	}
}

// transformInsertDelete handles the insert/delete corner of the diamond.
// An insert landing strictly inside a concurrently deleted range collapses
// to a no-op and the delete grows to cover the inserted text.
func transformInsertDelete(ins, del Operation) (Operation, Operation) {
	insLen := ins.span()
	switch {
	case ins.Position <= del.Position:
		del.Position += insLen
		return ins, del
	case ins.Position >= del.Position+del.Length:
		ins.Position -= del.Length
		return ins, del
	default:
		del.Length += insLen
		return asNoop(ins, del.Position), del
	}
}

// shiftWindow adjusts a retain's window for content moved by another
// operation, without ever moving that operation in return.
func shiftWindow(w, against Operation) Operation {
	switch against.Type {
	case OpInsert:
		n := against.span()
		if against.Position <= w.Position {
			w.Position += n
		} else if against.Position < w.Position+w.Length {
			w.Length += n
		}
	case OpDelete:
		ds, de := against.Position, against.Position+against.Length
		ws, we := w.Position, w.Position+w.Length
		overlap := maxInt(0, minInt(we, de)-maxInt(ws, ds))
		w.Length -= overlap
		w.Position -= maxInt(0, minInt(ws, de)-ds)
	}
	return w
}

func shrinkDelete(op Operation, pos, length int) Operation {
	if length <= 0 {
		return asNoop(op, pos)
	}
	op.Position = pos
	op.Length = length
	return op
}

// asNoop collapses op to a zero-length retain, keeping authorship and
// version metadata so acknowledgement bookkeeping still matches.
func asNoop(op Operation, pos int) Operation {
	return Operation{
		Type:       OpRetain,
		Position:   pos,
		Author:     op.Author,
		LocalSeq:   op.LocalSeq,
		DocVersion: op.DocVersion,
	}
}

// TransformAgainst rebases op to apply after each of ops, in order. It is
// what an authority uses to rebase a client submission against the
// operations that landed since the client's base version.
func TransformAgainst(op Operation, ops []Operation) Operation {
	for _, h := range ops {
		op, _ = Transform(op, h)
	}
	return op
}
