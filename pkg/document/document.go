// Package document implements the in-memory document: its revision log and
// the operational transform used to reconcile concurrent edits.
package document

import (
	"github.com/shiv248/coedit/internal/protocol"
)

// Doc is one document's live state: its revision counter, content, and the
// per-revision operation log used to transform late-arriving edits.
type Doc struct {
	Rev          uint64
	Content      string
	Log          [][]protocol.Op
	SinceFlush   int
	PasswordHash *string
}

// TransformOps rewrites edit's operations so they apply cleanly against
// doc's current revision, transforming through every revision the edit's
// base_rev has not seen yet. If the edit is already current, its ops are
// returned unchanged.
func TransformOps(doc *Doc, edit protocol.Edit) []protocol.Op {
	ops := append([]protocol.Op(nil), edit.Ops...)
	if edit.BaseRev >= doc.Rev {
		return ops
	}
	from := edit.BaseRev
	to := doc.Rev
	for i := from; i < to; i++ {
		if int(i) < len(doc.Log) {
			ops = transformAgainst(ops, doc.Log[i])
		}
	}
	return ops
}

func transformAgainst(ops []protocol.Op, prev []protocol.Op) []protocol.Op {
	res := append([]protocol.Op(nil), ops...)
	for _, p := range prev {
		next := make([]protocol.Op, len(res))
		for i, o := range res {
			next[i] = transformOp(o, p)
		}
		res = next
	}
	return res
}

func transformOp(op protocol.Op, other protocol.Op) protocol.Op {
	switch op.Type {
	case protocol.OpInsert:
		switch other.Type {
		case protocol.OpInsert:
			if op.Pos > other.Pos {
				op.Pos += uint64(len([]rune(other.Text)))
			}
		case protocol.OpDelete:
			if op.Pos > other.Pos {
				op.Pos = saturatingSub(op.Pos, other.Len)
			}
		}
	case protocol.OpDelete:
		switch other.Type {
		case protocol.OpInsert:
			if op.Pos >= other.Pos {
				op.Pos += uint64(len([]rune(other.Text)))
			}
		case protocol.OpDelete:
			if op.Pos >= other.Pos {
				op.Pos = saturatingSub(op.Pos, other.Len)
			}
		}
	}
	return op
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// ApplyOps applies ops to doc in order, skipping any insert whose position
// lands past the current end of the content (a transform that could not
// fully resolve a conflicting delete).
func ApplyOps(doc *Doc, ops []protocol.Op) {
	for _, op := range ops {
		if op.Type == protocol.OpInsert && op.Pos > uint64(len([]rune(doc.Content))) {
			continue
		}
		applySingleOp(doc, op)
	}
}

func applySingleOp(doc *Doc, op protocol.Op) {
	runes := []rune(doc.Content)
	switch op.Type {
	case protocol.OpInsert:
		pos := op.Pos
		if pos > uint64(len(runes)) {
			pos = uint64(len(runes))
		}
		out := make([]rune, 0, len(runes)+len([]rune(op.Text)))
		out = append(out, runes[:pos]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, runes[pos:]...)
		doc.Content = string(out)
	case protocol.OpDelete:
		pos := op.Pos
		if pos > uint64(len(runes)) {
			pos = uint64(len(runes))
		}
		end := pos + op.Len
		if end > uint64(len(runes)) {
			end = uint64(len(runes))
		}
		out := make([]rune, 0, len(runes))
		out = append(out, runes[:pos]...)
		out = append(out, runes[end:]...)
		doc.Content = string(out)
	}
}
