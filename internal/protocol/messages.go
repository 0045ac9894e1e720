// Package protocol defines the WebSocket message protocol between client and
// server: the document edit/transform payloads, presence payloads, the WAL
// entry envelope, and the tagged client/server message unions.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// OpType discriminates the two operation kinds carried in an Edit.
type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
)

// Op is a single insert or delete, indexed in Unicode code points. Only the
// fields relevant to Type are meaningful; the others are left zero.
type Op struct {
	Type OpType `json:"type"`
	Pos  uint64 `json:"pos"`
	Text string `json:"text,omitempty"`
	Len  uint64 `json:"len,omitempty"`
}

// NewInsertOp builds an insert operation at pos.
func NewInsertOp(pos uint64, text string) Op {
	return Op{Type: OpInsert, Pos: pos, Text: text}
}

// NewDeleteOp builds a delete operation removing length code points at pos.
func NewDeleteOp(pos, length uint64) Op {
	return Op{Type: OpDelete, Pos: pos, Len: length}
}

// SelectionDirection records which end of a selection the caret sits at.
type SelectionDirection string

const (
	SelectionForward  SelectionDirection = "forward"
	SelectionBackward SelectionDirection = "backward"
)

// CursorState is a client's caret/selection position, in code points.
type CursorState struct {
	Position           uint64              `json:"position"`
	Anchor             *uint64             `json:"anchor,omitempty"`
	SelectionDirection *SelectionDirection `json:"selection_direction,omitempty"`
}

// TextRange is a half-open [Start, End) code-point range.
type TextRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Edit is a client-submitted or WAL-recorded batch of operations against a
// known base revision. ClientID and OpID serialize as explicit null when
// absent, matching the wire shape clients already depend on.
type Edit struct {
	BaseRev      uint64       `json:"base_rev"`
	Ops          []Op         `json:"ops"`
	ClientID     *uuid.UUID   `json:"client_id"`
	OpID         *uuid.UUID   `json:"op_id"`
	CursorBefore *CursorState `json:"cursor_before,omitempty"`
	CursorAfter  *CursorState `json:"cursor_after,omitempty"`
	Ts           *uint64      `json:"ts,omitempty"`
}

// ImePhase discriminates an ImeEvent's stage.
type ImePhase string

const (
	ImeStart  ImePhase = "start"
	ImeUpdate ImePhase = "update"
	ImeCommit ImePhase = "commit"
	ImeCancel ImePhase = "cancel"
)

// ImeEvent is a single IME composition update, keyed by Phase. Start and
// Cancel only use Range; Update uses Range+Text; Commit uses ReplaceRange+Text.
type ImeEvent struct {
	Phase        ImePhase   `json:"phase"`
	Range        *TextRange `json:"range,omitempty"`
	ReplaceRange *TextRange `json:"replace_range,omitempty"`
	Text         *string    `json:"text,omitempty"`
}

// NewImeStart builds a composition-start event.
func NewImeStart(r TextRange) ImeEvent { return ImeEvent{Phase: ImeStart, Range: &r} }

// NewImeUpdate builds a composition-update event.
func NewImeUpdate(r TextRange, text string) ImeEvent {
	return ImeEvent{Phase: ImeUpdate, Range: &r, Text: &text}
}

// NewImeCommit builds a composition-commit event.
func NewImeCommit(replaceRange TextRange, text string) ImeEvent {
	return ImeEvent{Phase: ImeCommit, ReplaceRange: &replaceRange, Text: &text}
}

// NewImeCancel builds a composition-cancel event.
func NewImeCancel(r TextRange) ImeEvent { return ImeEvent{Phase: ImeCancel, Range: &r} }

// ImeSnapshot is the condensed IME state held in a PresenceState entry.
type ImeSnapshot struct {
	Phase string     `json:"phase"`
	Range *TextRange `json:"range,omitempty"`
	Text  *string    `json:"text,omitempty"`
}

// PresenceState is one client's presence entry as broadcast to peers.
type PresenceState struct {
	ClientID uuid.UUID    `json:"client_id"`
	Label    *string      `json:"label,omitempty"`
	Color    *string      `json:"color,omitempty"`
	Cursor   *CursorState `json:"cursor,omitempty"`
	Ime      *ImeSnapshot `json:"ime,omitempty"`
	LastSeen uint64       `json:"last_seen"`
}

// SnapshotResp is the body of a GET /api/snapshot response.
type SnapshotResp struct {
	Slug    string `json:"slug"`
	Rev     uint64 `json:"rev"`
	Content string `json:"content"`
}

// DocEventType discriminates the three kinds of WAL event.
type DocEventType string

const (
	DocEventEdit   DocEventType = "edit"
	DocEventCursor DocEventType = "cursor"
	DocEventIme    DocEventType = "ime"
)

// DocEvent is one line of durable history: an applied edit, or a cursor/ime
// update recorded only so its op-id is not replayed twice.
type DocEvent struct {
	Type     DocEventType `json:"type"`
	Edit     *Edit        `json:"edit,omitempty"`
	ClientID *uuid.UUID   `json:"client_id,omitempty"`
	OpID     *uuid.UUID   `json:"op_id,omitempty"`
	Cursor   *CursorState `json:"cursor,omitempty"`
	Ime      *ImeEvent    `json:"ime,omitempty"`
}

// NewDocEventEdit wraps an Edit for WAL storage.
func NewDocEventEdit(e Edit) DocEvent { return DocEvent{Type: DocEventEdit, Edit: &e} }

// NewDocEventCursor wraps a cursor update for WAL storage.
func NewDocEventCursor(clientID uuid.UUID, opID *uuid.UUID, cursor CursorState) DocEvent {
	return DocEvent{Type: DocEventCursor, ClientID: &clientID, OpID: opID, Cursor: &cursor}
}

// NewDocEventIme wraps an IME update for WAL storage.
func NewDocEventIme(clientID uuid.UUID, opID *uuid.UUID, ime ImeEvent) DocEvent {
	return DocEvent{Type: DocEventIme, ClientID: &clientID, OpID: opID, Ime: &ime}
}

// WalEntryV2 is the current on-disk WAL line shape: a version tag, a
// millisecond timestamp, and the event itself.
type WalEntryV2 struct {
	Version uint8    `json:"version"`
	Ts      uint64   `json:"ts"`
	Event   DocEvent `json:"event"`
}

// WalLine is one parsed line of a WAL file: either a current v2 entry, or a
// v1 line, which was a bare Edit object with no envelope at all.
type WalLine struct {
	V2 *WalEntryV2
	V1 *Edit
}

// UnmarshalJSON accepts either shape, preferring v2 when a "version" key is
// present so a v1 line (no such key) always falls back to the bare Edit.
func (w *WalLine) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if _, ok := probe["version"]; ok {
		var v2 WalEntryV2
		if err := json.Unmarshal(data, &v2); err != nil {
			return fmt.Errorf("wal v2 entry: %w", err)
		}
		w.V2 = &v2
		return nil
	}
	var v1 Edit
	if err := json.Unmarshal(data, &v1); err != nil {
		return fmt.Errorf("wal v1 entry: %w", err)
	}
	w.V1 = &v1
	return nil
}

// MarshalJSON emits the v2 envelope when V2 is set and the bare v1 Edit
// otherwise; v1 only ever arises from replaying old files, never from
// something this server writes.
func (w *WalLine) MarshalJSON() ([]byte, error) {
	if w.V2 != nil {
		return json.Marshal(w.V2)
	}
	return json.Marshal(w.V1)
}
