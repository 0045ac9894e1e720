package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CompatSelection is the legacy (pre-slug) shape of a selection, carried
// inside CompatOpContext/CompatOpBroadcastContext.
type CompatSelection struct {
	Position           uint64              `json:"position"`
	Anchor             *uint64             `json:"anchor,omitempty"`
	SelectionDirection *SelectionDirection `json:"selection_direction,omitempty"`
}

// ToCursorState converts a legacy selection into the native CursorState shape.
func (s CompatSelection) ToCursorState() CursorState {
	return CursorState{Position: s.Position, Anchor: s.Anchor, SelectionDirection: s.SelectionDirection}
}

// CompatOpContext accompanies a compat "op" message. BaseVersion is
// camelCase on the wire; this is a legacy seam, not a native-protocol field.
type CompatOpContext struct {
	BaseVersion uint64           `json:"baseVersion"`
	ClientID    *uuid.UUID       `json:"client_id,omitempty"`
	Selection   *CompatSelection `json:"selection,omitempty"`
	OpID        *uuid.UUID       `json:"op_id,omitempty"`
	Ts          *uint64          `json:"ts,omitempty"`
}

// CompatOpBroadcastContext is the server's echo of CompatOpContext after an
// op has been applied; ServerSeq replaces BaseVersion, also camelCase.
type CompatOpBroadcastContext struct {
	ServerSeq uint64           `json:"serverSeq"`
	ClientID  *uuid.UUID       `json:"client_id,omitempty"`
	Selection *CompatSelection `json:"selection,omitempty"`
	OpID      *uuid.UUID       `json:"op_id,omitempty"`
	Ts        *uint64          `json:"ts,omitempty"`
}

// --- ClientMsg ---------------------------------------------------------

type helloMsg struct {
	Slug     string    `json:"slug"`
	ClientID uuid.UUID `json:"client_id"`
	Label    *string   `json:"label"`
	Color    *string   `json:"color"`
}

type clientEditMsg struct {
	Slug string `json:"slug"`
	Edit Edit   `json:"edit"`
}

type clientCursorMsg struct {
	Slug   string      `json:"slug"`
	Cursor CursorState `json:"cursor"`
	OpID   *uuid.UUID  `json:"op_id"`
	Ts     *uint64     `json:"ts"`
}

type clientImeMsg struct {
	Slug string     `json:"slug"`
	Ime  ImeEvent   `json:"ime"`
	OpID *uuid.UUID `json:"op_id"`
	Ts   *uint64    `json:"ts"`
}

type profileMsg struct {
	Slug  string  `json:"slug"`
	Label *string `json:"label"`
	Color *string `json:"color"`
}

type joinMsg struct {
	SessionID string     `json:"session_id"`
	ClientID  uuid.UUID  `json:"client_id"`
	Label     *string    `json:"label,omitempty"`
	Color     *string    `json:"color,omitempty"`
	Password  *string    `json:"password,omitempty"`
	Token     *string    `json:"token,omitempty"`
}

type compatOpMsg struct {
	SessionID string          `json:"session_id"`
	Operation Op              `json:"operation"`
	Context   CompatOpContext `json:"context"`
}

type pingMsg struct {
	Ts *uint64 `json:"ts,omitempty"`
}

// ClientMsg is the tagged union of messages a client may send. Exactly one
// of the variant fields is non-nil, selected by the wire "type" string.
type ClientMsg struct {
	Hello    *helloMsg
	Edit     *clientEditMsg
	Cursor   *clientCursorMsg
	Ime      *clientImeMsg
	Profile  *profileMsg
	Join     *joinMsg
	CompatOp *compatOpMsg
	Ping     *pingMsg
	Pong     bool
}

// UnmarshalJSON dispatches on the "type" discriminator to decode into the
// matching variant.
func (m *ClientMsg) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	switch tag.Type {
	case "hello":
		var v helloMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Hello = &v
	case "edit":
		var v clientEditMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Edit = &v
	case "cursor":
		var v clientCursorMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Cursor = &v
	case "ime":
		var v clientImeMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Ime = &v
	case "profile":
		var v profileMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Profile = &v
	case "join":
		var v joinMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Join = &v
	case "op":
		var v compatOpMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.CompatOp = &v
	case "ping":
		var v pingMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Ping = &v
	case "pong":
		m.Pong = true
	default:
		return fmt.Errorf("protocol: unknown client message type %q", tag.Type)
	}
	return nil
}

// MarshalJSON is only used by tests constructing client messages to round
// trip; it re-injects the "type" discriminator the variant structs omit.
func (m ClientMsg) MarshalJSON() ([]byte, error) {
	switch {
	case m.Hello != nil:
		return marshalTagged("hello", m.Hello)
	case m.Edit != nil:
		return marshalTagged("edit", m.Edit)
	case m.Cursor != nil:
		return marshalTagged("cursor", m.Cursor)
	case m.Ime != nil:
		return marshalTagged("ime", m.Ime)
	case m.Profile != nil:
		return marshalTagged("profile", m.Profile)
	case m.Join != nil:
		return marshalTagged("join", m.Join)
	case m.CompatOp != nil:
		return marshalTagged("op", m.CompatOp)
	case m.Ping != nil:
		return marshalTagged("ping", m.Ping)
	case m.Pong:
		return []byte(`{"type":"pong"}`), nil
	default:
		return nil, fmt.Errorf("protocol: empty ClientMsg")
	}
}

// Constructors for client messages, used by tests.

func NewHelloMsg(slug string, clientID uuid.UUID, label, color *string) ClientMsg {
	return ClientMsg{Hello: &helloMsg{Slug: slug, ClientID: clientID, Label: label, Color: color}}
}

func NewClientEditMsg(slug string, edit Edit) ClientMsg {
	return ClientMsg{Edit: &clientEditMsg{Slug: slug, Edit: edit}}
}

func NewClientCursorMsg(slug string, cursor CursorState, opID *uuid.UUID, ts *uint64) ClientMsg {
	return ClientMsg{Cursor: &clientCursorMsg{Slug: slug, Cursor: cursor, OpID: opID, Ts: ts}}
}

func NewClientImeMsg(slug string, ime ImeEvent, opID *uuid.UUID, ts *uint64) ClientMsg {
	return ClientMsg{Ime: &clientImeMsg{Slug: slug, Ime: ime, OpID: opID, Ts: ts}}
}

func NewProfileMsg(slug string, label, color *string) ClientMsg {
	return ClientMsg{Profile: &profileMsg{Slug: slug, Label: label, Color: color}}
}

func NewJoinMsg(sessionID string, clientID uuid.UUID, label, color, password, token *string) ClientMsg {
	return ClientMsg{Join: &joinMsg{SessionID: sessionID, ClientID: clientID, Label: label, Color: color, Password: password, Token: token}}
}

func NewCompatOpMsg(sessionID string, op Op, ctx CompatOpContext) ClientMsg {
	return ClientMsg{CompatOp: &compatOpMsg{SessionID: sessionID, Operation: op, Context: ctx}}
}

func NewPingMsg(ts *uint64) ClientMsg { return ClientMsg{Ping: &pingMsg{Ts: ts}} }

func NewPongClientMsg() ClientMsg { return ClientMsg{Pong: true} }

// --- ServerMsg -----------------------------------------------------------

type appliedMsg struct {
	Slug     string     `json:"slug"`
	Rev      uint64     `json:"rev"`
	Ops      []Op       `json:"ops"`
	ClientID *uuid.UUID `json:"client_id"`
	OpID     *uuid.UUID `json:"op_id"`
	Ts       uint64     `json:"ts"`
}

type serverCursorMsg struct {
	Slug     string      `json:"slug"`
	ClientID uuid.UUID   `json:"client_id"`
	Cursor   CursorState `json:"cursor"`
	OpID     *uuid.UUID  `json:"op_id"`
	Ts       uint64      `json:"ts"`
}

type serverImeMsg struct {
	Slug     string     `json:"slug"`
	ClientID uuid.UUID  `json:"client_id"`
	Ime      ImeEvent   `json:"ime"`
	OpID     *uuid.UUID `json:"op_id"`
	Ts       uint64     `json:"ts"`
}

type presenceSnapshotMsg struct {
	Slug    string          `json:"slug"`
	Clients []PresenceState `json:"clients"`
}

type presenceDiffMsg struct {
	Slug    string          `json:"slug"`
	Added   []PresenceState `json:"added"`
	Updated []PresenceState `json:"updated"`
	Removed []uuid.UUID     `json:"removed"`
}

type compatSnapshotMsg struct {
	SessionID string           `json:"session_id"`
	Rev       uint64           `json:"rev"`
	Content   string           `json:"content"`
	Presence  *[]PresenceState `json:"presence,omitempty"`
}

type compatOpBroadcastMsg struct {
	SessionID string                   `json:"session_id"`
	Operation Op                       `json:"operation"`
	Context   CompatOpBroadcastContext `json:"context"`
}

type compatAckMsg struct {
	SessionID string     `json:"session_id"`
	ServerSeq uint64     `json:"server_seq"`
	OpID      *uuid.UUID `json:"op_id,omitempty"`
}

type serverPongMsg struct {
	Ts *uint64 `json:"ts,omitempty"`
}

// ServerMsg is the tagged union of messages the server may send. Exactly one
// of the variant fields is non-nil, selected by the wire "type" string.
type ServerMsg struct {
	Applied           *appliedMsg
	Cursor            *serverCursorMsg
	Ime               *serverImeMsg
	PresenceSnapshot  *presenceSnapshotMsg
	PresenceDiff      *presenceDiffMsg
	CompatSnapshot    *compatSnapshotMsg
	CompatOpBroadcast *compatOpBroadcastMsg
	CompatAck         *compatAckMsg
	Pong              *serverPongMsg
}

func marshalTagged(typ string, v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	typJSON, err := json.Marshal(typ)
	if err != nil {
		return nil, err
	}
	m["type"] = typJSON
	return json.Marshal(m)
}

// MarshalJSON injects the wire "type" discriminator for whichever variant is set.
func (m ServerMsg) MarshalJSON() ([]byte, error) {
	switch {
	case m.Applied != nil:
		return marshalTagged("applied", m.Applied)
	case m.Cursor != nil:
		return marshalTagged("cursor", m.Cursor)
	case m.Ime != nil:
		return marshalTagged("ime", m.Ime)
	case m.PresenceSnapshot != nil:
		return marshalTagged("presence_snapshot", m.PresenceSnapshot)
	case m.PresenceDiff != nil:
		return marshalTagged("presence_diff", m.PresenceDiff)
	case m.CompatSnapshot != nil:
		return marshalTagged("snapshot", m.CompatSnapshot)
	case m.CompatOpBroadcast != nil:
		return marshalTagged("op_broadcast", m.CompatOpBroadcast)
	case m.CompatAck != nil:
		return marshalTagged("ack", m.CompatAck)
	case m.Pong != nil:
		return marshalTagged("pong", m.Pong)
	default:
		return nil, fmt.Errorf("protocol: empty ServerMsg")
	}
}

// UnmarshalJSON is only used by tests reading back server messages.
func (m *ServerMsg) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	switch tag.Type {
	case "applied":
		var v appliedMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Applied = &v
	case "cursor":
		var v serverCursorMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Cursor = &v
	case "ime":
		var v serverImeMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Ime = &v
	case "presence_snapshot":
		var v presenceSnapshotMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.PresenceSnapshot = &v
	case "presence_diff":
		var v presenceDiffMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.PresenceDiff = &v
	case "snapshot":
		var v compatSnapshotMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.CompatSnapshot = &v
	case "op_broadcast":
		var v compatOpBroadcastMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.CompatOpBroadcast = &v
	case "ack":
		var v compatAckMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.CompatAck = &v
	case "pong":
		var v serverPongMsg
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		m.Pong = &v
	default:
		return fmt.Errorf("protocol: unknown server message type %q", tag.Type)
	}
	return nil
}

// Constructors for server messages.

func NewAppliedMsg(slug string, rev uint64, ops []Op, clientID, opID *uuid.UUID, ts uint64) ServerMsg {
	if ops == nil {
		ops = []Op{}
	}
	return ServerMsg{Applied: &appliedMsg{Slug: slug, Rev: rev, Ops: ops, ClientID: clientID, OpID: opID, Ts: ts}}
}

func NewServerCursorMsg(slug string, clientID uuid.UUID, cursor CursorState, opID *uuid.UUID, ts uint64) ServerMsg {
	return ServerMsg{Cursor: &serverCursorMsg{Slug: slug, ClientID: clientID, Cursor: cursor, OpID: opID, Ts: ts}}
}

func NewServerImeMsg(slug string, clientID uuid.UUID, ime ImeEvent, opID *uuid.UUID, ts uint64) ServerMsg {
	return ServerMsg{Ime: &serverImeMsg{Slug: slug, ClientID: clientID, Ime: ime, OpID: opID, Ts: ts}}
}

func NewPresenceSnapshotMsg(slug string, clients []PresenceState) ServerMsg {
	if clients == nil {
		clients = []PresenceState{}
	}
	return ServerMsg{PresenceSnapshot: &presenceSnapshotMsg{Slug: slug, Clients: clients}}
}

func NewPresenceDiffMsg(slug string, added, updated []PresenceState, removed []uuid.UUID) ServerMsg {
	if added == nil {
		added = []PresenceState{}
	}
	if updated == nil {
		updated = []PresenceState{}
	}
	if removed == nil {
		removed = []uuid.UUID{}
	}
	return ServerMsg{PresenceDiff: &presenceDiffMsg{Slug: slug, Added: added, Updated: updated, Removed: removed}}
}

func NewCompatSnapshotMsg(sessionID string, rev uint64, content string, presence *[]PresenceState) ServerMsg {
	return ServerMsg{CompatSnapshot: &compatSnapshotMsg{SessionID: sessionID, Rev: rev, Content: content, Presence: presence}}
}

func NewCompatOpBroadcastMsg(sessionID string, op Op, ctx CompatOpBroadcastContext) ServerMsg {
	return ServerMsg{CompatOpBroadcast: &compatOpBroadcastMsg{SessionID: sessionID, Operation: op, Context: ctx}}
}

func NewCompatAckMsg(sessionID string, serverSeq uint64, opID *uuid.UUID) ServerMsg {
	return ServerMsg{CompatAck: &compatAckMsg{SessionID: sessionID, ServerSeq: serverSeq, OpID: opID}}
}

func NewServerPongMsg(ts *uint64) ServerMsg { return ServerMsg{Pong: &serverPongMsg{Ts: ts}} }
