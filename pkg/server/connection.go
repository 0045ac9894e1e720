package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/shiv248/coedit/internal/protocol"
	"github.com/shiv248/coedit/pkg/logger"
	"github.com/shiv248/coedit/pkg/storage"
)

// clientMeta identifies the client once it has said Hello or Join; compat
// marks a session that joined or sent ops through the legacy protocol. The
// server's replies to such a session use the same native message shapes
// as for any other session.
type clientMeta struct {
	id     uuid.UUID
	compat bool
}

// Connection is a single client WebSocket session: a send goroutine, a
// receive goroutine, and an idle flush ticker.
type Connection struct {
	coord  *Coordinator
	slug   string
	conn   *websocket.Conn
	outbox chan protocol.ServerMsg

	metaMu sync.Mutex
	meta   *clientMeta

	established bool
}

// sendSelf delivers msg only to this connection; a full outbox drops the
// message rather than blocking the receive loop.
func (c *Connection) sendSelf(msg protocol.ServerMsg) {
	if c.outbox == nil {
		return
	}
	select {
	case c.outbox <- msg:
	default:
	}
}

// NewConnection builds a per-socket session against slug.
func NewConnection(coord *Coordinator, slug string, conn *websocket.Conn) *Connection {
	return &Connection{coord: coord, slug: slug, conn: conn}
}

// AuthorizeUpgrade checks the Origin header (unless the coordinator is in
// dev mode or carries no allow-list) and the supplied password, in the
// query -> Basic-header -> token precedence order the compat client uses.
func AuthorizeUpgrade(coord *Coordinator, slug string, r *http.Request) (int, error) {
	if !coord.DevMode() && len(coord.AllowedOrigins()) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			allowed := false
			for _, a := range coord.AllowedOrigins() {
				if strings.HasPrefix(origin, a) {
					allowed = true
					break
				}
			}
			if !allowed {
				return http.StatusForbidden, fmt.Errorf("server: origin %q not allowed", origin)
			}
		}
	}

	query := r.URL.Query()
	provided := query.Get("password")
	providedOK := provided != ""
	if !providedOK {
		provided, providedOK = extractPasswordFromHeaders(r.Header, slug)
	}
	if !providedOK {
		if token := query.Get("token"); token != "" {
			provided, providedOK = extractPasswordFromToken(token, slug)
		}
	}

	doc, err := coord.DocSnapshot(slug)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("server: invalid slug %q: %w", slug, err)
	}
	if !isAuthorized(doc, provided, providedOK) {
		return http.StatusUnauthorized, fmt.Errorf("server: unauthorized websocket request for %q", slug)
	}
	return http.StatusOK, nil
}

// Run drives the connection's lifetime: it spawns the send/receive/flush
// goroutines, waits for either the socket or the peer to go away, then
// cleans up this client's presence entry.
func (c *Connection) Run(ctx context.Context) {
	outbox, unsubscribe := c.coord.Subscribe(c.slug)
	c.outbox = outbox
	defer unsubscribe()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		c.sendLoop(connCtx, outbox)
	}()

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		c.recvLoop(connCtx)
	}()

	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		c.flushLoop(connCtx)
	}()

	select {
	case <-sendDone:
	case <-recvDone:
	}
	cancel()
	<-flushDone

	c.cleanup()
}

func (c *Connection) sendLoop(ctx context.Context, outbox <-chan protocol.ServerMsg) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbox:
			if !ok {
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, c.conn, msg)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *Connection) recvLoop(ctx context.Context) {
	for {
		var msg protocol.ClientMsg
		err := wsjson.Read(ctx, c.conn, &msg)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				logger.Debug("websocket read error for %q: %v", c.slug, err)
			}
			return
		}
		if err := c.handleClientMessage(msg); err != nil {
			logger.Error("handle client message for %q: %v", c.slug, err)
			return
		}
	}
}

// flushLoop opportunistically writes a snapshot every flushIdleMs while this
// document has pending edits.
func (c *Connection) flushLoop(ctx context.Context) {
	idle := time.Duration(c.coord.flushIdleMs) * time.Millisecond
	if idle <= 0 {
		idle = 50 * time.Millisecond
	}
	ticker := time.NewTicker(idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.coord.FlushSnapshotIfNeeded(c.slug); err != nil {
				logger.Error("flush error for %q: %v", c.slug, err)
			}
		}
	}
}

func (c *Connection) currentMeta() *clientMeta {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	return c.meta
}

func (c *Connection) setMeta(m clientMeta) {
	c.metaMu.Lock()
	c.meta = &m
	c.metaMu.Unlock()
}

func (c *Connection) handleClientMessage(msg protocol.ClientMsg) error {
	switch {
	case msg.Hello != nil:
		return c.handleHello(msg.Hello.Slug, msg.Hello.ClientID, msg.Hello.Label, msg.Hello.Color)
	case msg.Join != nil:
		j := msg.Join
		return c.handleCompatJoin(j.SessionID, j.ClientID, j.Label, j.Color, j.Password, j.Token)
	case msg.CompatOp != nil:
		c.established = true
		op := msg.CompatOp
		return c.handleCompatOp(op.SessionID, op.Operation, op.Context)
	case msg.Edit != nil:
		if !c.established {
			return nil
		}
		return c.handleEdit(msg.Edit.Edit)
	case msg.Cursor != nil:
		if !c.established {
			return nil
		}
		cur := msg.Cursor
		return c.handleCursor(cur.Cursor, cur.OpID, cur.Ts)
	case msg.Ime != nil:
		if !c.established {
			return nil
		}
		im := msg.Ime
		return c.handleIme(im.Ime, im.OpID, im.Ts)
	case msg.Profile != nil:
		if !c.established {
			return nil
		}
		p := msg.Profile
		return c.handleProfile(p.Slug, p.Label, p.Color)
	case msg.Ping != nil:
		if !c.established {
			return nil
		}
		c.handlePing(msg.Ping.Ts)
		return nil
	case msg.Pong:
		if !c.established {
			return nil
		}
		c.handlePong()
		return nil
	}
	return nil
}

// handleHello establishes a native-protocol session: it records the
// client's identity, registers its presence, and sends the joining client
// its own presence snapshot before broadcasting the arrival to every
// subscriber of the document, itself included.
func (c *Connection) handleHello(helloSlug string, clientID uuid.UUID, label, color *string) error {
	if c.established {
		return nil
	}
	if helloSlug != c.slug {
		return fmt.Errorf("server: hello slug mismatch: expected %q, got %q", c.slug, helloSlug)
	}
	c.setMeta(clientMeta{id: clientID, compat: false})

	now := nowMillis()
	snapshot, added := c.coord.Presence().Register(c.slug, clientID, label, color, now)
	c.sendSelf(protocol.NewPresenceSnapshotMsg(c.slug, snapshot))
	c.coord.Broadcast(c.slug, protocol.NewPresenceDiffMsg(c.slug, []protocol.PresenceState{added}, nil, nil))
	c.established = true
	return nil
}

// handleCompatJoin is the legacy-client equivalent of handleHello: it
// authorizes against the document's password before establishing the
// session and additionally replies with a full content snapshot.
func (c *Connection) handleCompatJoin(sessionID string, clientID uuid.UUID, label, color, password, token *string) error {
	if sessionID != c.slug {
		logger.Debug("compat join slug mismatch: expected %q, got %q", c.slug, sessionID)
		return nil
	}

	doc, err := c.coord.DocSnapshot(c.slug)
	if err != nil {
		return err
	}

	provided, providedOK := "", false
	if password != nil {
		provided, providedOK = *password, true
	}
	if !providedOK && token != nil {
		provided, providedOK = extractPasswordFromToken(*token, c.slug)
	}
	if !isAuthorized(doc, provided, providedOK) {
		return fmt.Errorf("server: unauthorized compat join request")
	}

	c.setMeta(clientMeta{id: clientID, compat: true})

	now := nowMillis()
	snapshot, added := c.coord.Presence().Register(c.slug, clientID, label, color, now)
	c.sendSelf(protocol.NewPresenceSnapshotMsg(c.slug, snapshot))
	c.coord.Broadcast(c.slug, protocol.NewPresenceDiffMsg(c.slug, []protocol.PresenceState{added}, nil, nil))

	presenceCopy := append([]protocol.PresenceState(nil), snapshot...)
	c.sendSelf(protocol.NewCompatSnapshotMsg(c.slug, doc.Rev, doc.Content, &presenceCopy))

	c.established = true
	return nil
}

// handleCompatOp translates a legacy baseVersion/operation message into a
// native Edit, establishing this connection's identity from the context's
// client_id on its first op if Hello/Join never ran.
func (c *Connection) handleCompatOp(sessionID string, op protocol.Op, ctx protocol.CompatOpContext) error {
	if sessionID != c.slug {
		logger.Debug("compat op slug mismatch: expected %q, got %q", c.slug, sessionID)
		return nil
	}

	c.metaMu.Lock()
	var effective uuid.UUID
	if c.meta != nil {
		if !c.meta.compat {
			c.meta.compat = true
		}
		effective = c.meta.id
	} else {
		if ctx.ClientID == nil {
			c.metaMu.Unlock()
			return fmt.Errorf("server: compat op missing client id")
		}
		effective = *ctx.ClientID
		c.meta = &clientMeta{id: effective, compat: true}
	}
	c.metaMu.Unlock()

	now := nowMillis()
	c.coord.Presence().Touch(c.slug, effective, now)

	clientID := effective
	if ctx.ClientID != nil {
		clientID = *ctx.ClientID
	}
	ts := ctx.Ts
	if ts == nil {
		t := now
		ts = &t
	}

	var cursorAfter *protocol.CursorState
	if ctx.Selection != nil {
		cs := ctx.Selection.ToCursorState()
		cursorAfter = &cs
	}

	edit := protocol.Edit{
		BaseRev:     ctx.BaseVersion,
		Ops:         []protocol.Op{op},
		ClientID:    &clientID,
		OpID:        ctx.OpID,
		CursorAfter: cursorAfter,
		Ts:          ts,
	}
	return c.coord.ApplyEdit(c.slug, edit)
}

// handleEdit applies a native edit from an already-established client,
// stamping in the connection's client id and a server timestamp when the
// client omitted them.
func (c *Connection) handleEdit(edit protocol.Edit) error {
	meta := c.currentMeta()
	if meta == nil {
		return nil
	}
	now := nowMillis()
	c.coord.Presence().Touch(c.slug, meta.id, now)
	if edit.ClientID == nil {
		edit.ClientID = &meta.id
	}
	if edit.Ts == nil {
		edit.Ts = &now
	}
	return c.coord.ApplyEdit(c.slug, edit)
}

// handleCursor updates this client's cursor presence, durably records the
// change unless op_id has already been seen, and broadcasts it to every
// subscriber whether or not op_id was seen before.
func (c *Connection) handleCursor(cursor protocol.CursorState, opID *uuid.UUID, ts *uint64) error {
	meta := c.currentMeta()
	if meta == nil {
		return nil
	}
	serverNow := nowMillis()
	tsValue := serverNow
	if ts != nil {
		tsValue = *ts
	}

	updated, ok := c.coord.Presence().UpdateCursor(c.slug, meta.id, cursor, serverNow)
	if !ok {
		return nil
	}

	shouldAppend := true
	if opID != nil {
		shouldAppend = c.coord.rememberOpID(c.slug, *opID)
	}
	if shouldAppend {
		event := protocol.NewDocEventCursor(meta.id, opID, cursor)
		if err := storage.WalAppendEvent(c.coord.walDir, c.slug, event, tsValue); err != nil {
			logger.Error("failed to append cursor event: %v", err)
		}
	}

	c.coord.Broadcast(c.slug, protocol.NewServerCursorMsg(c.slug, meta.id, cursor, opID, tsValue))
	c.coord.Broadcast(c.slug, protocol.NewPresenceDiffMsg(c.slug, nil, []protocol.PresenceState{updated}, nil))
	return nil
}

// handleIme mirrors handleCursor for IME composition updates.
func (c *Connection) handleIme(ime protocol.ImeEvent, opID *uuid.UUID, ts *uint64) error {
	meta := c.currentMeta()
	if meta == nil {
		return nil
	}
	serverNow := nowMillis()
	tsValue := serverNow
	if ts != nil {
		tsValue = *ts
	}

	updated, ok := c.coord.Presence().UpdateIme(c.slug, meta.id, ime, serverNow)
	if !ok {
		return nil
	}

	shouldAppend := true
	if opID != nil {
		shouldAppend = c.coord.rememberOpID(c.slug, *opID)
	}
	if shouldAppend {
		event := protocol.NewDocEventIme(meta.id, opID, ime)
		if err := storage.WalAppendEvent(c.coord.walDir, c.slug, event, tsValue); err != nil {
			logger.Error("failed to append ime event: %v", err)
		}
	}

	c.coord.Broadcast(c.slug, protocol.NewServerImeMsg(c.slug, meta.id, ime, opID, tsValue))
	c.coord.Broadcast(c.slug, protocol.NewPresenceDiffMsg(c.slug, nil, []protocol.PresenceState{updated}, nil))
	return nil
}

// handleProfile updates this client's label/color and broadcasts the change.
func (c *Connection) handleProfile(profileSlug string, label, color *string) error {
	if profileSlug != c.slug {
		logger.Debug("profile slug mismatch: expected %q, got %q", c.slug, profileSlug)
		return nil
	}
	meta := c.currentMeta()
	if meta == nil {
		return nil
	}
	now := nowMillis()
	updated, ok := c.coord.Presence().UpdateProfile(c.slug, meta.id, label, color, now)
	if !ok {
		return nil
	}
	c.coord.Broadcast(c.slug, protocol.NewPresenceDiffMsg(c.slug, nil, []protocol.PresenceState{updated}, nil))
	return nil
}

func (c *Connection) handlePing(ts *uint64) {
	if meta := c.currentMeta(); meta != nil {
		c.coord.Presence().Touch(c.slug, meta.id, nowMillis())
	}
	c.sendSelf(protocol.NewServerPongMsg(ts))
}

func (c *Connection) handlePong() {
	if meta := c.currentMeta(); meta != nil {
		c.coord.Presence().Touch(c.slug, meta.id, nowMillis())
	}
}

// cleanup drops this connection's presence entry (if it ever established
// one) and tells peers it is gone.
func (c *Connection) cleanup() {
	meta := c.currentMeta()
	if meta == nil {
		return
	}
	if removed, ok := c.coord.Presence().Remove(c.slug, meta.id); ok {
		c.coord.Broadcast(c.slug, protocol.NewPresenceDiffMsg(c.slug, nil, nil, []uuid.UUID{removed.ClientID}))
	}
}
