package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/shiv248/coedit/internal/protocol"
	"github.com/shiv248/coedit/pkg/storage"
)

// testServer creates a Server over a fresh temp-dir Coordinator.
func testServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	coord := NewCoordinator(dir+"/wal", dir+"/snapshots", 1_000, 128, true, nil)
	return NewServer(coord)
}

func connectWebSocket(t *testing.T, srv *httptest.Server, slug string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?slug=" + slug
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
	})
	return conn
}

func TestHealthEndpointReturnsOk(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q, want 200 \"ok\"", w.Code, w.Body.String())
	}
}

func TestSnapshotEndpointRequiresSlug(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSnapshotEndpointEnforcesPassword(t *testing.T) {
	s := testServer(t)
	slug := "secure"
	hash := storage.HashPassword("pw")
	if err := s.coord.SetPassword(slug, "", &hash); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if err := s.coord.ApplyEdit(slug, mkInsertEdit(0, 0, "secret text", ptrUUID(uuid.New()))); err != nil {
		t.Fatalf("ApplyEdit: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/snapshot?slug=secure", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/snapshot?slug=secure&password=pw", nil)
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w2.Code)
	}
	var resp protocol.SnapshotResp
	if err := json.Unmarshal(w2.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Content != "secret text" {
		t.Fatalf("content = %q, want \"secret text\"", resp.Content)
	}
}

func TestPasswordEndpointValidatesCurrentPassword(t *testing.T) {
	s := testServer(t)
	slug := "pw-doc"
	oldHash := storage.HashPassword("old")
	if err := s.coord.SetPassword(slug, "", &oldHash); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	body := `{"slug":"pw-doc","current_password":"wrong","new_password":"new"}`
	req := httptest.NewRequest(http.MethodPost, "/api/password", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	body2 := `{"slug":"pw-doc","current_password":"old","new_password":"new"}`
	req2 := httptest.NewRequest(http.MethodPost, "/api/password", strings.NewReader(body2))
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req2)
	if w2.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w2.Code)
	}

	doc, err := s.coord.DocSnapshot(slug)
	if err != nil {
		t.Fatalf("DocSnapshot: %v", err)
	}
	if doc.PasswordHash == nil || *doc.PasswordHash != storage.HashPassword("new") {
		t.Fatalf("password hash not updated")
	}
}

func TestAuthorizeUpgradeEnforcesOriginPrefix(t *testing.T) {
	dir := t.TempDir()
	coord := NewCoordinator(dir+"/wal", dir+"/snapshots", 1_000, 128, false, []string{"https://a.example"})

	req := httptest.NewRequest(http.MethodGet, "/api/ws?slug=origin-doc", nil)
	req.Header.Set("Origin", "https://b.example")
	if status, err := AuthorizeUpgrade(coord, "origin-doc", req); err == nil || status != http.StatusForbidden {
		t.Fatalf("status=%d err=%v, want 403 with error", status, err)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/ws?slug=origin-doc", nil)
	req2.Header.Set("Origin", "https://a.example/x")
	if status, err := AuthorizeUpgrade(coord, "origin-doc", req2); err != nil || status != http.StatusOK {
		t.Fatalf("status=%d err=%v, want prefix-matched origin accepted", status, err)
	}
}

func TestWebSocketCompatJoinRepliesWithSnapshot(t *testing.T) {
	s := testServer(t)
	if err := s.coord.ApplyEdit("compat-doc", mkInsertEdit(0, 0, "existing", ptrUUID(uuid.New()))); err != nil {
		t.Fatalf("ApplyEdit: %v", err)
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	conn := connectWebSocket(t, srv, "compat-doc")
	ctx := context.Background()

	clientID := uuid.New()
	if err := wsjson.Write(ctx, conn, protocol.NewJoinMsg("compat-doc", clientID, nil, nil, nil, nil)); err != nil {
		t.Fatalf("write join: %v", err)
	}

	var presence, diff, snapshot protocol.ServerMsg
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Read(readCtx, conn, &presence); err != nil {
		t.Fatalf("read presence snapshot: %v", err)
	}
	if presence.PresenceSnapshot == nil {
		t.Fatalf("expected presence_snapshot, got %+v", presence)
	}
	if err := wsjson.Read(readCtx, conn, &diff); err != nil {
		t.Fatalf("read presence diff: %v", err)
	}
	if diff.PresenceDiff == nil {
		t.Fatalf("expected presence_diff, got %+v", diff)
	}
	if err := wsjson.Read(readCtx, conn, &snapshot); err != nil {
		t.Fatalf("read compat snapshot: %v", err)
	}
	if snapshot.CompatSnapshot == nil || snapshot.CompatSnapshot.Content != "existing" {
		t.Fatalf("expected snapshot with existing content, got %+v", snapshot)
	}

	opID := uuid.New()
	op := protocol.NewInsertOp(8, "!")
	opCtx := protocol.CompatOpContext{BaseVersion: snapshot.CompatSnapshot.Rev, ClientID: &clientID, OpID: &opID}
	if err := wsjson.Write(ctx, conn, protocol.NewCompatOpMsg("compat-doc", op, opCtx)); err != nil {
		t.Fatalf("write compat op: %v", err)
	}
	var applied protocol.ServerMsg
	if err := wsjson.Read(readCtx, conn, &applied); err != nil {
		t.Fatalf("read applied: %v", err)
	}
	if applied.Applied == nil || applied.Applied.Rev != 2 {
		t.Fatalf("expected applied rev=2, got %+v", applied)
	}
	snap, err := s.coord.Snapshot("compat-doc")
	if err != nil || snap.Content != "existing!" {
		t.Fatalf("content = %q err=%v, want \"existing!\"", snap.Content, err)
	}
}

func TestWebSocketPingRepliesPong(t *testing.T) {
	s := testServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	conn := connectWebSocket(t, srv, "ping-doc")
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, protocol.NewHelloMsg("ping-doc", uuid.New(), nil, nil)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var snapshot, diff protocol.ServerMsg
	_ = wsjson.Read(ctx, conn, &snapshot)
	_ = wsjson.Read(ctx, conn, &diff)

	ts := uint64(42)
	if err := wsjson.Write(ctx, conn, protocol.NewPingMsg(&ts)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong protocol.ServerMsg
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Read(readCtx, conn, &pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Pong == nil || pong.Pong.Ts == nil || *pong.Pong.Ts != 42 {
		t.Fatalf("expected pong echoing ts=42, got %+v", pong)
	}
}

func TestWebSocketHelloEstablishesPresence(t *testing.T) {
	s := testServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	conn := connectWebSocket(t, srv, "live-doc")
	ctx := context.Background()

	clientID := uuid.New()
	if err := wsjson.Write(ctx, conn, protocol.NewHelloMsg("live-doc", clientID, nil, nil)); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	var msg protocol.ServerMsg
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read presence snapshot: %v", err)
	}
	if msg.PresenceSnapshot == nil {
		t.Fatalf("expected presence_snapshot, got %+v", msg)
	}

	var diff protocol.ServerMsg
	if err := wsjson.Read(ctx, conn, &diff); err != nil {
		t.Fatalf("read presence diff: %v", err)
	}
	if diff.PresenceDiff == nil || len(diff.PresenceDiff.Added) != 1 {
		t.Fatalf("expected presence_diff with one added entry, got %+v", diff)
	}
}

func TestWebSocketEditRoundTripsApplied(t *testing.T) {
	s := testServer(t)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	conn := connectWebSocket(t, srv, "edit-doc")
	ctx := context.Background()

	clientID := uuid.New()
	if err := wsjson.Write(ctx, conn, protocol.NewHelloMsg("edit-doc", clientID, nil, nil)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var snapshot, diff protocol.ServerMsg
	_ = wsjson.Read(ctx, conn, &snapshot)
	_ = wsjson.Read(ctx, conn, &diff)

	opID := uuid.New()
	edit := protocol.Edit{BaseRev: 0, Ops: []protocol.Op{protocol.NewInsertOp(0, "hi")}, OpID: &opID}
	if err := wsjson.Write(ctx, conn, protocol.NewClientEditMsg("edit-doc", edit)); err != nil {
		t.Fatalf("write edit: %v", err)
	}

	var applied protocol.ServerMsg
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Read(readCtx, conn, &applied); err != nil {
		t.Fatalf("read applied: %v", err)
	}
	if applied.Applied == nil || applied.Applied.Rev != 1 {
		t.Fatalf("expected applied rev=1, got %+v", applied)
	}

	snap, err := s.coord.Snapshot("edit-doc")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Content != "hi" {
		t.Fatalf("content = %q, want \"hi\"", snap.Content)
	}
}
