package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/shiv248/coedit/pkg/logger"
	"github.com/shiv248/coedit/pkg/storage"
)

// Server is the HTTP surface: health check, snapshot/password REST
// endpoints, and the WebSocket upgrade, all wired to one Coordinator.
type Server struct {
	coord *Coordinator
	mux   *http.ServeMux
}

// NewServer builds an HTTP server backed by coord.
func NewServer(coord *Coordinator) *Server {
	s := &Server{coord: coord, mux: http.NewServeMux()}
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("/api/password", s.handlePassword)
	s.mux.HandleFunc("/api/ws", s.handleWs)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// snapshotQuery is the ?slug=&password= shape of GET /api/snapshot.
type snapshotQuery struct {
	slug     string
	password string
}

func parseSnapshotQuery(r *http.Request) snapshotQuery {
	q := r.URL.Query()
	return snapshotQuery{slug: q.Get("slug"), password: q.Get("password")}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := parseSnapshotQuery(r)
	if q.slug == "" {
		http.Error(w, "slug is required", http.StatusBadRequest)
		return
	}

	doc, err := s.coord.DocSnapshot(q.slug)
	if err != nil {
		logger.Error("invalid slug %q: %v", q.slug, err)
		http.Error(w, "invalid slug", http.StatusBadRequest)
		return
	}

	provided, providedOK := q.password, q.password != ""
	if !providedOK {
		provided, providedOK = extractPasswordFromHeaders(r.Header, q.slug)
	}
	if !isAuthorized(doc, provided, providedOK) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	resp, err := s.coord.Snapshot(q.slug)
	if err != nil {
		logger.Error("snapshot lookup failed for %q: %v", q.slug, err)
		http.Error(w, "invalid slug", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// passwordUpdateReq is the JSON body of POST /api/password.
type passwordUpdateReq struct {
	Slug            string  `json:"slug"`
	CurrentPassword *string `json:"current_password"`
	NewPassword     *string `json:"new_password"`
}

func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req passwordUpdateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	current := ""
	if req.CurrentPassword != nil {
		current = *req.CurrentPassword
	}
	newPassword := ""
	if req.NewPassword != nil {
		newPassword = *req.NewPassword
	}

	var newHash *string
	if newPassword != "" {
		hash := storage.HashPassword(newPassword)
		newHash = &hash
	}

	if err := s.coord.SetPassword(req.Slug, current, newHash); err != nil {
		if err == errWrongPassword {
			http.Error(w, "invalid current password", http.StatusUnauthorized)
			return
		}
		logger.Error("invalid slug %q: %v", req.Slug, err)
		http.Error(w, "invalid slug", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWs(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("slug")
	if slug == "" {
		http.Error(w, "slug is required", http.StatusBadRequest)
		return
	}

	if status, err := AuthorizeUpgrade(s.coord, slug, r); err != nil {
		logger.Error("websocket upgrade rejected for %q: %v", slug, err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	// AuthorizeUpgrade already applied the configured origin policy.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode:    websocket.CompressionDisabled,
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Error("websocket upgrade failed for %q: %v", slug, err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	NewConnection(s.coord, slug, conn).Run(r.Context())
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	logger.Info("listening on %s", addr)
	return http.ListenAndServe(addr, s)
}

// Shutdown force-flushes every loaded document, then any document whose WAL
// still has entries on disk, so no pending edits are lost across a restart.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, slug := range s.coord.LoadedSlugs() {
		if _, err := s.coord.FlushSnapshotForce(slug); err != nil {
			logger.Error("shutdown flush failed for %q: %v", slug, err)
		}
	}
	if _, err := s.coord.FlushAllWalsToSnapshots(); err != nil {
		logger.Error("shutdown wal consolidation failed: %v", err)
	}
	return nil
}

// RunPeriodicFlush loops forever (until ctx is cancelled), opportunistically
// flushing every loaded document on the configured idle interval.
func (s *Server) RunPeriodicFlush(ctx context.Context, idleMs uint64) {
	interval := idleMs
	if interval < 50 {
		interval = 50
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, slug := range s.coord.LoadedSlugs() {
				if _, err := s.coord.FlushSnapshotIfNeeded(slug); err != nil {
					logger.Error("periodic flush failed for %q: %v", slug, err)
				}
			}
		}
	}
}
