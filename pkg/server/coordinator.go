package server

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shiv248/coedit/internal/protocol"
	"github.com/shiv248/coedit/pkg/document"
	"github.com/shiv248/coedit/pkg/logger"
	"github.com/shiv248/coedit/pkg/presence"
	"github.com/shiv248/coedit/pkg/storage"
)

// loadedDoc is a loaded document guarded by its own lock. Edits take the
// write lock; snapshot reads take the read lock.
type loadedDoc struct {
	mu  sync.RWMutex
	doc document.Doc
}

// recentOps is a bounded FIFO dedup ring: the last N op-ids seen for a
// slug, so a retried Edit with the same op_id is never applied twice.
type recentOps struct {
	set   map[uuid.UUID]*list.Element
	order *list.List
	cap   int
}

func newRecentOps(cap int) *recentOps {
	return &recentOps{set: make(map[uuid.UUID]*list.Element), order: list.New(), cap: cap}
}

func (r *recentOps) contains(id uuid.UUID) bool {
	_, ok := r.set[id]
	return ok
}

// insert reports whether id was newly added (false if already present).
func (r *recentOps) insert(id uuid.UUID) bool {
	if _, ok := r.set[id]; ok {
		return false
	}
	el := r.order.PushBack(id)
	r.set[id] = el
	for r.order.Len() > r.cap {
		front := r.order.Front()
		if front == nil {
			break
		}
		r.order.Remove(front)
		delete(r.set, front.Value.(uuid.UUID))
	}
	return true
}

// Coordinator is the process-wide registry: loaded documents, subscriber
// fanout channels, recent-op-id dedup rings, and presence. All edits are
// linearised through it.
type Coordinator struct {
	mu   sync.RWMutex
	docs map[string]*loadedDoc

	subsMu sync.Mutex
	subs   map[string][]chan protocol.ServerMsg

	recentMu sync.Mutex
	recent   map[string]*recentOps

	editTsMu sync.Mutex
	editTs   map[string]uint64

	presence *presence.Tracker

	walDir         string
	snapDir        string
	flushIdleMs    uint64
	flushMaxOps    int
	allowedOrigins []string
	devMode        bool
}

// NewCoordinator builds an empty registry rooted at walDir/snapDir.
func NewCoordinator(walDir, snapDir string, flushIdleMs uint64, flushMaxOps int, devMode bool, allowedOrigins []string) *Coordinator {
	return &Coordinator{
		docs:           make(map[string]*loadedDoc),
		subs:           make(map[string][]chan protocol.ServerMsg),
		recent:         make(map[string]*recentOps),
		presence:       presence.NewTracker(),
		walDir:         walDir,
		snapDir:        snapDir,
		flushIdleMs:    flushIdleMs,
		flushMaxOps:    flushMaxOps,
		devMode:        devMode,
		allowedOrigins: allowedOrigins,
	}
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Broadcast fans msg out to every subscriber of slug, dropping any
// subscriber whose channel is no longer being drained.
func (c *Coordinator) Broadcast(slug string, msg protocol.ServerMsg) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	list := c.subs[slug]
	kept := list[:0]
	for _, ch := range list {
		select {
		case ch <- msg:
			kept = append(kept, ch)
		default:
			// Receiver is gone or too slow; drop it rather than block
			// every other subscriber on a stuck connection.
		}
	}
	c.subs[slug] = kept
}

// Subscribe registers a new fanout channel for slug and returns it along
// with an unsubscribe function.
func (c *Coordinator) Subscribe(slug string) (chan protocol.ServerMsg, func()) {
	ch := make(chan protocol.ServerMsg, 64)
	c.subsMu.Lock()
	c.subs[slug] = append(c.subs[slug], ch)
	c.subsMu.Unlock()
	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		list := c.subs[slug]
		for i, existing := range list {
			if existing == ch {
				c.subs[slug] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

func (c *Coordinator) opIDSeen(slug string, opID uuid.UUID) bool {
	c.recentMu.Lock()
	defer c.recentMu.Unlock()
	ro, ok := c.recent[slug]
	if !ok {
		return false
	}
	return ro.contains(opID)
}

func (c *Coordinator) rememberOpID(slug string, opID uuid.UUID) bool {
	c.recentMu.Lock()
	defer c.recentMu.Unlock()
	ro, ok := c.recent[slug]
	if !ok {
		ro = newRecentOps(protocol.RecentOpsCap)
		c.recent[slug] = ro
	}
	return ro.insert(opID)
}

// Presence exposes the coordinator's presence tracker to the connection
// layer.
func (c *Coordinator) Presence() *presence.Tracker { return c.presence }

// DevMode reports whether the origin check is disabled for local development.
func (c *Coordinator) DevMode() bool { return c.devMode }

// AllowedOrigins lists the Origin header values the WebSocket upgrade will accept.
func (c *Coordinator) AllowedOrigins() []string { return c.allowedOrigins }

// GetOrLoadDoc returns the loaded document for slug, hydrating it from its
// snapshot + WAL on first access. Replay is idempotent and dedups by op_id
// exactly as the live apply path does, so a WAL tail that was never synced
// to a snapshot is fully reconstructed.
func (c *Coordinator) GetOrLoadDoc(slug string) (*loadedDoc, error) {
	if _, err := storage.SlugToRelPath(slug); err != nil {
		return nil, err
	}

	c.mu.RLock()
	if d, ok := c.docs[slug]; ok {
		c.mu.RUnlock()
		return d, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.docs[slug]; ok {
		return d, nil
	}

	ld := &loadedDoc{}
	if content, ok, err := storage.ReadSnapshot(c.snapDir, slug); err != nil {
		return nil, err
	} else if ok {
		ld.doc.Content = content
	}

	lines, parseErrs, err := storage.ReadWalLines(c.walDir, slug)
	if err != nil {
		return nil, err
	}
	for _, err := range parseErrs {
		logger.Warn("%v", err)
	}

	seen := make(map[uuid.UUID]struct{})
	var walEditCount int
	var walLastTs uint64
	for _, line := range lines {
		switch {
		case line.V2 != nil:
			entry := line.V2
			switch entry.Event.Type {
			case protocol.DocEventEdit:
				edit := *entry.Event.Edit
				if edit.Ts == nil {
					ts := entry.Ts
					edit.Ts = &ts
				}
				if edit.OpID != nil {
					if _, dup := seen[*edit.OpID]; dup {
						continue
					}
					seen[*edit.OpID] = struct{}{}
				}
				ops := document.TransformOps(&ld.doc, edit)
				if len(ops) == 0 {
					continue
				}
				document.ApplyOps(&ld.doc, ops)
				ld.doc.Rev++
				ld.doc.Log = append(ld.doc.Log, ops)
				walEditCount++
				if entry.Ts > walLastTs {
					walLastTs = entry.Ts
				}
			case protocol.DocEventCursor, protocol.DocEventIme:
				if entry.Event.OpID != nil {
					seen[*entry.Event.OpID] = struct{}{}
				}
			}
		case line.V1 != nil:
			legacy := *line.V1
			if legacy.OpID != nil {
				if _, dup := seen[*legacy.OpID]; dup {
					continue
				}
				seen[*legacy.OpID] = struct{}{}
			}
			ops := document.TransformOps(&ld.doc, legacy)
			if len(ops) == 0 {
				continue
			}
			document.ApplyOps(&ld.doc, ops)
			ld.doc.Rev++
			ld.doc.Log = append(ld.doc.Log, ops)
			walEditCount++
			if legacy.Ts != nil && *legacy.Ts > walLastTs {
				walLastTs = *legacy.Ts
			}
		}
	}
	if walEditCount > 0 && walLastTs == 0 {
		walLastTs = nowMillis()
	}
	if len(seen) > 0 {
		c.recentMu.Lock()
		ro, ok := c.recent[slug]
		if !ok {
			ro = newRecentOps(protocol.RecentOpsCap)
			c.recent[slug] = ro
		}
		for id := range seen {
			ro.insert(id)
		}
		c.recentMu.Unlock()
	}
	if walEditCount > 0 {
		ld.doc.SinceFlush = walEditCount
	}

	if hash, ok, err := storage.ReadPasswordHash(c.snapDir, slug); err != nil {
		return nil, err
	} else if ok {
		ld.doc.PasswordHash = &hash
	}

	c.docs[slug] = ld
	c.lastEditTs(slug, walLastTs)
	return ld, nil
}

// lastEditTs is tracked outside loadedDoc to avoid growing Doc with fields
// document.Doc has no use for; it is only read back by the flush scheduler.
func (c *Coordinator) lastEditTs(slug string, ts uint64) {
	if ts == 0 {
		return
	}
	c.editTsMu.Lock()
	defer c.editTsMu.Unlock()
	if c.editTs == nil {
		c.editTs = make(map[string]uint64)
	}
	c.editTs[slug] = ts
}

// ApplyEdit transforms edit against concurrent history, applies it, appends
// it to the WAL, opportunistically flushes a snapshot, and broadcasts the
// result. A repeated op_id is acknowledged without being re-applied.
func (c *Coordinator) ApplyEdit(slug string, edit protocol.Edit) error {
	ts := nowMillis()
	if edit.Ts != nil {
		ts = *edit.Ts
	}
	edit.Ts = &ts

	ld, err := c.GetOrLoadDoc(slug)
	if err != nil {
		return err
	}

	if edit.OpID != nil && c.opIDSeen(slug, *edit.OpID) {
		ld.mu.RLock()
		rev := ld.doc.Rev
		ld.mu.RUnlock()
		c.Broadcast(slug, protocol.NewAppliedMsg(slug, rev, nil, edit.ClientID, edit.OpID, ts))
		return nil
	}

	ld.mu.Lock()
	ops := document.TransformOps(&ld.doc, edit)
	var rev uint64
	if len(ops) > 0 {
		document.ApplyOps(&ld.doc, ops)
		ld.doc.Rev++
		ld.doc.Log = append(ld.doc.Log, append([]protocol.Op(nil), ops...))
		ld.doc.SinceFlush++
		c.lastEditTs(slug, ts)
	}
	rev = ld.doc.Rev
	ld.mu.Unlock()

	if err := storage.WalAppendEvent(c.walDir, slug, protocol.NewDocEventEdit(edit), ts); err != nil {
		return fmt.Errorf("coordinator: append wal event: %w", err)
	}
	if _, err := c.flushSnapshot(slug, flushOpportunistic); err != nil {
		logger.Warn("flush after edit failed for %q: %v", slug, err)
	}

	if edit.OpID != nil {
		c.rememberOpID(slug, *edit.OpID)
	}

	c.Broadcast(slug, protocol.NewAppliedMsg(slug, rev, ops, edit.ClientID, edit.OpID, ts))
	c.propagatePresenceAfterEdit(slug, edit, ts)
	return nil
}

func (c *Coordinator) propagatePresenceAfterEdit(slug string, edit protocol.Edit, ts uint64) {
	if edit.ClientID == nil || edit.CursorAfter == nil {
		return
	}
	serverNow := nowMillis()
	updated, ok := c.presence.UpdateCursor(slug, *edit.ClientID, *edit.CursorAfter, serverNow)
	if !ok {
		return
	}
	c.Broadcast(slug, protocol.NewServerCursorMsg(slug, *edit.ClientID, *edit.CursorAfter, edit.OpID, ts))
	c.Broadcast(slug, protocol.NewPresenceDiffMsg(slug, nil, []protocol.PresenceState{updated}, nil))
}

type flushMode int

const (
	flushOpportunistic flushMode = iota
	flushForced
)

// flushSnapshot writes slug's content to its snapshot file if due, per
// mode: opportunistic flushes once since_flush crosses flush_max_ops or the
// document has sat idle past flush_idle_ms; forced flushes any pending
// edits regardless of idle time.
func (c *Coordinator) flushSnapshot(slug string, mode flushMode) (bool, error) {
	ld, err := c.GetOrLoadDoc(slug)
	if err != nil {
		return false, err
	}
	now := nowMillis()

	c.editTsMu.Lock()
	lastEdit := c.editTs[slug]
	c.editTsMu.Unlock()

	ld.mu.RLock()
	sinceFlush := ld.doc.SinceFlush
	ld.mu.RUnlock()

	shouldFlush := false
	switch mode {
	case flushOpportunistic:
		dueToOps := sinceFlush >= c.flushMaxOps
		dueToIdle := sinceFlush > 0 && lastEdit > 0 && saturatingSub64(now, lastEdit) >= c.flushIdleMs
		shouldFlush = dueToOps || dueToIdle
	case flushForced:
		shouldFlush = sinceFlush > 0
	}
	if !shouldFlush {
		return false, nil
	}

	var content string
	ld.mu.Lock()
	if ld.doc.SinceFlush == 0 {
		ld.mu.Unlock()
		return false, nil
	}
	content = ld.doc.Content
	ld.doc.SinceFlush = 0
	ld.mu.Unlock()

	if err := storage.WriteSnapshot(c.snapDir, slug, content); err != nil {
		return false, err
	}
	return true, nil
}

// FlushSnapshotIfNeeded is the periodic-scheduler entry point.
func (c *Coordinator) FlushSnapshotIfNeeded(slug string) (bool, error) {
	return c.flushSnapshot(slug, flushOpportunistic)
}

// FlushSnapshotForce is the shutdown/startup-consolidation entry point.
func (c *Coordinator) FlushSnapshotForce(slug string) (bool, error) {
	return c.flushSnapshot(slug, flushForced)
}

// FlushAllWalsToSnapshots loads every slug with a non-empty pending WAL file
// and force-flushes it, consolidating crash-recovery state into snapshots.
// It returns how many documents were actually flushed.
func (c *Coordinator) FlushAllWalsToSnapshots() (int, error) {
	slugs, err := storage.CollectPendingWalSlugs(c.walDir)
	if err != nil {
		return 0, err
	}
	flushed := 0
	for _, slug := range slugs {
		ok, err := c.FlushSnapshotForce(slug)
		if err != nil {
			return flushed, err
		}
		if ok {
			flushed++
		}
	}
	return flushed, nil
}

// LoadedSlugs lists every document currently held in memory, for the
// periodic flush scheduler to iterate.
func (c *Coordinator) LoadedSlugs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	slugs := make([]string, 0, len(c.docs))
	for slug := range c.docs {
		slugs = append(slugs, slug)
	}
	return slugs
}

func saturatingSub64(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Snapshot returns the current content and revision of slug, for the
// GET /api/snapshot endpoint.
func (c *Coordinator) Snapshot(slug string) (protocol.SnapshotResp, error) {
	ld, err := c.GetOrLoadDoc(slug)
	if err != nil {
		return protocol.SnapshotResp{}, err
	}
	ld.mu.RLock()
	defer ld.mu.RUnlock()
	return protocol.SnapshotResp{Slug: slug, Rev: ld.doc.Rev, Content: ld.doc.Content}, nil
}

// DocSnapshot returns a point-in-time copy of slug's document state, used
// for authorization checks that need the password hash without holding a lock.
func (c *Coordinator) DocSnapshot(slug string) (*document.Doc, error) {
	ld, err := c.GetOrLoadDoc(slug)
	if err != nil {
		return nil, err
	}
	ld.mu.RLock()
	defer ld.mu.RUnlock()
	docCopy := ld.doc
	return &docCopy, nil
}

// SetPassword validates currentPassword against slug's existing hash (with
// no hash set, currentPassword must be empty), then sets and persists
// newHash (nil clears password protection).
func (c *Coordinator) SetPassword(slug, currentPassword string, newHash *string) error {
	ld, err := c.GetOrLoadDoc(slug)
	if err != nil {
		return err
	}
	ld.mu.Lock()
	if ld.doc.PasswordHash != nil {
		if storage.HashPassword(currentPassword) != *ld.doc.PasswordHash {
			ld.mu.Unlock()
			return errWrongPassword
		}
	} else if currentPassword != "" {
		ld.mu.Unlock()
		return errWrongPassword
	}
	ld.doc.PasswordHash = newHash
	ld.mu.Unlock()

	return storage.PersistPasswordHash(c.snapDir, slug, newHash)
}
