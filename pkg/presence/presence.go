// Package presence tracks the connected clients of each document: their
// cursor, IME composition state, and display profile, as broadcast to
// peers on join, update, and disconnect.
package presence

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shiv248/coedit/internal/protocol"
)

// Tracker holds the presence map for every loaded document, keyed by slug
// and then by client id.
type Tracker struct {
	mu   sync.RWMutex
	docs map[string]map[uuid.UUID]protocol.PresenceState
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{docs: make(map[string]map[uuid.UUID]protocol.PresenceState)}
}

func (t *Tracker) withDoc(slug string, f func(map[uuid.UUID]protocol.PresenceState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	clients, ok := t.docs[slug]
	if !ok {
		clients = make(map[uuid.UUID]protocol.PresenceState)
		t.docs[slug] = clients
	}
	f(clients)
}

// Register adds client_id's presence entry to slug and returns the full
// snapshot of clients (including the new entry) plus the entry itself.
func (t *Tracker) Register(slug string, clientID uuid.UUID, label, color *string, now uint64) ([]protocol.PresenceState, protocol.PresenceState) {
	var snapshot []protocol.PresenceState
	var self protocol.PresenceState
	t.withDoc(slug, func(clients map[uuid.UUID]protocol.PresenceState) {
		self = protocol.PresenceState{
			ClientID: clientID,
			Label:    sanitizeLabel(label),
			Color:    sanitizeColor(color),
			LastSeen: now,
		}
		clients[clientID] = self
		snapshot = make([]protocol.PresenceState, 0, len(clients))
		for _, p := range clients {
			snapshot = append(snapshot, p)
		}
	})
	return snapshot, self
}

// Touch refreshes client_id's last-seen timestamp without changing anything else.
func (t *Tracker) Touch(slug string, clientID uuid.UUID, now uint64) {
	t.withDoc(slug, func(clients map[uuid.UUID]protocol.PresenceState) {
		if p, ok := clients[clientID]; ok {
			p.LastSeen = now
			clients[clientID] = p
		}
	})
}

// UpdateCursor sets client_id's cursor and returns its updated entry, or
// false if the client has no presence entry in slug.
func (t *Tracker) UpdateCursor(slug string, clientID uuid.UUID, cursor protocol.CursorState, now uint64) (protocol.PresenceState, bool) {
	var result protocol.PresenceState
	var ok bool
	t.withDoc(slug, func(clients map[uuid.UUID]protocol.PresenceState) {
		p, found := clients[clientID]
		if !found {
			return
		}
		p.Cursor = &cursor
		p.LastSeen = now
		clients[clientID] = p
		result, ok = p, true
	})
	return result, ok
}

func imeEventSnapshot(event protocol.ImeEvent) *protocol.ImeSnapshot {
	switch event.Phase {
	case protocol.ImeStart:
		return &protocol.ImeSnapshot{Phase: string(protocol.ImeStart), Range: event.Range}
	case protocol.ImeUpdate:
		return &protocol.ImeSnapshot{Phase: string(protocol.ImeUpdate), Range: event.Range, Text: event.Text}
	case protocol.ImeCommit:
		return &protocol.ImeSnapshot{Phase: string(protocol.ImeCommit), Range: event.ReplaceRange, Text: event.Text}
	case protocol.ImeCancel:
		return &protocol.ImeSnapshot{Phase: string(protocol.ImeCancel), Range: event.Range}
	default:
		return nil
	}
}

// UpdateIme sets client_id's IME snapshot from event and returns its
// updated entry, or false if the client has no presence entry in slug.
func (t *Tracker) UpdateIme(slug string, clientID uuid.UUID, event protocol.ImeEvent, now uint64) (protocol.PresenceState, bool) {
	snapshot := imeEventSnapshot(event)
	var result protocol.PresenceState
	var ok bool
	t.withDoc(slug, func(clients map[uuid.UUID]protocol.PresenceState) {
		p, found := clients[clientID]
		if !found {
			return
		}
		p.LastSeen = now
		p.Ime = snapshot
		clients[clientID] = p
		result, ok = p, true
	})
	return result, ok
}

// Remove drops client_id's presence entry from slug, returning the removed
// entry. If slug's client map becomes empty, its bucket is dropped too.
func (t *Tracker) Remove(slug string, clientID uuid.UUID) (protocol.PresenceState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	clients, ok := t.docs[slug]
	if !ok {
		return protocol.PresenceState{}, false
	}
	removed, ok := clients[clientID]
	if !ok {
		return protocol.PresenceState{}, false
	}
	delete(clients, clientID)
	if len(clients) == 0 {
		delete(t.docs, slug)
	}
	return removed, true
}

// UpdateProfile applies label/color changes to client_id's entry. A nil
// pointer leaves the field untouched; a pointer to an empty/whitespace
// string clears it; anything else is sanitized and stored.
func (t *Tracker) UpdateProfile(slug string, clientID uuid.UUID, label, color *string, now uint64) (protocol.PresenceState, bool) {
	var result protocol.PresenceState
	var ok bool
	t.withDoc(slug, func(clients map[uuid.UUID]protocol.PresenceState) {
		p, found := clients[clientID]
		if !found {
			return
		}
		if label != nil {
			p.Label = sanitizeLabel(label)
		}
		if color != nil {
			p.Color = sanitizeColor(color)
		}
		p.LastSeen = now
		clients[clientID] = p
		result, ok = p, true
	})
	return result, ok
}

func sanitizeLabel(label *string) *string {
	return sanitizeField(label, protocol.MaxLabelCodePoints)
}

func sanitizeColor(color *string) *string {
	return sanitizeField(color, protocol.MaxColorCodePoints)
}

func sanitizeField(value *string, maxCodePoints int) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	runes := []rune(trimmed)
	if len(runes) > maxCodePoints {
		runes = runes[:maxCodePoints]
	}
	out := string(runes)
	return &out
}
