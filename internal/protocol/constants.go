// Package protocol defines the wire types shared between the coordinator,
// the session state machine, and connected clients.
package protocol

// CurrentWalVersion is the WAL entry version this server writes. Readers
// must still accept version 1 (a bare Edit object, no envelope) on replay.
const CurrentWalVersion = 2

// RecentOpsCap bounds the per-slug op-id dedup ring; older ids are evicted
// FIFO once it fills.
const RecentOpsCap = 4096

// MaxLabelCodePoints and MaxColorCodePoints bound presence profile fields.
const (
	MaxLabelCodePoints = 64
	MaxColorCodePoints = 32
)
