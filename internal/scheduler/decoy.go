package scheduler

import (
	"github.com/safewatchhq/safewatch-agent/internal/queue"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
)

// decoyPNG is a fixed 1x1 transparent PNG. Every decoy carries the same
// innocuous payload; the timestamp is the real tick time so a decoy leaves no
// cadence gap that would itself reveal a protected-site visit.
var decoyPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

// createDecoyCapture returns a queued item with the fixed decoy payload,
// marked IsDecoy so downstream viewers can distinguish it. The marker is a
// boolean only; no URL or identifying string exists anywhere on the item.
func createDecoyCapture() storage.QueuedItem {
	return queue.NewItem(decoyPNG, "image/png", true)
}
