// Package store holds the two state stores at the heart of the relay: the
// device registry (liveness plus the one-slot command mailbox) and the frame
// store (recent stills per device). Both come in an in-memory flavor and a
// SQLite-backed flavor, selected by configuration at startup.
package store

import (
	"context"
	"errors"
	"time"

	"camrelay/internal/model"
)

var (
	// ErrDeviceNotFound is returned when a command targets a device that has
	// never sent a heartbeat.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrFrameNotFound is returned for lookups of evicted or unknown frames.
	ErrFrameNotFound = errors.New("frame not found")
	// ErrEmptyFrame rejects zero-length payloads at ingest.
	ErrEmptyFrame = errors.New("empty frame payload")
	// ErrFrameTooLarge rejects payloads above the configured maximum.
	ErrFrameTooLarge = errors.New("frame payload too large")
)

// DeviceRegistry tracks one status record per known device id.
//
// The mailbox rule: a device holds at most one pending command. Enqueueing
// while one is pending overwrites it (last writer wins). A heartbeat reads
// and clears the slot atomically, so a command is delivered at most once.
type DeviceRegistry interface {
	// UpsertHeartbeat creates the record if absent, overwrites liveness and
	// capability flags, and drains the pending command. The returned string
	// is the drained command, or "" when none was pending.
	UpsertHeartbeat(ctx context.Context, hb model.Heartbeat) (string, error)

	// EnqueueCommand buffers a command for delivery on the device's next
	// heartbeat, replacing any command already pending. It returns the queue
	// timestamp, or ErrDeviceNotFound for a never-seen device id.
	EnqueueCommand(ctx context.Context, deviceID, command string) (time.Time, error)

	// ListDevices returns a snapshot of all known devices.
	ListDevices(ctx context.Context) (map[string]model.DeviceStatus, error)
}

// FrameStore retains recent frames per device, bounded to a fixed cap with
// oldest-first eviction.
type FrameStore interface {
	// Append validates and stores a payload, assigning the frame id and
	// server-side creation time.
	Append(ctx context.Context, deviceID string, payload []byte, metadata map[string]string) (model.Frame, error)

	// Latest returns the most recently appended frame for the device, or
	// ErrFrameNotFound when it has none.
	Latest(ctx context.Context, deviceID string) (model.Frame, error)

	// ByID returns an exact frame, or ErrFrameNotFound when it was evicted
	// or never existed.
	ByID(ctx context.Context, deviceID string, frameID int64) (model.Frame, error)

	// History returns up to limit summaries, newest first by creation time
	// with frame id as the tie-break. A non-positive limit returns every
	// retained frame.
	History(ctx context.Context, deviceID string, limit int) ([]model.FrameSummary, error)
}

// Limits bounds frame ingest for both store flavors.
type Limits struct {
	MaxFrameBytes int
	FrameCap      int
}

func (l Limits) validatePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if l.MaxFrameBytes > 0 && len(payload) > l.MaxFrameBytes {
		return ErrFrameTooLarge
	}
	return nil
}
