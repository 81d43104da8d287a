package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, limits Limits) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "relay.db")
	s, err := Open(path, limits)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return s
}

func TestSQLiteMailboxProtocol(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testLimits())

	if _, err := s.EnqueueCommand(ctx, "cam1", "camera_on"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound before first heartbeat, got %v", err)
	}

	if cmd, err := s.UpsertHeartbeat(ctx, heartbeatFor("cam1")); err != nil || cmd != "" {
		t.Fatalf("first heartbeat: command=%q err=%v", cmd, err)
	}

	if _, err := s.EnqueueCommand(ctx, "cam1", "camera_on"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnqueueCommand(ctx, "cam1", "stream_start"); err != nil {
		t.Fatal(err)
	}

	cmd, err := s.UpsertHeartbeat(ctx, heartbeatFor("cam1"))
	if err != nil {
		t.Fatal(err)
	}
	if cmd != "stream_start" {
		t.Errorf("expected last enqueued command, got %q", cmd)
	}

	cmd, err = s.UpsertHeartbeat(ctx, heartbeatFor("cam1"))
	if err != nil {
		t.Fatal(err)
	}
	if cmd != "" {
		t.Errorf("command delivered twice: %q", cmd)
	}

	devices, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	status, ok := devices["cam1"]
	if !ok {
		t.Fatal("cam1 missing from listing")
	}
	if status.PendingCommand != "" {
		t.Errorf("drained command still listed: %+v", status)
	}
	if !status.CameraEnabled {
		t.Errorf("flags not persisted: %+v", status)
	}
}

func TestSQLiteFrameLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Limits{MaxFrameBytes: 1024, FrameCap: 3})

	payload := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	frame, err := s.Append(ctx, "cam1", payload, map[string]string{"contentType": "image/jpeg"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ByID(ctx, "cam1", frame.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Error("payload mismatch after round trip")
	}
	if got.Metadata["contentType"] != "image/jpeg" {
		t.Errorf("metadata lost: %+v", got.Metadata)
	}

	// Overflow the cap; the oldest frames must be trimmed away.
	for i := 0; i < 4; i++ {
		if _, err := s.Append(ctx, "cam1", []byte{byte(i), 0x01}, nil); err != nil {
			t.Fatal(err)
		}
	}

	history, err := s.History(ctx, "cam1", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 retained frames, got %d", len(history))
	}

	if _, err := s.ByID(ctx, "cam1", frame.ID); !errors.Is(err, ErrFrameNotFound) {
		t.Errorf("oldest frame should be trimmed, got %v", err)
	}

	latest, err := s.Latest(ctx, "cam1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != history[0].ID {
		t.Errorf("latest %d does not match newest history entry %d", latest.ID, history[0].ID)
	}

	everything, err := s.History(ctx, "cam1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(everything) != 3 {
		t.Errorf("non-positive limit should return all retained frames, got %d", len(everything))
	}

	if _, err := s.Latest(ctx, "ghost"); !errors.Is(err, ErrFrameNotFound) {
		t.Errorf("expected ErrFrameNotFound for unknown device, got %v", err)
	}
}

// TestSQLiteOrderingWithRaggedTimestamps pins ordering to insertion order.
// RFC 3339 text trims trailing fractional zeros, so same-second timestamps of
// different fraction lengths compare wrongly as text ('.1Z' sorts after
// '.15Z'); neither retrieval nor the cap trim may depend on that comparison.
func TestSQLiteOrderingWithRaggedTimestamps(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Limits{MaxFrameBytes: 1024, FrameCap: 2})

	rows := []struct {
		marker    byte
		createdAt string
	}{
		{0x01, "2026-08-28T12:00:05.1Z"},
		{0x02, "2026-08-28T12:00:05.15Z"},
	}
	for _, row := range rows {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO frames (device_id, payload, size, metadata, created_at) VALUES (?, ?, 2, '{}', ?);`,
			"cam1", []byte{row.marker, 0x00}, row.createdAt,
		); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := s.Latest(ctx, "cam1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Payload[0] != 0x02 {
		t.Errorf("latest is frame %d, want the most recently inserted", latest.ID)
	}

	history, err := s.History(ctx, "cam1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].ID <= history[1].ID {
		t.Fatalf("history not newest first: %+v", history)
	}
	oldestID := history[1].ID

	// A third frame overflows the cap of 2; the trim must evict the oldest
	// insertion, not the one whose timestamp text happens to sort lowest.
	if _, err := s.Append(ctx, "cam1", []byte{0x03, 0x00}, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ByID(ctx, "cam1", oldestID); !errors.Is(err, ErrFrameNotFound) {
		t.Errorf("oldest insertion should be trimmed, got %v", err)
	}
	latest, err = s.Latest(ctx, "cam1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Payload[0] != 0x03 {
		t.Errorf("latest is frame %d after trim, want the newest append", latest.ID)
	}
}

func TestSQLiteValidation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Limits{MaxFrameBytes: 8, FrameCap: 3})

	if _, err := s.Append(ctx, "cam1", nil, nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	if _, err := s.Append(ctx, "cam1", make([]byte, 9), nil); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestSQLiteStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")
	limits := testLimits()

	s, err := Open(path, limits)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InitSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertHeartbeat(ctx, heartbeatFor("cam1")); err != nil {
		t.Fatal(err)
	}
	frame, err := s.Append(ctx, "cam1", []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, limits)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if err := reopened.InitSchema(ctx); err != nil {
		t.Fatal(err)
	}

	devices, err := reopened.ListDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := devices["cam1"]; !ok {
		t.Error("device record lost across reopen")
	}

	got, err := reopened.ByID(ctx, "cam1", frame.ID)
	if err != nil {
		t.Fatalf("frame lost across reopen: %v", err)
	}
	if got.Size != 4 {
		t.Errorf("unexpected frame size %d", got.Size)
	}
}
