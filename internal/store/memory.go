package store

import (
	"context"
	"sync"
	"time"

	"camrelay/internal/model"
)

// MemoryRegistry is the process-lifetime, in-memory device registry. A single
// mutex serializes all mutation so the heartbeat's read-then-clear and a
// concurrent enqueue can never interleave on the same mailbox slot.
type MemoryRegistry struct {
	mu      sync.Mutex
	devices map[string]*deviceRecord
}

type deviceRecord struct {
	lastSeen        time.Time
	cameraEnabled   bool
	streamingActive bool
	deviceTimestamp int64
	sourceAddress   string
	pendingCommand  string
	commandQueuedAt time.Time
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{devices: make(map[string]*deviceRecord)}
}

// UpsertHeartbeat implements DeviceRegistry.
func (r *MemoryRegistry) UpsertHeartbeat(_ context.Context, hb model.Heartbeat) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[hb.DeviceID]
	if !ok {
		rec = &deviceRecord{}
		r.devices[hb.DeviceID] = rec
	}

	rec.lastSeen = time.Now().UTC()
	rec.cameraEnabled = hb.CameraEnabled
	rec.streamingActive = hb.StreamingActive
	rec.deviceTimestamp = hb.Timestamp
	rec.sourceAddress = hb.SourceAddress

	command := rec.pendingCommand
	rec.pendingCommand = ""
	rec.commandQueuedAt = time.Time{}

	return command, nil
}

// EnqueueCommand implements DeviceRegistry. Most-recent-wins: a command
// already pending is discarded, not queued behind.
func (r *MemoryRegistry) EnqueueCommand(_ context.Context, deviceID, command string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[deviceID]
	if !ok {
		return time.Time{}, ErrDeviceNotFound
	}

	rec.pendingCommand = command
	rec.commandQueuedAt = time.Now().UTC()
	return rec.commandQueuedAt, nil
}

// ListDevices implements DeviceRegistry.
func (r *MemoryRegistry) ListDevices(_ context.Context) (map[string]model.DeviceStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]model.DeviceStatus, len(r.devices))
	for id, rec := range r.devices {
		status := model.DeviceStatus{
			LastSeen:        rec.lastSeen,
			CameraEnabled:   rec.cameraEnabled,
			StreamingActive: rec.streamingActive,
			DeviceTimestamp: rec.deviceTimestamp,
			SourceAddress:   rec.sourceAddress,
		}
		if rec.pendingCommand != "" {
			status.PendingCommand = rec.pendingCommand
			queuedAt := rec.commandQueuedAt
			status.CommandTimestamp = &queuedAt
		}
		out[id] = status
	}
	return out, nil
}

// MemoryFrameStore retains the most recent frames per device in a bounded
// FIFO sequence, evicting the oldest once the cap is exceeded.
type MemoryFrameStore struct {
	mu     sync.RWMutex
	limits Limits
	frames map[string][]model.Frame
	lastID int64
}

// NewMemoryFrameStore constructs an empty frame store with the given limits.
func NewMemoryFrameStore(limits Limits) *MemoryFrameStore {
	return &MemoryFrameStore{
		limits: limits,
		frames: make(map[string][]model.Frame),
	}
}

// nextID assigns ids that are unique per process and strictly increasing, so
// history ordering has a stable tie-break. Ids start at the current Unix
// millisecond, matching what the wire format historically carried.
func (s *MemoryFrameStore) nextID() int64 {
	id := time.Now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id
}

// Append implements FrameStore.
func (s *MemoryFrameStore) Append(_ context.Context, deviceID string, payload []byte, metadata map[string]string) (model.Frame, error) {
	if err := s.limits.validatePayload(payload); err != nil {
		return model.Frame{}, err
	}

	stored := make([]byte, len(payload))
	copy(stored, payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	frame := model.Frame{
		ID:        s.nextID(),
		DeviceID:  deviceID,
		Payload:   stored,
		Size:      len(stored),
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	seq := append(s.frames[deviceID], frame)
	if keep := s.limits.FrameCap; keep > 0 && len(seq) > keep {
		seq = seq[len(seq)-keep:]
	}
	s.frames[deviceID] = seq

	return frame, nil
}

// Latest implements FrameStore.
func (s *MemoryFrameStore) Latest(_ context.Context, deviceID string) (model.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.frames[deviceID]
	if len(seq) == 0 {
		return model.Frame{}, ErrFrameNotFound
	}
	return seq[len(seq)-1], nil
}

// ByID implements FrameStore.
func (s *MemoryFrameStore) ByID(_ context.Context, deviceID string, frameID int64) (model.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, frame := range s.frames[deviceID] {
		if frame.ID == frameID {
			return frame, nil
		}
	}
	return model.Frame{}, ErrFrameNotFound
}

// History implements FrameStore. Frames are appended in creation order, so
// walking the sequence backwards yields newest-first.
func (s *MemoryFrameStore) History(_ context.Context, deviceID string, limit int) ([]model.FrameSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.frames[deviceID]
	if limit <= 0 || limit > len(seq) {
		limit = len(seq)
	}

	out := make([]model.FrameSummary, 0, limit)
	for i := len(seq) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, seq[i].Summary())
	}
	return out, nil
}
