package model

import "time"

// Heartbeat is the periodic status push from a camera device. It doubles as
// the poll point for pending command delivery.
type Heartbeat struct {
	DeviceID        string `json:"device_id"`
	CameraEnabled   bool   `json:"camera_enabled"`
	StreamingActive bool   `json:"streaming_active"`
	// Timestamp is the device's own clock value, passed through opaquely.
	Timestamp int64 `json:"timestamp"`
	// SourceAddress is filled in by the transport (HTTP remote addr or MQTT
	// client id), never by the device payload.
	SourceAddress string `json:"-"`
}

// DeviceStatus is the registry's view of one device, as exposed to operators.
// PendingCommand and CommandTimestamp are included on purpose: the dashboard
// shows a command that is still awaiting pickup.
type DeviceStatus struct {
	LastSeen         time.Time  `json:"lastSeen"`
	CameraEnabled    bool       `json:"cameraEnabled"`
	StreamingActive  bool       `json:"streamingActive"`
	DeviceTimestamp  int64      `json:"deviceTimestamp"`
	SourceAddress    string     `json:"ip"`
	PendingCommand   string     `json:"pendingCommand,omitempty"`
	CommandTimestamp *time.Time `json:"commandTimestamp,omitempty"`
}

// Frame is one uploaded still image plus its ingest metadata.
type Frame struct {
	ID        int64             `json:"id"`
	DeviceID  string            `json:"device_id"`
	Payload   []byte            `json:"-"`
	Size      int               `json:"size"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// FrameSummary describes a stored frame without its payload bytes, keeping
// history responses small.
type FrameSummary struct {
	ID        int64             `json:"id"`
	Size      int               `json:"size"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Summary strips the payload from a frame.
func (f Frame) Summary() FrameSummary {
	return FrameSummary{
		ID:        f.ID,
		Size:      f.Size,
		Metadata:  f.Metadata,
		Timestamp: f.CreatedAt,
	}
}
