package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"camrelay/internal/model"
	"camrelay/internal/store"
)

// maxRequestBytes caps any single ingest request body. The frame payload
// itself is bounded separately by the configured frame limit.
const maxRequestBytes = 10 * 1024 * 1024

const defaultDeviceID = "unknown"

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/stream", a.handleStream)
	mux.HandleFunc("/api/heartbeat", a.handleHeartbeat)
	mux.HandleFunc("/api/devices", a.handleDevices)
	mux.HandleFunc("/api/frames/", a.handleFrames)
	mux.HandleFunc("/api/control/", a.handleControl)
	mux.HandleFunc("/", a.handleIndex)

	return mux
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *App) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if a.devices == nil || a.frames == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		a.writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	connected := 0
	if devices, err := a.devices.ListDevices(ctx); err == nil {
		connected = len(devices)
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "camera relay running",
		"timestamp":        time.Now().UTC().Format(time.RFC3339Nano),
		"connectedDevices": connected,
	})
}

// handleStream ingests one frame. The device identifies itself with the
// X-Device-ID header; the payload may arrive as a multipart form file, a raw
// binary body, or a JSON-wrapped byte array. Whatever the encoding, it is
// normalized to a single byte slice before reaching the frame store.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	deviceID := r.Header.Get("X-Device-ID")
	if deviceID == "" {
		deviceID = defaultDeviceID
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	payload, err := readFramePayload(r)
	if err != nil {
		a.logger.Warn("frame upload unreadable", "device", deviceID, "error", err)
		a.writeError(w, http.StatusBadRequest, "no frame data received")
		return
	}

	metadata := map[string]string{
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		metadata["userAgent"] = ua
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		metadata["contentType"] = ct
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	frame, err := a.frames.Append(ctx, deviceID, payload, metadata)
	switch {
	case errors.Is(err, store.ErrEmptyFrame):
		a.writeError(w, http.StatusBadRequest, "no frame data received")
		return
	case errors.Is(err, store.ErrFrameTooLarge):
		a.writeError(w, http.StatusRequestEntityTooLarge, "frame exceeds size limit")
		return
	case err != nil:
		a.logger.Error("failed to store frame", "device", deviceID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to process frame")
		return
	}

	a.logger.Info("frame stored", "device", deviceID, "frame_id", frame.ID, "size", frame.Size, "transport", "http")

	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"frameId":   frame.ID,
		"size":      frame.Size,
		"timestamp": frame.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// readFramePayload normalizes the three accepted upload encodings into one
// contiguous byte slice. Transport sniffing stays here; the stores only ever
// see bytes.
func readFramePayload(r *http.Request) ([]byte, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, _, err := r.FormFile("frame")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(file)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(contentType, "application/json") {
		// Node-style serialized Buffer: {"type":"Buffer","data":[1,2,...]}.
		// The data field is an array of byte values, not base64.
		var wrapped struct {
			Type string `json:"type"`
			Data []int  `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Type == "Buffer" {
			payload := make([]byte, len(wrapped.Data))
			for i, v := range wrapped.Data {
				payload[i] = byte(v)
			}
			return payload, nil
		}
	}

	return body, nil
}

func (a *App) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var hb model.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid heartbeat payload")
		return
	}
	if hb.DeviceID == "" {
		a.writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	hb.SourceAddress = r.RemoteAddr

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	command, err := a.devices.UpsertHeartbeat(ctx, hb)
	if err != nil {
		a.logger.Error("failed to record heartbeat", "device", hb.DeviceID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to process heartbeat")
		return
	}

	a.logger.Info("heartbeat", "device", hb.DeviceID, "camera", hb.CameraEnabled, "streaming", hb.StreamingActive, "transport", "http")

	response := map[string]string{"status": "ok"}
	if command != "" {
		response["command"] = command
		a.logger.Info("command delivered", "device", hb.DeviceID, "command", command, "transport", "http")
	}

	a.writeJSON(w, http.StatusOK, response)
}

func (a *App) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	devices, err := a.devices.ListDevices(ctx)
	if err != nil {
		a.logger.Error("failed to list devices", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	a.writeJSON(w, http.StatusOK, devices)
}

// handleFrames serves GET /api/frames/{deviceId} (history),
// GET /api/frames/{deviceId}/latest, and GET /api/frames/{deviceId}/{frameId}.
func (a *App) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/frames/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		a.serveFrameHistory(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "latest":
		a.serveLatestFrame(w, r, parts[0])
	case len(parts) == 2:
		frameID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid frame id")
			return
		}
		a.serveFrameByID(w, r, parts[0], frameID)
	default:
		a.writeError(w, http.StatusNotFound, "endpoint not found")
	}
}

func (a *App) serveFrameHistory(w http.ResponseWriter, r *http.Request, deviceID string) {
	limit := a.cfg.FrameCap
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	frames, err := a.frames.History(ctx, deviceID, limit)
	if err != nil {
		a.logger.Error("failed to load frame history", "device", deviceID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to retrieve frame history")
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":    deviceID,
		"totalFrames": len(frames),
		"frames":      frames,
	})
}

func (a *App) serveLatestFrame(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	frame, err := a.frames.Latest(ctx, deviceID)
	if errors.Is(err, store.ErrFrameNotFound) {
		a.writeError(w, http.StatusNotFound, "no frames found for device")
		return
	}
	if err != nil {
		a.logger.Error("failed to load latest frame", "device", deviceID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to retrieve frame")
		return
	}

	a.serveFrameBytes(w, frame, true)
}

func (a *App) serveFrameByID(w http.ResponseWriter, r *http.Request, deviceID string, frameID int64) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	frame, err := a.frames.ByID(ctx, deviceID, frameID)
	if errors.Is(err, store.ErrFrameNotFound) {
		a.writeError(w, http.StatusNotFound, "frame not found")
		return
	}
	if err != nil {
		a.logger.Error("failed to load frame", "device", deviceID, "frame_id", frameID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to retrieve frame")
		return
	}

	a.serveFrameBytes(w, frame, false)
}

func (a *App) serveFrameBytes(w http.ResponseWriter, frame model.Frame, includeID bool) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(frame.Size))
	if includeID {
		w.Header().Set("X-Frame-ID", strconv.FormatInt(frame.ID, 10))
	}
	w.Header().Set("X-Timestamp", frame.CreatedAt.UTC().Format(time.RFC3339Nano))
	if _, err := w.Write(frame.Payload); err != nil {
		a.logger.Debug("frame write aborted", "frame_id", frame.ID, "error", err)
	}
}

// handleControl queues a command for a device's next heartbeat. The command
// vocabulary is the device's business; the relay stores whatever string the
// operator sent.
func (a *App) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	deviceID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/control/"), "/")
	if deviceID == "" || strings.Contains(deviceID, "/") {
		a.writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Command == "" {
		a.writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	queuedAt, err := a.devices.EnqueueCommand(ctx, deviceID, req.Command)
	if errors.Is(err, store.ErrDeviceNotFound) {
		a.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		a.logger.Error("failed to queue command", "device", deviceID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to process command")
		return
	}

	a.logger.Info("command queued", "device", deviceID, "command", req.Command)

	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "command_queued",
		"deviceId":  deviceID,
		"command":   req.Command,
		"timestamp": queuedAt.Format(time.RFC3339Nano),
	})
}
