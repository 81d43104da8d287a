package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"camrelay/internal/model"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed implementation of both DeviceRegistry and
// FrameStore. It keeps the relay's state across restarts, which the in-memory
// stores deliberately do not.
type Store struct {
	db     *sql.DB
	limits Limits
}

// Open initializes the database connection, creating directories as needed.
func Open(path string, limits Limits) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, limits: limits}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			last_seen TEXT NOT NULL,
			camera_enabled INTEGER NOT NULL DEFAULT 0,
			streaming_active INTEGER NOT NULL DEFAULT 0,
			device_timestamp INTEGER NOT NULL DEFAULT 0,
			source_address TEXT,
			pending_command TEXT,
			command_queued_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS frames (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			size INTEGER NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_frames_device_id ON frames(device_id, id DESC);`,
		`CREATE TABLE IF NOT EXISTS device_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			camera_enabled INTEGER NOT NULL DEFAULT 0,
			streaming_active INTEGER NOT NULL DEFAULT 0,
			source_address TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_device_log_device_created ON device_log(device_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// UpsertHeartbeat implements DeviceRegistry. The pending-command read and
// clear happen inside one transaction; with a single connection this makes
// the drain atomic with respect to concurrent enqueues.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb model.Heartbeat) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin heartbeat tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pending sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT pending_command FROM devices WHERE device_id = ?;`, hb.DeviceID,
	).Scan(&pending)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read pending command: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO devices (device_id, last_seen, camera_enabled, streaming_active, device_timestamp, source_address, pending_command, command_queued_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)
		 ON CONFLICT(device_id)
		 DO UPDATE SET last_seen = excluded.last_seen,
			 camera_enabled = excluded.camera_enabled,
			 streaming_active = excluded.streaming_active,
			 device_timestamp = excluded.device_timestamp,
			 source_address = excluded.source_address,
			 pending_command = NULL,
			 command_queued_at = NULL;`,
		hb.DeviceID,
		now,
		boolToInt(hb.CameraEnabled),
		boolToInt(hb.StreamingActive),
		hb.Timestamp,
		hb.SourceAddress,
	)
	if err != nil {
		return "", fmt.Errorf("upsert device: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO device_log (device_id, camera_enabled, streaming_active, source_address) VALUES (?, ?, ?, ?);`,
		hb.DeviceID,
		boolToInt(hb.CameraEnabled),
		boolToInt(hb.StreamingActive),
		hb.SourceAddress,
	)
	if err != nil {
		return "", fmt.Errorf("journal heartbeat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit heartbeat: %w", err)
	}

	return pending.String, nil
}

// EnqueueCommand implements DeviceRegistry.
func (s *Store) EnqueueCommand(ctx context.Context, deviceID, command string) (time.Time, error) {
	queuedAt := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET pending_command = ?, command_queued_at = ? WHERE device_id = ?;`,
		command,
		queuedAt.Format(time.RFC3339Nano),
		deviceID,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("enqueue command: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, fmt.Errorf("enqueue command result: %w", err)
	}
	if affected == 0 {
		return time.Time{}, ErrDeviceNotFound
	}

	return queuedAt, nil
}

// ListDevices implements DeviceRegistry.
func (s *Store) ListDevices(ctx context.Context) (map[string]model.DeviceStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, last_seen, camera_enabled, streaming_active, device_timestamp, source_address, pending_command, command_queued_at FROM devices;`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.DeviceStatus)

	for rows.Next() {
		var (
			deviceID        string
			lastSeenStr     string
			cameraEnabled   int
			streamingActive int
			deviceTimestamp int64
			sourceAddress   sql.NullString
			pendingCommand  sql.NullString
			queuedAtStr     sql.NullString
		)

		if err := rows.Scan(&deviceID, &lastSeenStr, &cameraEnabled, &streamingActive, &deviceTimestamp, &sourceAddress, &pendingCommand, &queuedAtStr); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}

		status := model.DeviceStatus{
			LastSeen:        parseStoredTime(lastSeenStr),
			CameraEnabled:   cameraEnabled != 0,
			StreamingActive: streamingActive != 0,
			DeviceTimestamp: deviceTimestamp,
			SourceAddress:   sourceAddress.String,
		}
		if pendingCommand.Valid && pendingCommand.String != "" {
			status.PendingCommand = pendingCommand.String
			if queuedAtStr.Valid {
				queuedAt := parseStoredTime(queuedAtStr.String)
				status.CommandTimestamp = &queuedAt
			}
		}
		out[deviceID] = status
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}

	return out, nil
}

// Append implements FrameStore. After the insert the device's retained frames
// are trimmed back to the cap, oldest first.
func (s *Store) Append(ctx context.Context, deviceID string, payload []byte, metadata map[string]string) (model.Frame, error) {
	if err := s.limits.validatePayload(payload); err != nil {
		return model.Frame{}, err
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return model.Frame{}, fmt.Errorf("encode frame metadata: %w", err)
	}

	createdAt := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO frames (device_id, payload, size, metadata, created_at) VALUES (?, ?, ?, ?, ?);`,
		deviceID,
		payload,
		len(payload),
		string(metaJSON),
		createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return model.Frame{}, fmt.Errorf("insert frame: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.Frame{}, fmt.Errorf("frame insert id: %w", err)
	}

	if keep := s.limits.FrameCap; keep > 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM frames WHERE device_id = ? AND id NOT IN (
				SELECT id FROM frames WHERE device_id = ? ORDER BY id DESC LIMIT ?
			);`,
			deviceID, deviceID, keep,
		)
		if err != nil {
			return model.Frame{}, fmt.Errorf("trim frames: %w", err)
		}
	}

	return model.Frame{
		ID:        id,
		DeviceID:  deviceID,
		Payload:   payload,
		Size:      len(payload),
		Metadata:  metadata,
		CreatedAt: createdAt,
	}, nil
}

// Latest implements FrameStore. Ids are assigned in insertion order and
// createdAt is set at insert time, so id alone gives newest-first; the stored
// RFC 3339 text trims fractional zeros and cannot be compared lexically.
func (s *Store) Latest(ctx context.Context, deviceID string) (model.Frame, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, payload, size, metadata, created_at FROM frames
		 WHERE device_id = ?
		 ORDER BY id DESC
		 LIMIT 1;`,
		deviceID,
	)
	return s.scanFrame(row, deviceID)
}

// ByID implements FrameStore.
func (s *Store) ByID(ctx context.Context, deviceID string, frameID int64) (model.Frame, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, payload, size, metadata, created_at FROM frames WHERE device_id = ? AND id = ?;`,
		deviceID, frameID,
	)
	return s.scanFrame(row, deviceID)
}

// History implements FrameStore.
func (s *Store) History(ctx context.Context, deviceID string, limit int) ([]model.FrameSummary, error) {
	if limit <= 0 {
		limit = -1 // sqlite treats a negative limit as unbounded
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, size, metadata, created_at FROM frames
		 WHERE device_id = ?
		 ORDER BY id DESC
		 LIMIT ?;`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query frame history: %w", err)
	}
	defer rows.Close()

	capacity := limit
	if capacity < 0 {
		capacity = s.limits.FrameCap
	}
	summaries := make([]model.FrameSummary, 0, capacity)

	for rows.Next() {
		var (
			id           int64
			size         int
			metaJSON     string
			createdAtStr string
		)
		if err := rows.Scan(&id, &size, &metaJSON, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan frame summary: %w", err)
		}

		summaries = append(summaries, model.FrameSummary{
			ID:        id,
			Size:      size,
			Metadata:  decodeMetadata(metaJSON),
			Timestamp: parseStoredTime(createdAtStr),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frame history: %w", err)
	}

	return summaries, nil
}

func (s *Store) scanFrame(row *sql.Row, deviceID string) (model.Frame, error) {
	var (
		id           int64
		payload      []byte
		size         int
		metaJSON     string
		createdAtStr string
	)

	err := row.Scan(&id, &payload, &size, &metaJSON, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Frame{}, ErrFrameNotFound
	}
	if err != nil {
		return model.Frame{}, fmt.Errorf("scan frame: %w", err)
	}

	return model.Frame{
		ID:        id,
		DeviceID:  deviceID,
		Payload:   payload,
		Size:      size,
		Metadata:  decodeMetadata(metaJSON),
		CreatedAt: parseStoredTime(createdAtStr),
	}, nil
}

func decodeMetadata(raw string) map[string]string {
	if raw == "" || raw == "{}" || raw == "null" {
		return nil
	}
	meta := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil
	}
	return meta
}

func parseStoredTime(value string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		ts, _ = time.Parse("2006-01-02T15:04:05Z07:00", value)
	}
	return ts
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
