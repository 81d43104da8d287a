// Package app wires the relay's stores, transports, and lifecycle together.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"camrelay/internal/config"
	"camrelay/internal/model"
	"camrelay/internal/mqttbroker"
	"camrelay/internal/store"
)

// App wires together the relay services and manages their lifecycle.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	devices store.DeviceRegistry
	frames  store.FrameStore
	db      *store.Store
	broker  *mqttbroker.Broker
	mdns    *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is
// cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.openStores(ctx); err != nil {
		return err
	}
	defer a.closeStores()

	var brokerErrCh <-chan error
	if a.cfg.MQTTBindAddress != "" {
		broker := mqttbroker.New(a.logger)
		broker.SetHandler(a.handleInbound)

		errCh, err := broker.Start(a.cfg.MQTTBindAddress)
		if err != nil {
			return err
		}
		a.broker = broker
		brokerErrCh = errCh
	}

	if a.cfg.EnableMDNS {
		if err := a.startMDNS(); err != nil {
			a.logger.Warn("mDNS advertisement unavailable", "error", err)
		}
		defer a.stopMDNS()
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			if a.broker != nil {
				if err := a.broker.Stop(); err != nil {
					return err
				}
				a.logger.Info("mqtt broker stopped")
			}
			return nil
		case err := <-httpErrCh:
			if err != nil {
				if a.broker != nil {
					_ = a.broker.Stop()
				}
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				_ = a.broker.Stop()
				return err
			}
		}
	}
}

// openStores selects the storage backing: sqlite when a database path is
// configured, process-memory otherwise (the reference deployment's
// "memory-only mode").
func (a *App) openStores(ctx context.Context) error {
	limits := store.Limits{
		MaxFrameBytes: a.cfg.MaxFrameBytes,
		FrameCap:      a.cfg.FrameCap,
	}

	if a.cfg.DatabasePath == "" {
		a.devices = store.NewMemoryRegistry()
		a.frames = store.NewMemoryFrameStore(limits)
		a.logger.Info("using in-memory stores; device and frame state is volatile")
		return nil
	}

	db, err := store.Open(a.cfg.DatabasePath, limits)
	if err != nil {
		return err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return err
	}

	a.db = db
	a.devices = db
	a.frames = db
	a.logger.Info("using sqlite stores", "path", a.cfg.DatabasePath)
	return nil
}

func (a *App) closeStores() {
	if a.db == nil {
		return
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
}

// MQTT topic layout: cameras/<device-id>/heartbeat, cameras/<device-id>/frames
// inbound; cameras/<device-id>/commands outbound.
const (
	topicPrefix       = "cameras/"
	topicHeartbeat    = "heartbeat"
	topicFrames       = "frames"
	topicCommandsLeaf = "commands"
)

func commandTopic(deviceID string) string {
	return topicPrefix + deviceID + "/" + topicCommandsLeaf
}

func splitCameraTopic(topic string) (deviceID, leaf string, ok bool) {
	rest, found := strings.CutPrefix(topic, topicPrefix)
	if !found {
		return "", "", false
	}
	deviceID, leaf, found = strings.Cut(rest, "/")
	if !found || deviceID == "" || strings.Contains(leaf, "/") {
		return "", "", false
	}
	return deviceID, leaf, true
}

func (a *App) handleInbound(ctx context.Context, msg mqttbroker.Inbound) {
	deviceID, leaf, ok := splitCameraTopic(msg.Topic)
	if !ok {
		return
	}

	switch leaf {
	case topicHeartbeat:
		a.handleMQTTHeartbeat(ctx, deviceID, msg)
	case topicFrames:
		a.handleMQTTFrame(ctx, deviceID, msg)
	default:
		// commands and anything else flow device-ward only
	}
}

func (a *App) handleMQTTHeartbeat(ctx context.Context, deviceID string, msg mqttbroker.Inbound) {
	var hb model.Heartbeat
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &hb); err != nil {
			a.logger.Warn("mqtt heartbeat decode failed", "topic", msg.Topic, "error", err)
			return
		}
	}

	if hb.DeviceID == "" {
		hb.DeviceID = deviceID
	}
	hb.SourceAddress = "mqtt:" + msg.ClientID

	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	command, err := a.devices.UpsertHeartbeat(storeCtx, hb)
	if err != nil {
		a.logger.Error("failed to record mqtt heartbeat", "device", hb.DeviceID, "error", err)
		return
	}

	a.logger.Info("heartbeat", "device", hb.DeviceID, "camera", hb.CameraEnabled, "streaming", hb.StreamingActive, "transport", "mqtt")

	if command == "" || a.broker == nil {
		return
	}

	// Push the drained command on the device's command topic. The mailbox
	// has already been cleared, so this is the command's only delivery.
	payload, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		a.logger.Error("encode command payload", "error", err)
		return
	}
	if err := a.broker.Publish(commandTopic(hb.DeviceID), payload); err != nil {
		a.logger.Error("failed to push command", "device", hb.DeviceID, "command", command, "error", err)
		return
	}
	a.logger.Info("command delivered", "device", hb.DeviceID, "command", command, "transport", "mqtt")
}

func (a *App) handleMQTTFrame(ctx context.Context, deviceID string, msg mqttbroker.Inbound) {
	metadata := map[string]string{
		"contentType": "image/jpeg",
		"clientId":    msg.ClientID,
		"timestamp":   strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	frame, err := a.frames.Append(storeCtx, deviceID, msg.Payload, metadata)
	if err != nil {
		a.logger.Warn("mqtt frame rejected", "device", deviceID, "size", len(msg.Payload), "error", err)
		return
	}

	a.logger.Info("frame stored", "device", deviceID, "frame_id", frame.ID, "size", frame.Size, "transport", "mqtt")
}

