// camera-sim impersonates an ESP32-CAM against a running relay: it publishes
// heartbeats and synthetic JPEG frames over MQTT and reacts to commands
// pushed back on its command topic.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type heartbeatPayload struct {
	DeviceID        string `json:"device_id"`
	CameraEnabled   bool   `json:"camera_enabled"`
	StreamingActive bool   `json:"streaming_active"`
	Timestamp       int64  `json:"timestamp"`
}

type commandPayload struct {
	Command string `json:"command"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	deviceID := flag.String("device-id", "sim-cam-1", "Device identifier")
	interval := flag.Duration("heartbeat-interval", 5*time.Second, "Interval between heartbeats")
	frameInterval := flag.Duration("frame-interval", 2*time.Second, "Interval between frames while streaming")
	frameSize := flag.Int("frame-size", 24*1024, "Synthetic frame payload size in bytes")

	flag.Parse()

	var cameraEnabled, streamingActive atomic.Bool

	clientID := fmt.Sprintf("%s-simulator-%d", *deviceID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	commandTopic := fmt.Sprintf("cameras/%s/commands", *deviceID)
	token := client.Subscribe(commandTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var cmd commandPayload
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			log.Printf("undecodable command: %v", err)
			return
		}
		log.Printf("received command: %s", cmd.Command)

		switch cmd.Command {
		case "camera_on":
			cameraEnabled.Store(true)
		case "camera_off":
			cameraEnabled.Store(false)
			streamingActive.Store(false)
		case "stream_start":
			cameraEnabled.Store(true)
			streamingActive.Store(true)
		case "stream_stop":
			streamingActive.Store(false)
		default:
			log.Printf("ignoring unknown command %q", cmd.Command)
		}
	})
	if token.Wait() && token.Error() != nil {
		log.Fatalf("failed to subscribe to %s: %v", commandTopic, token.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	heartbeatTicker := time.NewTicker(*interval)
	defer heartbeatTicker.Stop()

	frameTicker := time.NewTicker(*frameInterval)
	defer frameTicker.Stop()

	heartbeat := func() {
		payload := heartbeatPayload{
			DeviceID:        *deviceID,
			CameraEnabled:   cameraEnabled.Load(),
			StreamingActive: streamingActive.Load(),
			Timestamp:       time.Now().UnixMilli(),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode heartbeat: %v", err)
			return
		}

		topic := fmt.Sprintf("cameras/%s/heartbeat", *deviceID)
		t := client.Publish(topic, 0, false, data)
		t.Wait()
		if err := t.Error(); err != nil {
			log.Printf("heartbeat publish error: %v", err)
			return
		}
		log.Printf("published heartbeat camera=%t streaming=%t", payload.CameraEnabled, payload.StreamingActive)
	}

	frame := func() {
		if !streamingActive.Load() {
			return
		}

		topic := fmt.Sprintf("cameras/%s/frames", *deviceID)
		t := client.Publish(topic, 0, false, syntheticJPEG(*frameSize))
		t.Wait()
		if err := t.Error(); err != nil {
			log.Printf("frame publish error: %v", err)
			return
		}
		log.Printf("published frame %d bytes", *frameSize)
	}

	heartbeat()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-heartbeatTicker.C:
			heartbeat()
		case <-frameTicker.C:
			frame()
		}
	}
}

// syntheticJPEG produces random bytes behind a JPEG SOI marker, enough to
// exercise the relay's storage path without a real sensor.
func syntheticJPEG(size int) []byte {
	if size < 4 {
		size = 4
	}
	buf := make([]byte, size)
	rand.Read(buf)
	buf[0], buf[1] = 0xFF, 0xD8
	buf[size-2], buf[size-1] = 0xFF, 0xD9
	return buf
}
