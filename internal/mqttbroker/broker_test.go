package mqttbroker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func startTestBroker(t *testing.T) *Broker {
	t.Helper()

	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := b.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("broker start: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

// dialAndConnect opens a TCP connection and completes the MQTT handshake.
func dialAndConnect(t *testing.T, b *Broker, clientID string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", b.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write(connectPacket(clientID)); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	ack := make([]byte, 4)
	if _, err := io.ReadFull(conn, ack); err != nil {
		t.Fatalf("read connack: %v", err)
	}
	if !bytes.Equal(ack, connackPacket()) {
		t.Fatalf("unexpected connack %x", ack)
	}
	return conn
}

func connectPacket(clientID string) []byte {
	var body []byte
	body = binary.BigEndian.AppendUint16(body, 4)
	body = append(body, "MQTT"...)
	body = append(body, 4)    // protocol level
	body = append(body, 0x02) // clean session
	body = binary.BigEndian.AppendUint16(body, 30)
	body = binary.BigEndian.AppendUint16(body, uint16(len(clientID)))
	body = append(body, clientID...)

	packet := []byte{packetConnect << 4}
	packet = appendRemainingLength(packet, len(body))
	return append(packet, body...)
}

func subscribePacket(packetID uint16, topic string) []byte {
	var body []byte
	body = binary.BigEndian.AppendUint16(body, packetID)
	body = binary.BigEndian.AppendUint16(body, uint16(len(topic)))
	body = append(body, topic...)
	body = append(body, 0) // requested QoS 0

	packet := []byte{packetSubscribe<<4 | 0x02}
	packet = appendRemainingLength(packet, len(body))
	return append(packet, body...)
}

func TestPublishReachesHandler(t *testing.T) {
	b := startTestBroker(t)

	received := make(chan Inbound, 1)
	b.SetHandler(func(_ context.Context, msg Inbound) {
		received <- msg
	})

	conn := dialAndConnect(t, b, "cam-1")

	packet, err := publishPacket("cameras/cam-1/heartbeat", []byte(`{"device_id":"cam-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(packet); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-received:
		if msg.ClientID != "cam-1" {
			t.Errorf("client id %q", msg.ClientID)
		}
		if msg.Topic != "cameras/cam-1/heartbeat" {
			t.Errorf("topic %q", msg.Topic)
		}
		if !bytes.Equal(msg.Payload, []byte(`{"device_id":"cam-1"}`)) {
			t.Errorf("payload %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for publish to reach handler")
	}
}

func TestBrokerPushesToSubscriber(t *testing.T) {
	b := startTestBroker(t)

	conn := dialAndConnect(t, b, "cam-2")
	reader := bufio.NewReader(conn)

	if _, err := conn.Write(subscribePacket(7, "cameras/cam-2/commands")); err != nil {
		t.Fatal(err)
	}

	header, body, err := readPacket(reader)
	if err != nil {
		t.Fatalf("read suback: %v", err)
	}
	if header>>4 != packetSuback {
		t.Fatalf("expected suback, got packet type %d", header>>4)
	}
	if len(body) != 3 || body[2] != 0 {
		t.Fatalf("unexpected suback body %x", body)
	}

	if err := b.Publish("cameras/cam-2/commands", []byte(`{"command":"camera_on"}`)); err != nil {
		t.Fatal(err)
	}

	header, body, err = readPacket(reader)
	if err != nil {
		t.Fatalf("read publish: %v", err)
	}
	topic, payload, err := parsePublish(header, body)
	if err != nil {
		t.Fatal(err)
	}
	if topic != "cameras/cam-2/commands" {
		t.Errorf("topic %q", topic)
	}
	if !bytes.Equal(payload, []byte(`{"command":"camera_on"}`)) {
		t.Errorf("payload %q", payload)
	}
}

// TestWriteTimesOutOnStalledPeer uses a pipe with no reader: the write must
// give up within the deadline instead of blocking forever.
func TestWriteTimesOutOnStalledPeer(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sess := &session{conn: server, topics: make(map[string]struct{})}

	start := time.Now()
	err := sess.write(pingrespPacket())
	if err == nil {
		t.Fatal("write to a stalled peer should fail")
	}

	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected a timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > writeTimeout+time.Second {
		t.Fatalf("write blocked for %v", elapsed)
	}
}

func TestPublishSkipsUnsubscribedSessions(t *testing.T) {
	b := startTestBroker(t)

	conn := dialAndConnect(t, b, "cam-3")
	reader := bufio.NewReader(conn)

	if err := b.Publish("cameras/other/commands", []byte("x")); err != nil {
		t.Fatal(err)
	}

	// A ping round trip proves nothing else was queued for this session.
	if _, err := conn.Write([]byte{packetPingreq << 4, 0x00}); err != nil {
		t.Fatal(err)
	}
	header, _, err := readPacket(reader)
	if err != nil {
		t.Fatal(err)
	}
	if header>>4 != packetPingresp {
		t.Fatalf("expected pingresp, got packet type %d", header>>4)
	}
}
