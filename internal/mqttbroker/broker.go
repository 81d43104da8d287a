// Package mqttbroker embeds a minimal MQTT v3.1.1 broker so battery-powered
// cameras can push heartbeats and frames without keeping HTTP connections
// alive. Only QoS 0 publish/subscribe is supported; the relay pushes drained
// commands back on per-device topics.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Inbound is a QoS 0 publish received from a connected camera.
type Inbound struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for every inbound publish.
type Handler func(context.Context, Inbound)

// writeTimeout bounds each packet write so a stalled subscriber cannot hold
// the session list read-locked indefinitely once kernel buffers fill.
const writeTimeout = 2 * time.Second

type session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	topicsMu sync.RWMutex
	topics   map[string]struct{}
	clientID string
	closed   atomic.Bool
}

func (s *session) subscribed(topic string) bool {
	s.topicsMu.RLock()
	defer s.topicsMu.RUnlock()
	_, ok := s.topics[topic]
	return ok
}

func (s *session) subscribe(topics []string) {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	for _, topic := range topics {
		s.topics[topic] = struct{}{}
	}
}

func (s *session) unsubscribeAll() {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	s.topics = make(map[string]struct{})
}

func (s *session) write(packet []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.conn.Write(packet)
	return err
}

// Broker accepts camera connections and fans publishes out to the installed
// handler and to subscribed peers.
type Broker struct {
	logger       *slog.Logger
	handler      atomic.Value // Handler
	mu           sync.Mutex
	listener     net.Listener
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	b := &Broker{logger: logger, sessions: make(map[*session]struct{})}
	b.handler.Store(Handler(func(context.Context, Inbound) {}))
	return b
}

// SetHandler installs the function invoked for each inbound publish.
func (b *Broker) SetHandler(h Handler) {
	if h == nil {
		h = func(context.Context, Inbound) {}
	}
	b.handler.Store(h)
}

// Start begins listening on the provided bind address. The returned channel
// is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", "addr", bind)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					b.logger.Warn("transient accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			sess := &session{
				conn:   conn,
				reader: bufio.NewReader(conn),
				topics: make(map[string]struct{}),
			}
			b.track(sess)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(sess)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the bound listener address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and all live sessions, then waits for their
// goroutines to drain.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.sessionsMu.Lock()
	for sess := range b.sessions {
		sess.closed.Store(true)
		_ = sess.conn.Close()
	}
	b.sessions = make(map[*session]struct{})
	b.sessionsMu.Unlock()

	b.wg.Wait()
	return nil
}

// Publish sends a QoS 0 message to every session subscribed to the topic.
// Used by the relay to push drained commands to cameras.
func (b *Broker) Publish(topic string, payload []byte) error {
	packet, err := publishPacket(topic, payload)
	if err != nil {
		return err
	}

	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()

	for sess := range b.sessions {
		if !sess.subscribed(topic) {
			continue
		}
		if err := sess.write(packet); err != nil {
			b.logger.Warn("publish to subscriber failed", "client", sess.clientID, "error", err)
		}
	}
	return nil
}

func (b *Broker) track(sess *session) {
	b.sessionsMu.Lock()
	b.sessions[sess] = struct{}{}
	b.sessionsMu.Unlock()
}

func (b *Broker) drop(sess *session) {
	b.sessionsMu.Lock()
	delete(b.sessions, sess)
	b.sessionsMu.Unlock()
}

func (b *Broker) serve(sess *session) {
	defer func() {
		sess.closed.Store(true)
		b.drop(sess)
		_ = sess.conn.Close()
	}()

	ctx := context.Background()

	for {
		header, body, err := readPacket(sess.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !b.shuttingDown.Load() {
				b.logger.Debug("session read error", "client", sess.clientID, "error", err)
			}
			return
		}

		switch header >> 4 {
		case packetConnect:
			clientID, err := parseConnect(body)
			if err != nil {
				b.logger.Debug("connect rejected", "error", err)
				return
			}
			if clientID == "" {
				clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
			}
			sess.clientID = clientID
			if err := sess.write(connackPacket()); err != nil {
				return
			}

		case packetPublish:
			topic, payload, err := parsePublish(header, body)
			if err != nil {
				b.logger.Debug("publish rejected", "client", sess.clientID, "error", err)
				return
			}
			msg := Inbound{ClientID: sess.clientID, Topic: topic, Payload: payload}
			if h, ok := b.handler.Load().(Handler); ok {
				b.invoke(h, ctx, msg)
			}
			b.forward(topic, payload, sess)

		case packetSubscribe:
			packetID, topics, err := parseSubscribe(body)
			if err != nil {
				b.logger.Debug("subscribe rejected", "client", sess.clientID, "error", err)
				return
			}
			sess.subscribe(topics)
			if err := sess.write(subackPacket(packetID, len(topics))); err != nil {
				return
			}

		case packetUnsubscribe:
			d := &decoder{buf: body}
			packetID := d.uint16()
			if d.err != nil {
				return
			}
			sess.unsubscribeAll()
			if err := sess.write(unsubackPacket(packetID)); err != nil {
				return
			}

		case packetPingreq:
			if err := sess.write(pingrespPacket()); err != nil {
				return
			}

		case packetDisconnect:
			return

		default:
			b.logger.Debug("unsupported packet", "type", header>>4, "client", sess.clientID)
			return
		}
	}
}

// forward relays a publish to subscribed peers, excluding the publisher.
func (b *Broker) forward(topic string, payload []byte, from *session) {
	packet, err := publishPacket(topic, payload)
	if err != nil {
		return
	}

	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()

	for sess := range b.sessions {
		if sess == from || !sess.subscribed(topic) {
			continue
		}
		if err := sess.write(packet); err != nil {
			b.logger.Debug("forward failed", "client", sess.clientID, "error", err)
		}
	}
}

func (b *Broker) invoke(h Handler, ctx context.Context, msg Inbound) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("publish handler panic", "panic", r)
		}
	}()
	h(ctx, msg)
}
