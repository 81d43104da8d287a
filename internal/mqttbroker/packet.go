package mqttbroker

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MQTT v3.1.1 control packet types. Only the QoS 0 subset the relay needs is
// handled; everything else terminates the session.
const (
	packetConnect     = 1
	packetConnack     = 2
	packetPublish     = 3
	packetSubscribe   = 8
	packetSuback      = 9
	packetUnsubscribe = 10
	packetUnsuback    = 11
	packetPingreq     = 12
	packetPingresp    = 13
	packetDisconnect  = 14
)

// readPacket consumes one control packet: fixed header byte, variable-length
// remaining length, then the body.
func readPacket(r *bufio.Reader) (header byte, body []byte, err error) {
	header, err = r.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	length, err := readRemainingLength(r)
	if err != nil {
		return 0, nil, fmt.Errorf("remaining length: %w", err)
	}

	body = make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("packet body: %w", err)
	}
	return header, body, nil
}

func readRemainingLength(r *bufio.Reader) (int, error) {
	value := 0
	for shift := 0; shift < 28; shift += 7 {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= int(b&0x7F) << shift
		if b&0x80 == 0 {
			return value, nil
		}
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func appendRemainingLength(dst []byte, length int) []byte {
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		dst = append(dst, digit)
		if length == 0 {
			return dst
		}
	}
}

// decoder walks a packet body, latching the first error it encounters so
// callers can check once at the end.
type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) octet() byte {
	if d.err != nil || d.pos >= len(d.buf) {
		d.fail()
		return 0
	}
	b := d.buf[d.pos]
	d.pos++
	return b
}

func (d *decoder) uint16() uint16 {
	if d.err != nil || d.pos+2 > len(d.buf) {
		d.fail()
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v
}

func (d *decoder) lenString() string {
	n := int(d.uint16())
	if d.err != nil || d.pos+n > len(d.buf) {
		d.fail()
		return ""
	}
	s := string(d.buf[d.pos : d.pos+n])
	d.pos += n
	return s
}

func (d *decoder) rest() []byte {
	if d.err != nil {
		return nil
	}
	out := make([]byte, len(d.buf)-d.pos)
	copy(out, d.buf[d.pos:])
	d.pos = len(d.buf)
	return out
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) fail() {
	if d.err == nil {
		d.err = io.ErrUnexpectedEOF
	}
}

// parseConnect validates the CONNECT packet and extracts the client id.
// Sessions with wills, credentials, or persistent state are refused.
func parseConnect(body []byte) (string, error) {
	d := &decoder{buf: body}

	proto := d.lenString()
	level := d.octet()
	flags := d.octet()
	d.uint16() // keep-alive, unused
	clientID := d.lenString()

	if d.err != nil {
		return "", fmt.Errorf("truncated connect: %w", d.err)
	}
	if proto != "MQTT" || level != 4 {
		return "", fmt.Errorf("unsupported protocol %q level %d", proto, level)
	}
	// Will, username and password flags all imply features we do not carry.
	if flags&0xFC != 0 {
		return "", fmt.Errorf("unsupported connect flags %08b", flags)
	}
	return clientID, nil
}

// parsePublish extracts topic and payload from a QoS 0 PUBLISH body.
func parsePublish(header byte, body []byte) (string, []byte, error) {
	if qos := (header >> 1) & 0x03; qos != 0 {
		return "", nil, fmt.Errorf("unsupported qos %d", qos)
	}

	d := &decoder{buf: body}
	topic := d.lenString()
	payload := d.rest()
	if d.err != nil {
		return "", nil, fmt.Errorf("truncated publish: %w", d.err)
	}
	return topic, payload, nil
}

// parseSubscribe extracts the packet id and requested topic filters, refusing
// any QoS above 0.
func parseSubscribe(body []byte) (uint16, []string, error) {
	d := &decoder{buf: body}
	packetID := d.uint16()

	var topics []string
	for d.err == nil && d.remaining() > 0 {
		topic := d.lenString()
		qos := d.octet()
		if d.err != nil {
			break
		}
		if qos != 0 {
			return 0, nil, fmt.Errorf("unsupported qos %d", qos)
		}
		topics = append(topics, topic)
	}
	if d.err != nil {
		return 0, nil, fmt.Errorf("truncated subscribe: %w", d.err)
	}
	if len(topics) == 0 {
		return 0, nil, fmt.Errorf("subscribe without topics")
	}
	return packetID, topics, nil
}

func connackPacket() []byte {
	return []byte{packetConnack << 4, 0x02, 0x00, 0x00}
}

func pingrespPacket() []byte {
	return []byte{packetPingresp << 4, 0x00}
}

func publishPacket(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 0xFFFF {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + len(topic) + len(payload)
	packet := make([]byte, 0, 2+remaining)
	packet = append(packet, packetPublish<<4)
	packet = appendRemainingLength(packet, remaining)
	packet = binary.BigEndian.AppendUint16(packet, uint16(len(topic)))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

func subackPacket(packetID uint16, topics int) []byte {
	packet := make([]byte, 0, 4+topics)
	packet = append(packet, packetSuback<<4)
	packet = appendRemainingLength(packet, 2+topics)
	packet = binary.BigEndian.AppendUint16(packet, packetID)
	for i := 0; i < topics; i++ {
		packet = append(packet, 0x00) // granted QoS 0
	}
	return packet
}

func unsubackPacket(packetID uint16) []byte {
	packet := []byte{packetUnsuback << 4, 0x02}
	return binary.BigEndian.AppendUint16(packet, packetID)
}
