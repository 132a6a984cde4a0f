// Package sink publishes pipeline output to NATS.
package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"medlink/gateway/internal/protocol"
)

// Subjects
const (
	SubjectPacketPrefix = "medlink.packet."
	SubjectFramePrefix  = "medlink.frame."
	SubjectLoss         = "medlink.loss"
	SubjectAlert        = "medlink.alert"
)

// Headers set on every message.
const (
	HeaderContentType = "Content-Type"
	HeaderGateway     = "Medlink-Gateway"
	HeaderDevice      = "Medlink-Device"

	ContentMsgpack = "application/msgpack"
	ContentJSON    = "application/json"
)

// Publisher receives everything a device session produces.
type Publisher interface {
	PublishPacket(p *protocol.Packet) error
	PublishFrame(m FrameMessage) error
	PublishLoss(ev protocol.LossEvent) error
	PublishAlert(a Alert) error
}

// FrameMessage carries one frame of a protocol that has no packets.
type FrameMessage struct {
	Device     string    `json:"device" msgpack:"device"`
	Protocol   string    `json:"protocol" msgpack:"protocol"`
	Seq        uint32    `json:"seq,omitempty" msgpack:"seq,omitempty"`
	Raw        []byte    `json:"raw" msgpack:"raw"`
	Decoded    any       `json:"decoded,omitempty" msgpack:"decoded,omitempty"`
	ReceivedAt time.Time `json:"received_at" msgpack:"received_at"`
}

// Alert is an error-severity diagnostic of one device.
type Alert struct {
	Device string              `json:"device"`
	Event  protocol.ErrorEvent `json:"event"`
	At     time.Time           `json:"at"`
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(m *nats.Msg) error
}

// NATSPublisher encodes packets and frames with msgpack and loss events and
// alerts with JSON.
type NATSPublisher struct {
	conn      Conn
	gatewayID string
}

// NewNATSPublisher creates a publisher. conn is usually a *nats.Conn.
func NewNATSPublisher(conn Conn, gatewayID string) *NATSPublisher {
	return &NATSPublisher{conn: conn, gatewayID: gatewayID}
}

// PublishPacket sends p on medlink.packet.<protocol>.
func (n *NATSPublisher) PublishPacket(p *protocol.Packet) error {
	data, err := msgpack.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}
	return n.publish(SubjectPacketPrefix+p.Protocol, p.Device, ContentMsgpack, data)
}

// PublishFrame sends m on medlink.frame.<protocol>.
func (n *NATSPublisher) PublishFrame(m FrameMessage) error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return n.publish(SubjectFramePrefix+m.Protocol, m.Device, ContentMsgpack, data)
}

// PublishLoss sends ev on medlink.loss.
func (n *NATSPublisher) PublishLoss(ev protocol.LossEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode loss event: %w", err)
	}
	return n.publish(SubjectLoss, ev.Device, ContentJSON, data)
}

// PublishAlert sends a on medlink.alert.
func (n *NATSPublisher) PublishAlert(a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return n.publish(SubjectAlert, a.Device, ContentJSON, data)
}

func (n *NATSPublisher) publish(subject, device, contentType string, data []byte) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderContentType, contentType)
	msg.Header.Set(HeaderGateway, n.gatewayID)
	msg.Header.Set(HeaderDevice, device)
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// DecodePacket reverses PublishPacket for consumers and tests.
func DecodePacket(data []byte) (*protocol.Packet, error) {
	var p protocol.Packet
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	return &p, nil
}
