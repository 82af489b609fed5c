// Package protocol defines the node-to-node wire protocol: message types,
// the canonical signed envelope, and the length-prefixed JSON frame codec
// used to carry them over the mTLS transport in internal/network.
//
// The teacher's gossip layer speaks gRPC+protobuf over mTLS
// (internal/gossip/server.go); this package keeps the teacher's transport
// security posture (TLS 1.3, mutual auth, Ed25519 certs) and envelope
// verification sequence (trust, then signature; envelope timestamps are
// not checked for freshness) but replaces the
// protobuf wire format with the explicit length-prefixed JSON frame that
// spec.md §6 specifies, since the protobuf toolchain is unavailable here.
package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MessageType enumerates the wire message kinds (spec.md §4.6/§6).
type MessageType string

const (
	TaskDistribution MessageType = "task_distribution"
	TaskResult       MessageType = "task_result"
	TaskCancel       MessageType = "task_cancel"
	PeerDiscovery    MessageType = "peer_discovery"
	ResourceUpdate   MessageType = "resource_update"
	HealthPing       MessageType = "health_ping"
	HealthPong       MessageType = "health_pong"
	JoinHello        MessageType = "join_hello"
)

// Header carries the fields common to every message, per spec.md §6's
// canonical frame layout.
type Header struct {
	MessageID     string      `json:"message_id"`
	SenderPeerID  string      `json:"sender_peer_id"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	ProtocolVer   int         `json:"protocol_version"`
	Type          MessageType `json:"message_type"`
}

// Envelope is a signed wire message: the signature covers
// canonical(Header) ‖ Body, where Body is the raw JSON of the
// message-type-specific payload.
type Envelope struct {
	Header    Header          `json:"header"`
	Body      json.RawMessage `json:"body"`
	Signature []byte          `json:"signature"`
}

// ProtocolVersion is the protocol_version this build speaks.
const ProtocolVersion = 1

// SigningMessage returns the canonical byte sequence signed by the sender:
// the JSON-encoded header (fields in struct-declaration order, which
// encoding/json preserves) followed by the raw body bytes.
func SigningMessage(h Header, body json.RawMessage) ([]byte, error) {
	headerBytes, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal header: %w", err)
	}
	msg := make([]byte, 0, len(headerBytes)+len(body))
	msg = append(msg, headerBytes...)
	msg = append(msg, body...)
	return msg, nil
}

const maxFrameSize = 1 * 1024 * 1024 // 1 MiB (spec.md §6: frames above this are rejected)

// WriteFrame writes env as a 4-byte big-endian length prefix followed by
// its JSON encoding.
func WriteFrame(w io.Writer, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("protocol: frame too large: %d bytes", len(data))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("protocol: write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON envelope from r.
func ReadFrame(r *bufio.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return Envelope{}, fmt.Errorf("protocol: frame declares %d bytes, exceeds max %d", n, maxFrameSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return Envelope{}, fmt.Errorf("protocol: read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	return env, nil
}
