package network

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p2p-ai-agents/node/internal/identity"
	"github.com/p2p-ai-agents/node/internal/observability"
	"github.com/p2p-ai-agents/node/internal/protocol"
)

// NetworkErrorKind enumerates NetworkError variants (spec.md §7).
type NetworkErrorKind int

const (
	HandshakeFailed NetworkErrorKind = iota
	IncompatibleProtocols
	PeerUnreachable
	ConnectionLimit
)

func (k NetworkErrorKind) String() string {
	switch k {
	case HandshakeFailed:
		return "handshake_failed"
	case IncompatibleProtocols:
		return "incompatible_protocols"
	case PeerUnreachable:
		return "peer_unreachable"
	case ConnectionLimit:
		return "connection_limit"
	default:
		return "unknown"
	}
}

// NetworkError is the tagged-sum error type for this package.
type NetworkError struct {
	Kind   NetworkErrorKind
	PeerID string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: peer=%s: %v", e.Kind, e.PeerID, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SupportedProtocolVersions is this build's protocol version vector.
var SupportedProtocolVersions = []int{protocol.ProtocolVersion}

// Conn is an established, handshaken peer connection.
type Conn struct {
	PeerID  string
	raw     net.Conn
	reader  *bufio.Reader
	metrics *observability.Metrics
}

// Send writes env to the connection.
func (c *Conn) Send(env protocol.Envelope) error {
	if err := protocol.WriteFrame(c.raw, env); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.MessagesSentTotal.WithLabelValues(string(env.Header.Type)).Inc()
		c.metrics.MessageSize.Observe(float64(len(env.Body)))
	}
	return nil
}

// Receive reads the next envelope from the connection.
func (c *Conn) Receive() (protocol.Envelope, error) {
	env, err := protocol.ReadFrame(c.reader)
	if err != nil {
		return env, err
	}
	if c.metrics != nil {
		c.metrics.MessagesReceivedTotal.WithLabelValues(string(env.Header.Type)).Inc()
		c.metrics.MessageSize.Observe(float64(len(env.Body)))
	}
	return env, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// Transport owns the TCP+TLS listener and outbound dialer.
type Transport struct {
	id       *identity.NodeIdentity
	tlsMat   TLSMaterial
	registry *PeerRegistry
	auditor  *DiversityAuditor
	powParam identity.PowParams
	log      *zap.Logger
	metrics  *observability.Metrics

	onConn func(*Conn)
}

// NewTransport creates a Transport bound to the node's identity and TLS
// material. onConn is invoked (in a new goroutine) for every successfully
// handshaken connection, inbound or outbound.
func NewTransport(id *identity.NodeIdentity, tlsMat TLSMaterial, registry *PeerRegistry, auditor *DiversityAuditor,
	powParam identity.PowParams, log *zap.Logger, metrics *observability.Metrics, onConn func(*Conn)) *Transport {
	return &Transport{id: id, tlsMat: tlsMat, registry: registry, auditor: auditor, powParam: powParam, log: log, metrics: metrics, onConn: onConn}
}

// Start listens on listenAddr and serves inbound connections until ctx is
// cancelled.
func (t *Transport) Start(ctx context.Context, listenAddr string) error {
	tlsCfg, err := ServerTLSConfig(t.tlsMat)
	if err != nil {
		return fmt.Errorf("network.Start: %w", err)
	}

	lis, err := tls.Listen("tcp", listenAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("network.Start: listen %s: %w", listenAddr, err)
	}

	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()

	t.log.Info("network transport listening", zap.String("addr", listenAddr))

	for {
		raw, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				t.log.Warn("accept failed", zap.Error(err))
				if t.metrics != nil {
					t.metrics.ConnectionErrorsTotal.Inc()
				}
				continue
			}
		}
		go t.serveInbound(raw)
	}
}

func (t *Transport) serveInbound(raw net.Conn) {
	conn, rec, err := t.handshakeInbound(raw)
	if err != nil {
		t.log.Warn("inbound handshake failed", zap.Error(err))
		_ = raw.Close()
		return
	}
	if t.auditor != nil && !t.auditor.OnAccept(rec) {
		_ = raw.Close()
		return
	}
	t.registry.Upsert(rec)
	t.registry.MarkState(rec.PeerID, Connected)
	if t.metrics != nil {
		t.metrics.ConnectionsActive.Inc()
	}
	if t.onConn != nil {
		t.onConn(conn)
	}
}

// Dial connects to addr, completes the outbound handshake, and registers
// the resulting peer.
func (t *Transport) Dial(ctx context.Context, addr string) (*Conn, error) {
	tlsCfg, err := ClientTLSConfig(t.tlsMat, "")
	if err != nil {
		return nil, fmt.Errorf("network.Dial: %w", err)
	}
	tlsCfg.InsecureSkipVerify = true // peer identity is verified at the application layer via signed Hello

	dialer := &tls.Dialer{Config: tlsCfg}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if t.metrics != nil {
			t.metrics.ConnectionErrorsTotal.Inc()
		}
		return nil, &NetworkError{Kind: PeerUnreachable, Err: err}
	}

	conn, rec, err := t.handshakeOutbound(raw, addr)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	t.registry.Upsert(rec)
	t.registry.MarkState(rec.PeerID, Connected)
	if t.metrics != nil {
		t.metrics.ConnectionsActive.Inc()
	}
	if t.onConn != nil {
		go t.onConn(conn)
	}
	return conn, nil
}

// handshakeInbound and handshakeOutbound implement spec.md §4.5's four-step
// handshake: identity signature exchange, PoW verification (join side only
// — the recipient verifies), protocol-version intersection, and PeerRecord
// creation. Each side signs its own Join/Hello envelope (header and body)
// and the other verifies that signature; no challenge from the remote side
// is sent or included in what is signed.
func (t *Transport) handshakeInbound(raw net.Conn) (conn *Conn, rec *PeerRecord, err error) {
	start := time.Now()
	defer func() {
		if t.metrics == nil {
			return
		}
		outcome := "success"
		if err != nil {
			outcome = "failure"
			t.metrics.ConnectionErrorsTotal.Inc()
		}
		t.metrics.HandshakesTotal.WithLabelValues(outcome).Inc()
		t.metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
	}()

	reader := bufio.NewReader(raw)

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, nil, &NetworkError{Kind: HandshakeFailed, Err: err}
	}

	helloEnv, err := protocol.ReadFrame(reader)
	if err != nil {
		return nil, nil, &NetworkError{Kind: HandshakeFailed, Err: err}
	}
	hello, err := decodeJoinHello(helloEnv)
	if err != nil {
		return nil, nil, &NetworkError{Kind: HandshakeFailed, Err: err}
	}
	sig := helloEnv.Signature

	signed, err := protocol.SigningMessage(helloEnv.Header, helloEnv.Body)
	if err != nil {
		return nil, nil, &NetworkError{Kind: HandshakeFailed, PeerID: hello.PeerID, Err: err}
	}
	if !identity.Verify(ed25519.PublicKey(hello.PublicKey), signed, sig) {
		return nil, nil, &NetworkError{Kind: HandshakeFailed, PeerID: hello.PeerID, Err: fmt.Errorf("signature invalid")}
	}

	proof := identity.PowProof{Nonce: hello.PowNonce, Timestamp: hello.PowTimestamp, PeerID: hello.PeerID}
	if !identity.VerifyPow(proof, t.powParam) {
		if t.metrics != nil {
			t.metrics.HandshakeRejectionsPow.Inc()
		}
		return nil, nil, &NetworkError{Kind: HandshakeFailed, PeerID: hello.PeerID, Err: fmt.Errorf("pow verification failed")}
	}

	if !intersects(SupportedProtocolVersions, []int{helloEnv.Header.ProtocolVer}) {
		return nil, nil, &NetworkError{Kind: IncompatibleProtocols, PeerID: hello.PeerID}
	}

	ackEnv, err := t.buildHello()
	if err != nil {
		return nil, nil, &NetworkError{Kind: HandshakeFailed, Err: err}
	}
	if err := protocol.WriteFrame(raw, ackEnv); err != nil {
		return nil, nil, &NetworkError{Kind: HandshakeFailed, Err: err}
	}

	rec = &PeerRecord{
		PeerID:    hello.PeerID,
		Address:   raw.RemoteAddr().String(),
		PublicKey: hello.PublicKey,
		State:     Connected,
		LastSeen:  time.Now().UTC(),
	}
	return &Conn{PeerID: hello.PeerID, raw: raw, reader: reader, metrics: t.metrics}, rec, nil
}

func (t *Transport) handshakeOutbound(raw net.Conn, addr string) (conn *Conn, rec *PeerRecord, err error) {
	start := time.Now()
	defer func() {
		if t.metrics == nil {
			return
		}
		outcome := "success"
		if err != nil {
			outcome = "failure"
			t.metrics.ConnectionErrorsTotal.Inc()
		}
		t.metrics.HandshakesTotal.WithLabelValues(outcome).Inc()
		t.metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
	}()

	reader := bufio.NewReader(raw)

	helloEnv, err := t.buildHello()
	if err != nil {
		return nil, nil, &NetworkError{Kind: HandshakeFailed, Err: err}
	}
	if err := protocol.WriteFrame(raw, helloEnv); err != nil {
		return nil, nil, &NetworkError{Kind: HandshakeFailed, Err: err}
	}

	ackEnv, err := protocol.ReadFrame(reader)
	if err != nil {
		return nil, nil, &NetworkError{Kind: HandshakeFailed, Err: err}
	}
	ack, err := decodeJoinHello(ackEnv)
	if err != nil {
		return nil, nil, &NetworkError{Kind: HandshakeFailed, Err: err}
	}
	sig := ackEnv.Signature
	signed, err := protocol.SigningMessage(ackEnv.Header, ackEnv.Body)
	if err != nil {
		return nil, nil, &NetworkError{Kind: HandshakeFailed, PeerID: ack.PeerID, Err: err}
	}
	if !identity.Verify(ed25519.PublicKey(ack.PublicKey), signed, sig) {
		return nil, nil, &NetworkError{Kind: HandshakeFailed, PeerID: ack.PeerID, Err: fmt.Errorf("signature invalid")}
	}
	if !intersects(SupportedProtocolVersions, []int{ackEnv.Header.ProtocolVer}) {
		return nil, nil, &NetworkError{Kind: IncompatibleProtocols, PeerID: ack.PeerID}
	}

	rec = &PeerRecord{
		PeerID:    ack.PeerID,
		Address:   addr,
		PublicKey: ack.PublicKey,
		State:     Connected,
		LastSeen:  time.Now().UTC(),
	}
	return &Conn{PeerID: ack.PeerID, raw: raw, reader: reader, metrics: t.metrics}, rec, nil
}

func (t *Transport) buildHello() (protocol.Envelope, error) {
	proof, err := identity.ComputePow(t.id.PeerID, t.powParam)
	if err != nil {
		return protocol.Envelope{}, err
	}
	body := protocol.JoinHelloBody{
		PeerID:       t.id.PeerID,
		PublicKey:    []byte(t.id.PublicKey),
		PowNonce:     proof.Nonce,
		PowTimestamp: proof.Timestamp,
	}
	bodyBytes, err := marshalBody(body)
	if err != nil {
		return protocol.Envelope{}, err
	}
	header := protocol.Header{
		MessageID:     uuid.NewString(),
		SenderPeerID:  t.id.PeerID,
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		ProtocolVer:   protocol.ProtocolVersion,
		Type:          protocol.JoinHello,
	}
	signed, err := protocol.SigningMessage(header, bodyBytes)
	if err != nil {
		return protocol.Envelope{}, err
	}
	sig := t.id.Sign(signed)
	return protocol.Envelope{Header: header, Body: bodyBytes, Signature: sig}, nil
}

func intersects(a, b []int) bool {
	set := make(map[int]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
