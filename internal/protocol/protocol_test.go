package protocol

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"
)

func TestWriteReadFrame_RoundTrips(t *testing.T) {
	body, err := json.Marshal(TaskCancelBody{TaskID: "t1", Reason: "peer dropout"})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	env := Envelope{
		Header: Header{
			MessageID:    "m1",
			SenderPeerID: "peer-a",
			Timestamp:    time.Now().UTC().Truncate(time.Millisecond),
			ProtocolVer:  ProtocolVersion,
			Type:         TaskCancel,
		},
		Body:      body,
		Signature: []byte{1, 2, 3},
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, env); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Header.MessageID != env.Header.MessageID {
		t.Fatalf("expected message id %q, got %q", env.Header.MessageID, got.Header.MessageID)
	}

	var cancel TaskCancelBody
	if err := json.Unmarshal(got.Body, &cancel); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if cancel.TaskID != "t1" {
		t.Fatalf("expected task id t1, got %q", cancel.TaskID)
	}
}

func TestReadFrame_RejectsOversizedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ReadFrame(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected error for oversized declared frame length")
	}
}

func TestSigningMessage_DeterministicForSameInput(t *testing.T) {
	h := Header{MessageID: "m1", SenderPeerID: "peer-a", ProtocolVer: 1, Type: HealthPing}
	body := json.RawMessage(`{"nonce":7}`)
	a, err := SigningMessage(h, body)
	if err != nil {
		t.Fatalf("SigningMessage: %v", err)
	}
	b, err := SigningMessage(h, body)
	if err != nil {
		t.Fatalf("SigningMessage: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("expected identical signing message for identical input")
	}
}

func TestSigningMessage_CoversHeaderNotJustBody(t *testing.T) {
	body := json.RawMessage(`{"nonce":7}`)
	original := Header{MessageID: "m1", SenderPeerID: "peer-a", CorrelationID: "corr-1", ProtocolVer: 1, Type: HealthPing}
	signed, err := SigningMessage(original, body)
	if err != nil {
		t.Fatalf("SigningMessage: %v", err)
	}

	tampered := original
	tampered.CorrelationID = "corr-attacker"
	resigned, err := SigningMessage(tampered, body)
	if err != nil {
		t.Fatalf("SigningMessage: %v", err)
	}
	if bytes.Equal(signed, resigned) {
		t.Fatal("expected a forged correlation_id to change the signed bytes, so a signature over the original header cannot verify against it")
	}

	tampered = original
	tampered.Timestamp = original.Timestamp.Add(time.Hour)
	resigned, err = SigningMessage(tampered, body)
	if err != nil {
		t.Fatalf("SigningMessage: %v", err)
	}
	if bytes.Equal(signed, resigned) {
		t.Fatal("expected a forged timestamp to change the signed bytes")
	}
}

func TestSigningMessage_ForgedHeaderFailsSignatureVerification(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	body := json.RawMessage(`{"task_id":"t1"}`)
	header := Header{MessageID: "m1", SenderPeerID: "peer-a", CorrelationID: "corr-1", ProtocolVer: 1, Type: TaskResult}
	signed, err := SigningMessage(header, body)
	if err != nil {
		t.Fatalf("SigningMessage: %v", err)
	}
	sig := ed25519.Sign(priv, signed)

	// A verifier checking body-only (the pre-fix behaviour) would accept
	// this forged header alongside the original (body, sig) pair.
	forged := header
	forged.CorrelationID = "corr-attacker"
	forgedSigned, err := SigningMessage(forged, body)
	if err != nil {
		t.Fatalf("SigningMessage: %v", err)
	}
	if ed25519.Verify(pub, forgedSigned, sig) {
		t.Fatal("expected verification over header-plus-body to reject a replayed signature under a forged header")
	}
	if !ed25519.Verify(pub, signed, sig) {
		t.Fatal("expected verification to succeed against the untampered header and body")
	}
}
