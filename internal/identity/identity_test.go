package identity

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestLoadOrCreate_PersistsAndReloadsSameKey(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("first LoadOrCreate: %v", err)
	}

	second, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}

	if first.PeerID != second.PeerID {
		t.Fatalf("peer id changed across reload: %s != %s", first.PeerID, second.PeerID)
	}
	if len(first.PeerID) != 32 {
		t.Fatalf("expected 32-char peer id, got %d chars", len(first.PeerID))
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dir, "config", "node_identity.json"))
		if err != nil {
			t.Fatalf("stat identity file: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
		}
	}
}

func TestDerivePeerID_Deterministic(t *testing.T) {
	id, err := LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	a := DerivePeerID(id.PublicKey)
	b := DerivePeerID(id.PublicKey)
	if a != b {
		t.Fatalf("derive_peer_id is not deterministic: %s != %s", a, b)
	}
}

func TestSignVerify_RoundTripAndTamperDetection(t *testing.T) {
	id, err := LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	msg := []byte("canonical-header-and-body")
	sig := id.Sign(msg)
	if !Verify(id.PublicKey, msg, sig) {
		t.Fatal("expected valid signature to verify")
	}

	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 0xff
	if Verify(id.PublicKey, tampered, sig) {
		t.Fatal("expected tampered message to fail verification")
	}
}

func TestPow_RejectsStaleTimestamp(t *testing.T) {
	params := DefaultPowParams()
	params.JoinWindow = 10 * time.Millisecond
	// An easy target (all 32 bytes 0xff) and a cheap Argon2 cost so mining
	// and verification finish well inside the 10ms join window.
	params.Target = bytes.Repeat([]byte{0xff}, 32)
	params.MemoryKiB = 64
	params.Iterations = 1

	proof, err := ComputePow("peer-under-test", params)
	if err != nil {
		t.Fatalf("ComputePow: %v", err)
	}
	if !VerifyPow(proof, params) {
		t.Fatal("expected fresh proof to verify")
	}

	time.Sleep(20 * time.Millisecond)
	if VerifyPow(proof, params) {
		t.Fatal("expected stale proof to fail verification")
	}
}

func TestPow_RejectsHashAboveTarget(t *testing.T) {
	params := DefaultPowParams()
	// Impossibly tight target: no nonce search was performed, so a
	// hand-built proof with an arbitrary nonce must fail.
	params.Target = []byte{0x00, 0x00, 0x00, 0x01}

	proof := PowProof{Nonce: 0, Timestamp: time.Now(), PeerID: "peer-under-test"}
	if VerifyPow(proof, params) {
		t.Fatal("expected unsolved proof to fail verification against a tight target")
	}
}
