package identity

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/argon2"
)

// PowParams configures the Argon2id proof-of-work puzzle (spec.md §3, §4.1).
// Nominal values: 128 MiB memory, 2 passes, 4-way parallelism, calibrated
// so an honest join costs roughly 2s and verification roughly 5ms.
type PowParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	KeyLen      uint32
	// Target is the big-endian byte threshold the Argon2id digest must be
	// strictly less than, interpreted as an unsigned big integer.
	Target []byte
	// JoinWindow bounds how stale a PoW timestamp may be at verification time.
	JoinWindow time.Duration
}

// DefaultPowParams returns the spec's nominal calibration.
func DefaultPowParams() PowParams {
	// Target with the top two bytes zeroed requires roughly 1/65536 of
	// digests to qualify, tuned together with MemoryKiB/Iterations/Parallelism
	// to land around a 2s honest-join cost on consumer hardware.
	target := bytes.Repeat([]byte{0xff}, 32)
	target[0] = 0x00
	target[1] = 0x00
	return PowParams{
		MemoryKiB:   128 * 1024,
		Iterations:  2,
		Parallelism: 4,
		KeyLen:      32,
		Target:      target,
		JoinWindow:  30 * time.Second,
	}
}

// PowProof is a joining peer's solved puzzle (spec.md §3).
type PowProof struct {
	Nonce     uint64
	Timestamp time.Time
	PeerID    string
}

// ComputePow searches for a nonce such that
// Argon2id(peer_id ‖ nonce ‖ timestamp; params) < target, running on the
// caller's goroutine — callers on the async event loop must dispatch this
// to the blocking thread pool per spec.md §5.
func ComputePow(peerID string, params PowParams) (PowProof, error) {
	timestamp := time.Now().UTC()
	target := new(big.Int).SetBytes(params.Target)

	var nonceBuf [8]byte
	if _, err := rand.Read(nonceBuf[:]); err != nil {
		return PowProof{}, fmt.Errorf("identity.ComputePow: seed nonce: %w", err)
	}
	nonce := binary.LittleEndian.Uint64(nonceBuf[:])

	for {
		msg := powMessage(peerID, nonce, timestamp)
		digest := argon2.IDKey(msg, []byte(peerID), params.Iterations, params.MemoryKiB, params.Parallelism, params.KeyLen)
		if new(big.Int).SetBytes(digest).Cmp(target) < 0 {
			return PowProof{Nonce: nonce, Timestamp: timestamp, PeerID: peerID}, nil
		}
		nonce++
	}
}

// VerifyPow checks a PowProof against the given parameters: the digest
// must be below target and the timestamp must be within JoinWindow of now
// (testable property 7 in spec.md §8).
func VerifyPow(proof PowProof, params PowParams) bool {
	if time.Since(proof.Timestamp).Abs() > params.JoinWindow {
		return false
	}
	msg := powMessage(proof.PeerID, proof.Nonce, proof.Timestamp)
	digest := argon2.IDKey(msg, []byte(proof.PeerID), params.Iterations, params.MemoryKiB, params.Parallelism, params.KeyLen)
	target := new(big.Int).SetBytes(params.Target)
	return new(big.Int).SetBytes(digest).Cmp(target) < 0
}
