// Package identity manages the node's persistent cryptographic identity:
// Ed25519 keypair lifecycle, signing/verification, PeerId derivation, and
// the Argon2id proof-of-work puzzle used to rate-limit network joins.
//
// Persistence: <config_dir>/config/node_identity.json, mode 0600, written
// once on first run and loaded thereafter (the same write-then-load idiom
// the teacher uses for its BoltDB file and operator socket: create with
// the tightest permissions up front, never widen them later).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const fileVersion = 1

// NodeIdentity is a node's persistent Ed25519 keypair and derived PeerId.
// Immutable for the node's lifetime; rotation requires deleting the
// identity file and re-running load_or_create (an explicit operator
// action, never automatic).
type NodeIdentity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	PeerID     string
	CreatedAt  time.Time
}

// onDisk is the JSON persistence shape, matching spec.md §6's
// {version, public_key, secret_key, created_at} layout.
type onDisk struct {
	Version   int       `json:"version"`
	PublicKey string    `json:"public_key"`
	SecretKey string    `json:"secret_key"`
	CreatedAt time.Time `json:"created_at"`
}

// IdentityError is the tagged-sum error type for this package.
type IdentityError struct {
	Kind IdentityErrorKind
	Err  error
}

// IdentityErrorKind enumerates IdentityError variants.
type IdentityErrorKind int

const (
	IOError IdentityErrorKind = iota
	CorruptedKeyFile
	InvalidPermissions
	PowVerificationFailed
)

func (e *IdentityError) Error() string {
	return fmt.Sprintf("identity: %s: %v", e.Kind, e.Err)
}

func (e *IdentityError) Unwrap() error { return e.Err }

func (k IdentityErrorKind) String() string {
	switch k {
	case IOError:
		return "io_error"
	case CorruptedKeyFile:
		return "corrupted_key_file"
	case InvalidPermissions:
		return "invalid_permissions"
	case PowVerificationFailed:
		return "pow_verification_failed"
	default:
		return "unknown"
	}
}

func identityPath(configDir string) string {
	return filepath.Join(configDir, "config", "node_identity.json")
}

// LoadOrCreate loads the node identity from <configDir>/config/node_identity.json,
// creating a fresh Ed25519 keypair and persisting it (mode 0600) if the file
// does not yet exist. Key generation completes well under 100ms.
func LoadOrCreate(configDir string) (*NodeIdentity, error) {
	path := identityPath(configDir)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return decode(data)
	case os.IsNotExist(err):
		return create(path)
	default:
		return nil, &IdentityError{Kind: IOError, Err: err}
	}
}

func create(path string) (*NodeIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, &IdentityError{Kind: IOError, Err: err}
	}

	id := &NodeIdentity{
		PublicKey:  pub,
		PrivateKey: priv,
		PeerID:     DerivePeerID(pub),
		CreatedAt:  time.Now().UTC(),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &IdentityError{Kind: IOError, Err: err}
	}

	rec := onDisk{
		Version:   fileVersion,
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		SecretKey: base64.StdEncoding.EncodeToString(priv),
		CreatedAt: id.CreatedAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, &IdentityError{Kind: IOError, Err: err}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, &IdentityError{Kind: IOError, Err: err}
	}
	return id, nil
}

func decode(data []byte) (*NodeIdentity, error) {
	var rec onDisk
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &IdentityError{Kind: CorruptedKeyFile, Err: err}
	}
	if rec.Version != fileVersion {
		return nil, &IdentityError{Kind: CorruptedKeyFile, Err: fmt.Errorf("unsupported version %d", rec.Version)}
	}
	pub, err := base64.StdEncoding.DecodeString(rec.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, &IdentityError{Kind: CorruptedKeyFile, Err: fmt.Errorf("invalid public_key")}
	}
	priv, err := base64.StdEncoding.DecodeString(rec.SecretKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, &IdentityError{Kind: CorruptedKeyFile, Err: fmt.Errorf("invalid secret_key")}
	}
	return &NodeIdentity{
		PublicKey:  ed25519.PublicKey(pub),
		PrivateKey: ed25519.PrivateKey(priv),
		PeerID:     DerivePeerID(pub),
		CreatedAt:  rec.CreatedAt,
	}, nil
}

// DerivePeerID returns the deterministic PeerId for a public key: the
// lowercase hex encoding of SHA-256(pubkey), truncated to 32 characters
// (testable property 1 in spec.md §8).
func DerivePeerID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:32]
}

// Sign signs bytes with the node's private key. Ed25519 signing is
// constant-time by construction.
func (id *NodeIdentity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.PrivateKey, msg)
}

// Verify checks a signature against a given peer's public key (not
// necessarily this node's). Constant-time per crypto/ed25519.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// powMessage builds the canonical byte sequence hashed by Argon2id:
// peer_id || nonce (8 LE) || timestamp_unix_ns (8 LE).
func powMessage(peerID string, nonce uint64, timestamp time.Time) []byte {
	buf := make([]byte, 0, len(peerID)+16)
	buf = append(buf, []byte(peerID)...)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	buf = append(buf, n[:]...)
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(timestamp.UnixNano()))
	buf = append(buf, ts[:]...)
	return buf
}
