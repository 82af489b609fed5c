package network

import (
	"net"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PeerConnectionState mirrors a PeerRecord's connectivity state.
type PeerConnectionState int

const (
	Connected PeerConnectionState = iota
	Disconnected
	CoolingDown
)

func (s PeerConnectionState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case CoolingDown:
		return "cooling_down"
	default:
		return "unknown"
	}
}

// PeerRecord is the sole authoritative record of a known peer (spec.md §2:
// "Each PeerRecord is exclusively owned by the PeerRegistry; protocols hold
// weak references (PeerId lookups)"). Everywhere else in the node, peers
// are referred to by PeerID string, never by a pointer to this struct.
type PeerRecord struct {
	PeerID        string
	Address       string // host:port
	PublicKey     []byte
	State         PeerConnectionState
	LastSeen      time.Time
	CooldownUntil time.Time
	Subnet24      string // IPv4 /24 or IPv6 /48 prefix, used by the diversity policy
	ASShare       string // best-effort AS identifier, empty if unknown
}

// PeerRegistry is the bounded, LRU-evicted store of known peers, generalised
// from the teacher's gossip trustedPeers map into a live, size-capped
// registry (spec.md §4.5). Eviction discards the least-recently-used peer
// once capacity is reached; touching a record via Upsert, Get or MarkState
// refreshes its LRU position. Connection state is not considered when
// choosing what to evict.
type PeerRegistry struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *PeerRecord]
}

// NewPeerRegistry creates a registry capped at capacity entries.
func NewPeerRegistry(capacity int) (*PeerRegistry, error) {
	c, err := lru.New[string, *PeerRecord](capacity)
	if err != nil {
		return nil, err
	}
	return &PeerRegistry{cache: c}, nil
}

// Upsert inserts or refreshes a PeerRecord, computing its diversity keys.
func (r *PeerRegistry) Upsert(rec *PeerRecord) {
	rec.Subnet24 = subnetKey(rec.Address)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Add(rec.PeerID, rec)
}

// Get returns the PeerRecord for peerID, or nil if unknown.
func (r *PeerRegistry) Get(peerID string) (*PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache.Get(peerID)
}

// MarkState transitions a known peer's connectivity state.
func (r *PeerRegistry) MarkState(peerID string, state PeerConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.cache.Get(peerID); ok {
		rec.State = state
		if state == Connected {
			rec.LastSeen = time.Now().UTC()
		}
	}
}

// Cooldown marks a peer CoolingDown until the given time (connection-diversity
// enforcement backoff).
func (r *PeerRegistry) Cooldown(peerID string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.cache.Get(peerID); ok {
		rec.State = CoolingDown
		rec.CooldownUntil = until
	}
}

// Connected returns every PeerRecord currently in the Connected state.
func (r *PeerRegistry) Connected() []*PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*PeerRecord
	for _, peerID := range r.cache.Keys() {
		rec, ok := r.cache.Peek(peerID)
		if ok && rec.State == Connected {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the current registry size.
func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache.Len()
}

// subnetKey computes the diversity-policy grouping key for an address: the
// /24 prefix for IPv4, the /48 prefix for IPv6.
func subnetKey(address string) string {
	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return strings.Join([]string{
			itoa(int(v4[0])), itoa(int(v4[1])), itoa(int(v4[2])),
		}, ".")
	}
	mask := net.CIDRMask(48, 128)
	return ip.Mask(mask).String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits [3]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}
