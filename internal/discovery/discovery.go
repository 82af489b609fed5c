// Package discovery implements the Discovery component (spec.md §4.6):
// bootstrap-list consultation at startup, LAN discovery via mDNS, and a
// DHT-style catalogue of PeerRecord fragments replicated across peers so
// the network can self-heal without its original bootstrap nodes.
//
// The catalogue's merge/replication shape is a direct generalisation of
// the teacher's federated-baseline gossip (internal/gossip/federated_baseline.go):
// there, nodes periodically broadcast signed μ/diag(Σ) envelopes and merge
// them with a trust-weighted average; here, nodes periodically broadcast
// signed PeerRecord fragments and merge them into local k-buckets, with
// corroboration (rather than weighted averaging, since a PeerRecord isn't
// a numeric baseline) handled by the shared internal/quorum evaluator.
package discovery

import (
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/p2p-ai-agents/node/internal/quorum"
)

// ErrorKind enumerates DiscoveryError variants (spec.md §7).
type ErrorKind int

const (
	BootstrapUnreachable ErrorKind = iota
	InvalidResponse
	DiscoveryTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case BootstrapUnreachable:
		return "bootstrap_unreachable"
	case InvalidResponse:
		return "invalid_response"
	case DiscoveryTimeout:
		return "discovery_timeout"
	default:
		return "unknown"
	}
}

// DiscoveryError is the tagged-sum error type for this package.
type DiscoveryError struct {
	Kind ErrorKind
	Err  error
}

func (e *DiscoveryError) Error() string {
	return "discovery: " + e.Kind.String() + ": " + errString(e.Err)
}
func (e *DiscoveryError) Unwrap() error { return e.Err }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Fragment is the partial PeerRecord exchanged and stored by the catalogue
// (spec.md §4.6: "a DHT-style catalogue stores PeerRecord fragments").
type Fragment struct {
	PeerID    string
	Address   string
	PublicKey []byte
	LastSeen  time.Time
}

// bucketEntry is one catalogue slot: a fragment plus the set of peers that
// have corroborated seeing it, for 3-way replication accounting.
type bucketEntry struct {
	fragment     Fragment
	replicatedBy map[string]struct{}
}

// Transport is the subset of network capability Discovery needs: dialling
// bootstrap/known peers and broadcasting PeerDiscovery messages. Satisfied
// by internal/network in production, faked in tests.
type Transport interface {
	DialAndExchange(ctx context.Context, addr string) (Fragment, []Fragment, error)
	Broadcast(ctx context.Context, fragments []Fragment) error
}

// Config bounds Discovery behaviour.
type Config struct {
	BootstrapPeers       []string // addresses of >=5 independent operators (spec.md §4.6)
	ReplicationFactor    int      // default 3
	RateLimitPerOrigin   time.Duration
	AnnounceInterval     time.Duration
	SelfHealThreshold    int // once the catalogue holds >= this many peers, bootstrap is optional
}

// DefaultConfig returns nominal values.
func DefaultConfig() Config {
	return Config{ReplicationFactor: 3, RateLimitPerOrigin: time.Second, AnnounceInterval: 5 * time.Minute, SelfHealThreshold: 8}
}

// Catalogue is the node's Discovery component.
type Catalogue struct {
	cfg       Config
	transport Transport
	self      Fragment
	log       *zap.Logger

	mu      sync.RWMutex
	buckets map[string]*bucketEntry // keyed by PeerID

	rateLimiter *rateLimiter
	replAck     *quorum.Evaluator // peer-catalogue replication acknowledgement (spec.md's 3-way replication)
}

// New creates a Catalogue for a node identified by self.
func New(cfg Config, transport Transport, self Fragment, log *zap.Logger) *Catalogue {
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 3
	}
	return &Catalogue{
		cfg:         cfg,
		transport:   transport,
		self:        self,
		log:         log,
		buckets:     make(map[string]*bucketEntry),
		rateLimiter: newRateLimiter(cfg.RateLimitPerOrigin),
		replAck:     quorum.New(cfg.ReplicationFactor, 10*time.Minute),
	}
}

// Close releases background resources.
func (c *Catalogue) Close() { c.replAck.Close() }

// Bootstrap consults the configured bootstrap list at startup, merging any
// peer fragments they return (spec.md §4.6). Returns DiscoveryError{
// BootstrapUnreachable} only if every bootstrap peer failed AND the local
// catalogue does not already hold enough long-lived peers to self-heal.
func (c *Catalogue) Bootstrap(ctx context.Context) error {
	if c.Size() >= c.cfg.SelfHealThreshold {
		c.log.Info("discovery: skipping bootstrap, catalogue already self-sufficient", zap.Int("known_peers", c.Size()))
		return nil
	}

	var lastErr error
	reached := 0
	for _, addr := range c.cfg.BootstrapPeers {
		frags, err := c.tryBootstrap(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		reached++
		c.mergeFragments(frags, addr)
	}
	if reached == 0 && len(c.cfg.BootstrapPeers) > 0 {
		return &DiscoveryError{Kind: BootstrapUnreachable, Err: lastErr}
	}
	return nil
}

func (c *Catalogue) tryBootstrap(ctx context.Context, addr string) ([]Fragment, error) {
	_, frags, err := c.transport.DialAndExchange(ctx, addr)
	if err != nil {
		return nil, err
	}
	return frags, nil
}

// AnnounceSelf broadcasts this node's own fragment to known peers
// (spec.md §4.6's announce_self operation).
func (c *Catalogue) AnnounceSelf(ctx context.Context) error {
	return c.transport.Broadcast(ctx, []Fragment{c.self})
}

// mergeFragments inserts or refreshes catalogue entries, recording
// originPeer as a replication witness for each one.
func (c *Catalogue) mergeFragments(frags []Fragment, originPeer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range frags {
		if f.PeerID == c.self.PeerID {
			continue
		}
		entry, ok := c.buckets[f.PeerID]
		if !ok || f.LastSeen.After(entry.fragment.LastSeen) {
			entry = &bucketEntry{fragment: f, replicatedBy: map[string]struct{}{}}
			c.buckets[f.PeerID] = entry
		}
		entry.replicatedBy[originPeer] = struct{}{}
		c.replAck.Record(f.PeerID, originPeer, "seen")
	}
}

// Ingest handles an inbound PeerDiscovery protocol message from origin,
// enforcing the per-origin rate limit (spec.md §4.6: "Discovery queries
// are rate-limited per origin peer").
func (c *Catalogue) Ingest(origin string, frags []Fragment) error {
	if !c.rateLimiter.Allow(origin) {
		return &DiscoveryError{Kind: DiscoveryTimeout, Err: errors.New("rate limit exceeded for origin " + origin)}
	}
	c.mergeFragments(frags, origin)
	return nil
}

// Query is a capability/ID filter for FindPeers.
type Query struct {
	PeerIDPrefix string // XOR-distance style prefix match on hex PeerID
	Limit        int
}

// FindPeers returns catalogue fragments matching query, closest first by
// XOR distance to PeerIDPrefix when provided (spec.md §4.6 find_peers),
// else the most-recently-seen fragments.
func (c *Catalogue) FindPeers(query Query) []Fragment {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Fragment, 0, len(c.buckets))
	for _, e := range c.buckets {
		out = append(out, e.fragment)
	}

	if query.PeerIDPrefix != "" {
		target := query.PeerIDPrefix
		sort.Slice(out, func(i, j int) bool {
			return xorDistance(out[i].PeerID, target) < xorDistance(out[j].PeerID, target)
		})
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	}

	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out
}

// Replicated reports whether peerID's fragment has reached the configured
// replication factor (spec.md §4.6: "3-way replication").
func (c *Catalogue) Replicated(peerID string) bool {
	return c.replAck.Signal(peerID)
}

// Size returns the number of peers currently held in the catalogue.
func (c *Catalogue) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buckets)
}

// xorDistance computes the XOR distance between two hex-encoded PeerIds as
// an unsigned integer approximation (first 8 bytes), sufficient for
// relative k-bucket ordering without requiring a big.Int per comparison.
func xorDistance(a, b string) uint64 {
	da, err1 := hex.DecodeString(pad(a, 16))
	db, err2 := hex.DecodeString(pad(b, 16))
	if err1 != nil || err2 != nil {
		return ^uint64(0)
	}
	var x uint64
	for i := 0; i < 8 && i < len(da) && i < len(db); i++ {
		x = x<<8 | uint64(da[i]^db[i])
	}
	return x
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	zeros := make([]byte, n-len(s))
	for i := range zeros {
		zeros[i] = '0'
	}
	return s + string(zeros)
}
