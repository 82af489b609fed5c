// Package reputation implements the Sybil guard and per-peer quota system
// (spec.md §4.7): reputation scores are a pure function of monotonic
// per-peer counters, malicious reports require multi-peer corroboration
// before penalty, and counter updates are replay-safe.
//
// The quota bucket itself is grounded directly on the teacher's
// budget.Bucket/CostModel (internal/budget/token_bucket.go): a capacity
// that refills wholesale on a timer, generalised here from a single
// process-wide bucket keyed by escalation.State into one bucket per peer
// keyed by the peer's current score band. Corroboration of malicious
// reports reuses the shared internal/quorum package (itself generalised
// from the teacher's internal/gossip/quorum.go).
package reputation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/p2p-ai-agents/node/internal/observability"
	"github.com/p2p-ai-agents/node/internal/quorum"
	"github.com/p2p-ai-agents/node/internal/storage"
)

// Band is a reputation score band (spec.md §4.7 table).
type Band int

const (
	Newcomer Band = iota
	Trusted
	Veteran
	Elder
)

func (b Band) String() string {
	switch b {
	case Newcomer:
		return "newcomer"
	case Trusted:
		return "trusted"
	case Veteran:
		return "veteran"
	case Elder:
		return "elder"
	default:
		return "unknown"
	}
}

// QuotaTableEntry describes one score band's privileges.
type QuotaTableEntry struct {
	MinScore       int
	MaxScore       int // -1 means unbounded (Elder)
	TasksPerHour   int // -1 means unlimited
	VoteWeight     int
	CanBootstrap   bool
	CanParticipate bool
}

// QuotaTable is the spec.md §4.7 score-band-to-privilege mapping.
var QuotaTable = map[Band]QuotaTableEntry{
	Newcomer: {MinScore: 0, MaxScore: 99, TasksPerHour: 1, VoteWeight: 0, CanParticipate: false},
	Trusted:  {MinScore: 100, MaxScore: 499, TasksPerHour: 10, VoteWeight: 1, CanParticipate: true},
	Veteran:  {MinScore: 500, MaxScore: 999, TasksPerHour: 100, VoteWeight: 2, CanParticipate: true},
	Elder:    {MinScore: 1000, MaxScore: -1, TasksPerHour: -1, VoteWeight: 2, CanBootstrap: true, CanParticipate: true},
}

// BandForScore maps a numeric score to its band.
func BandForScore(score int) Band {
	switch {
	case score >= 1000:
		return Elder
	case score >= 500:
		return Veteran
	case score >= 100:
		return Trusted
	default:
		return Newcomer
	}
}

// LegacyGraceScore is the score unverified legacy peers receive during the
// first 30 days of migration (spec.md §4.7 Sybil guard note).
const LegacyGraceScore = 50

// LegacyGracePeriod bounds how long the grace admission applies.
const LegacyGracePeriod = 30 * 24 * time.Hour

// MaliciousReportPenalty is applied once a report is corroborated.
const MaliciousReportPenalty = -100

// Counters holds the monotonic inputs to the score formula (spec.md §3):
//
//	score = clamp(0, 1000, 10*completed + min(uptime_hours,1000)
//	              + 50*helpful - 20*failed - 5*downtime - 100*malicious)
//
// Every field only ever increases; Value() is a pure function of the
// counters, so replaying the same increment twice (guarded by the
// replay-safe event log in Manager) cannot change the score, and
// incrementing TasksCompleted while holding the rest fixed cannot
// decrease it (testable property 3).
type Counters struct {
	TasksCompleted   int
	TasksFailed      int
	UptimeHours      int
	DowntimeHours    int
	HelpfulActions   int
	MaliciousReports int
}

// Value computes the clamped score from the counters.
func (c Counters) Value() int {
	uptime := c.UptimeHours
	if uptime > 1000 {
		uptime = 1000
	}
	raw := 10*c.TasksCompleted + uptime + 50*c.HelpfulActions -
		20*c.TasksFailed - 5*c.DowntimeHours - 100*c.MaliciousReports
	if raw < 0 {
		return 0
	}
	if raw > 1000 {
		return 1000
	}
	return raw
}

// Score is a peer's current reputation, persisted under Strong consistency.
type Score struct {
	PeerID    string
	Counters  Counters
	UpdatedAt time.Time
}

// Value returns the clamped numeric score.
func (s Score) Value() int { return s.Counters.Value() }

// Manager tracks reputation scores and enforces quotas.
type Manager struct {
	store storage.Storage // must be Strong consistency

	mu      sync.Mutex
	buckets map[string]*quotaBucket // peer_id -> bucket
	seen    map[string]struct{}     // (peer_id, event_id) replay guard

	corroborator *quorum.Evaluator
	audit        *AuditLog

	metrics *observability.Metrics
}

// quotaBucket is a per-peer token bucket, refilling wholesale once per
// hour to the band's TasksPerHour, mirroring budget.Bucket's refill model.
type quotaBucket struct {
	mu       sync.Mutex
	band     Band
	tokens   int
	lastFill time.Time
}

// New creates a Manager. store must satisfy storage.RequireAtLeast(store,
// storage.Strong); callers are expected to have validated this at wiring
// time (spec.md §4.4: "Critical data ... must use Strong").
func New(store storage.Storage, corroborationMin int, corroborationWindow time.Duration, metrics *observability.Metrics) (*Manager, error) {
	if err := storage.RequireAtLeast(store, storage.Strong); err != nil {
		return nil, err
	}
	return &Manager{
		store:        store,
		buckets:      make(map[string]*quotaBucket),
		seen:         make(map[string]struct{}),
		corroborator: quorum.New(corroborationMin, corroborationWindow),
		audit:        NewAuditLog(),
		metrics:      metrics,
	}, nil
}

// Close releases the Manager's resources.
func (m *Manager) Close() { m.corroborator.Close() }

// Audit returns the manager's penalty audit trail (spec.md §9's
// "errors never silently discard user-visible state transitions" applied
// to reputation penalties).
func (m *Manager) Audit() *AuditLog { return m.audit }

func scoreKey(peerID string) string { return "reputation/score/" + peerID }

// GetScore returns a peer's current score, defaulting to LegacyGraceScore
// if unknown and within the grace period, or Newcomer's floor (0) otherwise.
func (m *Manager) GetScore(ctx context.Context, peerID string, nodeBoot time.Time) (Score, error) {
	rec, err := m.store.Get(ctx, scoreKey(peerID))
	if err == nil {
		return decodeScore(peerID, rec.Value), nil
	}
	if time.Since(nodeBoot) < LegacyGracePeriod {
		return Score{PeerID: peerID, Counters: Counters{HelpfulActions: 1}, UpdatedAt: time.Now().UTC()}, nil
	}
	return Score{PeerID: peerID, UpdatedAt: time.Now().UTC()}, nil
}

// RecordTaskOutcome applies the success/failure counter increment for
// eventID, idempotently: replaying the same (peerID, eventID) pair has no
// further effect.
func (m *Manager) RecordTaskOutcome(ctx context.Context, peerID, eventID string, succeeded bool) (Score, bool, error) {
	if !m.claimEvent(peerID, eventID) {
		cur, err := m.GetScore(ctx, peerID, time.Time{})
		return cur, false, err
	}
	return m.mutate(ctx, peerID, func(c *Counters) {
		if succeeded {
			c.TasksCompleted++
		} else {
			c.TasksFailed++
		}
	})
}

// RecordUptime/RecordDowntime append to a peer's uptime/downtime counters,
// idempotent per eventID (e.g. one event per health-check tick).
func (m *Manager) RecordUptime(ctx context.Context, peerID, eventID string, hours int) (Score, bool, error) {
	if !m.claimEvent(peerID, eventID) {
		cur, err := m.GetScore(ctx, peerID, time.Time{})
		return cur, false, err
	}
	return m.mutate(ctx, peerID, func(c *Counters) { c.UptimeHours += hours })
}

func (m *Manager) RecordDowntime(ctx context.Context, peerID, eventID string, hours int) (Score, bool, error) {
	if !m.claimEvent(peerID, eventID) {
		cur, err := m.GetScore(ctx, peerID, time.Time{})
		return cur, false, err
	}
	return m.mutate(ctx, peerID, func(c *Counters) { c.DowntimeHours += hours })
}

// RecordHelpful records one helpful action (e.g. successful catalogue
// replication, corroboration assistance).
func (m *Manager) RecordHelpful(ctx context.Context, peerID, eventID string) (Score, bool, error) {
	if !m.claimEvent(peerID, eventID) {
		cur, err := m.GetScore(ctx, peerID, time.Time{})
		return cur, false, err
	}
	return m.mutate(ctx, peerID, func(c *Counters) { c.HelpfulActions++ })
}

// ReportMalicious records one independent report of peerID's misbehaviour
// for corroboration. Once corroborationMin independent reporters have
// reported the same peer within the window, the penalty is applied exactly
// once and recorded in the audit log.
func (m *Manager) ReportMalicious(ctx context.Context, peerID, reporterID string) (applied bool, score Score, err error) {
	m.corroborator.Record(peerID, reporterID, "malicious")
	if !m.corroborator.Signal(peerID) {
		cur, gerr := m.GetScore(ctx, peerID, time.Time{})
		return false, cur, gerr
	}
	eventID := "malicious_corroborated"
	if !m.claimEvent(peerID, eventID) {
		cur, gerr := m.GetScore(ctx, peerID, time.Time{})
		return false, cur, gerr
	}
	cur, _, aerr := m.mutate(ctx, peerID, func(c *Counters) { c.MaliciousReports++ })
	if aerr == nil {
		m.audit.Record(peerID, "malicious_penalty_applied", cur.Value())
	}
	return true, cur, aerr
}

// claimEvent returns true the first time (peerID, eventID) is seen.
func (m *Manager) claimEvent(peerID, eventID string) bool {
	key := peerID + "|" + eventID
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[key]; dup {
		return false
	}
	m.seen[key] = struct{}{}
	return true
}

func (m *Manager) mutate(ctx context.Context, peerID string, fn func(*Counters)) (Score, bool, error) {
	cur, err := m.GetScore(ctx, peerID, time.Time{})
	if err != nil {
		return Score{}, false, err
	}
	before := cur.Value()
	fn(&cur.Counters)
	cur.UpdatedAt = time.Now().UTC()
	cur.PeerID = peerID
	if err := m.store.Put(ctx, scoreKey(peerID), encodeScore(cur)); err != nil {
		return Score{}, false, err
	}
	if m.metrics != nil {
		after := cur.Value()
		switch {
		case after > before:
			m.metrics.ReputationUpdatesTotal.WithLabelValues("increase").Inc()
		case after < before:
			m.metrics.ReputationUpdatesTotal.WithLabelValues("decrease").Inc()
		}
	}
	return cur, true, nil
}

// Allow checks and, if available, consumes one task-quota token for peerID
// given its current band. Elder has unlimited quota. Refills happen
// wholesale on the hour, mirroring budget.Bucket's refill semantics.
func (m *Manager) Allow(peerID string, band Band) bool {
	entry := QuotaTable[band]
	if entry.TasksPerHour < 0 {
		return true
	}

	m.mu.Lock()
	b, ok := m.buckets[peerID]
	if !ok {
		b = &quotaBucket{band: band, tokens: entry.TasksPerHour, lastFill: time.Now()}
		m.buckets[peerID] = b
	}
	m.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.band != band || time.Since(b.lastFill) >= time.Hour {
		b.band = band
		b.tokens = entry.TasksPerHour
		b.lastFill = time.Now()
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

type onDiskScore struct {
	Counters  Counters  `json:"counters"`
	UpdatedAt time.Time `json:"updated_at"`
}

func encodeScore(s Score) []byte {
	b, _ := json.Marshal(onDiskScore{Counters: s.Counters, UpdatedAt: s.UpdatedAt})
	return b
}

func decodeScore(peerID string, data []byte) Score {
	var d onDiskScore
	if err := json.Unmarshal(data, &d); err != nil {
		return Score{PeerID: peerID}
	}
	return Score{PeerID: peerID, Counters: d.Counters, UpdatedAt: d.UpdatedAt}
}
