// Connection-diversity policy (spec.md §4.5): caps the share of a node's
// connections drawn from any single /24 (IPv4) or /48 (IPv6) subnet.
// Audited on every accepted connection and on a 5-minute ticker. The AS
// cap (DiversityLimits.MaxASShare) is carried but not enforced: only the
// subnet share is checked.
package network

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DiversityLimits bounds the share of connections any one grouping key may
// hold.
type DiversityLimits struct {
	MaxSubnetShare float64 // e.g. 0.20
	MaxASShare     float64 // e.g. 0.05
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

// DefaultDiversityLimits matches spec.md §4.5's mandated caps.
func DefaultDiversityLimits() DiversityLimits {
	return DiversityLimits{
		MaxSubnetShare: 0.20,
		MaxASShare:     0.05,
		BaseBackoff:    30 * time.Second,
		MaxBackoff:     30 * time.Minute,
	}
}

// DiversityAuditor periodically (and on-accept) cools down the newest
// offending peer from an overrepresented subnet.
type DiversityAuditor struct {
	registry *PeerRegistry
	limits   DiversityLimits
	log      *zap.Logger

	// backoff tracks exponential cooldown state per peer, keyed by PeerID.
	backoffAttempts map[string]int
}

// NewDiversityAuditor creates an auditor over registry.
func NewDiversityAuditor(registry *PeerRegistry, limits DiversityLimits, log *zap.Logger) *DiversityAuditor {
	return &DiversityAuditor{registry: registry, limits: limits, log: log, backoffAttempts: make(map[string]int)}
}

// Run audits the registry every 5 minutes until ctx is cancelled.
func (a *DiversityAuditor) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Audit()
		}
	}
}

// Audit checks the current connected set against the subnet limit and
// puts the most-recently-seen peer of each overrepresented subnet into
// cooldown in the registry: one peer per subnet per audit. The connection
// itself is not closed here.
func (a *DiversityAuditor) Audit() {
	conns := a.registry.Connected()
	total := len(conns)
	if total == 0 {
		return
	}

	bySubnet := make(map[string][]*PeerRecord)
	for _, rec := range conns {
		bySubnet[rec.Subnet24] = append(bySubnet[rec.Subnet24], rec)
	}

	for subnet, recs := range bySubnet {
		share := float64(len(recs)) / float64(total)
		if share <= a.limits.MaxSubnetShare {
			continue
		}
		newest := newestByLastSeen(recs)
		a.evict(newest, "subnet_share_violation", subnet)
	}
}

// OnAccept checks whether admitting candidate would push its subnet over
// the limit and, if so, refuses the connection (caller must close it) and
// applies a cooldown.
func (a *DiversityAuditor) OnAccept(candidate *PeerRecord) bool {
	conns := a.registry.Connected()
	sameSubnet := 0
	for _, rec := range conns {
		if rec.Subnet24 == candidate.Subnet24 {
			sameSubnet++
		}
	}
	projectedTotal := len(conns) + 1
	if float64(sameSubnet+1)/float64(projectedTotal) > a.limits.MaxSubnetShare {
		a.evict(candidate, "subnet_share_violation_on_accept", candidate.Subnet24)
		return false
	}
	return true
}

func (a *DiversityAuditor) evict(rec *PeerRecord, reason, group string) {
	attempt := a.backoffAttempts[rec.PeerID]
	backoff := a.limits.BaseBackoff << attempt
	if backoff > a.limits.MaxBackoff || backoff <= 0 {
		backoff = a.limits.MaxBackoff
	}
	a.backoffAttempts[rec.PeerID] = attempt + 1

	a.registry.Cooldown(rec.PeerID, time.Now().Add(backoff))
	a.log.Warn("connection-diversity violation, peer cooled down",
		zap.String("peer_id", rec.PeerID),
		zap.String("reason", reason),
		zap.String("group", group),
		zap.Duration("backoff", backoff),
	)
}

func newestByLastSeen(recs []*PeerRecord) *PeerRecord {
	newest := recs[0]
	for _, r := range recs[1:] {
		if r.LastSeen.After(newest.LastSeen) {
			newest = r
		}
	}
	return newest
}
