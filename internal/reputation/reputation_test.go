package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/p2p-ai-agents/node/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(storage.NewMemoryStorage(), 2, time.Minute, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestBandForScore_Boundaries(t *testing.T) {
	cases := []struct {
		score int
		want  Band
	}{
		{0, Newcomer},
		{99, Newcomer},
		{100, Trusted},
		{499, Trusted},
		{500, Veteran},
		{999, Veteran},
		{1000, Elder},
		{5000, Elder},
	}
	for _, c := range cases {
		if got := BandForScore(c.score); got != c.want {
			t.Errorf("BandForScore(%d) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestCounters_Value_ClampsToZeroAndThousand(t *testing.T) {
	if v := (Counters{TasksFailed: 1000}).Value(); v != 0 {
		t.Fatalf("expected clamp to 0, got %d", v)
	}
	if v := (Counters{TasksCompleted: 1000}).Value(); v != 1000 {
		t.Fatalf("expected clamp to 1000, got %d", v)
	}
}

func TestCounters_Value_MonotonicInTasksCompleted(t *testing.T) {
	base := Counters{TasksCompleted: 2, HelpfulActions: 1}
	more := base
	more.TasksCompleted++
	if more.Value() < base.Value() {
		t.Fatalf("increasing TasksCompleted must not decrease score: %d -> %d", base.Value(), more.Value())
	}
}

func TestGetScore_UnknownPeerWithinGraceGetsLegacyDefault(t *testing.T) {
	m := newTestManager(t)
	score, err := m.GetScore(context.Background(), "peer-new", time.Now())
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if score.Value() <= 0 {
		t.Fatalf("expected a positive grace-period score, got %d", score.Value())
	}
}

func TestGetScore_UnknownPeerOutsideGraceGetsFloor(t *testing.T) {
	m := newTestManager(t)
	longAgo := time.Now().Add(-60 * 24 * time.Hour)
	score, err := m.GetScore(context.Background(), "peer-new", longAgo)
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if score.Value() != 0 {
		t.Fatalf("expected floor score 0 outside grace period, got %d", score.Value())
	}
}

func TestRecordTaskOutcome_IsReplaySafe(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, applied, err := m.RecordTaskOutcome(ctx, "peer-a", "evt-1", true)
	if err != nil {
		t.Fatalf("RecordTaskOutcome: %v", err)
	}
	if !applied {
		t.Fatal("expected the first occurrence of evt-1 to apply")
	}

	second, applied, err := m.RecordTaskOutcome(ctx, "peer-a", "evt-1", true)
	if err != nil {
		t.Fatalf("RecordTaskOutcome replay: %v", err)
	}
	if applied {
		t.Fatal("expected a replayed event id to be a no-op")
	}
	if second.Value() != first.Value() {
		t.Fatalf("replaying the same event must not change the score: %d vs %d", first.Value(), second.Value())
	}
}

func TestReportMalicious_RequiresCorroborationBeforePenalty(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	applied, _, err := m.ReportMalicious(ctx, "peer-x", "reporter-a")
	if err != nil {
		t.Fatalf("ReportMalicious: %v", err)
	}
	if applied {
		t.Fatal("expected no penalty from a single reporter (corroborationMin=2)")
	}

	applied, score, err := m.ReportMalicious(ctx, "peer-x", "reporter-b")
	if err != nil {
		t.Fatalf("ReportMalicious: %v", err)
	}
	if !applied {
		t.Fatal("expected the penalty to apply once two independent reporters corroborate")
	}
	if score.Counters.MaliciousReports != 1 {
		t.Fatalf("expected MaliciousReports=1, got %d", score.Counters.MaliciousReports)
	}

	entries := m.Audit().Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	if !Verify(entries[0]) {
		t.Fatal("expected the recorded audit entry to verify against its own hash")
	}
}

func TestAllow_EnforcesPerBandQuota(t *testing.T) {
	m := newTestManager(t)
	entry := QuotaTable[Newcomer]

	for i := 0; i < entry.TasksPerHour; i++ {
		if !m.Allow("peer-a", Newcomer) {
			t.Fatalf("expected token %d/%d to be allowed", i+1, entry.TasksPerHour)
		}
	}
	if m.Allow("peer-a", Newcomer) {
		t.Fatal("expected quota to be exhausted after TasksPerHour tokens")
	}
}

func TestAllow_ElderHasUnlimitedQuota(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 10_000; i++ {
		if !m.Allow("peer-elder", Elder) {
			t.Fatalf("expected Elder quota to never be exhausted (iteration %d)", i)
		}
	}
}
