package quorum

import (
	"testing"
	"time"
)

func TestEvaluator_SignalRequiresMinimum(t *testing.T) {
	e := New(2, time.Minute)
	defer e.Close()

	if e.Signal("task-1") {
		t.Fatal("expected no quorum with zero reports")
	}

	e.Record("task-1", "peer-a", "hash-x")
	if e.Signal("task-1") {
		t.Fatal("expected no quorum with one reporter")
	}

	e.Record("task-1", "peer-b", "hash-x")
	if !e.Signal("task-1") {
		t.Fatal("expected quorum with two reporters")
	}
}

func TestEvaluator_RecordIsIdempotentPerVoter(t *testing.T) {
	e := New(2, time.Minute)
	defer e.Close()

	e.Record("task-1", "peer-a", "hash-x")
	e.Record("task-1", "peer-a", "hash-y") // same voter, updated value — must not count twice
	_, agreeing, total := e.Agreement("task-1")
	if total != 1 {
		t.Fatalf("expected 1 unique voter, got %d", total)
	}
	if agreeing != 1 {
		t.Fatalf("expected 1 agreeing vote, got %d", agreeing)
	}
}

func TestEvaluator_Agreement_MajorityWins(t *testing.T) {
	e := New(1, time.Minute)
	defer e.Close()

	e.Record("task-1", "peer-a", "hash-x")
	e.Record("task-1", "peer-b", "hash-x")
	e.Record("task-1", "peer-c", "hash-z")

	value, agreeing, total := e.Agreement("task-1")
	if value != "hash-x" {
		t.Fatalf("expected majority value hash-x, got %q", value)
	}
	if agreeing != 2 || total != 3 {
		t.Fatalf("expected 2/3 agreement, got %d/%d", agreeing, total)
	}
}

func TestEvaluator_PartitionRecalibration(t *testing.T) {
	sink := &ChannelPartitionSink{C: make(chan PartitionEvent, 4)}
	e := NewWithConfig(Config{
		Min:                3,
		TTL:                time.Minute,
		TotalPeers:         10,
		PartitionThreshold: 0.5,
		QuorumFraction:     0.5,
		Sink:               sink,
	})
	defer e.Close()

	e.UpdatePeerReachability(2) // 2/10 = 0.2 < 0.5 → partition mode, recalibrated = max(1, floor(2*0.5)) = 1
	mode, effMin, reachable := e.PartitionState()
	if mode != PartitionModeIsolated {
		t.Fatalf("expected isolated mode, got %v", mode)
	}
	if effMin != 1 {
		t.Fatalf("expected recalibrated min 1, got %d", effMin)
	}
	if reachable != 2 {
		t.Fatalf("expected reachable 2, got %d", reachable)
	}

	select {
	case evt := <-sink.C:
		if evt.Mode != PartitionModeIsolated {
			t.Fatalf("expected isolated event, got %v", evt.Mode)
		}
	default:
		t.Fatal("expected a partition event to be emitted")
	}

	e.UpdatePeerReachability(8) // 8/10 = 0.8 >= 0.5 → normal mode restored
	mode, effMin, _ = e.PartitionState()
	if mode != PartitionModeNormal || effMin != 3 {
		t.Fatalf("expected normal mode with min 3, got mode=%v min=%d", mode, effMin)
	}
}

func TestEvaluator_PruneExpiresObservations(t *testing.T) {
	e := New(1, 20*time.Millisecond)
	defer e.Close()

	e.Record("task-1", "peer-a", "hash-x")
	if !e.Signal("task-1") {
		t.Fatal("expected quorum immediately after recording")
	}

	time.Sleep(40 * time.Millisecond)
	e.pruneExpired()
	if e.Signal("task-1") {
		t.Fatal("expected quorum to expire after TTL")
	}
}
