package network

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPeerRegistry_UpsertAndGet(t *testing.T) {
	reg, err := NewPeerRegistry(4)
	if err != nil {
		t.Fatalf("NewPeerRegistry: %v", err)
	}
	reg.Upsert(&PeerRecord{PeerID: "p1", Address: "10.0.0.1:9000", State: Connected, LastSeen: time.Now()})

	rec, ok := reg.Get("p1")
	if !ok {
		t.Fatal("expected p1 to be present")
	}
	if rec.Subnet24 != "10.0.0" {
		t.Fatalf("expected subnet 10.0.0, got %q", rec.Subnet24)
	}
}

func TestPeerRegistry_EvictsLRUBeyondCapacity(t *testing.T) {
	reg, err := NewPeerRegistry(2)
	if err != nil {
		t.Fatalf("NewPeerRegistry: %v", err)
	}
	reg.Upsert(&PeerRecord{PeerID: "p1", Address: "10.0.0.1:9000"})
	reg.Upsert(&PeerRecord{PeerID: "p2", Address: "10.0.0.2:9000"})
	reg.Upsert(&PeerRecord{PeerID: "p3", Address: "10.0.0.3:9000"})

	if reg.Len() != 2 {
		t.Fatalf("expected capacity-bounded registry to hold 2 entries, got %d", reg.Len())
	}
	if _, ok := reg.Get("p1"); ok {
		t.Fatal("expected least-recently-used p1 to have been evicted")
	}
}

func TestDiversityAuditor_RejectsOverrepresentedSubnetOnAccept(t *testing.T) {
	reg, _ := NewPeerRegistry(16)
	for i := 0; i < 4; i++ {
		rec := &PeerRecord{PeerID: itoa(i), Address: "10.0.0.1:900" + itoa(i), State: Connected, LastSeen: time.Now()}
		reg.Upsert(rec)
		reg.MarkState(rec.PeerID, Connected)
	}

	limits := DiversityLimits{MaxSubnetShare: 0.20, MaxASShare: 0.05, BaseBackoff: time.Second, MaxBackoff: time.Minute}
	auditor := NewDiversityAuditor(reg, limits, zap.NewNop())

	candidate := &PeerRecord{PeerID: "newcomer", Address: "10.0.0.1:9099", Subnet24: "10.0.0"}
	if auditor.OnAccept(candidate) {
		t.Fatal("expected a 5th same-subnet peer to be rejected under a 20% cap")
	}
}
