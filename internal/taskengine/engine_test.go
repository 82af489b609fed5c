package taskengine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/p2p-ai-agents/node/internal/storage"
)

// fakeDispatcher records every SendTask call and lets tests fail specific
// peers on demand.
type fakeDispatcher struct {
	mu   sync.Mutex
	sent []string
	fail map[string]bool
}

func (d *fakeDispatcher) SendTask(_ context.Context, peerID string, _ Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, peerID)
	if d.fail[peerID] {
		return fmt.Errorf("simulated dispatch failure for %s", peerID)
	}
	return nil
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeDispatcher) {
	t.Helper()
	disp := &fakeDispatcher{fail: make(map[string]bool)}
	eng, err := New(storage.NewMemoryStorage(), nil, nil, disp, zap.NewNop(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, disp
}

func signedTask(id, taskType string, priority Priority) Task {
	return Task{
		TaskID:    id,
		TaskType:  taskType,
		Priority:  priority,
		Input:     []byte("payload"),
		CreatedAt: time.Now().UTC(),
		Submitter: "submitter-1",
		Signature: []byte{0x01}, // Submit only checks non-empty; real signing happens at the caller
	}
}

func TestSubmit_RejectsMissingSignature(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultConfig())
	task := signedTask("t1", "echo", Normal)
	task.Signature = nil

	_, err := eng.Submit(context.Background(), task, 0)
	if err == nil {
		t.Fatal("expected an error for an unsigned task")
	}
	var taskErr *TaskError
	if !asTaskError(err, &taskErr) || taskErr.Kind != InvalidSignature {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
}

func TestSubmit_PersistsPendingAndIsQueryable(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultConfig())
	task := signedTask("t1", "echo", Normal)

	id, err := eng.Submit(context.Background(), task, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "t1" {
		t.Fatalf("expected task id t1, got %s", id)
	}

	status, err := eng.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Kind != Pending {
		t.Fatalf("expected Pending, got %s", status.Kind)
	}
}

func TestSchedule_OrdersByReputationThenLatencyThenLoad(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultConfig())
	candidates := []PeerCandidate{
		{PeerID: "low-rep", Capabilities: []string{"echo"}, Reputation: 10, MeasuredLatency: 5 * time.Millisecond, Load: 0},
		{PeerID: "best", Capabilities: []string{"echo"}, Reputation: 900, MeasuredLatency: 5 * time.Millisecond, Load: 0},
		{PeerID: "wrong-cap", Capabilities: []string{"other"}, Reputation: 1000, MeasuredLatency: 1 * time.Millisecond, Load: 0},
		{PeerID: "slower", Capabilities: []string{"echo"}, Reputation: 900, MeasuredLatency: 50 * time.Millisecond, Load: 0},
	}

	picked := eng.Schedule(candidates, "echo", Normal)
	if len(picked) != 1 {
		t.Fatalf("expected 1 candidate for non-consensus priority, got %d", len(picked))
	}
	if picked[0].PeerID != "best" {
		t.Fatalf("expected best-reputation+fastest capable peer, got %s", picked[0].PeerID)
	}
}

func TestSchedule_CriticalFansOutToConsensusMin(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultConfig())
	var candidates []PeerCandidate
	for i := 0; i < 5; i++ {
		candidates = append(candidates, PeerCandidate{
			PeerID:       fmt.Sprintf("peer-%d", i),
			Capabilities: []string{"echo"},
			Reputation:   i,
		})
	}

	picked := eng.Schedule(candidates, "echo", Critical)
	if len(picked) != DefaultConfig().ConsensusMin {
		t.Fatalf("expected fan-out of %d for Critical, got %d", DefaultConfig().ConsensusMin, len(picked))
	}
}

func TestDispatch_SingleCandidate_NonConsensus_CompletesOnFirstResult(t *testing.T) {
	eng, disp := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	task := signedTask("t1", "echo", Normal)

	if _, err := eng.Submit(ctx, task, 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	candidates := []PeerCandidate{{PeerID: "peer-a", Capabilities: []string{"echo"}}}
	if err := eng.Dispatch(ctx, "t1", candidates); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(disp.sent) != 1 || disp.sent[0] != "peer-a" {
		t.Fatalf("expected a single dispatch to peer-a, got %v", disp.sent)
	}

	if err := eng.ReportResult(ctx, "t1", "peer-a", "hash-1", []byte("out"), nil); err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	status, err := eng.Status("t1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Kind != Completed {
		t.Fatalf("expected Completed, got %s", status.Kind)
	}
	if status.ResultHash != "hash-1" {
		t.Fatalf("expected result hash hash-1, got %s", status.ResultHash)
	}
}

func TestDispatch_CriticalTask_CompletesOnlyAfterQuorumAgrees(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	task := signedTask("t1", "echo", Critical)

	if _, err := eng.Submit(ctx, task, 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	candidates := []PeerCandidate{
		{PeerID: "peer-a", Capabilities: []string{"echo"}},
		{PeerID: "peer-b", Capabilities: []string{"echo"}},
		{PeerID: "peer-c", Capabilities: []string{"echo"}},
	}
	if err := eng.Dispatch(ctx, "t1", candidates); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if err := eng.ReportResult(ctx, "t1", "peer-a", "hash-1", []byte("out"), nil); err != nil {
		t.Fatalf("ReportResult (1/3): %v", err)
	}
	status, _ := eng.Status("t1")
	if status.Kind != Running {
		t.Fatalf("expected still Running after 1/3 agreement, got %s", status.Kind)
	}

	if err := eng.ReportResult(ctx, "t1", "peer-b", "hash-1", []byte("out"), nil); err != nil {
		t.Fatalf("ReportResult (2/3): %v", err)
	}
	status, err := eng.Status("t1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Kind != Completed {
		t.Fatalf("expected Completed once 2/3 quorum agrees, got %s", status.Kind)
	}
}

func TestReportResult_ExecutionErrorRetriesThenFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	eng, _ := newTestEngine(t, cfg)
	ctx := context.Background()
	task := signedTask("t1", "echo", Normal)

	if _, err := eng.Submit(ctx, task, 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := eng.Dispatch(ctx, "t1", []PeerCandidate{{PeerID: "peer-a", Capabilities: []string{"echo"}}}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	execErr := fmt.Errorf("executor failed")
	if err := eng.ReportResult(ctx, "t1", "peer-a", "", nil, execErr); err != nil {
		t.Fatalf("first retry should not itself error: %v", err)
	}
	status, _ := eng.Status("t1")
	if status.Kind != Running {
		t.Fatalf("expected still Running after first retry, got %s", status.Kind)
	}

	err := eng.ReportResult(ctx, "t1", "peer-a", "", nil, execErr)
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
	status, _ = eng.Status("t1")
	if status.Kind != Failed {
		t.Fatalf("expected Failed after exceeding MaxRetries, got %s", status.Kind)
	}
}

func TestCancel_TransitionsRunningTaskToCancelled(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	task := signedTask("t1", "echo", Normal)

	if _, err := eng.Submit(ctx, task, 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := eng.Dispatch(ctx, "t1", []PeerCandidate{{PeerID: "peer-a", Capabilities: []string{"echo"}}}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := eng.Cancel(ctx, "t1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	status, err := eng.Status("t1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Kind != Cancelled {
		t.Fatalf("expected Cancelled, got %s", status.Kind)
	}

	// A result arriving after cancellation must not resurrect the task.
	if err := eng.ReportResult(ctx, "t1", "peer-a", "hash-1", []byte("out"), nil); err != nil {
		t.Fatalf("ReportResult after cancel should be a quiet no-op: %v", err)
	}
	status, _ = eng.Status("t1")
	if status.Kind != Cancelled {
		t.Fatalf("expected Cancelled to remain terminal, got %s", status.Kind)
	}
}

func TestDispatch_NoCapablePeersFailsImmediately(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	task := signedTask("t1", "echo", Normal)

	if _, err := eng.Submit(ctx, task, 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	err := eng.Dispatch(ctx, "t1", nil)
	if err == nil {
		t.Fatal("expected an error dispatching with no candidates")
	}
	status, _ := eng.Status("t1")
	if status.Kind != Failed {
		t.Fatalf("expected Failed, got %s", status.Kind)
	}
}

func TestStatus_UnknownTaskReturnsTaskNotFound(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultConfig())
	_, err := eng.Status("does-not-exist")
	if err == nil {
		t.Fatal("expected an error for an unknown task id")
	}
	var taskErr *TaskError
	if !asTaskError(err, &taskErr) || taskErr.Kind != TaskNotFound {
		t.Fatalf("expected TaskNotFound, got %v", err)
	}
}

func asTaskError(err error, target **TaskError) bool {
	te, ok := err.(*TaskError)
	if !ok {
		return false
	}
	*target = te
	return true
}
