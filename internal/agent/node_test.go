package agent

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/p2p-ai-agents/node/contrib"
	"github.com/p2p-ai-agents/node/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.ConfigDir = dir
	cfg.Network.ListenAddr = "127.0.0.1:0"
	cfg.Network.TLSCertFile = dir + "/node.crt"
	cfg.Network.TLSKeyFile = dir + "/node.key"
	cfg.Storage.Backend = "memory"
	cfg.Discovery.MDNSEnabled = false
	cfg.Discovery.BootstrapPeers = nil
	cfg.ControlPlane.Enabled = false
	return &cfg
}

func TestNew_ComposesAndBootsIdentity(t *testing.T) {
	cfg := testConfig(t)
	log := zap.NewNop()

	node, err := New(cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if node.PeerID() == "" {
		t.Fatal("expected a derived peer id")
	}

	snap := node.Status()
	if snap.State != "INITIALIZING" {
		t.Fatalf("expected INITIALIZING before Start, got %s", snap.State)
	}
	if snap.PeerID != node.PeerID() {
		t.Fatalf("status peer_id mismatch: %s vs %s", snap.PeerID, node.PeerID())
	}
}

func TestNode_SubmitAndTrackLocalTask(t *testing.T) {
	cfg := testConfig(t)
	log := zap.NewNop()

	node, err := New(cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	taskID, err := node.Submit(ctx, contrib.EchoExecutor{}.Name(), []byte("hello"), "normal", 5000)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if taskID == "" {
		t.Fatal("expected a non-empty task id")
	}

	snap, err := node.TaskStatus(taskID)
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if snap.Status != "pending" {
		t.Fatalf("expected a freshly submitted task to be pending, got %s", snap.Status)
	}
}

func TestNew_RejectsUnknownStorageBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "not-a-backend"
	log := zap.NewNop()

	if _, err := New(cfg, log); err == nil {
		t.Fatal("expected New to fail for an unknown storage backend")
	}
}

func TestCandidatesFor_FiltersByCapability(t *testing.T) {
	cfg := testConfig(t)
	log := zap.NewNop()

	node, err := New(cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	node.peerMu.Lock()
	node.peers["peer-a"] = &peerInfo{capabilities: []string{"echo"}, load: 1}
	node.peers["peer-b"] = &peerInfo{capabilities: []string{"other"}, load: 0}
	node.peerMu.Unlock()

	cands := node.candidatesFor("echo")
	if len(cands) != 1 || cands[0].PeerID != "peer-a" {
		t.Fatalf("expected only peer-a to match capability echo, got %+v", cands)
	}
}
