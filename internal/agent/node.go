// Package agent composes the Node Runtime Core into a single running
// process: the Lifecycle component of spec.md §2, built in its mandated
// dependency order (Identity -> EventBus -> Storage -> Network ->
// Discovery -> Reputation -> Protocols -> TaskEngine -> Observability).
//
// Node is the explicit object graph spec.md §5 requires in place of global
// mutable state: every subsystem is a field, constructed once by New and
// torn down once by Shutdown. There is exactly one Node per process.
package agent

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p2p-ai-agents/node/contrib"
	"github.com/p2p-ai-agents/node/internal/config"
	"github.com/p2p-ai-agents/node/internal/control"
	"github.com/p2p-ai-agents/node/internal/discovery"
	"github.com/p2p-ai-agents/node/internal/eventbus"
	"github.com/p2p-ai-agents/node/internal/identity"
	"github.com/p2p-ai-agents/node/internal/lifecycle"
	"github.com/p2p-ai-agents/node/internal/network"
	"github.com/p2p-ai-agents/node/internal/observability"
	"github.com/p2p-ai-agents/node/internal/protocol"
	"github.com/p2p-ai-agents/node/internal/reputation"
	"github.com/p2p-ai-agents/node/internal/storage"
	"github.com/p2p-ai-agents/node/internal/taskengine"
)

// peerInfo is the node's local view of a peer's advertised capabilities
// and load, populated by inbound ResourceUpdate messages. Kept separate
// from network.PeerRegistry's PeerRecord per spec.md §2's ownership rule:
// the registry owns connectivity, the engine's scheduler only needs
// capability/load/latency, so this package holds that narrower view.
type peerInfo struct {
	capabilities []string
	load         int
	latency      time.Duration
}

// Node is the composed Node Runtime Core for one process.
type Node struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *observability.Metrics

	identity *identity.NodeIdentity
	machine  *lifecycle.Machine
	health   *lifecycle.HealthAccumulator

	bus   *eventbus.Bus
	store storage.Storage

	registry  *network.PeerRegistry
	auditor   *network.DiversityAuditor
	transport *network.Transport

	discoveryCat *discovery.Catalogue
	mdnsStop     func()

	reputationMgr *reputation.Manager
	engine        *taskengine.Engine

	controlSrv *control.Server

	bootTime time.Time

	connMu sync.RWMutex
	conns  map[string]*network.Conn

	peerMu sync.RWMutex
	peers  map[string]*peerInfo

	runningMu sync.Mutex
	running   map[string]context.CancelFunc // locally executing task_id -> cancel

	stopCh   chan struct{}
	stopOnce sync.Once

	cancelBg context.CancelFunc

	taskOK   atomic.Int64
	taskFail atomic.Int64

	dialAttempts atomic.Int64
	dialFailures atomic.Int64
}

// New builds a Node's full object graph from cfg without starting any
// network or background activity (spec.md §4.2: Initializing).
func New(cfg *config.Config, log *zap.Logger) (*Node, error) {
	n := &Node{
		cfg:      cfg,
		log:      log,
		machine:  lifecycle.NewMachine(),
		health:   lifecycle.NewHealthAccumulator(0.3),
		bootTime: time.Now().UTC(),
		conns:    make(map[string]*network.Conn),
		peers:    make(map[string]*peerInfo),
		running:  make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}

	if err := n.transition(lifecycle.Initializing); err != nil {
		return nil, fmt.Errorf("agent: initializing transition: %w", err)
	}

	// Identity.
	id, err := identity.LoadOrCreate(cfg.ConfigDir)
	if err != nil {
		_ = n.transition(lifecycle.Stopped)
		return nil, fmt.Errorf("agent: startup failed: %w", err)
	}
	n.identity = id

	// Observability (metrics registry is needed by the event bus).
	n.metrics = observability.NewMetrics()

	// Event bus.
	busCtx, cancel := context.WithCancel(context.Background())
	n.cancelBg = cancel
	n.bus = eventbus.New(busCtx, eventbus.DefaultTierConfigs(), log, n.metrics)

	// Storage.
	store, err := openStorage(cfg.Storage)
	if err != nil {
		_ = n.transition(lifecycle.Stopped)
		return nil, fmt.Errorf("agent: startup failed: %w", err)
	}
	store = newInstrumentedStorage(store, n.metrics)
	n.store = store

	// Network: peer registry, diversity auditor, TLS transport.
	registry, err := network.NewPeerRegistry(cfg.Network.RegistryCapacity)
	if err != nil {
		_ = n.transition(lifecycle.Stopped)
		return nil, fmt.Errorf("agent: startup failed: %w", err)
	}
	n.registry = registry

	limits := network.DiversityLimits{
		MaxSubnetShare: cfg.Network.MaxSubnetShare,
		MaxASShare:     cfg.Network.MaxASShare,
		BaseBackoff:    cfg.Network.BaseBackoff,
		MaxBackoff:     cfg.Network.MaxBackoff,
	}
	n.auditor = network.NewDiversityAuditor(registry, limits, log)

	tlsMat, err := network.EnsureSelfSignedMaterial(id, cfg.Network.TLSCertFile, cfg.Network.TLSKeyFile)
	if err != nil {
		_ = n.transition(lifecycle.Stopped)
		return nil, fmt.Errorf("agent: startup failed: %w", err)
	}
	if cfg.Network.TLSCAFile != "" {
		tlsMat.CAFile = cfg.Network.TLSCAFile
	}
	n.transport = network.NewTransport(id, tlsMat, registry, n.auditor, cfg.Identity.PowParams(), log, n.metrics, n.onConn)

	// Discovery.
	self := discovery.Fragment{PeerID: id.PeerID, Address: cfg.Network.ListenAddr, PublicKey: []byte(id.PublicKey), LastSeen: time.Now().UTC()}
	n.discoveryCat = discovery.New(discovery.Config{
		BootstrapPeers:     cfg.Discovery.BootstrapPeers,
		ReplicationFactor:  cfg.Discovery.ReplicationFactor,
		RateLimitPerOrigin: cfg.Discovery.RateLimitPerOrigin,
		AnnounceInterval:   cfg.Discovery.AnnounceInterval,
		SelfHealThreshold:  cfg.Discovery.SelfHealThreshold,
	}, &discoveryTransport{n: n}, self, log)

	// Reputation & Sybil guard.
	repMgr, err := reputation.New(store, cfg.Reputation.CorroborationMin, cfg.Reputation.CorroborationWindow, n.metrics)
	if err != nil {
		_ = n.transition(lifecycle.Stopped)
		return nil, fmt.Errorf("agent: startup failed: %w", err)
	}
	n.reputationMgr = repMgr

	// Task engine.
	engCfg := taskengine.Config{
		MaxRetries:        cfg.TaskEngine.MaxRetries,
		RetryBaseDelay:    cfg.TaskEngine.RetryBaseBackoff,
		ConsensusMin:      3,
		ConsensusWindow:   cfg.Reputation.CorroborationWindow,
		DefaultTimeout:    cfg.TaskEngine.DefaultTimeout,
		MaxConcurrentRuns: 16,
	}
	engine, err := taskengine.New(store, repMgr, n.bus, &dispatcher{n: n}, log, engCfg, n.metrics)
	if err != nil {
		_ = n.transition(lifecycle.Stopped)
		return nil, fmt.Errorf("agent: startup failed: %w", err)
	}
	n.engine = engine

	// Control plane.
	if cfg.ControlPlane.Enabled {
		n.controlSrv = control.NewServer(cfg.ControlPlane.SocketPath, n, log)
	}

	return n, nil
}

func openStorage(cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "bbolt":
		return storage.OpenBolt(cfg.DBPath)
	case "redis":
		return storage.NewRedisStorage(context.Background(), storage.RedisOptions{
			Addrs:       cfg.RedisAddrs,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Consistency: parseConsistency(cfg.Consistency),
		})
	case "supabase":
		return storage.NewSupabaseStorage(storage.SupabaseOptions{
			BaseURL:     cfg.SupabaseBaseURL,
			Table:       cfg.SupabaseTable,
			APIKey:      cfg.SupabaseAPIKey,
			Consistency: parseConsistency(cfg.Consistency),
		})
	default:
		return nil, fmt.Errorf("agent: unknown storage backend %q", cfg.Backend)
	}
}

// transition drives the lifecycle machine to target and records the
// from/to pair in NodeStateTransitionsTotal.
func (n *Node) transition(target lifecycle.State) error {
	from := n.machine.Current()
	err := n.machine.Transition(target)
	if err == nil && n.metrics != nil {
		n.metrics.NodeStateTransitionsTotal.WithLabelValues(from.String(), target.String()).Inc()
	}
	return err
}

func parseConsistency(s string) storage.ConsistencyLevel {
	switch s {
	case "strong":
		return storage.Strong
	case "eventual":
		return storage.Eventual
	default:
		return storage.ReadYourWrites
	}
}

// Start moves the node Initializing -> Registering -> Active, starts the
// transport listener, diversity audits, discovery bootstrap, the
// control-plane socket, and the local task-dispatch loop (spec.md §4.2).
func (n *Node) Start(ctx context.Context) error {
	if err := n.transition(lifecycle.Registering); err != nil {
		return fmt.Errorf("agent: startup failed: %w", err)
	}

	go func() {
		if err := n.transport.Start(ctx, n.cfg.Network.ListenAddr); err != nil {
			n.log.Error("transport stopped", zap.Error(err))
		}
	}()
	go n.auditor.Run(ctx)
	go n.dispatchLoop(ctx)
	go n.resourceUpdateLoop(ctx)
	go n.healthLoop(ctx)

	if n.cfg.Discovery.MDNSEnabled {
		if stop, err := discovery.Announce(n.identity.PeerID, listenPort(n.cfg.Network.ListenAddr), n.log); err == nil {
			n.mdnsStop = stop
		} else {
			n.log.Warn("mdns announce failed", zap.Error(err))
		}
	}

	if err := n.discoveryCat.Bootstrap(ctx); err != nil {
		n.log.Warn("discovery bootstrap incomplete", zap.Error(err))
	}
	go n.announceLoop(ctx)

	if n.controlSrv != nil {
		go func() {
			if err := n.controlSrv.ListenAndServe(ctx); err != nil {
				n.log.Error("control socket stopped", zap.Error(err))
			}
		}()
	}

	if err := n.transition(lifecycle.Active); err != nil {
		return fmt.Errorf("agent: startup failed: %w", err)
	}
	n.log.Info("node active", zap.String("peer_id", n.identity.PeerID), zap.String("listen_addr", n.cfg.Network.ListenAddr))
	return nil
}

// healthLoop periodically recomputes the node's composite health score
// and drives the Active<->Degraded edge (spec.md §4.2's degradation
// policy), generalising the teacher's per-worker severity loop into a
// single node-wide health accumulator.
func (n *Node) healthLoop(ctx context.Context) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	thresholds := lifecycle.DefaultDegradationThresholds()
	weights := lifecycle.DefaultHealthWeights()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			inputs := lifecycle.HealthInputs{
				ConnectionErrorRate: n.connectionErrorRate(),
				QueueDepthFraction:  n.queueDepthFraction(),
				TaskFailureRate:     n.taskFailureRate(),
			}
			h := n.health.Update(lifecycle.ComputeHealth(inputs, weights))

			if n.metrics != nil {
				n.metrics.PeersKnown.Set(float64(n.registry.Len()))
			}

			switch n.machine.Current() {
			case lifecycle.Active:
				if h >= thresholds.Degrade {
					_ = n.transition(lifecycle.Degraded)
					n.log.Warn("node degraded", zap.Float64("health", h))
				}
			case lifecycle.Degraded:
				if h <= thresholds.Recover {
					_ = n.transition(lifecycle.Active)
					n.log.Info("node recovered", zap.Float64("health", h))
				}
			}
		}
	}
}

func (n *Node) connectionErrorRate() float64 {
	attempts := n.dialAttempts.Swap(0)
	failures := n.dialFailures.Swap(0)
	if attempts == 0 {
		return 0
	}
	return float64(failures) / float64(attempts)
}

func (n *Node) queueDepthFraction() float64 {
	n.runningMu.Lock()
	depth := len(n.running)
	n.runningMu.Unlock()
	const capacity = 16
	if depth > capacity {
		return 1
	}
	return float64(depth) / float64(capacity)
}

func (n *Node) taskFailureRate() float64 {
	ok := n.taskOK.Swap(0)
	fail := n.taskFail.Swap(0)
	total := ok + fail
	if total == 0 {
		return 0
	}
	return float64(fail) / float64(total)
}

func (n *Node) announceLoop(ctx context.Context) {
	t := time.NewTicker(n.cfg.Discovery.AnnounceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := n.discoveryCat.AnnounceSelf(ctx); err != nil {
				n.log.Warn("discovery announce failed", zap.Error(err))
			}
		}
	}
}

// Shutdown moves the node through Stopping to Stopped, draining in-flight
// tasks up to grace before force-cancelling (spec.md §4.2).
func (n *Node) Shutdown(ctx context.Context, grace time.Duration) error {
	_ = n.transition(lifecycle.Stopping)
	n.stopOnce.Do(func() { close(n.stopCh) })

	drained := make(chan struct{})
	go func() {
		n.runningMu.Lock()
		for len(n.running) > 0 {
			n.runningMu.Unlock()
			time.Sleep(50 * time.Millisecond)
			n.runningMu.Lock()
		}
		n.runningMu.Unlock()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(grace):
		n.runningMu.Lock()
		for id, cancel := range n.running {
			cancel()
			n.log.Warn("force-cancelled task on shutdown", zap.String("task_id", id))
		}
		n.runningMu.Unlock()
	}

	if n.mdnsStop != nil {
		n.mdnsStop()
	}
	n.discoveryCat.Close()
	n.reputationMgr.Close()
	n.cancelBg()
	if err := n.store.Close(); err != nil {
		n.log.Warn("storage close failed", zap.Error(err))
	}
	_ = n.transition(lifecycle.Stopped)
	return nil
}

// StopRequested returns a channel closed once shutdown has been requested
// via the control socket's "stop" command.
func (n *Node) StopRequested() <-chan struct{} { return n.stopCh }

// ServeMetrics starts the node's Prometheus metrics HTTP endpoint. Blocks
// until ctx is cancelled or the server fails.
func (n *Node) ServeMetrics(ctx context.Context) error {
	return n.metrics.ServeMetrics(ctx, n.cfg.Observability.MetricsAddr)
}

// PeerID returns the node's own identity.
func (n *Node) PeerID() string { return n.identity.PeerID }

func listenPort(addr string) int {
	port := 0
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			fmt.Sscanf(addr[i+1:], "%d", &port)
			break
		}
	}
	return port
}

// --- control.NodeControl -----------------------------------------------

// Status implements control.NodeControl.
func (n *Node) Status() control.StatusSnapshot {
	return control.StatusSnapshot{
		PeerID:     n.identity.PeerID,
		State:      n.machine.Current().String(),
		PeersKnown: n.registry.Len(),
		Uptime:     time.Since(n.bootTime),
	}
}

// Submit implements control.NodeControl: signs and submits a locally
// originated task under the node's own identity as submitter.
func (n *Node) Submit(ctx context.Context, taskType string, input []byte, priorityStr string, timeoutMS int64) (string, error) {
	priority := parsePriority(priorityStr)
	taskID := uuid.NewString()
	task := taskengine.Task{
		TaskID:    taskID,
		TaskType:  taskType,
		Priority:  priority,
		Input:     input,
		CreatedAt: time.Now().UTC(),
		Submitter: n.identity.PeerID,
		TimeoutMS: timeoutMS,
	}
	task.Signature = n.identity.Sign(taskSigningBytes(task))

	score, err := n.reputationMgr.GetScore(ctx, n.identity.PeerID, n.bootTime)
	if err != nil {
		return "", err
	}
	band := reputation.BandForScore(score.Value())

	if n.metrics != nil {
		n.metrics.TasksSubmittedTotal.Inc()
	}
	return n.engine.Submit(ctx, task, band)
}

// TaskStatus implements control.NodeControl.
func (n *Node) TaskStatus(taskID string) (control.TaskStatusSnapshot, error) {
	st, err := n.engine.Status(taskID)
	if err != nil {
		return control.TaskStatusSnapshot{}, err
	}
	return control.TaskStatusSnapshot{Status: st.Kind.String(), ResultHash: st.ResultHash}, nil
}

// RequestStop implements control.NodeControl.
func (n *Node) RequestStop() { n.stopOnce.Do(func() { close(n.stopCh) }) }

func parsePriority(s string) taskengine.Priority {
	switch s {
	case "low":
		return taskengine.Low
	case "high":
		return taskengine.High
	case "critical":
		return taskengine.Critical
	default:
		return taskengine.Normal
	}
}

func taskSigningBytes(t taskengine.Task) []byte {
	h := sha256.New()
	h.Write([]byte(t.TaskID))
	h.Write([]byte(t.TaskType))
	h.Write(t.Input)
	h.Write([]byte(t.Submitter))
	return h.Sum(nil)
}

// --- Executor-side capability advertisement ------------------------------

// localCapabilities reports the task_types this process can execute
// locally (spec.md §9's plugin registry, contrib.Executor).
func localCapabilities() []string { return contrib.Capabilities() }

func resultHashOf(output []byte) string {
	sum := sha256.Sum256(output)
	return hex.EncodeToString(sum[:])
}

// verifyEnvelope checks env's signature against the sender's known public
// key, either from the registry (established connections) or, for
// Join/Hello, the key carried in the envelope itself. The signature covers
// canonical(header ‖ body), not the body alone, so a forged header cannot
// ride along with a signature computed over the original one.
func (n *Node) verifyEnvelope(env protocol.Envelope, pub ed25519.PublicKey) bool {
	signed, err := protocol.SigningMessage(env.Header, env.Body)
	if err != nil {
		return false
	}
	return identity.Verify(pub, signed, env.Signature)
}
