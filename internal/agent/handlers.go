package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/p2p-ai-agents/node/contrib"
	"github.com/p2p-ai-agents/node/internal/discovery"
	"github.com/p2p-ai-agents/node/internal/eventbus"
	"github.com/p2p-ai-agents/node/internal/network"
	"github.com/p2p-ai-agents/node/internal/protocol"
	"github.com/p2p-ai-agents/node/internal/taskengine"
)

// onConn is installed as the network.Transport's onConn callback: it
// registers the connection for outbound sends and starts its dedicated
// read loop, both for inbound and outbound handshakes alike (spec.md §4.5
// makes no distinction once the handshake has completed).
func (n *Node) onConn(conn *network.Conn) {
	n.connMu.Lock()
	n.conns[conn.PeerID] = conn
	n.connMu.Unlock()

	n.log.Info("peer connected", zap.String("peer_id", conn.PeerID))

	defer func() {
		n.connMu.Lock()
		delete(n.conns, conn.PeerID)
		n.connMu.Unlock()
		_ = conn.Close()
		if n.metrics != nil {
			n.metrics.ConnectionsActive.Dec()
		}
		n.log.Info("peer disconnected", zap.String("peer_id", conn.PeerID))
	}()

	for {
		env, err := conn.Receive()
		if err != nil {
			return
		}
		n.handleEnvelope(conn, env)
	}
}

// handleEnvelope dispatches one inbound message by its protocol.MessageType
// (spec.md §4.6/§6). Envelope signature verification against the sender's
// registered public key happens first; an unverifiable envelope is logged
// and dropped rather than torn down, since a single bad frame does not
// warrant severing an otherwise healthy connection.
func (n *Node) handleEnvelope(conn *network.Conn, env protocol.Envelope) {
	rec, ok := n.registry.Get(env.Header.SenderPeerID)
	if !ok {
		n.log.Warn("message from unregistered peer", zap.String("peer_id", env.Header.SenderPeerID))
		return
	}
	if !n.verifyEnvelope(env, rec.PublicKey) {
		n.log.Warn("envelope signature verification failed", zap.String("peer_id", env.Header.SenderPeerID))
		return
	}

	switch env.Header.Type {
	case protocol.TaskDistribution:
		n.handleTaskDistribution(conn, env)
	case protocol.TaskResult:
		n.handleTaskResult(env)
	case protocol.TaskCancel:
		n.handleTaskCancel(env)
	case protocol.PeerDiscovery:
		n.handlePeerDiscovery(env)
	case protocol.ResourceUpdate:
		n.handleResourceUpdate(env)
	case protocol.HealthPing:
		n.handleHealthPing(conn, env)
	case protocol.HealthPong:
		// round-trip latency bookkeeping only; no response required.
	default:
		n.log.Debug("unhandled message type", zap.String("type", string(env.Header.Type)))
	}
}

// handleTaskDistribution executes an assigned task locally via the
// contrib.Executor plugin registry (spec.md §9) and reports the outcome
// back to the sender as a TaskResult.
func (n *Node) handleTaskDistribution(conn *network.Conn, env protocol.Envelope) {
	var body protocol.TaskDistributionBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		n.log.Warn("malformed task_distribution", zap.Error(err))
		return
	}

	executor, ok := contrib.GetExecutor(body.TaskType)
	if !ok {
		n.sendTaskResult(conn, body.TaskID, false, nil, "", fmt.Sprintf("no executor registered for task_type %q", body.TaskType))
		return
	}

	timeout := time.Duration(body.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = n.cfg.TaskEngine.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	n.runningMu.Lock()
	n.running[body.TaskID] = cancel
	n.runningMu.Unlock()
	defer func() {
		n.runningMu.Lock()
		delete(n.running, body.TaskID)
		n.runningMu.Unlock()
		cancel()
	}()

	result, err := func() (res contrib.ExecutionResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("executor %q panicked: %v", body.TaskType, r)
			}
		}()
		return executor.Execute(ctx, body.Input)
	}()
	if err != nil {
		n.sendTaskResult(conn, body.TaskID, false, nil, "", err.Error())
		return
	}
	hash := result.ResultHash
	if hash == "" {
		hash = resultHashOf(result.Output)
	}
	n.sendTaskResult(conn, body.TaskID, true, result.Output, hash, "")
}

func (n *Node) sendTaskResult(conn *network.Conn, taskID string, success bool, output []byte, resultHash, errMsg string) {
	body := protocol.TaskResultBody{TaskID: taskID, Success: success, Output: output, ResultHash: resultHash, ErrorMsg: errMsg}
	env, err := n.buildEnvelope(protocol.TaskResult, taskID, body)
	if err != nil {
		n.log.Error("failed to build task_result envelope", zap.Error(err))
		return
	}
	if err := conn.Send(env); err != nil {
		n.log.Warn("failed to send task_result", zap.Error(err))
	}
}

// handleTaskResult feeds a dispatched task's outcome back into the Task
// Engine's consensus/retry logic (spec.md §4.8 ReportResult).
func (n *Node) handleTaskResult(env protocol.Envelope) {
	var body protocol.TaskResultBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		n.log.Warn("malformed task_result", zap.Error(err))
		return
	}
	var execErr error
	if body.Success {
		n.taskOK.Add(1)
	} else {
		n.taskFail.Add(1)
		execErr = fmt.Errorf("%s", body.ErrorMsg)
	}
	if err := n.engine.ReportResult(context.Background(), body.TaskID, env.Header.SenderPeerID, body.ResultHash, body.Output, execErr); err != nil {
		n.log.Warn("report result failed", zap.String("task_id", body.TaskID), zap.Error(err))
	}
}

func (n *Node) handleTaskCancel(env protocol.Envelope) {
	var body protocol.TaskCancelBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		n.log.Warn("malformed task_cancel", zap.Error(err))
		return
	}
	n.runningMu.Lock()
	cancel, ok := n.running[body.TaskID]
	n.runningMu.Unlock()
	if ok {
		cancel()
	}
}

func (n *Node) handlePeerDiscovery(env protocol.Envelope) {
	var body protocol.PeerDiscoveryBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		n.log.Warn("malformed peer_discovery", zap.Error(err))
		return
	}
	frags := make([]discovery.Fragment, 0, len(body.Peers))
	for _, p := range body.Peers {
		frags = append(frags, discovery.Fragment{PeerID: p.PeerID, Address: p.Address, PublicKey: p.PublicKey, LastSeen: p.LastSeen})
	}
	if err := n.discoveryCat.Ingest(env.Header.SenderPeerID, frags); err != nil {
		n.log.Debug("discovery ingest rejected", zap.Error(err))
	}
}

func (n *Node) handleResourceUpdate(env protocol.Envelope) {
	var body protocol.ResourceUpdateBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		n.log.Warn("malformed resource_update", zap.Error(err))
		return
	}
	caps := make([]string, 0, len(body.AvailableExecutors))
	for t, count := range body.AvailableExecutors {
		if count > 0 {
			caps = append(caps, t)
		}
	}
	n.peerMu.Lock()
	pi, ok := n.peers[env.Header.SenderPeerID]
	if !ok {
		pi = &peerInfo{}
		n.peers[env.Header.SenderPeerID] = pi
	}
	pi.capabilities = caps
	pi.load = body.QueueDepth
	n.peerMu.Unlock()
}

func (n *Node) handleHealthPing(conn *network.Conn, env protocol.Envelope) {
	var body protocol.HealthPingBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return
	}
	reply, err := n.buildEnvelope(protocol.HealthPong, env.Header.CorrelationID, protocol.HealthPongBody{Nonce: body.Nonce})
	if err != nil {
		return
	}
	_ = conn.Send(reply)
}

// buildEnvelope marshals body, signs canonical(header ‖ body) under the
// node's identity, and wraps it in a protocol.Envelope of the given type.
// correlationID is carried in the header so a single submission can be
// traced across every message it causes; a blank correlationID gets a
// freshly minted one (spec.md §4.9).
func (n *Node) buildEnvelope(t protocol.MessageType, correlationID string, body any) (protocol.Envelope, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	header := protocol.Header{
		MessageID:     uuid.NewString(),
		SenderPeerID:  n.identity.PeerID,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		ProtocolVer:   protocol.ProtocolVersion,
		Type:          t,
	}
	signed, err := protocol.SigningMessage(header, bodyBytes)
	if err != nil {
		return protocol.Envelope{}, err
	}
	sig := n.identity.Sign(signed)
	return protocol.Envelope{Header: header, Body: bodyBytes, Signature: sig}, nil
}

// dispatcher adapts Node to taskengine.Dispatcher, sending a
// TaskDistribution envelope over the tracked connection for peerID.
type dispatcher struct{ n *Node }

func (d *dispatcher) SendTask(ctx context.Context, peerID string, task taskengine.Task) error {
	d.n.connMu.RLock()
	conn, ok := d.n.conns[peerID]
	d.n.connMu.RUnlock()
	if !ok {
		return fmt.Errorf("agent: no connection to peer %s", peerID)
	}
	body := protocol.TaskDistributionBody{
		TaskID:    task.TaskID,
		TaskType:  task.TaskType,
		Input:     task.Input,
		Priority:  int(task.Priority),
		TimeoutMS: task.TimeoutMS,
		Attributes: task.Metadata,
	}
	env, err := d.n.buildEnvelope(protocol.TaskDistribution, task.TaskID, body)
	if err != nil {
		return err
	}
	return conn.Send(env)
}

// dispatchLoop drives the scheduler: on every "task.available" event from
// the Task Engine (taskengine.Engine.Submit), it selects capability-matched
// candidates from known connected peers and asks the engine to dispatch
// (spec.md §4.8's submit -> schedule -> dispatch pipeline).
func (n *Node) dispatchLoop(ctx context.Context) {
	sub, unsubscribe := n.bus.Subscribe(eventbus.Control, func(ev eventbus.Event) bool { return ev.Topic == "task.available" })
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			task, ok := ev.Payload.(taskengine.Task)
			if !ok {
				continue
			}
			n.scheduleAndDispatch(ctx, task)
		}
	}
}

func (n *Node) scheduleAndDispatch(ctx context.Context, task taskengine.Task) {
	candidates := n.candidatesFor(task.TaskType)
	chosen := n.engine.Schedule(candidates, task.TaskType, task.Priority)
	if len(chosen) == 0 {
		n.log.Warn("no capable peers for task", zap.String("task_id", task.TaskID), zap.String("task_type", task.TaskType))
		return
	}
	if err := n.engine.Dispatch(ctx, task.TaskID, chosen); err != nil {
		n.log.Warn("dispatch failed", zap.String("task_id", task.TaskID), zap.Error(err))
	}
}

func (n *Node) candidatesFor(taskType string) []taskengine.PeerCandidate {
	n.peerMu.RLock()
	defer n.peerMu.RUnlock()

	out := make([]taskengine.PeerCandidate, 0, len(n.peers))
	for peerID, pi := range n.peers {
		if !hasCapability(pi.capabilities, taskType) {
			continue
		}
		score := 0
		if s, err := n.reputationMgr.GetScore(context.Background(), peerID, n.bootTime); err == nil {
			score = s.Value()
		}
		out = append(out, taskengine.PeerCandidate{
			PeerID:          peerID,
			Capabilities:    pi.capabilities,
			Reputation:      score,
			MeasuredLatency: pi.latency,
			Load:            pi.load,
		})
	}
	return out
}

func hasCapability(caps []string, taskType string) bool {
	for _, c := range caps {
		if c == taskType {
			return true
		}
	}
	return false
}

// resourceUpdateLoop periodically advertises this node's executor
// capabilities and current local task load to every connected peer
// (spec.md §4.6's ResourceUpdate message), so remote schedulers can build
// accurate PeerCandidate entries for us.
func (n *Node) resourceUpdateLoop(ctx context.Context) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.broadcastResourceUpdate()
		}
	}
}

func (n *Node) broadcastResourceUpdate() {
	n.runningMu.Lock()
	load := len(n.running)
	n.runningMu.Unlock()

	avail := make(map[string]int)
	for _, taskType := range localCapabilities() {
		avail[taskType] = 1
	}
	env, err := n.buildEnvelope(protocol.ResourceUpdate, "", protocol.ResourceUpdateBody{AvailableExecutors: avail, QueueDepth: load})
	if err != nil {
		n.log.Warn("failed to build resource_update envelope", zap.Error(err))
		return
	}

	n.connMu.RLock()
	defer n.connMu.RUnlock()
	for _, conn := range n.conns {
		if err := conn.Send(env); err != nil {
			n.log.Debug("resource_update send failed", zap.String("peer_id", conn.PeerID), zap.Error(err))
		}
	}
}

// discoveryTransport adapts network.Transport's async connection model to
// discovery.Transport's synchronous DialAndExchange/Broadcast shape.
//
// network.Transport.Dial establishes a connection and hands it to an async
// onConn callback whose read loop then owns all subsequent message
// delivery; it does not return a synchronous reply. DialAndExchange
// therefore dials, sends our own fragment as a best-effort PeerDiscovery
// envelope over the new connection, and returns immediately with a
// fragment for the remote peer (its handshaken PeerID and the dialled
// address) and an empty immediate reply list — any fragments the remote
// peer sends back arrive later through the ordinary per-connection read
// loop's handlePeerDiscovery -> Catalogue.Ingest path, consistent with
// spec.md §5's cooperative, non-blocking concurrency model. Broadcast is
// similarly fire-and-forget across every currently connected peer.
type discoveryTransport struct{ n *Node }

func (d *discoveryTransport) DialAndExchange(ctx context.Context, addr string) (discovery.Fragment, []discovery.Fragment, error) {
	d.n.dialAttempts.Add(1)
	conn, err := d.n.transport.Dial(ctx, addr)
	if err != nil {
		d.n.dialFailures.Add(1)
		return discovery.Fragment{}, nil, err
	}
	self := discovery.Fragment{
		PeerID:    d.n.identity.PeerID,
		Address:   d.n.cfg.Network.ListenAddr,
		PublicKey: []byte(d.n.identity.PublicKey),
		LastSeen:  time.Now().UTC(),
	}
	_ = d.n.sendPeerDiscovery(conn, []discovery.Fragment{self})
	return discovery.Fragment{PeerID: conn.PeerID, Address: addr, LastSeen: time.Now().UTC()}, nil, nil
}

func (d *discoveryTransport) Broadcast(ctx context.Context, fragments []discovery.Fragment) error {
	d.n.connMu.RLock()
	conns := make([]*network.Conn, 0, len(d.n.conns))
	for _, c := range d.n.conns {
		conns = append(conns, c)
	}
	d.n.connMu.RUnlock()

	var firstErr error
	for _, c := range conns {
		if err := d.n.sendPeerDiscovery(c, fragments); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *Node) sendPeerDiscovery(conn *network.Conn, fragments []discovery.Fragment) error {
	peers := make([]protocol.PeerFragment, 0, len(fragments))
	for _, f := range fragments {
		peers = append(peers, protocol.PeerFragment{PeerID: f.PeerID, Address: f.Address, PublicKey: f.PublicKey, LastSeen: f.LastSeen})
	}
	env, err := n.buildEnvelope(protocol.PeerDiscovery, "", protocol.PeerDiscoveryBody{Peers: peers})
	if err != nil {
		return err
	}
	return conn.Send(env)
}
