package protocol

import "time"

// TaskDistributionBody carries a task assignment to an executor peer.
type TaskDistributionBody struct {
	TaskID     string            `json:"task_id"`
	TaskType   string            `json:"task_type"`
	Input      []byte            `json:"input"`
	Priority   int               `json:"priority"`
	TimeoutMS  int64             `json:"timeout_ms"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// TaskResultBody carries the outcome of a previously distributed task.
type TaskResultBody struct {
	TaskID     string `json:"task_id"`
	Success    bool   `json:"success"`
	Output     []byte `json:"output,omitempty"`
	ResultHash string `json:"result_hash,omitempty"`
	ErrorMsg   string `json:"error,omitempty"`
}

// TaskCancelBody requests cancellation of an in-flight task.
type TaskCancelBody struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// PeerDiscoveryBody carries a batch of known-peer fragments for gossip
// replication (generalised from the teacher's federated baseline sharing).
type PeerDiscoveryBody struct {
	Peers []PeerFragment `json:"peers"`
}

// PeerFragment is a partial PeerRecord exchanged during discovery gossip.
type PeerFragment struct {
	PeerID    string    `json:"peer_id"`
	Address   string    `json:"address"`
	PublicKey []byte    `json:"public_key"`
	LastSeen  time.Time `json:"last_seen"`
}

// ResourceUpdateBody advertises a peer's current executor capacity.
type ResourceUpdateBody struct {
	AvailableExecutors map[string]int `json:"available_executors"`
	QueueDepth         int            `json:"queue_depth"`
}

// HealthPingBody/HealthPongBody implement the liveness round-trip.
type HealthPingBody struct {
	Nonce uint64 `json:"nonce"`
}

type HealthPongBody struct {
	Nonce uint64 `json:"nonce"`
}

// JoinHelloBody is sent by a joining peer immediately after the mTLS
// handshake completes, carrying its proof-of-work solution.
type JoinHelloBody struct {
	PeerID        string    `json:"peer_id"`
	PublicKey     []byte    `json:"public_key"`
	PowNonce      uint64    `json:"pow_nonce"`
	PowTimestamp  time.Time `json:"pow_timestamp"`
	ListenAddress string    `json:"listen_address"`
}
