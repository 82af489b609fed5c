// Package control implements the node's local operator interface: a Unix
// domain socket speaking JSON: one request per connection, answered by one
// newline-terminated JSON response.
//
// Generalised directly from the teacher's operator Unix-socket protocol
// (internal/operator/server.go): same framing (one JSON request per
// connection, one JSON response, 0600 socket permissions, bounded
// concurrent connections, bounded request size, read/write deadlines), but
// the commands are the node's own (stop/status/submit/task_status)
// instead of the teacher's PID state overrides (reset/pin/unpin).
package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Request is the JSON structure for control commands.
type Request struct {
	Cmd       string `json:"cmd"` // stop | status | submit | task_status
	TaskType  string `json:"task_type,omitempty"`
	Input     string `json:"input,omitempty"` // base64, submit only
	Priority  string `json:"priority,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// Response is the JSON structure for control command responses.
type Response struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	PeerID     string `json:"peer_id,omitempty"`
	State      string `json:"state,omitempty"`
	PeersKnown int    `json:"peers_known,omitempty"`
	Uptime     string `json:"uptime,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Status     string `json:"status,omitempty"`
	ResultHash string `json:"result_hash,omitempty"`
}

// StatusSnapshot is what Node reports back for the status command.
type StatusSnapshot struct {
	PeerID     string
	State      string
	PeersKnown int
	Uptime     time.Duration
}

// TaskStatusSnapshot is what Node reports back for the task_status command.
type TaskStatusSnapshot struct {
	Status     string
	ResultHash string
}

// NodeControl is the subset of node behaviour the control socket exposes.
// Implemented by internal/agent.Node in production.
type NodeControl interface {
	Status() StatusSnapshot
	Submit(ctx context.Context, taskType string, input []byte, priority string, timeoutMS int64) (taskID string, err error)
	TaskStatus(taskID string) (TaskStatusSnapshot, error)
	RequestStop()
}

// Server is the control-plane Unix domain socket server.
type Server struct {
	socketPath string
	node       NodeControl
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates a control Server.
func NewServer(socketPath string, node NodeControl, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		node:       node,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the control socket, removing any stale socket file
// first. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("control: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("control: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("control socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("control: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("control: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("control: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "stop":
		return s.cmdStop()
	case "status":
		return s.cmdStatus()
	case "submit":
		return s.cmdSubmit(req)
	case "task_status":
		return s.cmdTaskStatus(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStop() Response {
	s.log.Info("control: stop requested")
	s.node.RequestStop()
	return Response{OK: true}
}

func (s *Server) cmdStatus() Response {
	snap := s.node.Status()
	return Response{
		OK:         true,
		PeerID:     snap.PeerID,
		State:      snap.State,
		PeersKnown: snap.PeersKnown,
		Uptime:     snap.Uptime.Round(time.Second).String(),
	}
}

func (s *Server) cmdSubmit(req Request) Response {
	if req.TaskType == "" {
		return Response{OK: false, Error: "task_type required for submit"}
	}
	input, err := decodeInput(req.Input)
	if err != nil {
		return Response{OK: false, Error: "invalid base64 input: " + err.Error()}
	}
	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()
	taskID, err := s.node.Submit(ctx, req.TaskType, input, req.Priority, req.TimeoutMS)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, TaskID: taskID}
}

func (s *Server) cmdTaskStatus(req Request) Response {
	if req.TaskID == "" {
		return Response{OK: false, Error: "task_id required for task_status"}
	}
	snap, err := s.node.TaskStatus(req.TaskID)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, TaskID: req.TaskID, Status: snap.Status, ResultHash: snap.ResultHash}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

func decodeInput(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
