// Package contrib is the node's pluggable Executor extension point
// (spec.md §4.8, §9: "dynamic trait objects / plugin registries ... map to
// a small set of interfaces ... dispatched via a registry keyed by a
// string identifier loaded from configuration").
//
// Registration mirrors the teacher's AnomalyScorer plugin contract
// (contrib/scorer.go): a package calls RegisterExecutor from an init()
// function, keyed by a stable, config-selectable name.
//
//	package myexecutor
//
//	import "github.com/p2p-ai-agents/node/contrib"
//
//	func init() {
//		contrib.RegisterExecutor(&MyExecutor{})
//	}
//
// Executor contract:
//   - Execute must be safe to call concurrently from multiple dispatch
//     workers.
//   - Execute must observe ctx cancellation promptly at cooperative
//     checkpoints (spec.md §4.8: "a failed or timed-out execution MUST NOT
//     affect engine liveness").
//   - Execute must not panic; the node recovers a panic and reports it to
//     the dispatching peer as a failed TaskResult.
//   - Name must return a stable, unique string (the config key and the
//     task_type routing key).
package contrib

import (
	"context"
	"fmt"
	"sync"
)

// ExecutionResult is the outcome an Executor returns for a completed task.
type ExecutionResult struct {
	Output     []byte
	ResultHash string
}

// Executor runs one task to completion (spec.md §4.8's external
// collaborator contract: "execute(task) -> TaskResult | Error").
type Executor interface {
	// Name returns the task_type this executor advertises and handles.
	Name() string

	// Execute runs input to completion, honouring ctx cancellation at
	// cooperative checkpoints. Returns an error for any failure; the
	// caller (the task engine) classifies transient vs permanent.
	Execute(ctx context.Context, input []byte) (ExecutionResult, error)
}

var (
	mu        sync.RWMutex
	executors = map[string]Executor{}
)

// RegisterExecutor adds e to the registry, keyed by e.Name(). Registering
// two executors under the same name is a programmer error and panics,
// matching the teacher's construction-time precondition style.
func RegisterExecutor(e Executor) {
	mu.Lock()
	defer mu.Unlock()
	name := e.Name()
	if _, exists := executors[name]; exists {
		panic(fmt.Sprintf("contrib: executor %q already registered", name))
	}
	executors[name] = e
}

// GetExecutor looks up a registered executor by task_type. ok is false if
// no executor advertises that type.
func GetExecutor(taskType string) (e Executor, ok bool) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok = executors[taskType]
	return e, ok
}

// Capabilities returns the task_types this process can currently execute,
// for advertisement in ResourceUpdate protocol messages.
func Capabilities() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(executors))
	for name := range executors {
		out = append(out, name)
	}
	return out
}

// reset clears the registry; test-only helper (unexported, used from
// contrib's own test file to isolate registration state between cases).
func reset() {
	mu.Lock()
	defer mu.Unlock()
	executors = map[string]Executor{}
}
