package contrib

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// EchoExecutor is the built-in reference Executor, registered by default
// (mirrors the teacher always registering its "mahalanobis" scorer). It
// returns its input unchanged, used for wiring tests and scenario S2's
// bootstrap + task round-trip.
type EchoExecutor struct{}

func (EchoExecutor) Name() string { return "echo" }

func (EchoExecutor) Execute(ctx context.Context, input []byte) (ExecutionResult, error) {
	select {
	case <-ctx.Done():
		return ExecutionResult{}, ctx.Err()
	default:
	}
	sum := sha256.Sum256(input)
	return ExecutionResult{Output: input, ResultHash: hex.EncodeToString(sum[:])}, nil
}

func init() {
	RegisterExecutor(EchoExecutor{})
}
