package contrib

import (
	"context"
	"errors"
	"sort"
	"testing"
)

type fixedExecutor struct {
	name string
	err  error
}

func (f fixedExecutor) Name() string { return f.name }

func (f fixedExecutor) Execute(ctx context.Context, input []byte) (ExecutionResult, error) {
	if f.err != nil {
		return ExecutionResult{}, f.err
	}
	return ExecutionResult{Output: input}, nil
}

func TestRegisterExecutor_DuplicateNamePanics(t *testing.T) {
	reset()
	defer reset()

	RegisterExecutor(fixedExecutor{name: "dup"})
	defer func() {
		if recover() == nil {
			t.Fatal("expected registering a duplicate name to panic")
		}
	}()
	RegisterExecutor(fixedExecutor{name: "dup"})
}

func TestGetExecutor_UnknownTaskTypeNotOK(t *testing.T) {
	reset()
	defer reset()

	if _, ok := GetExecutor("nonexistent"); ok {
		t.Fatal("expected no executor registered for an unused task type")
	}
}

func TestCapabilities_ListsAllRegisteredNames(t *testing.T) {
	reset()
	defer reset()

	RegisterExecutor(fixedExecutor{name: "alpha"})
	RegisterExecutor(fixedExecutor{name: "beta"})

	caps := Capabilities()
	sort.Strings(caps)
	if len(caps) != 2 || caps[0] != "alpha" || caps[1] != "beta" {
		t.Fatalf("expected [alpha beta], got %v", caps)
	}
}

func TestEchoExecutor_RoundTripsInputAndHashesIt(t *testing.T) {
	res, err := EchoExecutor{}.Execute(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Output) != "hello" {
		t.Fatalf("expected echoed output, got %q", res.Output)
	}
	if res.ResultHash == "" {
		t.Fatal("expected a non-empty result hash")
	}
}

func TestEchoExecutor_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := EchoExecutor{}.Execute(ctx, []byte("hello"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
