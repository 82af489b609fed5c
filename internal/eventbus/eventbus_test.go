package eventbus

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/p2p-ai-agents/node/internal/observability"
)

func newTestBus(t *testing.T, cfgs [3]TierConfig) *Bus {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, cfgs, zap.NewNop(), observability.NewMetrics())
}

func TestBus_PublishSubscribeDelivers(t *testing.T) {
	cfgs := DefaultTierConfigs()
	b := newTestBus(t, cfgs)

	ch, unsubscribe := b.Subscribe(Task, nil)
	defer unsubscribe()

	if err := b.Publish(Event{Topic: "task.dispatched", Tier: Task, Payload: "t1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Payload != "t1" {
			t.Fatalf("expected payload t1, got %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered event")
	}
}

func TestBus_FilterExcludesNonMatching(t *testing.T) {
	cfgs := DefaultTierConfigs()
	b := newTestBus(t, cfgs)

	ch, unsubscribe := b.Subscribe(Task, func(ev Event) bool { return ev.Topic == "wanted" })
	defer unsubscribe()

	_ = b.Publish(Event{Topic: "unwanted", Tier: Task})
	_ = b.Publish(Event{Topic: "wanted", Tier: Task})

	select {
	case ev := <-ch:
		if ev.Topic != "wanted" {
			t.Fatalf("expected only 'wanted' topic to be delivered, got %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("expected no further events, got %q", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_DropOldestPolicyMakesRoom(t *testing.T) {
	cfgs := DefaultTierConfigs()
	cfgs[Task] = TierConfig{QueueDepth: 1, Policy: DropOldestPolicy}
	b := newTestBus(t, cfgs)

	// Fill the tier queue directly before any dispatch goroutine can drain it
	// by publishing twice in quick succession; the second publish must not
	// block or error even though the queue depth is 1.
	done := make(chan error, 2)
	go func() { done <- b.Publish(Event{Topic: "a", Tier: Task}) }()
	go func() { done <- b.Publish(Event{Topic: "b", Tier: Task}) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Publish under DropOldestPolicy must not error, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for publishes to return")
		}
	}
}

func TestBus_CircuitBreakTripsAfterThreshold(t *testing.T) {
	cfgs := DefaultTierConfigs()
	cfgs[Telemetry] = TierConfig{QueueDepth: 0, Policy: CircuitBreakPolicy, TripThreshold: 2, CooldownWindow: 50 * time.Millisecond}
	// Build the bus without its dispatch goroutines: with nothing receiving
	// from the depth-0 Telemetry queue, every publish takes the "full" path.
	b := &Bus{log: zap.NewNop(), metrics: observability.NewMetrics(), subs: make(map[int][]*subscriber)}
	for i, cfg := range cfgs {
		b.tiers[i] = &tierState{cfg: cfg, queue: make(chan Event, cfg.QueueDepth)}
	}

	_ = b.Publish(Event{Topic: "x", Tier: Telemetry})
	err := b.Publish(Event{Topic: "x", Tier: Telemetry})
	if err != ErrCircuitOpen {
		t.Fatalf("expected circuit to trip after threshold drops, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	// After cooldown the breaker path is re-evaluated on next publish; it
	// will still report ErrCircuitOpen for this single publish since the
	// queue has depth 0, but it must not be due to the breaker being open.
	ts := b.tiers[int(Telemetry)]
	ts.mu.Lock()
	open := time.Now().Before(ts.breakerUntil)
	ts.mu.Unlock()
	if open {
		t.Fatal("expected breaker to have cooled down")
	}
}
