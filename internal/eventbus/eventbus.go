// Package eventbus implements the node's internal publish/subscribe event
// bus (spec.md §4.3): three priority tiers, bounded per-tier queues, and a
// configurable backpressure policy per tier.
//
// Architecture, generalised from the teacher's kernel.Processor ring-buffer
// pipeline (bpf ring buffer → buffered channel → worker pool) into a
// software-only fan-out:
//
//	Publish(event)
//	      ↓  (bounded channel, cap = tier queue depth)
//	[per-tier dispatch goroutine]
//	      ↓  (filtered fan-out)
//	[subscriber channels]
//
// Backpressure:
//   - BlockPolicy: Publish blocks until the tier queue has room.
//   - DropOldestPolicy: the oldest queued event is discarded to make room.
//   - CircuitBreakPolicy: Publish returns ErrCircuitOpen immediately once
//     the tier has dropped events continuously past a trip threshold, until
//     a cooldown window elapses.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/p2p-ai-agents/node/internal/observability"
)

// Tier is an event priority tier (Control: lifecycle, peer handshake;
// Task; Telemetry). Each tier has its own queue and dispatch goroutine;
// there is no ordering or priority between tiers.
type Tier int

const (
	Control Tier = iota
	Task
	Telemetry
	numTiers
)

func (t Tier) String() string {
	switch t {
	case Control:
		return "control"
	case Task:
		return "task"
	case Telemetry:
		return "telemetry"
	default:
		return "unknown"
	}
}

// Policy is a tier's backpressure policy.
type Policy int

const (
	BlockPolicy Policy = iota
	DropOldestPolicy
	CircuitBreakPolicy
)

// ErrCircuitOpen is returned by Publish when a CircuitBreakPolicy tier has
// tripped and not yet cooled down.
var ErrCircuitOpen = errors.New("eventbus: circuit open, publish refused")

// Event is a single bus message.
type Event struct {
	Topic     string
	Tier      Tier
	Payload   any
	Timestamp time.Time
}

// Filter decides whether a subscriber wants a given event.
type Filter func(Event) bool

// TierConfig configures one priority tier's queue.
type TierConfig struct {
	QueueDepth      int
	Policy          Policy
	TripThreshold   int           // consecutive drops before CircuitBreakPolicy trips
	CooldownWindow  time.Duration // time the breaker stays open once tripped
}

// DefaultTierConfigs returns conservative defaults: Control blocks (never
// dropped), Task drops oldest, Telemetry circuit-breaks under sustained load.
func DefaultTierConfigs() [3]TierConfig {
	return [3]TierConfig{
		Control:   {QueueDepth: 256, Policy: BlockPolicy},
		Task:      {QueueDepth: 4096, Policy: DropOldestPolicy},
		Telemetry: {QueueDepth: 8192, Policy: CircuitBreakPolicy, TripThreshold: 50, CooldownWindow: 10 * time.Second},
	}
}

type subscriber struct {
	id     uint64
	ch     chan Event
	filter Filter
}

type tierState struct {
	cfg           TierConfig
	queue         chan Event
	consecutive   int // consecutive drops, for CircuitBreakPolicy
	breakerUntil  time.Time
	mu            sync.Mutex
}

// Bus is the node's event bus.
type Bus struct {
	log     *zap.Logger
	metrics *observability.Metrics

	tiers [int(numTiers)]*tierState

	subMu   sync.RWMutex
	subs    map[int][]*subscriber // keyed by Tier, subscribers may listen to any tier
	nextID  uint64
}

// New creates a Bus with the given per-tier configuration and starts its
// dispatch goroutines, stopping when ctx is cancelled.
func New(ctx context.Context, cfgs [3]TierConfig, log *zap.Logger, metrics *observability.Metrics) *Bus {
	b := &Bus{
		log:     log,
		metrics: metrics,
		subs:    make(map[int][]*subscriber),
	}
	for i, cfg := range cfgs {
		ts := &tierState{cfg: cfg, queue: make(chan Event, cfg.QueueDepth)}
		b.tiers[i] = ts
		go b.dispatch(ctx, Tier(i), ts)
	}
	return b
}

// Publish enqueues an event onto its tier's queue, applying the tier's
// backpressure policy if the queue is full.
func (b *Bus) Publish(ev Event) error {
	ts := b.tiers[int(ev.Tier)]
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	ts.mu.Lock()
	if ts.cfg.Policy == CircuitBreakPolicy && time.Now().Before(ts.breakerUntil) {
		ts.mu.Unlock()
		b.metrics.EventsDroppedTotal.WithLabelValues("circuit_open").Inc()
		return ErrCircuitOpen
	}
	ts.mu.Unlock()

	select {
	case ts.queue <- ev:
		b.metrics.EventsPublishedTotal.WithLabelValues(ev.Topic).Inc()
		b.metrics.EventQueueDepth.WithLabelValues(ev.Tier.String()).Set(float64(len(ts.queue)))
		b.tierSucceeded(ts)
		return nil
	default:
		return b.onFull(ev, ts)
	}
}

func (b *Bus) onFull(ev Event, ts *tierState) error {
	switch ts.cfg.Policy {
	case BlockPolicy:
		ts.queue <- ev
		b.metrics.EventsPublishedTotal.WithLabelValues(ev.Topic).Inc()
		return nil
	case DropOldestPolicy:
		select {
		case <-ts.queue:
			b.metrics.EventsDroppedTotal.WithLabelValues("queue_full").Inc()
		default:
		}
		select {
		case ts.queue <- ev:
			b.metrics.EventsPublishedTotal.WithLabelValues(ev.Topic).Inc()
		default:
			b.metrics.EventsDroppedTotal.WithLabelValues("queue_full").Inc()
		}
		return nil
	case CircuitBreakPolicy:
		b.metrics.EventsDroppedTotal.WithLabelValues("queue_full").Inc()
		ts.mu.Lock()
		ts.consecutive++
		if ts.consecutive >= ts.cfg.TripThreshold {
			ts.breakerUntil = time.Now().Add(ts.cfg.CooldownWindow)
			b.log.Warn("eventbus tier circuit tripped", zap.Int("consecutive_drops", ts.consecutive))
		}
		ts.mu.Unlock()
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Bus) tierSucceeded(ts *tierState) {
	if ts.cfg.Policy != CircuitBreakPolicy {
		return
	}
	ts.mu.Lock()
	ts.consecutive = 0
	ts.mu.Unlock()
}

// Subscribe registers a subscriber for events on tier matching filter (nil
// filter receives everything on the tier). Returns a receive channel and an
// unsubscribe function.
func (b *Bus) Subscribe(tier Tier, filter Filter) (<-chan Event, func()) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Event, 64), filter: filter}
	b.subs[int(tier)] = append(b.subs[int(tier)], sub)

	unsubscribe := func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		list := b.subs[int(tier)]
		for i, s := range list {
			if s.id == sub.id {
				b.subs[int(tier)] = append(list[:i], list[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, unsubscribe
}

func (b *Bus) dispatch(ctx context.Context, tier Tier, ts *tierState) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ts.queue:
			b.metrics.EventQueueDepth.WithLabelValues(tier.String()).Set(float64(len(ts.queue)))
			b.fanOut(tier, ev)
		}
	}
}

// fanOut delivers ev to every subscriber on tier whose filter accepts it.
// A subscriber whose channel is full has the event dropped for it rather
// than blocking the whole tier; each such drop publishes a
// "consumer_stalled" control-tier event carrying the subscriber's id.
func (b *Bus) fanOut(tier Tier, ev Event) {
	b.subMu.RLock()
	subs := append([]*subscriber(nil), b.subs[int(tier)]...)
	b.subMu.RUnlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.Debug("eventbus subscriber stalled, dropping event",
				zap.Uint64("subscriber_id", sub.id), zap.String("topic", ev.Topic))
			go b.Publish(Event{Topic: "consumer_stalled", Tier: Control, Payload: sub.id}) //nolint:errcheck
		}
	}
}
