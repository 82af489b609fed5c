package agent

import (
	"context"
	"time"

	"github.com/p2p-ai-agents/node/internal/observability"
	"github.com/p2p-ai-agents/node/internal/storage"
)

// instrumentedStorage wraps a storage.Storage backend to record per-op
// latency in StorageOpLatency, generalising the teacher's timed-wrapper
// pattern used around the transport and task engine to the storage layer.
type instrumentedStorage struct {
	storage.Storage
	metrics *observability.Metrics
}

// newInstrumentedStorage wraps backend with latency instrumentation. If
// metrics is nil, backend is returned unwrapped.
func newInstrumentedStorage(backend storage.Storage, metrics *observability.Metrics) storage.Storage {
	if metrics == nil {
		return backend
	}
	return &instrumentedStorage{Storage: backend, metrics: metrics}
}

func (s *instrumentedStorage) observe(op string, start time.Time) {
	s.metrics.StorageOpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *instrumentedStorage) Put(ctx context.Context, key string, value []byte) error {
	defer s.observe("put", time.Now())
	return s.Storage.Put(ctx, key, value)
}

func (s *instrumentedStorage) Get(ctx context.Context, key string) (storage.Record, error) {
	defer s.observe("get", time.Now())
	return s.Storage.Get(ctx, key)
}

func (s *instrumentedStorage) Delete(ctx context.Context, key string) error {
	defer s.observe("delete", time.Now())
	return s.Storage.Delete(ctx, key)
}

func (s *instrumentedStorage) List(ctx context.Context, prefix string) ([]string, error) {
	defer s.observe("list", time.Now())
	return s.Storage.List(ctx, prefix)
}

func (s *instrumentedStorage) Close() error {
	defer s.observe("close", time.Now())
	return s.Storage.Close()
}
