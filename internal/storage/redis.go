// Storage backend backed by Redis (single-node or cluster), via
// github.com/redis/go-redis/v9. New to this domain relative to the
// teacher — the teacher's only persistence layer is local BoltDB — but
// grounded in the same ACID-Put/Get shape as BoltStorage, wired in because
// the distributed deployment this node targets needs a shared backend
// multiple processes can hit.
//
// Strong consistency is explicitly refused: a single Redis node without
// WAIT can lose acknowledged writes on failover, and a cluster's
// asynchronous replication means a write acknowledged by the primary is
// not guaranteed visible after a failover election. Callers that require
// Strong must use BoltStorage or MemoryStorage instead.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage wraps a go-redis client. It reports the ReadYourWrites or
// Eventual level set in RedisOptions.Consistency; the zero value of that
// field is Strong, which NewRedisStorage refuses.
type RedisStorage struct {
	client      redis.UniversalClient
	consistency ConsistencyLevel
	keyPrefix   string
}

// RedisOptions configures a RedisStorage.
type RedisOptions struct {
	Addrs       []string // single addr for standalone, multiple for cluster
	Password    string
	DB          int // ignored in cluster mode
	KeyPrefix   string
	Consistency ConsistencyLevel // ReadYourWrites or Eventual only
}

// NewRedisStorage connects to Redis according to opts. Returns a
// *StorageError{Kind: UnsupportedConsistency} if opts.Consistency is Strong.
func NewRedisStorage(ctx context.Context, opts RedisOptions) (*RedisStorage, error) {
	if opts.Consistency == Strong {
		return nil, &StorageError{Kind: UnsupportedConsistency, Key: "",
			Err: fmt.Errorf("redis backend cannot provide Strong consistency")}
	}
	if opts.Consistency == 0 {
		opts.Consistency = ReadYourWrites
	}

	var client redis.UniversalClient
	if len(opts.Addrs) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    opts.Addrs,
			Password: opts.Password,
		})
	} else {
		addr := "127.0.0.1:6379"
		if len(opts.Addrs) == 1 {
			addr = opts.Addrs[0]
		}
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, &StorageError{Kind: Unavailable, Err: fmt.Errorf("redis ping: %w", err)}
	}

	return &RedisStorage{client: client, consistency: opts.Consistency, keyPrefix: opts.KeyPrefix}, nil
}

func (r *RedisStorage) ConsistencyLevel() ConsistencyLevel { return r.consistency }

func (r *RedisStorage) fullKey(key string) string { return r.keyPrefix + key }

func (r *RedisStorage) Put(ctx context.Context, key string, value []byte) error {
	rec := Record{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	if err := r.client.Set(ctx, r.fullKey(key), encodeRecord(rec), 0).Err(); err != nil {
		return &StorageError{Kind: Unavailable, Key: key, Err: err}
	}
	return nil
}

func (r *RedisStorage) Get(ctx context.Context, key string) (Record, error) {
	data, err := r.client.Get(ctx, r.fullKey(key)).Bytes()
	if err == redis.Nil {
		return Record{}, &StorageError{Kind: NotFound, Key: key}
	}
	if err != nil {
		return Record{}, &StorageError{Kind: Unavailable, Key: key, Err: err}
	}
	return decodeRecord(key, data)
}

func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.fullKey(key)).Err(); err != nil {
		return &StorageError{Kind: Unavailable, Key: key, Err: err}
	}
	return nil
}

func (r *RedisStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.fullKey(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(r.keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, &StorageError{Kind: Unavailable, Key: prefix, Err: err}
	}
	return keys, nil
}

func (r *RedisStorage) Close() error { return r.client.Close() }
