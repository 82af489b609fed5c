// Storage backend backed by BoltDB, generalised from the teacher's
// internal/storage/bolt.go: a single bucket of opaque key/value records
// instead of the teacher's fixed baselines/ledger/meta schema, but keeping
// its ACID-transaction, schema-version, and CRC-on-open guarantees.
//
// Consistency model:
//   - Single-process, single-writer (bbolt does not support concurrent
//     writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	boltSchemaVersion = "1"
	bucketRecords      = "records"
	bucketMeta         = "meta"
)

// BoltStorage is a Strong-consistency, fsync'd single-file backend.
type BoltStorage struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) a BoltDB file at path, initialising buckets
// and verifying the schema version. Returns an error if the database is
// corrupt or the schema is incompatible — the node refuses to start rather
// than silently losing data (spec.md §7 fail-fast-on-corruption posture).
func OpenBolt(path string) (*BoltStorage, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, &StorageError{Kind: Unavailable, Key: path, Err: err}
	}

	s := &BoltStorage{db: bdb}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketRecords, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(boltSchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, &StorageError{Kind: CorruptedRecord, Key: path, Err: err}
	}

	if err := s.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStorage) checkSchemaVersion() error {
	return s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != boltSchemaVersion {
			return &StorageError{Kind: CorruptedRecord, Key: "schema_version",
				Err: fmt.Errorf("database has %q, node requires %q", string(v), boltSchemaVersion)}
		}
		return nil
	})
}

func (s *BoltStorage) ConsistencyLevel() ConsistencyLevel { return Strong }

func (s *BoltStorage) Put(_ context.Context, key string, value []byte) error {
	rec := Record{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	data := encodeRecord(rec)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRecords)).Put([]byte(key), data)
	})
}

func (s *BoltStorage) Get(_ context.Context, key string) (Record, error) {
	var rec Record
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketRecords)).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		decoded, derr := decodeRecord(key, data)
		if derr != nil {
			return derr
		}
		rec = decoded
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, &StorageError{Kind: NotFound, Key: key}
	}
	return rec, nil
}

func (s *BoltStorage) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRecords)).Delete([]byte(key))
	})
}

func (s *BoltStorage) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketRecords)).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func (s *BoltStorage) Close() error { return s.db.Close() }

// encodeRecord/decodeRecord wrap value + timestamp for storage, mirroring
// the teacher's JSON-envelope-per-record idiom (BaselineRecord/LedgerEntry)
// but generically over the caller's opaque payload.
func encodeRecord(rec Record) []byte {
	var buf bytes.Buffer
	ts := rec.UpdatedAt.UTC().Format(time.RFC3339Nano)
	buf.WriteString(ts)
	buf.WriteByte('\n')
	buf.Write(rec.Value)
	return buf.Bytes()
}

func decodeRecord(key string, data []byte) (Record, error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return Record{}, &StorageError{Kind: CorruptedRecord, Key: key, Err: fmt.Errorf("missing timestamp header")}
	}
	ts, err := time.Parse(time.RFC3339Nano, string(data[:idx]))
	if err != nil {
		return Record{}, &StorageError{Kind: CorruptedRecord, Key: key, Err: err}
	}
	return Record{Key: key, Value: data[idx+1:], UpdatedAt: ts}, nil
}
