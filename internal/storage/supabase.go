// Storage backend for a Supabase-style PostgREST table, reporting the
// ReadYourWrites or Eventual consistency set in SupabaseOptions.Consistency;
// the zero value of that field is Strong, which NewSupabaseStorage refuses.
//
// No PostgREST/Supabase client library appears anywhere in the retrieval
// pack (see DESIGN.md); this backend talks PostgREST's plain HTTP+JSON
// protocol directly over net/http rather than fabricating a dependency on
// a library that was never actually available to learn from.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// SupabaseOptions configures a SupabaseStorage backend.
type SupabaseOptions struct {
	// BaseURL is the project's REST endpoint, e.g. https://xyz.supabase.co/rest/v1.
	BaseURL string
	// Table is the PostgREST table name backing this store.
	Table string
	// APIKey is sent as both apikey and Authorization: Bearer headers.
	APIKey      string
	Consistency ConsistencyLevel // ReadYourWrites or Eventual only
	HTTPClient  *http.Client
}

type supabaseRow struct {
	Key       string `json:"key"`
	Value     string `json:"value"` // base64
	UpdatedAt string `json:"updated_at"`
}

// SupabaseStorage is a minimal PostgREST-backed Storage implementation.
type SupabaseStorage struct {
	opts SupabaseOptions
	hc   *http.Client
}

// NewSupabaseStorage validates opts and returns a ready SupabaseStorage.
// Refuses Strong consistency: PostgREST sits in front of a Postgres
// cluster whose read replicas (if any) lag the primary by an unbounded
// amount, so no request/response shape here can promise Strong.
func NewSupabaseStorage(opts SupabaseOptions) (*SupabaseStorage, error) {
	if opts.Consistency == Strong {
		return nil, &StorageError{Kind: UnsupportedConsistency,
			Err: fmt.Errorf("supabase/postgrest backend cannot provide Strong consistency")}
	}
	if opts.Consistency == 0 {
		opts.Consistency = ReadYourWrites
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SupabaseStorage{opts: opts, hc: opts.HTTPClient}, nil
}

func (s *SupabaseStorage) ConsistencyLevel() ConsistencyLevel { return s.opts.Consistency }

func (s *SupabaseStorage) endpoint(query string) string {
	return fmt.Sprintf("%s/%s?%s", s.opts.BaseURL, s.opts.Table, query)
}

func (s *SupabaseStorage) authHeaders(req *http.Request) {
	req.Header.Set("apikey", s.opts.APIKey)
	req.Header.Set("Authorization", "Bearer "+s.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

func (s *SupabaseStorage) Put(ctx context.Context, key string, value []byte) error {
	row := supabaseRow{
		Key:       key,
		Value:     base64.StdEncoding.EncodeToString(value),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal([]supabaseRow{row})
	if err != nil {
		return &StorageError{Kind: CorruptedRecord, Key: key, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("on_conflict=key"), bytes.NewReader(body))
	if err != nil {
		return &StorageError{Kind: Unavailable, Key: key, Err: err}
	}
	s.authHeaders(req)
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")

	resp, err := s.hc.Do(req)
	if err != nil {
		return &StorageError{Kind: Unavailable, Key: key, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StorageError{Kind: Unavailable, Key: key, Err: fmt.Errorf("postgrest status %d", resp.StatusCode)}
	}
	return nil
}

func (s *SupabaseStorage) Get(ctx context.Context, key string) (Record, error) {
	q := url.Values{"key": {"eq." + key}, "select": {"key,value,updated_at"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(q.Encode()), nil)
	if err != nil {
		return Record{}, &StorageError{Kind: Unavailable, Key: key, Err: err}
	}
	s.authHeaders(req)

	resp, err := s.hc.Do(req)
	if err != nil {
		return Record{}, &StorageError{Kind: Unavailable, Key: key, Err: err}
	}
	defer resp.Body.Close()

	var rows []supabaseRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return Record{}, &StorageError{Kind: CorruptedRecord, Key: key, Err: err}
	}
	if len(rows) == 0 {
		return Record{}, &StorageError{Kind: NotFound, Key: key}
	}
	return rowToRecord(rows[0])
}

func (s *SupabaseStorage) Delete(ctx context.Context, key string) error {
	q := url.Values{"key": {"eq." + key}}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.endpoint(q.Encode()), nil)
	if err != nil {
		return &StorageError{Kind: Unavailable, Key: key, Err: err}
	}
	s.authHeaders(req)

	resp, err := s.hc.Do(req)
	if err != nil {
		return &StorageError{Kind: Unavailable, Key: key, Err: err}
	}
	defer resp.Body.Close()
	return nil
}

func (s *SupabaseStorage) List(ctx context.Context, prefix string) ([]string, error) {
	q := url.Values{"key": {"like." + prefix + "*"}, "select": {"key"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(q.Encode()), nil)
	if err != nil {
		return nil, &StorageError{Kind: Unavailable, Key: prefix, Err: err}
	}
	s.authHeaders(req)

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, &StorageError{Kind: Unavailable, Key: prefix, Err: err}
	}
	defer resp.Body.Close()

	var rows []supabaseRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, &StorageError{Kind: CorruptedRecord, Key: prefix, Err: err}
	}
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	return keys, nil
}

func (s *SupabaseStorage) Close() error { return nil }

func rowToRecord(row supabaseRow) (Record, error) {
	value, err := base64.StdEncoding.DecodeString(row.Value)
	if err != nil {
		return Record{}, &StorageError{Kind: CorruptedRecord, Key: row.Key, Err: err}
	}
	ts, err := time.Parse(time.RFC3339Nano, row.UpdatedAt)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, row.UpdatedAt)
		if err != nil {
			return Record{}, &StorageError{Kind: CorruptedRecord, Key: row.Key, Err: err}
		}
	}
	return Record{Key: row.Key, Value: value, UpdatedAt: ts}, nil
}
