package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store implementation. Per §4.3 a completed
// reservation MUST survive process restarts, so this type is NOT compliant
// for production use — it exists solely so gateway/ledger consumers can be
// unit-tested without a Postgres instance.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Record)}
}

func (m *MemoryStore) Claim(_ context.Context, key, method, path, bodySHA string, now time.Time) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.rows[key]; ok {
		if now.Sub(existing.CreatedAt) > TTL {
			delete(m.rows, key)
		} else {
			matches := existing.Method == method && existing.Path == path && existing.BodySHA == bodySHA
			switch {
			case existing.ResponseStatus == nil && matches:
				return Outcome{Kind: Locked}, nil
			case existing.ResponseStatus == nil && !matches:
				return Outcome{Kind: Conflict, ConflictReason: "key_reused_with_different_payload"}, nil
			case existing.ResponseStatus != nil && matches:
				return Outcome{Kind: Replay, ReplayStatus: *existing.ResponseStatus, ReplayBody: existing.ResponseBody}, nil
			default:
				return Outcome{Kind: Conflict, ConflictReason: "key_reused_with_different_payload"}, nil
			}
		}
	}

	m.rows[key] = Record{Key: key, Method: method, Path: path, BodySHA: bodySHA, CreatedAt: now}
	return Outcome{Kind: Claimed}, nil
}

func (m *MemoryStore) PersistResponse(_ context.Context, key string, status int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[key]
	if !ok {
		return ErrStoreFailed
	}
	rec.ResponseStatus = &status
	rec.ResponseBody = body
	m.rows[key] = rec
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key)
	return nil
}
