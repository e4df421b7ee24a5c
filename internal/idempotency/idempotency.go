// Package idempotency implements Flow402's HTTP-layer Idempotency Store
// (C3): reserve -> replay semantics over (key, method, path, body_sha),
// generalized from the teacher's Fiber-coupled middleware into a
// standalone, transport-agnostic store.
package idempotency

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Record is the persisted IdempotencyRecord (§3 data model).
type Record struct {
	Key            string `gorm:"primaryKey;column:key"`
	Method         string `gorm:"column:method"`
	Path           string `gorm:"column:path"`
	BodySHA        string `gorm:"column:body_sha"`
	ResponseStatus *int   `gorm:"column:response_status"`
	ResponseBody   []byte `gorm:"column:response_body"`
	CreatedAt      time.Time
}

func (Record) TableName() string { return "idempotency_records" }

// TTL is the reservation lifetime before a row is treated as expired and
// evicted on the next conflicting claim (§3, §4.3).
const TTL = 24 * time.Hour

// OutcomeKind tags the result of a Claim call.
type OutcomeKind int

const (
	Claimed OutcomeKind = iota
	Locked
	Conflict
	Replay
)

// Outcome is the tagged result of Claim, matching §4.3's state table.
type Outcome struct {
	Kind           OutcomeKind
	ConflictReason string
	ReplayStatus   int
	ReplayBody     []byte
}

// Errors surfaced as 500s when the store itself fails.
var ErrStoreFailed = errors.New("idempotency_store_failed")

// Store is the persistence contract C3 needs.
type Store interface {
	// Claim attempts to reserve key for (method, path, bodySHA). now is
	// injected so tests control TTL expiry deterministically.
	Claim(ctx context.Context, key, method, path, bodySHA string, now time.Time) (Outcome, error)
	PersistResponse(ctx context.Context, key string, status int, body []byte) error
	Release(ctx context.Context, key string) error
}

type gormStore struct {
	db *gorm.DB
}

// NewGormStore adapts a *gorm.DB into a Store, using an INSERT-as-lock
// discipline: the unique constraint on `key` is the only synchronization
// primitive, matching §4.3's "no read-then-write window" requirement.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Claim(ctx context.Context, key, method, path, bodySHA string, now time.Time) (Outcome, error) {
	var outcome Outcome

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Evict an expired reservation/completion before attempting the
		// fresh insert, per §4.3: "expired rows are deleted as part of the
		// claim attempt (before the fresh insert)".
		if err := tx.Where("key = ? AND created_at < ?", key, now.Add(-TTL)).
			Delete(&Record{}).Error; err != nil {
			return err
		}

		rec := Record{Key: key, Method: method, Path: path, BodySHA: bodySHA, CreatedAt: now}
		// The insert runs under a savepoint (nested Transaction): on Postgres a
		// failed statement aborts the enclosing transaction, and the read
		// below must still work after a unique violation.
		insertErr := tx.Transaction(func(inner *gorm.DB) error {
			return inner.Create(&rec).Error
		})
		if insertErr == nil {
			outcome = Outcome{Kind: Claimed}
			return nil
		}
		if !isUniqueViolation(insertErr) {
			return insertErr
		}

		// Lost the insert race (or a live row already exists): read it and
		// decide between Locked, Conflict, and Replay.
		var existing Record
		if err := tx.Where("key = ?", key).First(&existing).Error; err != nil {
			return err
		}

		matches := existing.Method == method && existing.Path == path && existing.BodySHA == bodySHA
		switch {
		case existing.ResponseStatus == nil && matches:
			outcome = Outcome{Kind: Locked}
		case existing.ResponseStatus == nil && !matches:
			outcome = Outcome{Kind: Conflict, ConflictReason: "key_reused_with_different_payload"}
		case existing.ResponseStatus != nil && matches:
			outcome = Outcome{Kind: Replay, ReplayStatus: *existing.ResponseStatus, ReplayBody: existing.ResponseBody}
		default:
			outcome = Outcome{Kind: Conflict, ConflictReason: "key_reused_with_different_payload"}
		}
		return nil
	})
	if err != nil {
		return Outcome{}, ErrStoreFailed
	}
	return outcome, nil
}

func (s *gormStore) PersistResponse(ctx context.Context, key string, status int, body []byte) error {
	res := s.db.WithContext(ctx).Model(&Record{}).Where("key = ?", key).
		Updates(map[string]any{"response_status": status, "response_body": body})
	if res.Error != nil {
		return ErrStoreFailed
	}
	return nil
}

func (s *gormStore) Release(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&Record{}).Error; err != nil {
		return ErrStoreFailed
	}
	return nil
}

// isUniqueViolation checks for Postgres's unique_violation SQLSTATE (23505)
// without importing the pgx error type directly, so the store package stays
// driver-agnostic beyond the gorm.io/driver/postgres wiring done at the
// application root.
func isUniqueViolation(err error) bool {
	type sqlStater interface{ SQLState() string }
	var pgErr sqlStater
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
