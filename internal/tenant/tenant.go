// Package tenant implements Flow402's Tenant Registry (C2): resolving a
// vendor credential (api key, slug, or UUID) to a tenant id and signing
// secret, with a bounded in-memory cache invalidated across instances over
// Redis pub/sub.
package tenant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Record is a resolved tenant credential.
type Record struct {
	ID            string `gorm:"column:id"`
	Slug          string `gorm:"column:slug"`
	Name          string `gorm:"column:name"`
	APIKey        string `gorm:"column:api_key"`
	SigningSecret []byte `gorm:"column:signing_secret"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName pins the GORM table name for Tenant per the data model in §3.
func (Record) TableName() string { return "tenants" }

// Errors returned by Resolve, matching the error taxonomy in §4.2 / §7.
var (
	ErrValidation     = errors.New("validation_error")
	ErrVendorNotFound = errors.New("vendor_not_found")
	ErrLookupFailed   = errors.New("vendor_lookup_failed")
)

const invalidationChannel = "flow402:tenant-cache-invalidate"

// Store is the persistence contract the registry needs. gormStore is the
// production implementation; tests substitute a fake.
type Store interface {
	ByAPIKey(ctx context.Context, apiKey string) (Record, error)
	BySlug(ctx context.Context, slug string) (Record, error)
	ByID(ctx context.Context, id string) (Record, error)
}

// ErrNotFound is returned by Store implementations when no row matches.
var ErrNotFound = errors.New("tenant: not found")

type gormStore struct{ db *gorm.DB }

// NewGormStore adapts a *gorm.DB into a Store.
func NewGormStore(db *gorm.DB) Store { return &gormStore{db: db} }

func (s *gormStore) ByAPIKey(ctx context.Context, apiKey string) (Record, error) {
	return s.one(ctx, "api_key = ?", apiKey)
}

func (s *gormStore) BySlug(ctx context.Context, slug string) (Record, error) {
	return s.one(ctx, "slug = ?", slug)
}

func (s *gormStore) ByID(ctx context.Context, id string) (Record, error) {
	return s.one(ctx, "id = ?", id)
}

func (s *gormStore) one(ctx context.Context, cond string, args ...any) (Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where(cond, args...).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

type cacheEntry struct {
	record    Record
	expiresAt time.Time
}

// Registry resolves credentials to tenants, caching results in-process for
// up to ttl (bounded to <=60s per spec §4.2) and subscribing to a Redis
// channel so a secret rotation on one instance evicts every instance's
// cache without waiting for the TTL.
type Registry struct {
	store  Store
	rdb    *redis.Client
	logger *zap.Logger
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewRegistry constructs a Registry. Call Subscribe in a goroutine to start
// listening for cross-instance invalidations. rdb and logger may be nil in
// tests; Invalidate/Subscribe degrade to local-only behavior.
func NewRegistry(store Store, rdb *redis.Client, logger *zap.Logger, ttl time.Duration) *Registry {
	if ttl > 60*time.Second {
		ttl = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		rdb:    rdb,
		logger: logger,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
	}
}

// Resolve looks up credential by api_key, then slug, then id (if it parses
// as a UUID). Case-sensitive; whitespace trimmed. Reads are concurrent-safe.
func (r *Registry) Resolve(ctx context.Context, credential string) (Record, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Record{}, ErrValidation
	}

	if rec, ok := r.fromCache(credential); ok {
		return rec, nil
	}

	rec, err := r.lookup(ctx, credential)
	if err != nil {
		return Record{}, err
	}

	r.cacheStore(credential, rec)
	return rec, nil
}

func (r *Registry) fromCache(credential string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[credential]
	if !ok || time.Now().After(entry.expiresAt) {
		return Record{}, false
	}
	return entry.record, true
}

func (r *Registry) cacheStore(credential string, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[credential] = cacheEntry{record: rec, expiresAt: time.Now().Add(r.ttl)}
}

func (r *Registry) lookup(ctx context.Context, credential string) (Record, error) {
	rec, err := r.store.ByAPIKey(ctx, credential)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, ErrLookupFailed
	}

	rec, err = r.store.BySlug(ctx, credential)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, ErrLookupFailed
	}

	if _, uerr := uuid.Parse(credential); uerr == nil {
		rec, err = r.store.ByID(ctx, credential)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Record{}, ErrLookupFailed
		}
	}

	return Record{}, ErrVendorNotFound
}

// Invalidate evicts credential from the local cache and publishes the
// eviction to every other instance subscribed on the invalidation channel.
// Call this after rotating a tenant's signing secret or api key.
func (r *Registry) Invalidate(ctx context.Context, credential string) {
	r.mu.Lock()
	delete(r.cache, credential)
	r.mu.Unlock()

	if r.rdb == nil {
		return
	}
	if err := r.rdb.Publish(ctx, invalidationChannel, credential).Err(); err != nil {
		r.logger.Warn("tenant cache invalidation publish failed", zap.Error(err))
	}
}

// Subscribe blocks, evicting local cache entries as invalidation messages
// arrive, until ctx is cancelled. Intended to run in its own goroutine
// (see cmd/flow402's errgroup wiring).
func (r *Registry) Subscribe(ctx context.Context) error {
	if r.rdb == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	sub := r.rdb.Subscribe(ctx, invalidationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.mu.Lock()
			delete(r.cache, msg.Payload)
			r.mu.Unlock()
		}
	}
}
