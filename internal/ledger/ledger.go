// Package ledger implements Flow402's Ledger Engine (C4): atomic
// credit/debit mutation of a per-(tenant,user) balance with an immutable
// journal entry, ref-level idempotency, and insufficient-funds detection
// via a conditional update rather than an application-level lock.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JournalKind enumerates the permitted JournalEntry.kind values (§3).
type JournalKind string

const (
	KindTopup       JournalKind = "topup"
	KindDeduct      JournalKind = "deduct"
	KindManualReset JournalKind = "manual_reset"
	KindAdjustment  JournalKind = "adjustment"
)

func (k JournalKind) isCredit() bool {
	return k == KindTopup || k == KindAdjustment
}

// VendorUser mirrors the scoped caller identity of §3. It is created
// lazily on first balance reference and no code path deletes it. The
// migration declares no foreign key to tenants, so deleting a tenant does
// not cascade to its vendor users.
type VendorUser struct {
	TenantID       string `gorm:"column:tenant_id;primaryKey"`
	UserID         string `gorm:"column:user_id;primaryKey"`
	UserExternalID string `gorm:"column:user_external_id"`
	EthAddress     string `gorm:"column:eth_address"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (VendorUser) TableName() string { return "vendor_users" }

// Balance mirrors CreditBalance (§3).
type Balance struct {
	TenantID       string `gorm:"column:tenant_id;primaryKey"`
	UserID         string `gorm:"column:user_id;primaryKey"`
	BalanceCredits int64  `gorm:"column:balance_credits"`
	Currency       string `gorm:"column:currency"`
	UpdatedAt      time.Time
}

func (Balance) TableName() string { return "credit_balances" }

// JournalEntry mirrors the immutable audit row (§3).
type JournalEntry struct {
	ID            string `gorm:"column:id;primaryKey"`
	TenantID      string `gorm:"column:tenant_id;index:idx_journal_tenant_ref,unique,priority:1"`
	UserID        string `gorm:"column:user_id"`
	Kind          JournalKind `gorm:"column:kind"`
	AmountCredits int64  `gorm:"column:amount_credits"`
	Ref           string `gorm:"column:ref;index:idx_journal_tenant_ref,unique,priority:2"`
	Metadata      datatypes.JSON `gorm:"column:metadata"`
	CreatedAt     time.Time
}

func (JournalEntry) TableName() string { return "journal_entries" }

// Sentinel errors, matching §4.4 / §7's ledger error taxonomy. Callers
// branch on these tags, never on string matching (§9 design note).
var (
	ErrAmountMustBePositive = errors.New("amount_must_be_positive")
	ErrRefRequired          = errors.New("ref_required")
	ErrRefClassMismatch     = errors.New("ref_class_mismatch")
	ErrInsufficientFunds    = errors.New("insufficient_funds")
	ErrInvalidKind          = errors.New("invalid_kind")
	ErrMutationFailed       = errors.New("mutation_failed")
	ErrBalanceLookupFailed  = errors.New("balance_lookup_failed")
)

// Store is the transactional persistence contract C4 needs.
type Store interface {
	// Balance returns the current balance for (tenant, user), or a zero
	// Balance with ok=false if no row exists yet.
	Balance(ctx context.Context, tenant, user string) (bal Balance, ok bool, err error)

	// FindJournalByRef returns the existing entry for (tenant, ref), or
	// ok=false if none exists.
	FindJournalByRef(ctx context.Context, tenant, ref string) (entry JournalEntry, ok bool, err error)

	// ApplyCredit upserts the balance (+amount) and inserts entry in one
	// transaction, returning the resulting balance.
	ApplyCredit(ctx context.Context, tenant, user string, amount int64, entry JournalEntry) (int64, error)

	// ApplyDebit performs the conditional UPDATE ... WHERE balance >= amount
	// and, if it affected a row, inserts entry in the same transaction.
	// affected=false means the conditional update matched zero rows
	// (insufficient funds); the transaction is a no-op in that case.
	ApplyDebit(ctx context.Context, tenant, user string, amount int64, entry JournalEntry) (newBalance int64, affected bool, err error)

	// RecentJournal returns the most recent journal entries for (tenant,
	// user), newest first, bounded by limit.
	RecentJournal(ctx context.Context, tenant, user string, limit int) ([]JournalEntry, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewGormStore adapts a *gorm.DB into a Store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Balance(ctx context.Context, tenant, user string) (Balance, bool, error) {
	var bal Balance
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND user_id = ?", tenant, user).First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Balance{TenantID: tenant, UserID: user, Currency: "USDC"}, false, nil
	}
	if err != nil {
		return Balance{}, false, err
	}
	return bal, true, nil
}

func (s *gormStore) FindJournalByRef(ctx context.Context, tenant, ref string) (JournalEntry, bool, error) {
	var entry JournalEntry
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND ref = ?", tenant, ref).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return JournalEntry{}, false, nil
	}
	if err != nil {
		return JournalEntry{}, false, err
	}
	return entry, true, nil
}

// ensureVendorUser upserts a bare VendorUser row keyed by (tenant, user) the
// first time a balance mutation touches that pair. It never overwrites an
// existing row, so a previously recorded external ID or address survives.
func ensureVendorUser(tx *gorm.DB, tenant, user string) error {
	return tx.Where("tenant_id = ? AND user_id = ?", tenant, user).
		FirstOrCreate(&VendorUser{TenantID: tenant, UserID: user}).Error
}

// errRefRace is returned from inside a Transaction closure to signal that
// tx.Create(&entry) lost the unique_violation race on (tenant, ref) to a
// concurrent mutation. It is never returned to callers; ApplyCredit/ApplyDebit
// translate it into the same replay/mismatch outcome the sequential
// Engine-level ref check would have produced (§5, §8).
var errRefRace = errors.New("ledger: ref race detected")

func (s *gormStore) ApplyCredit(ctx context.Context, tenant, user string, amount int64, entry JournalEntry) (int64, error) {
	var newBalance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureVendorUser(tx, tenant, user); err != nil {
			return err
		}
		res := tx.Model(&Balance{}).
			Where("tenant_id = ? AND user_id = ?", tenant, user).
			UpdateColumn("balance_credits", gorm.Expr("balance_credits + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Create(&Balance{
				TenantID: tenant, UserID: user, BalanceCredits: amount, Currency: "USDC",
			}).Error; err != nil {
				return err
			}
		}
		if err := tx.Create(&entry).Error; err != nil {
			if isUniqueViolation(err) {
				return errRefRace
			}
			return err
		}
		var bal Balance
		if err := tx.Where("tenant_id = ? AND user_id = ?", tenant, user).First(&bal).Error; err != nil {
			return err
		}
		newBalance = bal.BalanceCredits
		return nil
	})
	if errors.Is(err, errRefRace) {
		return s.resolveCreditRace(ctx, tenant, user, entry.Ref)
	}
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// resolveCreditRace re-reads the journal entry that won the unique-constraint
// race on (tenant, ref) and collapses this call to its outcome: the current
// balance if the winner was itself a credit, or ErrRefClassMismatch if it
// wasn't — the same branch the sequential FindJournalByRef check takes in
// Engine.Credit.
func (s *gormStore) resolveCreditRace(ctx context.Context, tenant, user, ref string) (int64, error) {
	existing, ok, err := s.FindJournalByRef(ctx, tenant, ref)
	if err != nil {
		return 0, err
	}
	if !ok || !existing.Kind.isCredit() {
		return 0, ErrRefClassMismatch
	}
	bal, _, err := s.Balance(ctx, tenant, user)
	if err != nil {
		return 0, err
	}
	return bal.BalanceCredits, nil
}

func (s *gormStore) ApplyDebit(ctx context.Context, tenant, user string, amount int64, entry JournalEntry) (int64, bool, error) {
	var newBalance int64
	var affected bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureVendorUser(tx, tenant, user); err != nil {
			return err
		}
		res := tx.Model(&Balance{}).
			Where("tenant_id = ? AND user_id = ? AND balance_credits >= ?", tenant, user, amount).
			UpdateColumn("balance_credits", gorm.Expr("balance_credits - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			affected = false
			return nil
		}
		affected = true

		if err := tx.Create(&entry).Error; err != nil {
			if isUniqueViolation(err) {
				return errRefRace
			}
			return err
		}
		var bal Balance
		if err := tx.Where("tenant_id = ? AND user_id = ?", tenant, user).First(&bal).Error; err != nil {
			return err
		}
		newBalance = bal.BalanceCredits
		return nil
	})
	if errors.Is(err, errRefRace) {
		return s.resolveDebitRace(ctx, tenant, user, entry.Ref)
	}
	if err != nil {
		return 0, false, err
	}
	return newBalance, affected, nil
}

// resolveDebitRace mirrors resolveCreditRace for the debit side: a
// concurrent deduct with the same ref collapses to its resulting balance
// (affected=true, idempotent replay); anything else is ErrRefClassMismatch.
func (s *gormStore) resolveDebitRace(ctx context.Context, tenant, user, ref string) (int64, bool, error) {
	existing, ok, err := s.FindJournalByRef(ctx, tenant, ref)
	if err != nil {
		return 0, false, err
	}
	if !ok || existing.Kind != KindDeduct {
		return 0, false, ErrRefClassMismatch
	}
	bal, _, err := s.Balance(ctx, tenant, user)
	if err != nil {
		return 0, false, err
	}
	return bal.BalanceCredits, true, nil
}

// isUniqueViolation checks for Postgres's unique_violation SQLSTATE (23505),
// mirroring internal/idempotency's helper of the same name for the
// (tenant, ref) constraint instead of the idempotency key constraint.
func isUniqueViolation(err error) bool {
	type sqlStater interface{ SQLState() string }
	var pgErr sqlStater
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func (s *gormStore) RecentJournal(ctx context.Context, tenant, user string, limit int) ([]JournalEntry, error) {
	var entries []JournalEntry
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenant, user).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Engine wraps a Store with the validation and ref-idempotency rules of
// §4.4.
type Engine struct {
	store Store
}

// NewEngine constructs a ledger Engine over store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// Credit implements the credit operation of §4.4. kind defaults to
// KindTopup; only KindTopup and KindAdjustment are permitted.
func (e *Engine) Credit(ctx context.Context, tenant, user string, amount int64, kind JournalKind, ref string, metadata datatypes.JSON) (int64, error) {
	if tenant == "" || user == "" {
		return 0, fmt.Errorf("%w: tenant and user are required", ErrAmountMustBePositive)
	}
	if amount <= 0 {
		return 0, ErrAmountMustBePositive
	}
	if kind == "" {
		kind = KindTopup
	}
	if kind != KindTopup && kind != KindAdjustment {
		return 0, ErrInvalidKind
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = generateRef("topup")
	}

	existing, found, err := e.store.FindJournalByRef(ctx, tenant, ref)
	if err != nil {
		return 0, ErrBalanceLookupFailed
	}
	if found {
		if existing.Kind.isCredit() {
			bal, _, err := e.store.Balance(ctx, tenant, user)
			if err != nil {
				return 0, ErrBalanceLookupFailed
			}
			return bal.BalanceCredits, nil
		}
		return 0, ErrRefClassMismatch
	}

	entry := JournalEntry{
		ID: uuid.NewString(), TenantID: tenant, UserID: user,
		Kind: kind, AmountCredits: amount, Ref: ref, Metadata: metadata,
		CreatedAt: time.Now().UTC(),
	}
	newBalance, err := e.store.ApplyCredit(ctx, tenant, user, amount, entry)
	if err != nil {
		if errors.Is(err, ErrRefClassMismatch) {
			return 0, ErrRefClassMismatch
		}
		return 0, ErrMutationFailed
	}
	return newBalance, nil
}

// Debit implements the debit operation of §4.4, returning
// (newBalance, nil) on success or (0, ErrInsufficientFunds) when the
// balance is too low. ref is mandatory.
func (e *Engine) Debit(ctx context.Context, tenant, user string, amount int64, ref string, metadata datatypes.JSON) (int64, error) {
	if tenant == "" || user == "" {
		return 0, fmt.Errorf("%w: tenant and user are required", ErrAmountMustBePositive)
	}
	if amount <= 0 {
		return 0, ErrAmountMustBePositive
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, ErrRefRequired
	}

	existing, found, err := e.store.FindJournalByRef(ctx, tenant, ref)
	if err != nil {
		return 0, ErrBalanceLookupFailed
	}
	if found {
		if existing.Kind == KindDeduct {
			bal, _, err := e.store.Balance(ctx, tenant, user)
			if err != nil {
				return 0, ErrBalanceLookupFailed
			}
			return bal.BalanceCredits, nil
		}
		return 0, ErrRefClassMismatch
	}

	entry := JournalEntry{
		ID: uuid.NewString(), TenantID: tenant, UserID: user,
		Kind: KindDeduct, AmountCredits: amount, Ref: ref, Metadata: metadata,
		CreatedAt: time.Now().UTC(),
	}
	newBalance, affected, err := e.store.ApplyDebit(ctx, tenant, user, amount, entry)
	if err != nil {
		if errors.Is(err, ErrRefClassMismatch) {
			return 0, ErrRefClassMismatch
		}
		return 0, ErrMutationFailed
	}
	if !affected {
		return 0, ErrInsufficientFunds
	}
	return newBalance, nil
}

// Reset implements the companion "reset" operation from §4.6: zeroes a
// balance and writes a manual_reset journal entry recording the previous
// balance.
func (e *Engine) Reset(ctx context.Context, tenant, user string) (previous int64, err error) {
	bal, _, err := e.store.Balance(ctx, tenant, user)
	if err != nil {
		return 0, ErrBalanceLookupFailed
	}
	if bal.BalanceCredits == 0 {
		return 0, nil
	}
	ref := generateRef("manual_reset")
	entry := JournalEntry{
		ID: uuid.NewString(), TenantID: tenant, UserID: user,
		Kind: KindManualReset, AmountCredits: bal.BalanceCredits, Ref: ref,
		CreatedAt: time.Now().UTC(),
	}
	if _, affected, err := e.store.ApplyDebit(ctx, tenant, user, bal.BalanceCredits, entry); err != nil || !affected {
		return 0, ErrMutationFailed
	}
	return bal.BalanceCredits, nil
}

// Balance returns the current balance for (tenant, user); zero if the pair
// has no row yet.
func (e *Engine) Balance(ctx context.Context, tenant, user string) (int64, error) {
	bal, _, err := e.store.Balance(ctx, tenant, user)
	if err != nil {
		return 0, ErrBalanceLookupFailed
	}
	return bal.BalanceCredits, nil
}

// RecentJournal returns the most recent journal entries for (tenant, user),
// satisfying gateway.JournalReader for the operator journal-read endpoint.
func (e *Engine) RecentJournal(ctx context.Context, tenant, user string, limit int) ([]JournalEntry, error) {
	entries, err := e.store.RecentJournal(ctx, tenant, user, limit)
	if err != nil {
		return nil, ErrBalanceLookupFailed
	}
	return entries, nil
}

func generateRef(prefix string) string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return prefix + "_" + hex.EncodeToString(buf)
}
