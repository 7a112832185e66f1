/*
Package credits provides the core credit ledger engine.

PURPOSE:
  This package contains the accounting and idempotency protocol behind the
  meal-planning app's credits and points. Feature usage, purchases, admin
  actions, gamification events and automation callbacks all end up here as
  balance mutations against a user's wallet.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A decimal quantity of credits or points
  - Balances: The three buckets of a wallet (subscription, lifetime, points)
  - Wallet: One per user, mutated only through the Mutator
  - LedgerEntry: An immutable record of one balance-affecting operation
  - EventRecord / JobRecord: Rows owned by the events and jobs packages

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never updated or deleted
  2. Precision: Uses decimal.Decimal so partial refunds stay exact
  3. Single choke-point: Only the Mutator writes wallets and ledger entries
  4. Idempotency: Every state-changing operation carries a scoped key

USAGE:
  m := credits.NewMutator(store)
  res, err := m.Apply(ctx, credits.Mutation{
      UserID:         "user-123",
      Delta:          credits.NewAmount(-1),
      Kind:           credits.KindFeatureDebit,
      IdempotencyKey: "menu-generate:req-42",
  })

SEE ALSO:
  - guard.go: Idempotency Guard
  - mutator.go: Atomic Balance Mutator
  - store.go: Transactional store contract
*/
package credits

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT
// =============================================================================

// Amount is a signed quantity of credits or points.
type Amount struct {
	decimal.Decimal
}

func NewAmount(v int64) Amount                { return Amount{decimal.NewFromInt(v)} }
func NewAmountFromFloat(v float64) Amount     { return Amount{decimal.NewFromFloat(v)} }
func AmountOf(d decimal.Decimal) Amount       { return Amount{d} }
func ZeroAmount() Amount                      { return Amount{decimal.Zero} }
func (a Amount) Add(b Amount) Amount          { return Amount{a.Decimal.Add(b.Decimal)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{a.Decimal.Sub(b.Decimal)} }
func (a Amount) Neg() Amount                  { return Amount{a.Decimal.Neg()} }
func (a Amount) Mul(d decimal.Decimal) Amount { return Amount{a.Decimal.Mul(d)} }
func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b.Decimal) {
		return a
	}
	return b
}

// ParseAmount parses a decimal string. Empty input is zero.
func ParseAmount(s string) (Amount, error) {
	if s == "" {
		return ZeroAmount(), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{d}, nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string
type JobID string

// =============================================================================
// BALANCES
// =============================================================================

// Bucket names one balance field of a wallet.
type Bucket string

const (
	BucketSubscription Bucket = "subscription" // monthly-reset credits
	BucketLifetime     Bucket = "lifetime"     // purchased credits, never expire
	BucketPoints       Bucket = "points"       // gamification points
)

func (b Bucket) Valid() bool {
	switch b {
	case BucketSubscription, BucketLifetime, BucketPoints:
		return true
	}
	return false
}

// Balances is a snapshot of the three wallet buckets.
type Balances struct {
	Subscription Amount `json:"subscription"`
	Lifetime     Amount `json:"lifetime"`
	Points       Amount `json:"points"`
}

func ZeroBalances() Balances {
	return Balances{Subscription: ZeroAmount(), Lifetime: ZeroAmount(), Points: ZeroAmount()}
}

// Credits is the spendable total (subscription + lifetime).
func (b Balances) Credits() Amount { return b.Subscription.Add(b.Lifetime) }

func (b Balances) Add(o Balances) Balances {
	return Balances{
		Subscription: b.Subscription.Add(o.Subscription),
		Lifetime:     b.Lifetime.Add(o.Lifetime),
		Points:       b.Points.Add(o.Points),
	}
}

func (b Balances) Equal(o Balances) bool {
	return b.Subscription.Equal(o.Subscription.Decimal) &&
		b.Lifetime.Equal(o.Lifetime.Decimal) &&
		b.Points.Equal(o.Points.Decimal)
}

// AnyNegative reports whether any bucket is below zero.
func (b Balances) AnyNegative() bool {
	return b.Subscription.IsNegative() || b.Lifetime.IsNegative() || b.Points.IsNegative()
}

// Get returns the amount held in a bucket.
func (b Balances) Get(bucket Bucket) Amount {
	switch bucket {
	case BucketSubscription:
		return b.Subscription
	case BucketLifetime:
		return b.Lifetime
	default:
		return b.Points
	}
}

// =============================================================================
// WALLET
// =============================================================================

// Wallet holds a user's balances. Created on provisioning, never deleted.
type Wallet struct {
	UserID    UserID
	Balances  Balances
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindPurchase          EntryKind = "purchase"
	KindSubscriptionGrant EntryKind = "subscription_grant"
	KindSubscriptionReset EntryKind = "subscription_reset"
	KindFeatureDebit      EntryKind = "feature_debit"
	KindAdminAdjustment   EntryKind = "admin_adjustment"
	KindRefund            EntryKind = "refund"
	KindReward            EntryKind = "reward"
)

func (k EntryKind) Valid() bool {
	switch k {
	case KindPurchase, KindSubscriptionGrant, KindSubscriptionReset, KindFeatureDebit,
		KindAdminAdjustment, KindRefund, KindReward:
		return true
	}
	return false
}

// DefaultBucket is where a positive delta of this kind lands when the caller
// does not choose one.
func (k EntryKind) DefaultBucket() Bucket {
	switch k {
	case KindSubscriptionGrant, KindSubscriptionReset:
		return BucketSubscription
	case KindReward:
		return BucketPoints
	default:
		return BucketLifetime
	}
}

// LedgerEntry is one balance-affecting operation. Immutable once written.
type LedgerEntry struct {
	ID             EntryID
	UserID         UserID
	Kind           EntryKind
	Delta          Amount   // requested signed amount
	Split          Balances // per-bucket deltas actually applied
	Resulting      Balances // wallet snapshot after this entry
	IdempotencyKey string   // "<scope>:<key>", unique
	Reason         string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// =============================================================================
// EVENT RECORD
// =============================================================================

// EventRecord is one accepted gamification or referral event.
type EventRecord struct {
	ID             string
	UserID         UserID // actor; the referrer for referral events
	SubjectID      UserID // referred user, empty for non-referral events
	EventType      string
	Metadata       json.RawMessage
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// JOB RECORD
// =============================================================================

// JobStatus is a state in the job lifecycle.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobSuccess  JobStatus = "success"
	JobError    JobStatus = "error"
	JobCanceled JobStatus = "canceled"
)

// Terminal reports whether no further transitions are permitted.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobError || s == JobCanceled
}

// JobRecord is one unit of work dispatched to an external worker.
type JobRecord struct {
	ID             JobID
	UserID         UserID
	Type           string
	IdempotencyKey string
	Status         JobStatus
	Cost           Amount
	Result         json.RawMessage
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}
