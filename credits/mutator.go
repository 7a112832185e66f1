/*
mutator.go - Atomic Balance Mutator

PURPOSE:
  The single choke-point that changes a wallet. Every credit or point
  movement (feature use, purchase, subscription grant, refund, reward,
  admin adjustment) is one call to Apply or ApplyTx.

CRITICAL INVARIANTS:
  1. ONE TRANSACTION: admit key, lock wallet, compute, check, write entry,
     update wallet, commit. A failure anywhere leaves no partial effect.
  2. NON-NEGATIVE: no committed state has a negative bucket.
  3. LEDGER LAW: per bucket, the sum of entry splits equals the wallet.
  4. IDEMPOTENT: a replayed key returns the first result, writes nothing.

DEBIT ORDER:
  Credit debits consume the subscription bucket first, then lifetime,
  so purchased credits are preserved longest. An explicit bucket
  restricts the debit to that bucket.

EXAMPLE FLOW:
  wallet {subscription: 2, lifetime: 5}
  Apply(delta -3, feature_debit) -> split {subscription: -2, lifetime: -1}
  wallet {subscription: 0, lifetime: 4}

SEE ALSO:
  - guard.go: Idempotency admission
  - store.go: Transaction contract
*/
package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// MUTATION
// =============================================================================

// Mutation is a request to change one wallet.
type Mutation struct {
	UserID         UserID
	Delta          Amount
	Kind           EntryKind
	Bucket         Bucket // optional; see DefaultBucket and DEBIT ORDER
	IdempotencyKey string
	// Scope namespaces IdempotencyKey. Empty means ScopeMutation, the scope
	// of caller-supplied keys; derived entries pass their own.
	Scope    string
	Reason   string
	Metadata map[string]string
}

func (m Mutation) scope() string {
	if m.Scope == "" {
		return ScopeMutation
	}
	return m.Scope
}

// operation is what a key was first used for. A replay must match it.
type operation struct {
	UserID UserID    `json:"user_id"`
	Kind   EntryKind `json:"kind"`
	Bucket Bucket    `json:"bucket"`
	Delta  Amount    `json:"delta"`
}

func (m Mutation) operation() operation {
	return operation{UserID: m.UserID, Kind: m.Kind, Bucket: bucketOf(m), Delta: m.Delta}
}

func (o operation) matches(p operation) bool {
	return o.UserID == p.UserID && o.Kind == p.Kind && o.Bucket == p.Bucket && o.Delta.Equal(p.Delta.Decimal)
}

// recordedMutation is stored with the guard key.
type recordedMutation struct {
	Op     operation `json:"op"`
	Result Result    `json:"result"`
}

func (m Mutation) validate() error {
	if strings.TrimSpace(string(m.UserID)) == "" {
		return Validationf("user_id is required")
	}
	if !m.Kind.Valid() {
		return Validationf("unknown kind %q", m.Kind)
	}
	if m.Bucket != "" && !m.Bucket.Valid() {
		return Validationf("unknown bucket %q", m.Bucket)
	}
	if m.Delta.IsZero() {
		return Validationf("delta must be non-zero")
	}
	switch m.Kind {
	case KindFeatureDebit:
		if m.Delta.IsPositive() {
			return Validationf("feature_debit delta must be negative")
		}
	case KindPurchase, KindSubscriptionGrant, KindRefund:
		if m.Delta.IsNegative() {
			return Validationf("%s delta must be positive", m.Kind)
		}
	}
	return nil
}

// Result is the outcome of a mutation. It is also what a replay returns.
type Result struct {
	EntryID   EntryID  `json:"entry_id,omitempty"`
	UserID    UserID   `json:"user_id"`
	Previous  Balances `json:"previous_balance"`
	New       Balances `json:"new_balance"`
	Remaining Amount   `json:"remaining"`
	Replayed  bool     `json:"replayed"`
}

// =============================================================================
// MUTATOR
// =============================================================================

type Mutator struct {
	Store  Store
	Guard  *Guard
	Logger *zap.Logger
	Now    func() time.Time
}

func NewMutator(store Store) *Mutator {
	return &Mutator{Store: store, Guard: NewGuard(), Logger: zap.NewNop(), Now: time.Now}
}

// Apply runs m in its own transaction.
func (mu *Mutator) Apply(ctx context.Context, m Mutation) (Result, error) {
	var res Result
	err := mu.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		res, err = mu.ApplyTx(ctx, tx, m)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// ApplyTx runs m inside an existing transaction so callers can combine it
// with their own writes.
func (mu *Mutator) ApplyTx(ctx context.Context, tx Tx, m Mutation) (Result, error) {
	if err := m.validate(); err != nil {
		return Result{}, err
	}
	op := m.operation()
	rec, replayed, err := Once(ctx, mu.Guard, tx, m.scope(), m.IdempotencyKey, func() (recordedMutation, error) {
		res, err := mu.applyLocked(ctx, tx, m)
		return recordedMutation{Op: op, Result: res}, err
	})
	if err != nil {
		var ib *InsufficientBalanceError
		if errors.As(err, &ib) {
			mu.Logger.Info("debit rejected",
				zap.String("user_id", string(m.UserID)),
				zap.String("kind", string(m.Kind)),
				zap.String("requested", ib.Requested.String()),
				zap.String("available", ib.Available.String()))
		}
		return Result{}, err
	}
	res := rec.Result
	if replayed {
		if !rec.Op.matches(op) {
			mu.Logger.Warn("idempotency key reused for a different mutation",
				zap.String("scope", m.scope()),
				zap.String("idempotency_key", m.IdempotencyKey),
				zap.String("user_id", string(m.UserID)))
			return Result{}, fmt.Errorf("%w: key %q was used for a different mutation", ErrIdempotencyMismatch, m.IdempotencyKey)
		}
		res.Replayed = true
		mu.Logger.Debug("mutation replayed",
			zap.String("user_id", string(m.UserID)),
			zap.String("idempotency_key", m.IdempotencyKey))
	}
	return res, nil
}

func (mu *Mutator) applyLocked(ctx context.Context, tx Tx, m Mutation) (Result, error) {
	w, err := tx.LockWallet(ctx, m.UserID)
	if err != nil {
		return Result{}, err
	}

	split, err := splitDelta(w.Balances, m)
	if err != nil {
		return Result{}, err
	}

	prev := w.Balances
	next := prev.Add(split)
	if next.AnyNegative() {
		return Result{}, &InsufficientBalanceError{
			UserID:    m.UserID,
			Available: prev.Credits(),
			Requested: m.Delta.Neg(),
			Shortfall: next.Credits().Neg(),
		}
	}

	now := mu.Now().UTC()
	entry := LedgerEntry{
		ID:             EntryID(uuid.NewString()),
		UserID:         m.UserID,
		Kind:           m.Kind,
		Delta:          m.Delta,
		Split:          split,
		Resulting:      next,
		IdempotencyKey: ScopedKey(m.scope(), m.IdempotencyKey),
		Reason:         m.Reason,
		Metadata:       m.Metadata,
		CreatedAt:      now,
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return Result{}, err
	}

	w.Balances = next
	w.UpdatedAt = now
	if err := tx.UpdateWallet(ctx, *w); err != nil {
		return Result{}, err
	}

	remaining := next.Credits()
	if bucketOf(m) == BucketPoints {
		remaining = next.Points
	}
	return Result{
		EntryID:   entry.ID,
		UserID:    m.UserID,
		Previous:  prev,
		New:       next,
		Remaining: remaining,
	}, nil
}

func bucketOf(m Mutation) Bucket {
	if m.Bucket != "" {
		return m.Bucket
	}
	return m.Kind.DefaultBucket()
}

// splitDelta distributes m.Delta over the wallet buckets.
func splitDelta(cur Balances, m Mutation) (Balances, error) {
	split := ZeroBalances()
	bucket := bucketOf(m)

	if m.Delta.IsPositive() {
		switch bucket {
		case BucketSubscription:
			split.Subscription = m.Delta
		case BucketLifetime:
			split.Lifetime = m.Delta
		default:
			split.Points = m.Delta
		}
		return split, nil
	}

	need := m.Delta.Neg()
	shortage := func(available Amount) error {
		return &InsufficientBalanceError{
			UserID:    m.UserID,
			Available: available,
			Requested: need,
			Shortfall: need.Sub(available),
		}
	}

	// Points and explicitly targeted buckets are debited alone.
	if bucket == BucketPoints || m.Bucket != "" {
		available := cur.Get(bucket)
		if available.LessThan(need.Decimal) {
			return split, shortage(available)
		}
		switch bucket {
		case BucketSubscription:
			split.Subscription = m.Delta
		case BucketLifetime:
			split.Lifetime = m.Delta
		default:
			split.Points = m.Delta
		}
		return split, nil
	}

	available := cur.Credits()
	if available.LessThan(need.Decimal) {
		return split, shortage(available)
	}
	fromSub := cur.Subscription.Min(need)
	if fromSub.IsNegative() {
		fromSub = ZeroAmount()
	}
	split.Subscription = fromSub.Neg()
	split.Lifetime = need.Sub(fromSub).Neg()
	return split, nil
}

// =============================================================================
// WALLET LIFECYCLE
// =============================================================================

// Provision creates an empty wallet. Calling it again is a no-op.
func (mu *Mutator) Provision(ctx context.Context, userID UserID) (*Wallet, error) {
	if strings.TrimSpace(string(userID)) == "" {
		return nil, Validationf("user_id is required")
	}
	var out *Wallet
	err := mu.Store.WithTx(ctx, func(tx Tx) error {
		now := mu.Now().UTC()
		created, err := tx.InsertWallet(ctx, Wallet{
			UserID:    userID,
			Balances:  ZeroBalances(),
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		if created {
			mu.Logger.Info("wallet provisioned", zap.String("user_id", string(userID)))
		}
		out, err = tx.LockWallet(ctx, userID)
		return err
	})
	return out, err
}

// Wallet returns the current wallet.
func (mu *Mutator) Wallet(ctx context.Context, userID UserID) (*Wallet, error) {
	return mu.Store.GetWallet(ctx, userID)
}

// Entries returns the ledger history of one wallet.
func (mu *Mutator) Entries(ctx context.Context, userID UserID) ([]LedgerEntry, error) {
	if _, err := mu.Store.GetWallet(ctx, userID); err != nil {
		return nil, err
	}
	return mu.Store.ListEntries(ctx, userID)
}

// ResetSubscriptionCycle sets the subscription bucket to allowance for a new
// billing cycle. The change is written as a ledger entry so the ledger law
// still holds. Each (user, cycle) is applied once.
func (mu *Mutator) ResetSubscriptionCycle(ctx context.Context, userID UserID, allowance Amount, cycleID string) (Result, error) {
	if allowance.IsNegative() {
		return Result{}, Validationf("allowance must not be negative")
	}
	if strings.TrimSpace(cycleID) == "" {
		return Result{}, Validationf("cycle_id is required")
	}
	key := string(userID) + ":" + cycleID

	var res Result
	err := mu.Store.WithTx(ctx, func(tx Tx) error {
		var replayed bool
		var err error
		res, replayed, err = Once(ctx, mu.Guard, tx, ScopeSubscriptionCycle, key, func() (Result, error) {
			w, err := tx.LockWallet(ctx, userID)
			if err != nil {
				return Result{}, err
			}
			delta := allowance.Sub(w.Balances.Subscription)
			if delta.IsZero() {
				return Result{UserID: userID, Previous: w.Balances, New: w.Balances, Remaining: w.Balances.Credits()}, nil
			}
			return mu.ApplyTx(ctx, tx, Mutation{
				UserID:         userID,
				Delta:          delta,
				Kind:           KindSubscriptionReset,
				Bucket:         BucketSubscription,
				IdempotencyKey: key,
				Scope:          ScopeSubscriptionReset,
				Reason:         "subscription cycle " + cycleID,
			})
		})
		res.Replayed = replayed
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// CloseWallet zeroes every bucket on account deletion. The wallet row stays.
func (mu *Mutator) CloseWallet(ctx context.Context, userID UserID) (Result, error) {
	var res Result
	err := mu.Store.WithTx(ctx, func(tx Tx) error {
		var replayed bool
		var err error
		res, replayed, err = Once(ctx, mu.Guard, tx, ScopeWalletClose, string(userID), func() (Result, error) {
			w, err := tx.LockWallet(ctx, userID)
			if err != nil {
				return Result{}, err
			}
			out := Result{UserID: userID, Previous: w.Balances, New: w.Balances}
			if credit := w.Balances.Credits(); credit.IsPositive() {
				r, err := mu.ApplyTx(ctx, tx, Mutation{
					UserID:         userID,
					Delta:          credit.Neg(),
					Kind:           KindAdminAdjustment,
					IdempotencyKey: "credits:" + string(userID),
					Scope:          ScopeWalletZero,
					Reason:         "account deleted",
				})
				if err != nil {
					return Result{}, err
				}
				out.New = r.New
			}
			if pts := w.Balances.Points; pts.IsPositive() {
				r, err := mu.ApplyTx(ctx, tx, Mutation{
					UserID:         userID,
					Delta:          pts.Neg(),
					Kind:           KindAdminAdjustment,
					Bucket:         BucketPoints,
					IdempotencyKey: "points:" + string(userID),
					Scope:          ScopeWalletZero,
					Reason:         "account deleted",
				})
				if err != nil {
					return Result{}, err
				}
				out.New = r.New
			}
			return out, nil
		})
		res.Replayed = replayed
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
