package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Idempotency scopes. A key is unique per scope, not globally.
const (
	ScopeMutation          = "mutation"
	ScopeEvent             = "event"
	ScopeJobDispatch       = "job.dispatch"
	ScopePurchase          = "purchase"
	ScopeSubscriptionCycle = "subscription.cycle"
	ScopeWalletClose       = "wallet.close"
)

// Scopes of ledger entries the mutator derives from another operation.
// Caller mutations always run under ScopeMutation and never reach them.
const (
	ScopeSubscriptionReset = "subscription.reset"
	ScopeWalletZero        = "wallet.zero"
)

// Admission is the outcome of Guard.Admit.
type Admission struct {
	// Admitted is true when the caller owns the effect for this key.
	Admitted bool
	// Prior is the result recorded by the first owner. Nil when admitted, or
	// when the first owner never recorded one.
	Prior []byte
}

// Guard admits idempotency keys against the store's uniqueness constraint.
// It never checks-then-inserts: the insert itself is the check.
type Guard struct {
	Now func() time.Time
}

func NewGuard() *Guard {
	return &Guard{Now: time.Now}
}

// Admit inserts (scope, key) if absent. On conflict it returns the prior result
// instead of an error. Store failures are returned as-is so the caller fails
// closed.
func (g *Guard) Admit(ctx context.Context, tx Tx, scope, key string) (Admission, error) {
	if err := validateKey(scope, key); err != nil {
		return Admission{}, err
	}
	err := tx.InsertIdempotencyKey(ctx, scope, key, g.Now().UTC())
	if err == nil {
		return Admission{Admitted: true}, nil
	}
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		return Admission{}, err
	}
	prior, err := tx.GetIdempotencyResult(ctx, scope, key)
	if err != nil {
		return Admission{}, err
	}
	return Admission{Prior: prior}, nil
}

// Commit records the result produced for an admitted key, in the same tx.
func (g *Guard) Commit(ctx context.Context, tx Tx, scope, key string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotent result: %w", err)
	}
	return tx.SetIdempotencyResult(ctx, scope, key, data)
}

// Once runs fn at most once per (scope, key) within tx. A replay decodes and
// returns the first result with replayed=true.
func Once[T any](ctx context.Context, g *Guard, tx Tx, scope, key string, fn func() (T, error)) (T, bool, error) {
	var zero T
	adm, err := g.Admit(ctx, tx, scope, key)
	if err != nil {
		return zero, false, err
	}
	if !adm.Admitted {
		var prior T
		if len(adm.Prior) > 0 {
			if err := json.Unmarshal(adm.Prior, &prior); err != nil {
				return zero, false, fmt.Errorf("decode idempotent result: %w", err)
			}
		}
		return prior, true, nil
	}
	out, err := fn()
	if err != nil {
		return zero, false, err
	}
	if err := g.Commit(ctx, tx, scope, key, out); err != nil {
		return zero, false, err
	}
	return out, false, nil
}

// ScopedKey is the form stored in unique columns outside the guard table.
func ScopedKey(scope, key string) string {
	return scope + ":" + key
}

func validateKey(scope, key string) error {
	if strings.TrimSpace(scope) == "" {
		return Validationf("idempotency scope is required")
	}
	if strings.TrimSpace(key) == "" {
		return Validationf("idempotency_key is required")
	}
	if len(key) > 255 {
		return Validationf("idempotency_key exceeds 255 characters")
	}
	return nil
}
