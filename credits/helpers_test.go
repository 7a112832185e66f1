package credits_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mealplan/credit-engine/credits"
	"github.com/mealplan/credit-engine/credits/store"
	"github.com/mealplan/credit-engine/store/sqlite"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type storeFactory func(t *testing.T) credits.Store

func memoryStore(t *testing.T) credits.Store {
	return store.NewMemory()
}

func sqliteMemoryStore(t *testing.T) credits.Store {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sqliteFileStore(t *testing.T) credits.Store {
	s, err := sqlite.New(filepath.Join(t.TempDir(), "credits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// eachStore runs fn once per store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, s credits.Store)) {
	stores := map[string]storeFactory{
		"memory": memoryStore,
		"sqlite": sqliteMemoryStore,
	}
	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newTestMutator(t *testing.T, s credits.Store, users ...credits.UserID) *credits.Mutator {
	m := credits.NewMutator(s)
	for _, u := range users {
		_, err := m.Provision(context.Background(), u)
		require.NoError(t, err)
	}
	return m
}

func amt(v int64) credits.Amount { return credits.NewAmount(v) }

// requireBalances compares decimals by value, not representation.
func requireBalances(t *testing.T, sub, life, pts int64, got credits.Balances) {
	t.Helper()
	want := credits.Balances{Subscription: amt(sub), Lifetime: amt(life), Points: amt(pts)}
	require.Truef(t, want.Equal(got), "want {%s %s %s}, got {%s %s %s}",
		want.Subscription, want.Lifetime, want.Points,
		got.Subscription, got.Lifetime, got.Points)
}

// requireLedgerLaw checks that the per-bucket sum of entry splits equals the wallet.
func requireLedgerLaw(t *testing.T, s credits.Store, userID credits.UserID) {
	t.Helper()
	ctx := context.Background()
	w, err := s.GetWallet(ctx, userID)
	require.NoError(t, err)
	entries, err := s.ListEntries(ctx, userID)
	require.NoError(t, err)

	sum := credits.ZeroBalances()
	for _, e := range entries {
		sum = sum.Add(e.Split)
		require.False(t, e.Resulting.AnyNegative(), "entry %s left a negative bucket", e.ID)
	}
	require.True(t, sum.Equal(w.Balances), "ledger sum drifted from wallet")
}
