package credits_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mealplan/credit-engine/credits"
	"github.com/mealplan/credit-engine/credits/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func debit(user credits.UserID, n int64, key string) credits.Mutation {
	return credits.Mutation{
		UserID:         user,
		Delta:          amt(-n),
		Kind:           credits.KindFeatureDebit,
		IdempotencyKey: key,
	}
}

func grant(user credits.UserID, kind credits.EntryKind, n int64, key string) credits.Mutation {
	return credits.Mutation{
		UserID:         user,
		Delta:          amt(n),
		Kind:           kind,
		IdempotencyKey: key,
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestMutator_SevenCreditsConsumed_ThenInsufficient_ThenReplay(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		// GIVEN: wallet {subscription: 7, lifetime: 0}
		ctx := context.Background()
		m := newTestMutator(t, s, "alice")
		_, err := m.Apply(ctx, grant("alice", credits.KindSubscriptionGrant, 7, "cycle-1"))
		require.NoError(t, err)

		// WHEN: a 1-credit feature is consumed 7 times
		var last credits.Result
		for i := 1; i <= 7; i++ {
			last, err = m.Apply(ctx, debit("alice", 1, fmt.Sprintf("menu-%d", i)))
			require.NoError(t, err)
		}

		// THEN: wallet is empty
		requireBalances(t, 0, 0, 0, last.New)
		assert.True(t, last.Remaining.IsZero())

		// AND: an 8th attempt is rejected without a ledger entry
		_, err = m.Apply(ctx, debit("alice", 1, "menu-8"))
		require.ErrorIs(t, err, credits.ErrInsufficientBalance)
		var ib *credits.InsufficientBalanceError
		require.ErrorAs(t, err, &ib)
		assert.Equal(t, "1", ib.Shortfall.String())

		entries, err := s.ListEntries(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, entries, 8)

		// AND: replaying the 7th key returns the recorded result
		replay, err := m.Apply(ctx, debit("alice", 1, "menu-7"))
		require.NoError(t, err)
		assert.True(t, replay.Replayed)
		assert.Equal(t, last.EntryID, replay.EntryID)
		requireBalances(t, 1, 0, 0, replay.Previous)
		requireBalances(t, 0, 0, 0, replay.New)

		w, err := s.GetWallet(ctx, "alice")
		require.NoError(t, err)
		requireBalances(t, 0, 0, 0, w.Balances)
		requireLedgerLaw(t, s, "alice")
	})
}

func TestMutator_PurchaseDeliveredTwice_GrantsOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		ctx := context.Background()
		m := newTestMutator(t, s, "bob")

		first, err := m.Apply(ctx, grant("bob", credits.KindPurchase, 50, "checkout:cs_123"))
		require.NoError(t, err)
		second, err := m.Apply(ctx, grant("bob", credits.KindPurchase, 50, "checkout:cs_123"))
		require.NoError(t, err)

		assert.False(t, first.Replayed)
		assert.True(t, second.Replayed)
		requireBalances(t, 0, 50, 0, second.New)

		w, err := s.GetWallet(ctx, "bob")
		require.NoError(t, err)
		requireBalances(t, 0, 50, 0, w.Balances)

		entries, err := s.ListEntries(ctx, "bob")
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestMutator_KeyReusedForDifferentMutation_Mismatch(t *testing.T) {
	tests := []struct {
		name  string
		reuse credits.Mutation
	}{
		{"other user", grant("bob", credits.KindPurchase, 5, "k1")},
		{"other amount", grant("alice", credits.KindPurchase, 50, "k1")},
		{"other kind", grant("alice", credits.KindReward, 5, "k1")},
		{"other bucket", credits.Mutation{UserID: "alice", Delta: amt(5), Kind: credits.KindPurchase, Bucket: credits.BucketSubscription, IdempotencyKey: "k1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eachStore(t, func(t *testing.T, s credits.Store) {
				// GIVEN: alice used k1 for a 5-credit purchase
				ctx := context.Background()
				m := newTestMutator(t, s, "alice", "bob")
				_, err := m.Apply(ctx, grant("alice", credits.KindPurchase, 5, "k1"))
				require.NoError(t, err)

				// WHEN: k1 is sent again for something else
				res, err := m.Apply(ctx, tt.reuse)

				// THEN: rejected, and nothing of alice's leaks
				require.ErrorIs(t, err, credits.ErrIdempotencyMismatch)
				assert.Empty(t, res.UserID)

				w, err := s.GetWallet(ctx, "alice")
				require.NoError(t, err)
				requireBalances(t, 0, 5, 0, w.Balances)
				w, err = s.GetWallet(ctx, "bob")
				require.NoError(t, err)
				requireBalances(t, 0, 0, 0, w.Balances)
			})
		})
	}
}

func TestMutator_ExplicitDefaultBucket_ReplaysCleanly(t *testing.T) {
	m := newTestMutator(t, store.NewMemory(), "alice")
	ctx := context.Background()
	_, err := m.Apply(ctx, grant("alice", credits.KindPurchase, 5, "k1"))
	require.NoError(t, err)

	again := grant("alice", credits.KindPurchase, 5, "k1")
	again.Bucket = credits.BucketLifetime
	res, err := m.Apply(ctx, again)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
}

// =============================================================================
// DEBIT ORDER
// =============================================================================

func TestMutator_Debit_ConsumesSubscriptionBeforeLifetime(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		ctx := context.Background()
		m := newTestMutator(t, s, "carol")
		_, err := m.Apply(ctx, grant("carol", credits.KindSubscriptionGrant, 2, "g1"))
		require.NoError(t, err)
		_, err = m.Apply(ctx, grant("carol", credits.KindPurchase, 5, "p1"))
		require.NoError(t, err)

		res, err := m.Apply(ctx, debit("carol", 3, "d1"))
		require.NoError(t, err)
		requireBalances(t, 0, 4, 0, res.New)
		assert.Equal(t, "4", res.Remaining.String())

		entries, err := s.ListEntries(ctx, "carol")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		last := entries[2]
		requireBalances(t, -2, -1, 0, last.Split)
		requireBalances(t, 0, 4, 0, last.Resulting)
		assert.Equal(t, "-3", last.Delta.String())
		assert.Equal(t, credits.KindFeatureDebit, last.Kind)
		assert.Equal(t, "mutation:d1", last.IdempotencyKey)
	})
}

func TestMutator_ExplicitBucket_DebitsOnlyThatBucket(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		ctx := context.Background()
		m := newTestMutator(t, s, "dave")
		_, err := m.Apply(ctx, grant("dave", credits.KindSubscriptionGrant, 5, "g1"))
		require.NoError(t, err)
		_, err = m.Apply(ctx, grant("dave", credits.KindPurchase, 1, "p1"))
		require.NoError(t, err)

		mut := debit("dave", 2, "d1")
		mut.Bucket = credits.BucketLifetime
		_, err = m.Apply(ctx, mut)
		require.ErrorIs(t, err, credits.ErrInsufficientBalance)

		mut.Delta = amt(-1)
		res, err := m.Apply(ctx, mut)
		require.NoError(t, err)
		requireBalances(t, 5, 0, 0, res.New)
	})
}

func TestMutator_PointsAreSeparateFromCredits(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		ctx := context.Background()
		m := newTestMutator(t, s, "erin")
		_, err := m.Apply(ctx, grant("erin", credits.KindReward, 10, "r1"))
		require.NoError(t, err)

		// Credits debit cannot spend points
		_, err = m.Apply(ctx, debit("erin", 1, "d1"))
		require.ErrorIs(t, err, credits.ErrInsufficientBalance)

		res, err := m.Apply(ctx, credits.Mutation{
			UserID:         "erin",
			Delta:          amt(-4),
			Kind:           credits.KindAdminAdjustment,
			Bucket:         credits.BucketPoints,
			IdempotencyKey: "adj-1",
		})
		require.NoError(t, err)
		requireBalances(t, 0, 0, 6, res.New)
		assert.Equal(t, "6", res.Remaining.String())
		requireLedgerLaw(t, s, "erin")
	})
}

// =============================================================================
// VALIDATION & FAILURE MODES
// =============================================================================

func TestMutator_Validation(t *testing.T) {
	m := newTestMutator(t, store.NewMemory(), "frank")
	ctx := context.Background()

	tests := []struct {
		name string
		mut  credits.Mutation
	}{
		{"missing user", credits.Mutation{Delta: amt(1), Kind: credits.KindPurchase, IdempotencyKey: "k"}},
		{"zero delta", credits.Mutation{UserID: "frank", Delta: amt(0), Kind: credits.KindPurchase, IdempotencyKey: "k"}},
		{"unknown kind", credits.Mutation{UserID: "frank", Delta: amt(1), Kind: "gift", IdempotencyKey: "k"}},
		{"unknown bucket", credits.Mutation{UserID: "frank", Delta: amt(1), Kind: credits.KindPurchase, Bucket: "bonus", IdempotencyKey: "k"}},
		{"positive feature debit", credits.Mutation{UserID: "frank", Delta: amt(1), Kind: credits.KindFeatureDebit, IdempotencyKey: "k"}},
		{"negative purchase", credits.Mutation{UserID: "frank", Delta: amt(-1), Kind: credits.KindPurchase, IdempotencyKey: "k"}},
		{"missing key", credits.Mutation{UserID: "frank", Delta: amt(1), Kind: credits.KindPurchase}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Apply(ctx, tt.mut)
			require.ErrorIs(t, err, credits.ErrValidation)
			assert.Equal(t, credits.CodeValidation, credits.CodeOf(err))
		})
	}
}

func TestMutator_UnknownWallet_NotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		m := credits.NewMutator(s)
		_, err := m.Apply(context.Background(), grant("ghost", credits.KindPurchase, 1, "k"))
		require.ErrorIs(t, err, credits.ErrWalletNotFound)
		assert.Equal(t, credits.CodeNotFound, credits.CodeOf(err))

		// The key was not consumed by the failed attempt
		_, err = m.Provision(context.Background(), "ghost")
		require.NoError(t, err)
		res, err := m.Apply(context.Background(), grant("ghost", credits.KindPurchase, 1, "k"))
		require.NoError(t, err)
		assert.False(t, res.Replayed)
	})
}

func TestMutator_StoreUnavailable_FailsClosed(t *testing.T) {
	mem := store.NewMemory()
	m := newTestMutator(t, mem, "gina")
	mem.SetUnavailable(true)

	_, err := m.Apply(context.Background(), grant("gina", credits.KindPurchase, 5, "k"))
	require.ErrorIs(t, err, credits.ErrStoreUnavailable)
	assert.True(t, credits.IsRetryable(err))

	mem.SetUnavailable(false)
	w, err := m.Wallet(context.Background(), "gina")
	require.NoError(t, err)
	requireBalances(t, 0, 0, 0, w.Balances)
}

func TestMutator_Provision_IsIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		ctx := context.Background()
		m := newTestMutator(t, s, "hank")
		_, err := m.Apply(ctx, grant("hank", credits.KindPurchase, 3, "p1"))
		require.NoError(t, err)

		w, err := m.Provision(ctx, "hank")
		require.NoError(t, err)
		requireBalances(t, 0, 3, 0, w.Balances)
	})
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestMutator_ConcurrentDebits_NoDoubleSpend(t *testing.T) {
	stores := map[string]storeFactory{
		"memory": memoryStore,
		"sqlite": sqliteFileStore,
	}
	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			// GIVEN: 10 credits
			s := factory(t)
			ctx := context.Background()
			m := newTestMutator(t, s, "ivy")
			_, err := m.Apply(ctx, grant("ivy", credits.KindPurchase, 10, "p1"))
			require.NoError(t, err)

			// WHEN: 30 concurrent 1-credit debits with distinct keys
			var (
				wg           sync.WaitGroup
				mu           sync.Mutex
				ok, rejected int
				unexpected   []error
			)
			for i := 0; i < 30; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := m.Apply(ctx, debit("ivy", 1, fmt.Sprintf("d-%d", i)))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case errors.Is(err, credits.ErrInsufficientBalance):
						rejected++
					default:
						unexpected = append(unexpected, err)
					}
				}(i)
			}
			wg.Wait()

			// THEN: exactly 10 succeed and the balance never went negative
			require.Empty(t, unexpected)
			assert.Equal(t, 10, ok)
			assert.Equal(t, 20, rejected)

			w, err := s.GetWallet(ctx, "ivy")
			require.NoError(t, err)
			requireBalances(t, 0, 0, 0, w.Balances)
			requireLedgerLaw(t, s, "ivy")
		})
	}
}

func TestMutator_ConcurrentReplays_SingleEntry(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		ctx := context.Background()
		m := newTestMutator(t, s, "jack")

		var wg sync.WaitGroup
		results := make([]credits.Result, 20)
		errs := make([]error, 20)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = m.Apply(ctx, grant("jack", credits.KindPurchase, 50, "checkout:cs_same"))
			}(i)
		}
		wg.Wait()

		fresh := 0
		for i := range results {
			require.NoError(t, errs[i])
			if !results[i].Replayed {
				fresh++
			}
			assert.Equal(t, results[0].EntryID, results[i].EntryID)
		}
		assert.Equal(t, 1, fresh)

		entries, err := s.ListEntries(ctx, "jack")
		require.NoError(t, err)
		assert.Len(t, entries, 1)
		requireLedgerLaw(t, s, "jack")
	})
}

// =============================================================================
// WALLET LIFECYCLE
// =============================================================================

func TestMutator_ResetSubscriptionCycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		ctx := context.Background()
		m := newTestMutator(t, s, "kate")
		_, err := m.Apply(ctx, grant("kate", credits.KindSubscriptionGrant, 7, "g1"))
		require.NoError(t, err)
		_, err = m.Apply(ctx, grant("kate", credits.KindPurchase, 2, "p1"))
		require.NoError(t, err)
		_, err = m.Apply(ctx, debit("kate", 4, "d1"))
		require.NoError(t, err)

		// WHEN: the next cycle starts with a 7-credit allowance
		res, err := m.ResetSubscriptionCycle(ctx, "kate", amt(7), "2026-11")
		require.NoError(t, err)
		requireBalances(t, 7, 2, 0, res.New)

		// Same cycle again is a replay
		again, err := m.ResetSubscriptionCycle(ctx, "kate", amt(7), "2026-11")
		require.NoError(t, err)
		assert.True(t, again.Replayed)

		// Lower allowance shrinks the bucket through a ledger entry
		res, err = m.ResetSubscriptionCycle(ctx, "kate", amt(3), "2026-12")
		require.NoError(t, err)
		requireBalances(t, 3, 2, 0, res.New)
		requireLedgerLaw(t, s, "kate")
	})
}

func TestMutator_CloseWallet_ZeroesEveryBucket(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		ctx := context.Background()
		m := newTestMutator(t, s, "liam")
		_, err := m.Apply(ctx, grant("liam", credits.KindSubscriptionGrant, 3, "g1"))
		require.NoError(t, err)
		_, err = m.Apply(ctx, grant("liam", credits.KindPurchase, 4, "p1"))
		require.NoError(t, err)
		_, err = m.Apply(ctx, grant("liam", credits.KindReward, 9, "r1"))
		require.NoError(t, err)

		res, err := m.CloseWallet(ctx, "liam")
		require.NoError(t, err)
		requireBalances(t, 3, 4, 9, res.Previous)
		requireBalances(t, 0, 0, 0, res.New)

		again, err := m.CloseWallet(ctx, "liam")
		require.NoError(t, err)
		assert.True(t, again.Replayed)

		w, err := m.Wallet(ctx, "liam")
		require.NoError(t, err)
		requireBalances(t, 0, 0, 0, w.Balances)
		requireLedgerLaw(t, s, "liam")
	})
}

func TestMutator_CallerKeysNeverReachDerivedEntries(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		// GIVEN: caller mutations spent keys shaped like the derived ones
		ctx := context.Background()
		m := newTestMutator(t, s, "carol")
		_, err := m.Apply(ctx, grant("carol", credits.KindPurchase, 10, "p1"))
		require.NoError(t, err)
		for _, key := range []string{
			"credits:carol", "points:carol", "close-credits:carol",
			"wallet.zero:credits:carol", "carol:2026-11", "subscription.reset:carol:2026-11",
		} {
			_, err = m.Apply(ctx, debit("carol", 1, key))
			require.NoError(t, err)
		}

		// WHEN: a new cycle starts, then the account is deleted
		res, err := m.ResetSubscriptionCycle(ctx, "carol", amt(6), "2026-11")
		require.NoError(t, err)
		assert.False(t, res.Replayed)
		requireBalances(t, 6, 4, 0, res.New)

		res, err = m.CloseWallet(ctx, "carol")
		require.NoError(t, err)

		// THEN: both derived entries were written
		requireBalances(t, 0, 0, 0, res.New)
		w, err := m.Wallet(ctx, "carol")
		require.NoError(t, err)
		requireBalances(t, 0, 0, 0, w.Balances)
		requireLedgerLaw(t, s, "carol")
	})
}

func TestMutator_Entries_UnknownWallet(t *testing.T) {
	m := credits.NewMutator(store.NewMemory())
	_, err := m.Entries(context.Background(), "nobody")
	assert.True(t, credits.IsNotFound(err))
}
