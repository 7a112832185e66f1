package billing_test

import (
	"context"
	"testing"

	"github.com/mealplan/credit-engine/billing"
	"github.com/mealplan/credit-engine/credits"
	"github.com/mealplan/credit-engine/credits/store"
	"github.com/mealplan/credit-engine/signature"
	"github.com/mealplan/credit-engine/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("whsec_purchases")

func newService(t *testing.T, s credits.Store, users ...credits.UserID) *billing.Service {
	m := credits.NewMutator(s)
	for _, u := range users {
		_, err := m.Provision(context.Background(), u)
		require.NoError(t, err)
	}
	return billing.NewService(s, m, secret)
}

func eachStore(t *testing.T, fn func(t *testing.T, s credits.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func TestPurchase_DeliveredTwiceGrantsOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		// GIVEN: a user with no credits
		svc := newService(t, s, "alice")
		ctx := context.Background()
		body := []byte(`{"checkout_session_id":"cs_123","user_id":"alice","credits":50,"status":"complete"}`)
		sig := signature.Sign(secret, body)

		// WHEN: the provider delivers the same webhook twice
		first, err := svc.HandleWebhook(ctx, body, sig)
		require.NoError(t, err)
		second, err := svc.HandleWebhook(ctx, body, sig)
		require.NoError(t, err)

		// THEN: lifetime credits rise by 50 exactly once
		assert.True(t, first.Granted)
		assert.False(t, first.Replayed)
		assert.True(t, second.Granted)
		assert.True(t, second.Replayed)
		assert.Equal(t, first.Result.EntryID, second.Result.EntryID)

		w, err := s.GetWallet(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, w.Balances.Lifetime.Equal(credits.NewAmount(50).Decimal))
		assert.True(t, w.Balances.Subscription.IsZero())

		entries, err := s.ListEntries(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, credits.KindPurchase, entries[0].Kind)
		assert.Equal(t, "purchase.grant:checkout:cs_123", entries[0].IdempotencyKey)
	})
}

func TestPurchase_CallerKeyCannotPreemptGrant(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		// GIVEN: alice spent a credit with a key shaped like a checkout grant
		svc := newService(t, s, "alice", "bob")
		ctx := context.Background()
		_, err := svc.Mutator.Apply(ctx, credits.Mutation{
			UserID: "alice", Delta: credits.NewAmount(1), Kind: credits.KindPurchase, IdempotencyKey: "checkout:cs_1",
		})
		require.NoError(t, err)

		// WHEN: bob's checkout cs_1 completes
		out, err := svc.ApplyPurchase(ctx, billing.PurchaseEvent{
			CheckoutSessionID: "cs_1", UserID: "bob", Credits: credits.NewAmount(50), Status: billing.StatusComplete,
		})
		require.NoError(t, err)

		// THEN: bob gets his 50 credits
		assert.True(t, out.Granted)
		assert.False(t, out.Replayed)
		assert.Equal(t, credits.UserID("bob"), out.Result.UserID)
		w, err := s.GetWallet(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "50", w.Balances.Lifetime.String())
	})
}

func TestPurchase_BadSignature(t *testing.T) {
	svc := newService(t, store.NewMemory(), "alice")
	body := []byte(`{"checkout_session_id":"cs_1","user_id":"alice","credits":50,"status":"complete"}`)

	_, err := svc.HandleWebhook(context.Background(), body, signature.Sign([]byte("wrong"), body))
	assert.ErrorIs(t, err, credits.ErrInvalidSignature)

	w, err := svc.Store.GetWallet(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, w.Balances.Lifetime.IsZero())
}

func TestPurchase_IncompleteStatusDoesNotGrant(t *testing.T) {
	s := store.NewMemory()
	svc := newService(t, s, "alice")
	ctx := context.Background()

	out, err := svc.ApplyPurchase(ctx, billing.PurchaseEvent{
		CheckoutSessionID: "cs_open", UserID: "alice", Credits: credits.NewAmount(50), Status: "expired",
	})
	require.NoError(t, err)
	assert.False(t, out.Granted)
	assert.Equal(t, "expired", out.Status)

	// The session can still complete later.
	out, err = svc.ApplyPurchase(ctx, billing.PurchaseEvent{
		CheckoutSessionID: "cs_open", UserID: "alice", Credits: credits.NewAmount(50), Status: "complete",
	})
	require.NoError(t, err)
	assert.True(t, out.Granted)
}

func TestPurchase_ReplayWithDifferentPayload(t *testing.T) {
	svc := newService(t, store.NewMemory(), "alice", "bob")
	ctx := context.Background()

	_, err := svc.ApplyPurchase(ctx, billing.PurchaseEvent{
		CheckoutSessionID: "cs_9", UserID: "alice", Credits: credits.NewAmount(20), Status: "complete",
	})
	require.NoError(t, err)

	_, err = svc.ApplyPurchase(ctx, billing.PurchaseEvent{
		CheckoutSessionID: "cs_9", UserID: "bob", Credits: credits.NewAmount(20), Status: "complete",
	})
	assert.ErrorIs(t, err, credits.ErrIdempotencyMismatch)

	w, err := svc.Store.GetWallet(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, w.Balances.Lifetime.IsZero())
}

func TestPurchase_Validation(t *testing.T) {
	svc := newService(t, store.NewMemory(), "alice")
	ctx := context.Background()

	tests := []struct {
		name string
		ev   billing.PurchaseEvent
	}{
		{"missing session", billing.PurchaseEvent{UserID: "alice", Credits: credits.NewAmount(5), Status: "complete"}},
		{"missing user", billing.PurchaseEvent{CheckoutSessionID: "cs", Credits: credits.NewAmount(5), Status: "complete"}},
		{"missing status", billing.PurchaseEvent{CheckoutSessionID: "cs", UserID: "alice", Credits: credits.NewAmount(5)}},
		{"zero credits", billing.PurchaseEvent{CheckoutSessionID: "cs", UserID: "alice", Credits: credits.ZeroAmount(), Status: "complete"}},
		{"negative credits", billing.PurchaseEvent{CheckoutSessionID: "cs", UserID: "alice", Credits: credits.NewAmount(-5), Status: "complete"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ApplyPurchase(ctx, tt.ev)
			assert.Equal(t, credits.CodeValidation, credits.CodeOf(err))
		})
	}
}

func TestPurchase_UnknownWallet(t *testing.T) {
	svc := newService(t, store.NewMemory())

	_, err := svc.ApplyPurchase(context.Background(), billing.PurchaseEvent{
		CheckoutSessionID: "cs_x", UserID: "ghost", Credits: credits.NewAmount(5), Status: "complete",
	})
	assert.ErrorIs(t, err, credits.ErrWalletNotFound)
}
