package events_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mealplan/credit-engine/credits"
	"github.com/mealplan/credit-engine/credits/store"
	"github.com/mealplan/credit-engine/events"
	"github.com/mealplan/credit-engine/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	store    credits.Store
	mutator  *credits.Mutator
	recorder *events.Recorder
	clock    *clock
}

func newFixture(t *testing.T, s credits.Store, users ...credits.UserID) *fixture {
	c := &clock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	m := credits.NewMutator(s)
	m.Now = c.Now
	for _, u := range users {
		_, err := m.Provision(context.Background(), u)
		require.NoError(t, err)
	}
	r := events.NewRecorder(s, m, events.DefaultRules())
	r.Now = c.Now
	return &fixture{store: s, mutator: m, recorder: r, clock: c}
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

func meal(user credits.UserID, key string) events.Input {
	return events.Input{
		EventType:      events.TypeMealValidated,
		ActorID:        user,
		IdempotencyKey: key,
		Metadata:       json.RawMessage(`{"meal_id":"meal-` + key + `"}`),
	}
}

func (f *fixture) balances(t *testing.T, user credits.UserID) credits.Balances {
	w, err := f.store.GetWallet(context.Background(), user)
	require.NoError(t, err)
	return w.Balances
}

// =============================================================================
// SELF-REFERRAL
// =============================================================================

func TestRecordEvent_SelfReferral_RejectedBeforeAnyWrite(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		// GIVEN: a referral event where referrer == referred
		f := newFixture(t, s, "alice")
		ctx := context.Background()

		// WHEN: it is recorded
		_, err := f.recorder.RecordEvent(ctx, events.Input{
			EventType:      events.TypeSignup,
			ActorID:        "alice",
			SubjectID:      "alice",
			IdempotencyKey: "signup-alice",
		})

		// THEN: it is rejected and nothing was written
		require.ErrorIs(t, err, credits.ErrSelfReference)
		assert.Equal(t, credits.CodeSelfReference, credits.CodeOf(err))

		evs, err := f.recorder.Events(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, evs)
		entries, err := s.ListEntries(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestRecordEvent_SelfReferralThroughOwnCode_Rejected(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		f := newFixture(t, s, "alice")
		ctx := context.Background()
		_, err := f.recorder.RegisterReferralCode(ctx, "alice", "alice42")
		require.NoError(t, err)

		_, err = f.recorder.RecordEvent(ctx, events.Input{
			EventType:      events.TypeSignup,
			SubjectID:      "alice",
			ReferralCode:   "ALICE42",
			IdempotencyKey: "signup-alice",
		})
		require.ErrorIs(t, err, credits.ErrSelfReference)

		entries, err := s.ListEntries(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

// =============================================================================
// REFERRALS
// =============================================================================

func TestRecordEvent_ReferralCode_RewardsCodeOwner(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		f := newFixture(t, s, "alice", "bob")
		ctx := context.Background()
		code, err := f.recorder.RegisterReferralCode(ctx, "alice", " alice42 ")
		require.NoError(t, err)
		assert.Equal(t, "ALICE42", code)

		out, err := f.recorder.RecordEvent(ctx, events.Input{
			EventType:      events.TypeSignup,
			SubjectID:      "bob",
			ReferralCode:   "alice42",
			IdempotencyKey: "signup-bob",
			Metadata:       json.RawMessage(`{"source":"instagram"}`),
		})
		require.NoError(t, err)
		assert.True(t, out.Accepted)
		assert.Equal(t, "50", out.PointsAwarded.String())

		b := f.balances(t, "alice")
		assert.Equal(t, "50", b.Points.String())

		evs, err := f.recorder.Events(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, evs, 1)
		assert.Equal(t, credits.UserID("bob"), evs[0].SubjectID)
	})
}

func TestRecordEvent_ReferralCode_MustBelongToReferrer(t *testing.T) {
	f := newFixture(t, store.NewMemory(), "alice", "bob", "carol")
	ctx := context.Background()
	_, err := f.recorder.RegisterReferralCode(ctx, "alice", "ALICE42")
	require.NoError(t, err)

	_, err = f.recorder.RecordEvent(ctx, events.Input{
		EventType:      events.TypeSignup,
		ActorID:        "carol",
		SubjectID:      "bob",
		ReferralCode:   "ALICE42",
		IdempotencyKey: "signup-bob",
	})
	require.ErrorIs(t, err, credits.ErrValidation)

	_, err = f.recorder.RecordEvent(ctx, events.Input{
		EventType:      events.TypeSignup,
		SubjectID:      "bob",
		ReferralCode:   "NOSUCHCODE",
		IdempotencyKey: "signup-bob",
	})
	require.ErrorIs(t, err, credits.ErrCodeNotFound)
}

func TestRecordEvent_SameReferredUserTwice_SecondNotAccepted(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		f := newFixture(t, s, "alice")
		ctx := context.Background()
		in := events.Input{
			EventType:      events.TypeQualified,
			ActorID:        "alice",
			SubjectID:      "bob",
			IdempotencyKey: "q-1",
			Metadata:       json.RawMessage(`{"action":"first_menu"}`),
		}
		first, err := f.recorder.RecordEvent(ctx, in)
		require.NoError(t, err)
		assert.True(t, first.Accepted)

		in.IdempotencyKey = "q-2"
		second, err := f.recorder.RecordEvent(ctx, in)
		require.NoError(t, err)
		assert.False(t, second.Accepted)
		assert.Equal(t, events.ReasonAlreadyRecorded, second.Reason)

		assert.Equal(t, "100", f.balances(t, "alice").Points.String())
	})
}

func TestRegisterReferralCode(t *testing.T) {
	f := newFixture(t, store.NewMemory(), "alice", "bob")
	ctx := context.Background()

	_, err := f.recorder.RegisterReferralCode(ctx, "alice", "SPRING26")
	require.NoError(t, err)
	_, err = f.recorder.RegisterReferralCode(ctx, "alice", "spring26")
	require.NoError(t, err, "same owner re-registering is a no-op")

	_, err = f.recorder.RegisterReferralCode(ctx, "bob", "SPRING26")
	require.ErrorIs(t, err, credits.ErrValidation)

	_, err = f.recorder.RegisterReferralCode(ctx, "bob", "no!")
	require.ErrorIs(t, err, credits.ErrValidation)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestRecordEvent_Replay_ReturnsFirstOutcome(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		f := newFixture(t, s, "alice")
		ctx := context.Background()

		first, err := f.recorder.RecordEvent(ctx, meal("alice", "m1"))
		require.NoError(t, err)
		require.True(t, first.Accepted)

		// Even outside the cooldown the replay does not re-award
		f.clock.Advance(5 * time.Minute)
		second, err := f.recorder.RecordEvent(ctx, meal("alice", "m1"))
		require.NoError(t, err)
		assert.True(t, second.Replayed)
		assert.True(t, second.Accepted)
		assert.Equal(t, first.EventID, second.EventID)

		evs, err := f.recorder.Events(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, evs, 1)
		assert.Equal(t, "5", f.balances(t, "alice").Points.String())
	})
}

// =============================================================================
// COOLDOWNS
// =============================================================================

func TestRecordEvent_MealCooldown(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		f := newFixture(t, s, "alice")
		ctx := context.Background()

		out, err := f.recorder.RecordEvent(ctx, meal("alice", "m1"))
		require.NoError(t, err)
		assert.True(t, out.Accepted)

		// WHEN: a second meal 30s later
		f.clock.Advance(30 * time.Second)
		out, err = f.recorder.RecordEvent(ctx, meal("alice", "m2"))
		require.NoError(t, err)

		// THEN: no-op
		assert.False(t, out.Accepted)
		assert.Equal(t, events.ReasonCooldown, out.Reason)
		assert.True(t, out.PointsAwarded.IsZero())

		// AND: once 60s have elapsed, the skipped key still replays its skip
		f.clock.Advance(30 * time.Second)
		out, err = f.recorder.RecordEvent(ctx, meal("alice", "m2"))
		require.NoError(t, err)
		assert.False(t, out.Accepted)
		assert.True(t, out.Replayed)
		assert.Equal(t, events.ReasonCooldown, out.Reason)

		// AND: a fresh key is accepted
		out, err = f.recorder.RecordEvent(ctx, meal("alice", "m3"))
		require.NoError(t, err)
		assert.True(t, out.Accepted)
		assert.False(t, out.Replayed)

		evs, err := f.recorder.Events(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, evs, 2)
		assert.Equal(t, "10", f.balances(t, "alice").Points.String())
	})
}

func TestRecordEvent_SocialShare_OncePerUTCDay(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		f := newFixture(t, s, "alice")
		ctx := context.Background()
		f.clock.now = time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC)

		share := func(key string) events.Outcome {
			out, err := f.recorder.RecordEvent(ctx, events.Input{
				EventType:      events.TypeSocialShare,
				ActorID:        "alice",
				IdempotencyKey: key,
				Metadata:       json.RawMessage(`{"platform":"pinterest"}`),
			})
			require.NoError(t, err)
			return out
		}

		assert.True(t, share("s1").Accepted)
		f.clock.Advance(30 * time.Minute)
		assert.False(t, share("s2").Accepted)
		f.clock.Advance(31 * time.Minute) // 00:01 next day
		assert.True(t, share("s3").Accepted)

		assert.Equal(t, "2", f.balances(t, "alice").Lifetime.String())
	})
}

// =============================================================================
// MILESTONES
// =============================================================================

func TestRecordEvent_TenthEvent_GrantsBadgeOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		f := newFixture(t, s, "alice")
		ctx := context.Background()

		var last events.Outcome
		for i := 1; i <= 10; i++ {
			out, err := f.recorder.RecordEvent(ctx, events.Input{
				EventType:      events.TypeDayCompleted,
				ActorID:        "alice",
				IdempotencyKey: fmt.Sprintf("day-%d", i),
				Metadata:       json.RawMessage(fmt.Sprintf(`{"date":"2026-10-%02d"}`, i)),
			})
			require.NoError(t, err)
			if i < 10 {
				assert.Nil(t, out.Badge)
			}
			last = out
		}

		require.NotNil(t, last.Badge)
		assert.Equal(t, 10, last.Badge.Milestone)
		assert.Equal(t, events.TypeDayCompleted, last.Badge.EventType)

		// 10 x 20 points + 50 badge points
		assert.Equal(t, "250", f.balances(t, "alice").Points.String())

		// Replay of the 10th does not grant again
		again, err := f.recorder.RecordEvent(ctx, events.Input{
			EventType:      events.TypeDayCompleted,
			ActorID:        "alice",
			IdempotencyKey: "day-10",
			Metadata:       json.RawMessage(`{"date":"2026-10-10"}`),
		})
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		require.NotNil(t, again.Badge)
		assert.Equal(t, "250", f.balances(t, "alice").Points.String())

		evs, err := f.recorder.Events(ctx, "alice")
		require.NoError(t, err)
		badges := 0
		for _, e := range evs {
			if e.EventType == string(events.TypeBadgeGranted) {
				badges++
			}
		}
		assert.Equal(t, 1, badges)
	})
}

func TestRecordEvent_CallerMutationKeysDoNotBlockAwards(t *testing.T) {
	eachStore(t, func(t *testing.T, s credits.Store) {
		f := newFixture(t, s, "alice", "bob")
		ctx := context.Background()

		// GIVEN: bob's mutations took the keys alice's awards derive
		for _, key := range []string{"day-1:points", "day-10:points", "badge:alice:day_completed:10"} {
			_, err := f.mutator.Apply(ctx, credits.Mutation{UserID: "bob", Delta: credits.NewAmount(1), Kind: credits.KindPurchase, IdempotencyKey: key})
			require.NoError(t, err)
		}

		// WHEN: alice completes ten days
		for i := 1; i <= 10; i++ {
			out, err := f.recorder.RecordEvent(ctx, events.Input{
				EventType:      events.TypeDayCompleted,
				ActorID:        "alice",
				IdempotencyKey: fmt.Sprintf("day-%d", i),
				Metadata:       json.RawMessage(fmt.Sprintf(`{"date":"2026-10-%02d"}`, i)),
			})
			require.NoError(t, err)
			assert.True(t, out.Accepted)
		}

		// THEN: every award and the badge landed on alice
		assert.Equal(t, "250", f.balances(t, "alice").Points.String())
		assert.Equal(t, "3", f.balances(t, "bob").Lifetime.String())
	})
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestRecordEvent_Validation(t *testing.T) {
	f := newFixture(t, store.NewMemory(), "alice")
	ctx := context.Background()

	tests := []struct {
		name string
		in   events.Input
	}{
		{"unknown type", events.Input{EventType: "dance", ActorID: "alice", IdempotencyKey: "k"}},
		{"derived type", events.Input{EventType: events.TypeBadgeGranted, ActorID: "alice", IdempotencyKey: "k"}},
		{"missing key", events.Input{EventType: events.TypeMealValidated, ActorID: "alice", Metadata: json.RawMessage(`{"meal_id":"x"}`)}},
		{"missing meal id", events.Input{EventType: events.TypeMealValidated, ActorID: "alice", IdempotencyKey: "k"}},
		{"unknown metadata field", events.Input{EventType: events.TypeMealValidated, ActorID: "alice", IdempotencyKey: "k", Metadata: json.RawMessage(`{"meal_id":"x","bonus":99}`)}},
		{"bad platform", events.Input{EventType: events.TypeSocialShare, ActorID: "alice", IdempotencyKey: "k", Metadata: json.RawMessage(`{"platform":"myspace"}`)}},
		{"referral without subject", events.Input{EventType: events.TypeSignup, ActorID: "alice", IdempotencyKey: "k"}},
		{"engagement with subject", events.Input{EventType: events.TypeMealValidated, ActorID: "alice", SubjectID: "bob", IdempotencyKey: "k", Metadata: json.RawMessage(`{"meal_id":"x"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.recorder.RecordEvent(ctx, tt.in)
			require.ErrorIs(t, err, credits.ErrValidation)
		})
	}
}

func TestRecordEvent_UnknownWallet_NotFound(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	_, err := f.recorder.RecordEvent(context.Background(), meal("ghost", "m1"))
	assert.True(t, credits.IsNotFound(err))
}

func TestDecodeMetadata_Variants(t *testing.T) {
	md, err := events.DecodeMetadata(events.TypeChallengeCompleted, json.RawMessage(`{"challenge_id":"veggie-week","score":7}`))
	require.NoError(t, err)
	ch, ok := md.(*events.ChallengeCompletedMetadata)
	require.True(t, ok)
	assert.Equal(t, "veggie-week", ch.ChallengeID)
	assert.Equal(t, events.TypeChallengeCompleted, md.EventType())

	_, err = events.DecodeMetadata(events.TypeDayCompleted, json.RawMessage(`{"date":"16/10/2026"}`))
	assert.ErrorIs(t, err, credits.ErrValidation)
}
