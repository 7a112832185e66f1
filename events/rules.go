package events

import (
	"context"
	"time"

	"github.com/mealplan/credit-engine/credits"
)

// =============================================================================
// REWARD TABLE
// =============================================================================

// Reward is what one accepted event pays to the actor. Zero fields are skipped.
type Reward struct {
	Points  credits.Amount
	Credits credits.Amount // lands in the lifetime bucket
}

// Rules configures rewards, cooldowns and milestones.
type Rules struct {
	Rewards map[Type]Reward

	// MealCooldown is the minimum gap between two meal_validated awards.
	MealCooldown time.Duration

	// SharesPerDay caps social_share awards per UTC calendar day.
	SharesPerDay int

	// Milestones are the per-type event counts that earn a badge, with the
	// points paid for each.
	Milestones map[int]credits.Amount
}

// DefaultRules returns the production reward table.
func DefaultRules() Rules {
	return Rules{
		Rewards: map[Type]Reward{
			TypeSignup:             {Points: credits.NewAmount(50)},
			TypeQualified:          {Points: credits.NewAmount(100)},
			TypeRewardGranted:      {Credits: credits.NewAmount(5)},
			TypeMealValidated:      {Points: credits.NewAmount(5)},
			TypeDayCompleted:       {Points: credits.NewAmount(20)},
			TypeSocialShare:        {Credits: credits.NewAmount(1)},
			TypeChallengeCompleted: {Points: credits.NewAmount(100)},
		},
		MealCooldown: 60 * time.Second,
		SharesPerDay: 1,
		Milestones: map[int]credits.Amount{
			10: credits.NewAmount(50),
			25: credits.NewAmount(150),
			50: credits.NewAmount(400),
		},
	}
}

func (r Rules) rewardFor(t Type) Reward {
	rw, ok := r.Rewards[t]
	if !ok {
		return Reward{Points: credits.ZeroAmount(), Credits: credits.ZeroAmount()}
	}
	return rw
}

// =============================================================================
// COOLDOWNS
// =============================================================================

// inCooldown reports whether actor already received the award for eventType
// inside the current window. Must run inside the recording transaction.
func (r Rules) inCooldown(ctx context.Context, tx credits.Tx, actor credits.UserID, eventType Type, now time.Time) (bool, error) {
	switch eventType {
	case TypeMealValidated:
		if r.MealCooldown <= 0 {
			return false, nil
		}
		last, err := tx.LastEvent(ctx, actor, string(eventType))
		if err != nil || last == nil {
			return false, err
		}
		return now.Sub(last.CreatedAt) < r.MealCooldown, nil
	case TypeSocialShare:
		if r.SharesPerDay <= 0 {
			return false, nil
		}
		n, err := tx.CountEventsSince(ctx, actor, string(eventType), startOfUTCDay(now))
		if err != nil {
			return false, err
		}
		return n >= r.SharesPerDay, nil
	}
	return false, nil
}

func startOfUTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// MILESTONES
// =============================================================================

// milestone returns the badge reward when count is a milestone.
func (r Rules) milestone(count int) (credits.Amount, bool) {
	pts, ok := r.Milestones[count]
	return pts, ok
}
