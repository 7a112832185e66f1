/*
recorder.go - Event Recorder

PURPOSE:
  recordEvent for gamification and referral events. Every accepted event
  is one transaction: guard admission, rule checks, event row, awards,
  and any derived badge.

FLOW:
  1. Validate input and decode the typed metadata (no store access)
  2. Reject actor == subject on referral events (no store access)
  3. Open tx; resolve referral code to its owner (read only)
  4. Admit the event key; a replay returns the first outcome
  5. Cooldown / one-referral-per-subject checks. A hit writes no event and
     no award; only the key is kept, with the {accepted: false} outcome,
     so the same key answers the same way after the window
  6. Insert the event, award points/credits via the mutator
  7. On a milestone count, record badge_granted keyed by the milestone

MILESTONE KEYS:
  badge:<user>:<event type>:<count>
  Keyed by the count, not by the triggering request.
*/
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mealplan/credit-engine/credits"
	"go.uber.org/zap"
)

// Guard scopes for keys the recorder derives itself.
const (
	scopeReferral   = "event.referral"
	scopeBadge      = "event.badge"
	scopeAward      = "event.award"
	scopeBadgeAward = "event.badge.award"
)

// Skip reasons reported with Accepted=false.
const (
	ReasonCooldown        = "cooldown"
	ReasonAlreadyRecorded = "already_recorded"
)

// Input is one recordEvent call.
type Input struct {
	EventType      Type
	ActorID        credits.UserID // the referrer for referral events
	SubjectID      credits.UserID // the referred user
	ReferralCode   string
	IdempotencyKey string
	Metadata       json.RawMessage
}

// Badge describes a milestone award.
type Badge struct {
	EventType Type           `json:"event_type"`
	Milestone int            `json:"milestone"`
	Points    credits.Amount `json:"points_awarded"`
}

// Outcome is the result of RecordEvent; a replay returns the stored one.
type Outcome struct {
	Accepted       bool           `json:"accepted"`
	EventID        string         `json:"event_id,omitempty"`
	PointsAwarded  credits.Amount `json:"points_awarded"`
	CreditsAwarded credits.Amount `json:"credits_awarded"`
	Badge          *Badge         `json:"badge,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Replayed       bool           `json:"replayed"`
}

func skippedOutcome(reason string) Outcome {
	return Outcome{
		Reason:         reason,
		PointsAwarded:  credits.ZeroAmount(),
		CreditsAwarded: credits.ZeroAmount(),
	}
}

// =============================================================================
// RECORDER
// =============================================================================

type Recorder struct {
	Store   credits.Store
	Mutator *credits.Mutator
	Guard   *credits.Guard
	Rules   Rules
	Logger  *zap.Logger
	Now     func() time.Time
}

func NewRecorder(store credits.Store, mutator *credits.Mutator, rules Rules) *Recorder {
	return &Recorder{
		Store:   store,
		Mutator: mutator,
		Guard:   mutator.Guard,
		Rules:   rules,
		Logger:  zap.NewNop(),
		Now:     time.Now,
	}
}

// RecordEvent records in exactly once and awards what the rules grant.
func (r *Recorder) RecordEvent(ctx context.Context, in Input) (Outcome, error) {
	md, err := validateInput(in)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	err = r.Store.WithTx(ctx, func(tx credits.Tx) error {
		actor, err := resolveReferrer(ctx, tx, in)
		if err != nil {
			return err
		}
		var replayed bool
		out, replayed, err = credits.Once(ctx, r.Guard, tx, credits.ScopeEvent, in.IdempotencyKey, func() (Outcome, error) {
			return r.record(ctx, tx, in, actor, md)
		})
		out.Replayed = replayed
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (r *Recorder) record(ctx context.Context, tx credits.Tx, in Input, actor credits.UserID, md Metadata) (Outcome, error) {
	now := r.Now().UTC()

	cooling, err := r.Rules.inCooldown(ctx, tx, actor, in.EventType, now)
	if err != nil {
		return Outcome{}, err
	}
	if cooling {
		r.logSkip(in, actor, ReasonCooldown)
		return skippedOutcome(ReasonCooldown), nil
	}

	// A referred user produces each referral event once, whatever the key.
	if in.EventType.IsReferral() {
		adm, err := r.Guard.Admit(ctx, tx, scopeReferral, fmt.Sprintf("%s:%s", in.EventType, in.SubjectID))
		if err != nil {
			return Outcome{}, err
		}
		if !adm.Admitted {
			r.logSkip(in, actor, ReasonAlreadyRecorded)
			return skippedOutcome(ReasonAlreadyRecorded), nil
		}
	}

	raw, err := json.Marshal(md)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal metadata: %w", err)
	}
	eventKey := credits.ScopedKey(credits.ScopeEvent, in.IdempotencyKey)
	ev := credits.EventRecord{
		ID:             uuid.NewString(),
		UserID:         actor,
		SubjectID:      in.SubjectID,
		EventType:      string(in.EventType),
		Metadata:       raw,
		IdempotencyKey: eventKey,
		CreatedAt:      now,
	}
	if err := tx.InsertEvent(ctx, ev); err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		Accepted:       true,
		EventID:        ev.ID,
		PointsAwarded:  credits.ZeroAmount(),
		CreditsAwarded: credits.ZeroAmount(),
	}
	rw := r.Rules.rewardFor(in.EventType)
	if rw.Points.IsPositive() {
		if err := r.award(ctx, tx, actor, rw.Points, credits.BucketPoints, scopeAward, in.IdempotencyKey+":points", string(in.EventType)); err != nil {
			return Outcome{}, err
		}
		out.PointsAwarded = rw.Points
	}
	if rw.Credits.IsPositive() {
		if err := r.award(ctx, tx, actor, rw.Credits, credits.BucketLifetime, scopeAward, in.IdempotencyKey+":credits", string(in.EventType)); err != nil {
			return Outcome{}, err
		}
		out.CreditsAwarded = rw.Credits
	}

	badge, err := r.checkMilestone(ctx, tx, actor, in.EventType, now)
	if err != nil {
		return Outcome{}, err
	}
	out.Badge = badge

	r.Logger.Info("event recorded",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.String("actor_id", string(actor)),
		zap.String("points", out.PointsAwarded.String()),
		zap.String("credits", out.CreditsAwarded.String()))
	return out, nil
}

func (r *Recorder) award(ctx context.Context, tx credits.Tx, user credits.UserID, amount credits.Amount, bucket credits.Bucket, scope, key, reason string) error {
	_, err := r.Mutator.ApplyTx(ctx, tx, credits.Mutation{
		UserID:         user,
		Delta:          amount,
		Kind:           credits.KindReward,
		Bucket:         bucket,
		IdempotencyKey: key,
		Scope:          scope,
		Reason:         reason,
	})
	return err
}

func (r *Recorder) logSkip(in Input, actor credits.UserID, reason string) {
	r.Logger.Info("event skipped",
		zap.String("event_type", string(in.EventType)),
		zap.String("actor_id", string(actor)),
		zap.String("reason", reason))
}

// checkMilestone records a derived badge_granted event when the actor's count
// of eventType has just reached a milestone.
func (r *Recorder) checkMilestone(ctx context.Context, tx credits.Tx, actor credits.UserID, eventType Type, now time.Time) (*Badge, error) {
	count, err := tx.CountEvents(ctx, actor, string(eventType))
	if err != nil {
		return nil, err
	}
	pts, ok := r.Rules.milestone(count)
	if !ok {
		return nil, nil
	}

	badgeKey := fmt.Sprintf("badge:%s:%s:%d", actor, eventType, count)
	adm, err := r.Guard.Admit(ctx, tx, scopeBadge, badgeKey)
	if err != nil {
		return nil, err
	}
	if !adm.Admitted {
		return nil, nil
	}

	raw, err := json.Marshal(BadgeGrantedMetadata{SourceType: eventType, Milestone: count})
	if err != nil {
		return nil, fmt.Errorf("marshal badge metadata: %w", err)
	}
	if err := tx.InsertEvent(ctx, credits.EventRecord{
		ID:             uuid.NewString(),
		UserID:         actor,
		EventType:      string(TypeBadgeGranted),
		Metadata:       raw,
		IdempotencyKey: credits.ScopedKey(scopeBadge, badgeKey),
		CreatedAt:      now,
	}); err != nil {
		return nil, err
	}
	if pts.IsPositive() {
		if err := r.award(ctx, tx, actor, pts, credits.BucketPoints, scopeBadgeAward, badgeKey, "badge "+string(eventType)); err != nil {
			return nil, err
		}
	}

	badge := &Badge{EventType: eventType, Milestone: count, Points: pts}
	if err := r.Guard.Commit(ctx, tx, scopeBadge, badgeKey, badge); err != nil {
		return nil, err
	}
	r.Logger.Info("badge granted",
		zap.String("actor_id", string(actor)),
		zap.String("event_type", string(eventType)),
		zap.Int("milestone", count))
	return badge, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

func validateInput(in Input) (Metadata, error) {
	if !in.EventType.Recordable() {
		return nil, credits.Validationf("unsupported event_type %q", in.EventType)
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return nil, credits.Validationf("idempotency_key is required")
	}
	if in.EventType.IsReferral() {
		if in.SubjectID == "" {
			return nil, credits.Validationf("referred_user_id is required for %s", in.EventType)
		}
		if in.ActorID == "" && in.ReferralCode == "" {
			return nil, credits.Validationf("referrer_user_id or referral_code is required")
		}
		if in.ActorID == in.SubjectID {
			return nil, credits.ErrSelfReference
		}
	} else {
		if in.ActorID == "" {
			return nil, credits.Validationf("user_id is required")
		}
		if in.SubjectID != "" || in.ReferralCode != "" {
			return nil, credits.Validationf("%s does not take a referred user", in.EventType)
		}
	}
	return DecodeMetadata(in.EventType, in.Metadata)
}

// resolveReferrer returns the actor, looking up the referral code owner when
// one is given. The code owner must match an explicit referrer.
func resolveReferrer(ctx context.Context, tx credits.Tx, in Input) (credits.UserID, error) {
	if in.ReferralCode == "" {
		return in.ActorID, nil
	}
	owner, err := tx.ReferralCodeOwner(ctx, normalizeCode(in.ReferralCode))
	if err != nil {
		return "", err
	}
	if in.ActorID != "" && owner != in.ActorID {
		return "", credits.Validationf("referral code does not belong to the referrer")
	}
	if owner == in.SubjectID {
		return "", credits.ErrSelfReference
	}
	return owner, nil
}

// =============================================================================
// REFERRAL CODES
// =============================================================================

// RegisterReferralCode assigns code to userID. Registering the same pair
// again is a no-op; a code owned by someone else is rejected.
func (r *Recorder) RegisterReferralCode(ctx context.Context, userID credits.UserID, code string) (string, error) {
	if strings.TrimSpace(string(userID)) == "" {
		return "", credits.Validationf("user_id is required")
	}
	code = normalizeCode(code)
	if err := validate.Var(code, "required,alphanum,min=4,max=32"); err != nil {
		return "", credits.Validationf("referral code must be 4-32 letters or digits")
	}
	err := r.Store.WithTx(ctx, func(tx credits.Tx) error {
		return tx.InsertReferralCode(ctx, code, userID)
	})
	if errors.Is(err, credits.ErrDuplicateIdempotencyKey) {
		return "", credits.Validationf("referral code %s is already taken", code)
	}
	if err != nil {
		return "", err
	}
	return code, nil
}

// Events returns the recorded events of a user.
func (r *Recorder) Events(ctx context.Context, userID credits.UserID) ([]credits.EventRecord, error) {
	return r.Store.ListEvents(ctx, userID)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
