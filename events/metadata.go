/*
Package events provides the Event Recorder for gamification and referral
lifecycle events.

PURPOSE:
  Records typed events exactly once under retries and concurrent requests,
  applies business-rule guards (self-referral, cooldowns), detects
  milestones, and awards points or credits through the balance mutator.

EVENT TYPES:
  Referral (actor is the referrer, subject the referred user):
    signup          Referred user created an account
    qualified       Referred user reached the qualifying action
    reward_granted  Referral reward released to the referrer

  Engagement (actor is the user, no subject):
    meal_validated       Cooldown: one award per 60s
    day_completed
    social_share         Cooldown: one award per UTC calendar day
    challenge_completed

  Derived:
    badge_granted   Emitted by the recorder on milestones, never by callers

METADATA:
  Each event type has its own closed metadata struct, validated with
  validator tags. Unknown fields are rejected.

SEE ALSO:
  - rules.go: Reward table, cooldowns, milestones
  - recorder.go: RecordEvent flow
*/
package events

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mealplan/credit-engine/credits"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// Type identifies an event kind.
type Type string

const (
	TypeSignup             Type = "signup"
	TypeQualified          Type = "qualified"
	TypeRewardGranted      Type = "reward_granted"
	TypeMealValidated      Type = "meal_validated"
	TypeDayCompleted       Type = "day_completed"
	TypeSocialShare        Type = "social_share"
	TypeChallengeCompleted Type = "challenge_completed"
	TypeBadgeGranted       Type = "badge_granted"
)

// IsReferral reports whether the event links a referrer to a referred user.
func (t Type) IsReferral() bool {
	return t == TypeSignup || t == TypeQualified || t == TypeRewardGranted
}

// Recordable reports whether callers may submit this type directly.
func (t Type) Recordable() bool {
	switch t {
	case TypeSignup, TypeQualified, TypeRewardGranted, TypeMealValidated,
		TypeDayCompleted, TypeSocialShare, TypeChallengeCompleted:
		return true
	}
	return false
}

// =============================================================================
// METADATA VARIANTS
// =============================================================================

// Metadata is the typed payload of one event type.
type Metadata interface {
	EventType() Type
}

type SignupMetadata struct {
	Source string `json:"source,omitempty" validate:"omitempty,max=64"`
}

type QualifiedMetadata struct {
	Action string `json:"action" validate:"required,oneof=first_menu first_purchase subscription_started"`
}

type RewardGrantedMetadata struct {
	Campaign string `json:"campaign,omitempty" validate:"omitempty,max=64"`
}

type MealValidatedMetadata struct {
	MealID string `json:"meal_id" validate:"required,max=128"`
	MenuID string `json:"menu_id,omitempty" validate:"omitempty,max=128"`
}

type DayCompletedMetadata struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
}

type SocialShareMetadata struct {
	Platform string `json:"platform" validate:"required,oneof=facebook instagram pinterest whatsapp x other"`
	URL      string `json:"url,omitempty" validate:"omitempty,url"`
}

type ChallengeCompletedMetadata struct {
	ChallengeID string `json:"challenge_id" validate:"required,max=128"`
	Score       int    `json:"score,omitempty" validate:"min=0"`
}

// BadgeGrantedMetadata is written by the recorder when a milestone is reached.
type BadgeGrantedMetadata struct {
	SourceType Type `json:"source_type" validate:"required"`
	Milestone  int  `json:"milestone" validate:"min=1"`
}

func (SignupMetadata) EventType() Type             { return TypeSignup }
func (QualifiedMetadata) EventType() Type          { return TypeQualified }
func (RewardGrantedMetadata) EventType() Type      { return TypeRewardGranted }
func (MealValidatedMetadata) EventType() Type      { return TypeMealValidated }
func (DayCompletedMetadata) EventType() Type       { return TypeDayCompleted }
func (SocialShareMetadata) EventType() Type        { return TypeSocialShare }
func (ChallengeCompletedMetadata) EventType() Type { return TypeChallengeCompleted }
func (BadgeGrantedMetadata) EventType() Type       { return TypeBadgeGranted }

var validate = credits.NewValidator()

// DecodeMetadata parses raw into the variant for eventType. Empty input is
// treated as an empty object.
func DecodeMetadata(eventType Type, raw json.RawMessage) (Metadata, error) {
	var md Metadata
	switch eventType {
	case TypeSignup:
		md = &SignupMetadata{}
	case TypeQualified:
		md = &QualifiedMetadata{}
	case TypeRewardGranted:
		md = &RewardGrantedMetadata{}
	case TypeMealValidated:
		md = &MealValidatedMetadata{}
	case TypeDayCompleted:
		md = &DayCompletedMetadata{}
	case TypeSocialShare:
		md = &SocialShareMetadata{}
	case TypeChallengeCompleted:
		md = &ChallengeCompletedMetadata{}
	case TypeBadgeGranted:
		md = &BadgeGrantedMetadata{}
	default:
		return nil, credits.Validationf("unknown event_type %q", eventType)
	}

	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(md); err != nil {
		return nil, credits.Validationf("invalid %s metadata: %v", eventType, err)
	}
	if err := validate.Struct(md); err != nil {
		return nil, credits.InvalidFields(fmt.Sprintf("invalid %s metadata", eventType), err)
	}
	return md, nil
}
