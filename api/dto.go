/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger records from the external API contract.

NAMING CONVENTION:
  - *DTO: Records returned to clients
  - *Request: Request body types from clients
  - *Response: Operation results

AMOUNTS:
  Amounts are decimals. Requests accept a JSON number or a quoted string;
  responses always carry a quoted string ("12.5") so no precision is lost.

VALIDATION:
  Request types carry validator tags, checked by decodeJSON before any
  handler logic runs. Failures become VALIDATION_ERROR (400).

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: Error body
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/mealplan/credit-engine/credits"
	"github.com/mealplan/credit-engine/events"
	"github.com/mealplan/credit-engine/jobs"
)

// =============================================================================
// WALLETS & LEDGER
// =============================================================================

// WalletDTO represents a wallet in API responses.
type WalletDTO struct {
	UserID    credits.UserID   `json:"user_id"`
	Balances  credits.Balances `json:"balances"`
	Credits   credits.Amount   `json:"credits"`
	CreatedAt string           `json:"created_at"`
	UpdatedAt string           `json:"updated_at"`
}

// EntryDTO represents one immutable ledger entry.
type EntryDTO struct {
	ID             credits.EntryID   `json:"id"`
	Kind           credits.EntryKind `json:"kind"`
	Delta          credits.Amount    `json:"delta"`
	Split          credits.Balances  `json:"split"`
	Resulting      credits.Balances  `json:"resulting_balance"`
	IdempotencyKey string            `json:"idempotency_key"`
	Reason         string            `json:"reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

// MutationRequest is the body of a balance mutation.
type MutationRequest struct {
	Delta          credits.Amount    `json:"delta"`
	Kind           string            `json:"kind" validate:"required,oneof=purchase subscription_grant feature_debit refund reward"`
	Bucket         string            `json:"bucket,omitempty" validate:"omitempty,oneof=subscription lifetime points"`
	IdempotencyKey string            `json:"idempotency_key" validate:"required,max=255"`
	Reason         string            `json:"reason,omitempty" validate:"max=500"`
	Metadata       map[string]string `json:"metadata,omitempty" validate:"max=20"`
}

// AdjustmentRequest is an admin correction. A reason is mandatory.
type AdjustmentRequest struct {
	Delta          credits.Amount `json:"delta"`
	Bucket         string         `json:"bucket,omitempty" validate:"omitempty,oneof=subscription lifetime points"`
	IdempotencyKey string         `json:"idempotency_key" validate:"required,max=255"`
	Reason         string         `json:"reason" validate:"required,max=500"`
}

// SubscriptionCycleRequest resets the subscription bucket for a new cycle.
type SubscriptionCycleRequest struct {
	Allowance credits.Amount `json:"allowance"`
	CycleID   string         `json:"cycle_id" validate:"required,max=64"`
}

// MutationResponse reports a mutation. Replays carry the original values.
type MutationResponse struct {
	Success         bool             `json:"success"`
	EntryID         credits.EntryID  `json:"entry_id,omitempty"`
	UserID          credits.UserID   `json:"user_id"`
	PreviousBalance credits.Balances `json:"previous_balance"`
	NewBalance      credits.Balances `json:"new_balance"`
	Remaining       credits.Amount   `json:"remaining"`
	Replayed        bool             `json:"replayed"`
}

// =============================================================================
// EVENTS
// =============================================================================

// RecordEventRequest is the body of POST /api/events. Referral events use
// referrer_user_id (or referral_code) and referred_user_id; engagement events
// use user_id.
type RecordEventRequest struct {
	EventType      string          `json:"event_type" validate:"required,max=64"`
	ReferrerUserID credits.UserID  `json:"referrer_user_id,omitempty" validate:"max=128"`
	UserID         credits.UserID  `json:"user_id,omitempty" validate:"max=128"`
	ReferredUserID credits.UserID  `json:"referred_user_id,omitempty" validate:"max=128"`
	ReferralCode   string          `json:"referral_code,omitempty" validate:"max=32"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required,max=255"`
}

// RecordEventResponse wraps the recorder outcome.
type RecordEventResponse struct {
	Success bool `json:"success"`
	events.Outcome
}

// EventDTO represents a recorded event.
type EventDTO struct {
	ID             string          `json:"id"`
	UserID         credits.UserID  `json:"user_id"`
	SubjectID      credits.UserID  `json:"referred_user_id,omitempty"`
	EventType      string          `json:"event_type"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      string          `json:"created_at"`
}

// RegisterCodeRequest assigns a referral code to a user.
type RegisterCodeRequest struct {
	UserID credits.UserID `json:"user_id" validate:"required,max=128"`
	Code   string         `json:"code" validate:"required,max=32"`
}

// =============================================================================
// JOBS
// =============================================================================

// DispatchJobRequest creates a job and debits its cost.
type DispatchJobRequest struct {
	UserID         credits.UserID `json:"user_id" validate:"required,max=128"`
	Type           string         `json:"type" validate:"required,max=64"`
	Cost           credits.Amount `json:"cost"`
	IdempotencyKey string         `json:"idempotency_key" validate:"required,max=255"`
}

// JobDTO represents a job in API responses.
type JobDTO struct {
	ID             credits.JobID     `json:"id"`
	UserID         credits.UserID    `json:"user_id"`
	Type           string            `json:"type"`
	Status         credits.JobStatus `json:"status"`
	Cost           credits.Amount    `json:"cost"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
	FinishedAt     *string           `json:"finished_at,omitempty"`
}

// JobResponse is returned by dispatch and transitions.
type JobResponse struct {
	Success  bool              `json:"success"`
	Applied  bool              `json:"applied"`
	Replayed bool              `json:"replayed"`
	Job      JobDTO            `json:"job"`
	Refund   *MutationResponse `json:"refund,omitempty"`
}

// =============================================================================
// DEV SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"` // "credits", "events" or "jobs"
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toWalletDTO(w credits.Wallet) WalletDTO {
	return WalletDTO{
		UserID:    w.UserID,
		Balances:  w.Balances,
		Credits:   w.Balances.Credits(),
		CreatedAt: formatTime(w.CreatedAt),
		UpdatedAt: formatTime(w.UpdatedAt),
	}
}

func toEntryDTOs(entries []credits.LedgerEntry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = EntryDTO{
			ID:             e.ID,
			Kind:           e.Kind,
			Delta:          e.Delta,
			Split:          e.Split,
			Resulting:      e.Resulting,
			IdempotencyKey: e.IdempotencyKey,
			Reason:         e.Reason,
			Metadata:       e.Metadata,
			CreatedAt:      formatTime(e.CreatedAt),
		}
	}
	return dtos
}

func toEventDTOs(records []credits.EventRecord) []EventDTO {
	dtos := make([]EventDTO, len(records))
	for i, e := range records {
		dtos[i] = EventDTO{
			ID:             e.ID,
			UserID:         e.UserID,
			SubjectID:      e.SubjectID,
			EventType:      e.EventType,
			Metadata:       e.Metadata,
			IdempotencyKey: e.IdempotencyKey,
			CreatedAt:      formatTime(e.CreatedAt),
		}
	}
	return dtos
}

func toJobDTO(j credits.JobRecord) JobDTO {
	dto := JobDTO{
		ID:             j.ID,
		UserID:         j.UserID,
		Type:           j.Type,
		Status:         j.Status,
		Cost:           j.Cost,
		Result:         j.Result,
		Error:          j.Error,
		IdempotencyKey: j.IdempotencyKey,
		CreatedAt:      formatTime(j.CreatedAt),
		UpdatedAt:      formatTime(j.UpdatedAt),
	}
	if j.FinishedAt != nil {
		s := formatTime(*j.FinishedAt)
		dto.FinishedAt = &s
	}
	return dto
}

func toMutationResponse(res credits.Result) MutationResponse {
	return MutationResponse{
		Success:         true,
		EntryID:         res.EntryID,
		UserID:          res.UserID,
		PreviousBalance: res.Previous,
		NewBalance:      res.New,
		Remaining:       res.Remaining,
		Replayed:        res.Replayed,
	}
}

func toJobResponse(out jobs.Outcome) JobResponse {
	resp := JobResponse{Success: true, Applied: out.Applied, Job: toJobDTO(out.Job)}
	if out.Refund != nil {
		refund := toMutationResponse(*out.Refund)
		resp.Refund = &refund
	}
	return resp
}
