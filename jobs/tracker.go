/*
Package jobs provides the Job Lifecycle Tracker for work executed by
external workers (menu generation, shopping-list automation, ...).

STATE MACHINE:

	pending --start--> running --callback--> success | error
	   |
	   +--cancel--> canceled
	   +--callback--> success | error

	- Terminal states (success, error, canceled) are final.
	- Cancel is only allowed while pending; a running job ends by callback.
	- A callback may arrive for a pending job (the worker skipped start).
	- A callback for a terminal job is a successful no-op (applied=false).
	- No callback expiry: a late callback is honored while non-terminal.

CALLBACK CHECKS (in order):
  1. HMAC-SHA256 over the raw body (signature package)
  2. Schema validation
  3. Idempotency key equals the key recorded at dispatch
  4. Terminal job: applied=false, nothing written
  5. Status/result/error written atomically; refund policy applied on error

COST:
  Dispatch debits the job cost in the same transaction that creates the
  job, so a job never exists unpaid. Refunds are decided by RefundPolicy.
*/
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mealplan/credit-engine/credits"
	"github.com/mealplan/credit-engine/signature"
	"go.uber.org/zap"
)

// =============================================================================
// REQUESTS & RESULTS
// =============================================================================

// DispatchRequest creates a job.
type DispatchRequest struct {
	UserID         credits.UserID `validate:"required"`
	Type           string         `validate:"required,max=64"`
	Cost           credits.Amount
	IdempotencyKey string `validate:"required,max=255"`
}

// Scopes of the ledger entries a job produces.
const (
	scopeJobDebit  = "job.debit"
	scopeJobRefund = "job.refund"
)

// Callback is the body an external worker posts when a job ends.
type Callback struct {
	JobID          credits.JobID   `json:"job_id" validate:"required"`
	Status         string          `json:"status" validate:"required,oneof=success error"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty" validate:"max=2000"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required"`
}

// Outcome reports whether a transition was written.
type Outcome struct {
	Applied bool              `json:"applied"`
	Job     credits.JobRecord `json:"job"`
	Refund  *credits.Result   `json:"refund,omitempty"`
}

// =============================================================================
// TRACKER
// =============================================================================

type Tracker struct {
	Store   credits.Store
	Mutator *credits.Mutator
	Guard   *credits.Guard
	Refunds RefundPolicy
	Secret  []byte
	Logger  *zap.Logger
	Now     func() time.Time
}

func NewTracker(store credits.Store, mutator *credits.Mutator, secret []byte) *Tracker {
	return &Tracker{
		Store:   store,
		Mutator: mutator,
		Guard:   mutator.Guard,
		Refunds: NoRefund{},
		Secret:  secret,
		Logger:  zap.NewNop(),
		Now:     time.Now,
	}
}

var validate = credits.NewValidator()

// Dispatch creates a pending job and debits its cost. A repeated key returns
// the existing job in its current state with replayed=true.
func (t *Tracker) Dispatch(ctx context.Context, req DispatchRequest) (credits.JobRecord, bool, error) {
	if err := validate.Struct(req); err != nil {
		return credits.JobRecord{}, false, credits.InvalidFields("invalid job", err)
	}
	if req.Cost.IsNegative() {
		return credits.JobRecord{}, false, credits.Validationf("cost must not be negative")
	}

	var (
		job      credits.JobRecord
		replayed bool
	)
	err := t.Store.WithTx(ctx, func(tx credits.Tx) error {
		adm, err := t.Guard.Admit(ctx, tx, credits.ScopeJobDispatch, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if !adm.Admitted {
			existing, err := tx.GetJobByKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing.UserID != req.UserID || existing.Type != req.Type || !existing.Cost.Equal(req.Cost.Decimal) {
				return fmt.Errorf("%w: key %q was used for a different job", credits.ErrIdempotencyMismatch, req.IdempotencyKey)
			}
			job, replayed = *existing, true
			return nil
		}

		now := t.Now().UTC()
		job = credits.JobRecord{
			ID:             credits.JobID(uuid.NewString()),
			UserID:         req.UserID,
			Type:           req.Type,
			IdempotencyKey: req.IdempotencyKey,
			Status:         credits.JobPending,
			Cost:           req.Cost,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if req.Cost.IsPositive() {
			if _, err := t.Mutator.ApplyTx(ctx, tx, credits.Mutation{
				UserID:         req.UserID,
				Delta:          req.Cost.Neg(),
				Kind:           credits.KindFeatureDebit,
				IdempotencyKey: req.IdempotencyKey,
				Scope:          scopeJobDebit,
				Reason:         "job " + req.Type,
				Metadata:       map[string]string{"job_id": string(job.ID)},
			}); err != nil {
				return err
			}
		}
		if err := tx.InsertJob(ctx, job); err != nil {
			return err
		}
		return t.Guard.Commit(ctx, tx, credits.ScopeJobDispatch, req.IdempotencyKey, job.ID)
	})
	if err != nil {
		return credits.JobRecord{}, false, err
	}
	if !replayed {
		t.Logger.Info("job dispatched",
			zap.String("job_id", string(job.ID)),
			zap.String("user_id", string(job.UserID)),
			zap.String("type", job.Type),
			zap.String("cost", job.Cost.String()))
	}
	return job, replayed, nil
}

// Job returns a job by id.
func (t *Tracker) Job(ctx context.Context, id credits.JobID) (*credits.JobRecord, error) {
	return t.Store.GetJob(ctx, id)
}

// Start moves a pending job to running. Starting a running job is a no-op.
func (t *Tracker) Start(ctx context.Context, id credits.JobID) (Outcome, error) {
	var out Outcome
	err := t.Store.WithTx(ctx, func(tx credits.Tx) error {
		job, err := tx.LockJob(ctx, id)
		if err != nil {
			return err
		}
		switch job.Status {
		case credits.JobRunning:
			out = Outcome{Job: *job}
			return nil
		case credits.JobPending:
		default:
			return credits.ErrInvalidTransition
		}
		job.Status = credits.JobRunning
		job.UpdatedAt = t.Now().UTC()
		if err := tx.UpdateJob(ctx, *job); err != nil {
			return err
		}
		out = Outcome{Applied: true, Job: *job}
		return nil
	})
	return out, err
}

// Cancel ends a pending job. A running job cannot be canceled; a terminal
// job is returned unchanged.
func (t *Tracker) Cancel(ctx context.Context, id credits.JobID) (Outcome, error) {
	var out Outcome
	err := t.Store.WithTx(ctx, func(tx credits.Tx) error {
		job, err := tx.LockJob(ctx, id)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			out = Outcome{Job: *job}
			return nil
		}
		if job.Status != credits.JobPending {
			return credits.ErrInvalidTransition
		}
		out, err = t.finish(ctx, tx, job, credits.JobCanceled, nil, "canceled")
		return err
	})
	return out, err
}

// HandleCallback authenticates a raw callback body and finalizes the job.
func (t *Tracker) HandleCallback(ctx context.Context, body []byte, signatureHeader string) (Outcome, error) {
	if err := signature.Verify(t.Secret, body, signatureHeader); err != nil {
		t.Logger.Warn("job callback rejected", zap.String("reason", "signature"))
		return Outcome{}, err
	}

	var cb Callback
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cb); err != nil {
		return Outcome{}, credits.Validationf("invalid callback body: %v", err)
	}
	return t.Finalize(ctx, cb)
}

// Finalize moves a non-terminal job to success or error exactly once.
func (t *Tracker) Finalize(ctx context.Context, cb Callback) (Outcome, error) {
	if err := validate.Struct(cb); err != nil {
		return Outcome{}, credits.InvalidFields("invalid callback", err)
	}

	var out Outcome
	err := t.Store.WithTx(ctx, func(tx credits.Tx) error {
		job, err := tx.LockJob(ctx, cb.JobID)
		if err != nil {
			return err
		}
		if cb.IdempotencyKey != job.IdempotencyKey {
			return credits.ErrIdempotencyMismatch
		}
		if job.Status.Terminal() {
			out = Outcome{Job: *job}
			return nil
		}
		out, err = t.finish(ctx, tx, job, credits.JobStatus(cb.Status), cb.Result, cb.Error)
		return err
	})
	if err != nil {
		if errors.Is(err, credits.ErrIdempotencyMismatch) {
			t.Logger.Warn("job callback rejected",
				zap.String("job_id", string(cb.JobID)),
				zap.String("reason", "idempotency key mismatch"))
		}
		return Outcome{}, err
	}
	if !out.Applied {
		t.Logger.Debug("job callback replayed",
			zap.String("job_id", string(cb.JobID)),
			zap.String("status", string(out.Job.Status)))
	}
	return out, nil
}

// finish writes a terminal status and applies the refund policy.
func (t *Tracker) finish(ctx context.Context, tx credits.Tx, job *credits.JobRecord, status credits.JobStatus, result json.RawMessage, errMsg string) (Outcome, error) {
	now := t.Now().UTC()
	job.Status = status
	job.UpdatedAt = now
	job.FinishedAt = &now
	if status == credits.JobSuccess {
		job.Result = result
	} else {
		job.Error = strings.TrimSpace(errMsg)
	}
	if err := tx.UpdateJob(ctx, *job); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Applied: true, Job: *job}
	if status != credits.JobSuccess && job.Cost.IsPositive() {
		amount := t.Refunds.Refund(*job)
		if amount.IsPositive() {
			if amount.GreaterThan(job.Cost.Decimal) {
				amount = job.Cost
			}
			res, err := t.Mutator.ApplyTx(ctx, tx, credits.Mutation{
				UserID:         job.UserID,
				Delta:          amount,
				Kind:           credits.KindRefund,
				IdempotencyKey: string(job.ID),
				Scope:          scopeJobRefund,
				Reason:         "job " + string(status),
				Metadata:       map[string]string{"job_id": string(job.ID), "policy": t.Refunds.Name()},
			})
			if err != nil {
				return Outcome{}, err
			}
			out.Refund = &res
		}
	}

	t.Logger.Info("job finalized",
		zap.String("job_id", string(job.ID)),
		zap.String("status", string(status)),
		zap.Bool("refunded", out.Refund != nil))
	return out, nil
}
