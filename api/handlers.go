/*
handlers.go - HTTP API handlers for the credit ledger

PURPOSE:
  Exposes the balance mutator, event recorder, job tracker, purchase
  webhook and auditor over REST. Handles request decoding, validation and
  response encoding; all business rules live in the domain packages.

ENDPOINTS:
  Wallets (service):
    POST   /api/wallets/{userID}             Provision (idempotent)
    GET    /api/wallets/{userID}             Balances
    GET    /api/wallets/{userID}/entries     Ledger history
    GET    /api/wallets/{userID}/events      Recorded events
    POST   /api/wallets/{userID}/mutations   Apply a signed delta

  Events (service):
    POST   /api/events                       Record an event
    POST   /api/referral-codes               Register a referral code

  Jobs (service):
    POST   /api/jobs                         Dispatch (debits the cost)
    GET    /api/jobs/{id}                    Job state
    POST   /api/jobs/{id}/start              pending -> running
    POST   /api/jobs/{id}/cancel             pending -> canceled

  Signed callbacks (HMAC, no bearer token):
    POST   /api/callbacks/jobs               Worker reports a terminal status
    POST   /api/webhooks/purchases           Checkout completed

  Admin:
    GET    /api/admin/audit                  Run a consistency sweep now
    GET    /api/admin/audit/latest           Last scheduled sweep
    POST   /api/admin/wallets/{userID}/adjustments
    POST   /api/admin/wallets/{userID}/subscription-cycle
    DELETE /api/admin/wallets/{userID}       Zero balances on account deletion

IDEMPOTENCY:
  Every state-changing endpoint takes an idempotency key, either in the
  body or in the Idempotency-Key header. A replay answers 200 with the
  original result and replayed=true; a first write answers 201.

ERROR HANDLING:
  Errors are translated through credits.CodeOf and written by writeError
  as {"error": {"code", "message"}}. Store failures never leak driver text.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Code to HTTP status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mealplan/credit-engine/audit"
	"github.com/mealplan/credit-engine/billing"
	"github.com/mealplan/credit-engine/credits"
	"github.com/mealplan/credit-engine/events"
	"github.com/mealplan/credit-engine/jobs"
	"go.uber.org/zap"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// SignatureHeader carries the HMAC of job callbacks and purchase webhooks.
const SignatureHeader = "X-Signature"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Mutator   *credits.Mutator
	Recorder  *events.Recorder
	Tracker   *jobs.Tracker
	Billing   *billing.Service
	Auditor   *audit.Auditor
	Scheduler *audit.Scheduler // nil when the periodic sweep is off
	Logger    *zap.Logger
}

var validate = credits.NewValidator()

// decodeJSON reads a bounded, strict JSON body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return credits.Validationf("request body is required")
		}
		return credits.Validationf("invalid request body: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		return credits.InvalidFields("invalid request", err)
	}
	return nil
}

// idempotencyKey prefers the body value, then the Idempotency-Key header.
func idempotencyKey(r *http.Request, fromBody string) string {
	if k := strings.TrimSpace(fromBody); k != "" {
		return k
	}
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func createdOrReplayed(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func userParam(r *http.Request) credits.UserID {
	return credits.UserID(chi.URLParam(r, "userID"))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.Logger, err)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// ProvisionWallet creates the wallet if absent and returns it.
func (h *Handler) ProvisionWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Mutator.Provision(r.Context(), userParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(*wallet))
}

// GetWallet returns current balances.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Mutator.Wallet(r.Context(), userParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(*wallet))
}

// ListEntries returns the ledger history, oldest first.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Mutator.Entries(r.Context(), userParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// ListEvents returns the events a user recorded as actor.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	records, err := h.Recorder.Events(r.Context(), userParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(records))
}

// ApplyMutation applies a signed delta. Admin adjustments have their own route.
func (h *Handler) ApplyMutation(w http.ResponseWriter, r *http.Request) {
	var req MutationRequest
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.Mutator.Apply(r.Context(), credits.Mutation{
		UserID:         userParam(r),
		Delta:          req.Delta,
		Kind:           credits.EntryKind(req.Kind),
		Bucket:         credits.Bucket(req.Bucket),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		Reason:         req.Reason,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, createdOrReplayed(res.Replayed), toMutationResponse(res))
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// RecordEvent records one gamification or referral event. A cooldown hit
// answers 200 with accepted=false.
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req RecordEventRequest
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	actor := req.ReferrerUserID
	if actor == "" {
		actor = req.UserID
	} else if req.UserID != "" && req.UserID != actor {
		h.fail(w, r, credits.Validationf("user_id and referrer_user_id disagree"))
		return
	}

	out, err := h.Recorder.RecordEvent(r.Context(), events.Input{
		EventType:      events.Type(req.EventType),
		ActorID:        actor,
		SubjectID:      req.ReferredUserID,
		ReferralCode:   req.ReferralCode,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if out.Accepted && !out.Replayed {
		status = http.StatusCreated
	}
	writeJSON(w, status, RecordEventResponse{Success: true, Outcome: out})
}

// RegisterReferralCode assigns a code to a user.
func (h *Handler) RegisterReferralCode(w http.ResponseWriter, r *http.Request) {
	var req RegisterCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	code, err := h.Recorder.RegisterReferralCode(r.Context(), req.UserID, req.Code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": string(req.UserID), "code": code})
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// DispatchJob creates a pending job and debits its cost.
func (h *Handler) DispatchJob(w http.ResponseWriter, r *http.Request) {
	var req DispatchJobRequest
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	job, replayed, err := h.Tracker.Dispatch(r.Context(), jobs.DispatchRequest{
		UserID:         req.UserID,
		Type:           req.Type,
		Cost:           req.Cost,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, createdOrReplayed(replayed), JobResponse{
		Success:  true,
		Applied:  !replayed,
		Replayed: replayed,
		Job:      toJobDTO(job),
	})
}

// GetJob returns a job by id.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Tracker.Job(r.Context(), credits.JobID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(*job))
}

// StartJob marks a pending job running.
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	out, err := h.Tracker.Start(r.Context(), credits.JobID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(out))
}

// CancelJob cancels a pending job.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	out, err := h.Tracker.Cancel(r.Context(), credits.JobID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(out))
}

// =============================================================================
// SIGNED CALLBACKS
// =============================================================================

func readRawBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, credits.Validationf("unreadable request body")
	}
	return body, nil
}

// JobCallback finalizes a job from a signed worker callback. Applied and
// benign replays both answer 200.
func (h *Handler) JobCallback(w http.ResponseWriter, r *http.Request) {
	body, err := readRawBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.Tracker.HandleCallback(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(out))
}

// PurchaseWebhook grants purchased credits from a signed checkout event.
func (h *Handler) PurchaseWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Billing == nil {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: ErrorDetail{Code: credits.CodeNotFound, Message: "purchase webhook disabled"}})
		return
	}
	body, err := readRawBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.Billing.HandleWebhook(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunAudit performs a sweep on demand. It never repairs anything.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Auditor.Audit(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// LatestAudit returns the last scheduled sweep.
func (h *Handler) LatestAudit(w http.ResponseWriter, r *http.Request) {
	var latest *audit.Report
	if h.Scheduler != nil {
		latest = h.Scheduler.Latest()
	}
	if latest == nil {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: ErrorDetail{Code: credits.CodeNotFound, Message: "no scheduled audit has completed"}})
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

// CreateAdjustment applies an operator correction as an admin_adjustment entry.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Mutator.Apply(r.Context(), credits.Mutation{
		UserID:         userParam(r),
		Delta:          req.Delta,
		Kind:           credits.KindAdminAdjustment,
		Bucket:         credits.Bucket(req.Bucket),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		Reason:         req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.Logger.Info("admin adjustment",
		zap.String("user_id", string(res.UserID)),
		zap.String("delta", req.Delta.String()),
		zap.String("reason", req.Reason),
		zap.Bool("replayed", res.Replayed))
	writeJSON(w, createdOrReplayed(res.Replayed), toMutationResponse(res))
}

// ResetSubscriptionCycle sets the subscription bucket for a new cycle.
func (h *Handler) ResetSubscriptionCycle(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionCycleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Mutator.ResetSubscriptionCycle(r.Context(), userParam(r), req.Allowance, req.CycleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, createdOrReplayed(res.Replayed), toMutationResponse(res))
}

// CloseWallet zeroes a deleted account's balances. The wallet row is kept.
func (h *Handler) CloseWallet(w http.ResponseWriter, r *http.Request) {
	res, err := h.Mutator.CloseWallet(r.Context(), userParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationResponse(res))
}
