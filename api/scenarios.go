/*
scenarios.go - Demo scenario loaders for development

PURPOSE:

	Populates the store with realistic activity for demos and manual
	testing. Every step goes through the real services (mutator, recorder,
	tracker), so scenarios double as end-to-end smoke tests.

AVAILABLE SCENARIOS:

	feature-debit:  Subscription + purchased credits, a 7-credit debit that
	                drains subscription first
	referral:       Referral code, signup and qualification of a friend
	engaged-cook:   Ten completed days in a row, earning the first badge
	failed-job:     Paid menu generation that fails; refund per policy

IDEMPOTENCY:

	Every step uses a fixed idempotency key. Loading a scenario twice
	replays each step and changes nothing; the response reports how many
	steps were replayed.

USAGE VIA API (app.env=dev only, admin token):

	GET  /api/dev/scenarios
	POST /api/dev/scenarios/load
	{"scenario_id": "feature-debit"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx) (int, error)
 3. Add case to LoadScenario handler
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mealplan/credit-engine/credits"
	"github.com/mealplan/credit-engine/events"
	"github.com/mealplan/credit-engine/jobs"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "feature-debit",
		Name:        "Feature Debit",
		Description: "5 subscription + 10 purchased credits, then a 7-credit feature use",
		Category:    "credits",
	},
	{
		ID:          "referral",
		Name:        "Referral",
		Description: "Referral code registered, friend signs up and qualifies",
		Category:    "events",
	},
	{
		ID:          "engaged-cook",
		Name:        "Engaged Cook",
		Description: "Ten completed meal-plan days, first milestone badge",
		Category:    "events",
	},
	{
		ID:          "failed-job",
		Name:        "Failed Job",
		Description: "Paid menu generation fails; refund follows the configured policy",
		Category:    "jobs",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	ctx := r.Context()
	var (
		replayed int
		err      error
	)
	switch req.ScenarioID {
	case "feature-debit":
		replayed, err = h.loadFeatureDebitScenario(ctx)
	case "referral":
		replayed, err = h.loadReferralScenario(ctx)
	case "engaged-cook":
		replayed, err = h.loadEngagedCookScenario(ctx)
	case "failed-job":
		replayed, err = h.loadFailedJobScenario(ctx)
	default:
		h.fail(w, r, credits.Validationf("unknown scenario %q", req.ScenarioID))
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.Logger.Info("scenario loaded",
		zap.String("scenario", req.ScenarioID),
		zap.Int("replayed_steps", replayed))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "loaded",
		"scenario":       req.ScenarioID,
		"replayed_steps": replayed,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// steps counts replayed operations across a loader.
type steps struct {
	replayed int
}

func (s *steps) track(replayed bool) {
	if replayed {
		s.replayed++
	}
}

func (h *Handler) provision(ctx context.Context, users ...credits.UserID) error {
	for _, u := range users {
		if _, err := h.Mutator.Provision(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadFeatureDebitScenario(ctx context.Context) (int, error) {
	const sam = credits.UserID("demo-sam")
	var s steps

	if err := h.provision(ctx, sam); err != nil {
		return 0, err
	}
	res, err := h.Mutator.ResetSubscriptionCycle(ctx, sam, credits.NewAmount(5), "demo-cycle-1")
	if err != nil {
		return 0, err
	}
	s.track(res.Replayed)

	res, err = h.Mutator.Apply(ctx, credits.Mutation{
		UserID:         sam,
		Delta:          credits.NewAmount(10),
		Kind:           credits.KindPurchase,
		IdempotencyKey: "checkout:cs_demo_sam",
		Reason:         "credit pack purchase",
	})
	if err != nil {
		return 0, err
	}
	s.track(res.Replayed)

	res, err = h.Mutator.Apply(ctx, credits.Mutation{
		UserID:         sam,
		Delta:          credits.NewAmount(-7),
		Kind:           credits.KindFeatureDebit,
		IdempotencyKey: "demo-sam-menu-1",
		Reason:         "weekly menu",
	})
	if err != nil {
		return 0, err
	}
	s.track(res.Replayed)
	return s.replayed, nil
}

func (h *Handler) loadReferralScenario(ctx context.Context) (int, error) {
	const (
		rita = credits.UserID("demo-rita")
		ned  = credits.UserID("demo-ned")
	)
	var s steps

	if err := h.provision(ctx, rita, ned); err != nil {
		return 0, err
	}
	if _, err := h.Recorder.RegisterReferralCode(ctx, rita, "RITA2026"); err != nil {
		return 0, err
	}

	inputs := []events.Input{
		{EventType: events.TypeSignup, ReferralCode: "RITA2026", SubjectID: ned,
			IdempotencyKey: "demo-ned-signup", Metadata: json.RawMessage(`{"source":"demo"}`)},
		{EventType: events.TypeQualified, ActorID: rita, SubjectID: ned,
			IdempotencyKey: "demo-ned-qualified", Metadata: json.RawMessage(`{"action":"first_menu"}`)},
	}
	for _, in := range inputs {
		out, err := h.Recorder.RecordEvent(ctx, in)
		if err != nil {
			return 0, err
		}
		s.track(out.Replayed || !out.Accepted)
	}
	return s.replayed, nil
}

func (h *Handler) loadEngagedCookScenario(ctx context.Context) (int, error) {
	const cora = credits.UserID("demo-cora")
	var s steps

	if err := h.provision(ctx, cora); err != nil {
		return 0, err
	}
	for day := 1; day <= 10; day++ {
		out, err := h.Recorder.RecordEvent(ctx, events.Input{
			EventType:      events.TypeDayCompleted,
			ActorID:        cora,
			IdempotencyKey: fmt.Sprintf("demo-cora-day-%02d", day),
			Metadata:       json.RawMessage(fmt.Sprintf(`{"date":"2026-09-%02d"}`, day)),
		})
		if err != nil {
			return 0, err
		}
		s.track(out.Replayed)
	}
	return s.replayed, nil
}

func (h *Handler) loadFailedJobScenario(ctx context.Context) (int, error) {
	const jo = credits.UserID("demo-jo")
	var s steps

	if err := h.provision(ctx, jo); err != nil {
		return 0, err
	}
	res, err := h.Mutator.Apply(ctx, credits.Mutation{
		UserID:         jo,
		Delta:          credits.NewAmount(10),
		Kind:           credits.KindPurchase,
		IdempotencyKey: "checkout:cs_demo_jo",
	})
	if err != nil {
		return 0, err
	}
	s.track(res.Replayed)

	job, replayed, err := h.Tracker.Dispatch(ctx, jobs.DispatchRequest{
		UserID:         jo,
		Type:           "menu_generation",
		Cost:           credits.NewAmount(4),
		IdempotencyKey: "demo-jo-menu-1",
	})
	if err != nil {
		return 0, err
	}
	s.track(replayed)

	out, err := h.Tracker.Finalize(ctx, jobs.Callback{
		JobID:          job.ID,
		Status:         string(credits.JobError),
		Error:          "recipe provider timed out",
		IdempotencyKey: job.IdempotencyKey,
	})
	if err != nil {
		return 0, err
	}
	s.track(!out.Applied)
	return s.replayed, nil
}
