// Package billing converts signed checkout notifications from the payment
// provider into lifetime-credit grants.
package billing

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mealplan/credit-engine/credits"
	"github.com/mealplan/credit-engine/signature"
	"go.uber.org/zap"
)

// StatusComplete is the only checkout status that grants credits.
const StatusComplete = "complete"

// scopeGrant namespaces the ledger entry of a purchase. Caller mutations
// cannot use it, so a caller key never pre-empts a grant.
const scopeGrant = "purchase.grant"

// PurchaseEvent is the webhook body posted by the payment provider.
type PurchaseEvent struct {
	CheckoutSessionID string         `json:"checkout_session_id" validate:"required,max=200"`
	UserID            credits.UserID `json:"user_id" validate:"required,max=128"`
	Credits           credits.Amount `json:"credits"`
	Status            string         `json:"status" validate:"required,max=32"`
}

// Outcome reports what a delivery did.
type Outcome struct {
	Granted  bool            `json:"granted"`
	Replayed bool            `json:"replayed"`
	Status   string          `json:"status"`
	Result   *credits.Result `json:"result,omitempty"`
}

// grant is what the guard records for a checkout session.
type grant struct {
	UserID  credits.UserID `json:"user_id"`
	Credits credits.Amount `json:"credits"`
	Result  credits.Result `json:"result"`
}

type Service struct {
	Store   credits.Store
	Mutator *credits.Mutator
	Guard   *credits.Guard
	Secret  []byte
	Logger  *zap.Logger
}

func NewService(store credits.Store, mutator *credits.Mutator, secret []byte) *Service {
	return &Service{
		Store:   store,
		Mutator: mutator,
		Guard:   mutator.Guard,
		Secret:  secret,
		Logger:  zap.NewNop(),
	}
}

var validate = credits.NewValidator()

// HandleWebhook verifies the raw body against its signature header, then
// applies the purchase. Provider payloads may carry extra fields; they are
// ignored.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signatureHeader string) (Outcome, error) {
	if err := signature.Verify(s.Secret, body, signatureHeader); err != nil {
		s.Logger.Warn("purchase webhook rejected", zap.String("reason", "signature"))
		return Outcome{}, err
	}
	var ev PurchaseEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Outcome{}, credits.Validationf("invalid purchase body: %v", err)
	}
	return s.ApplyPurchase(ctx, ev)
}

// ApplyPurchase grants ev.Credits to the lifetime bucket once per checkout
// session. Non-complete statuses are acknowledged without a grant.
func (s *Service) ApplyPurchase(ctx context.Context, ev PurchaseEvent) (Outcome, error) {
	if err := validate.Struct(ev); err != nil {
		return Outcome{}, credits.InvalidFields("invalid purchase", err)
	}
	status := strings.ToLower(strings.TrimSpace(ev.Status))
	if status != StatusComplete {
		s.Logger.Info("purchase ignored",
			zap.String("checkout_session_id", ev.CheckoutSessionID),
			zap.String("status", status))
		return Outcome{Status: status}, nil
	}
	if !ev.Credits.IsPositive() {
		return Outcome{}, credits.Validationf("credits must be positive")
	}

	var (
		g        grant
		replayed bool
	)
	err := s.Store.WithTx(ctx, func(tx credits.Tx) error {
		var err error
		g, replayed, err = credits.Once(ctx, s.Guard, tx, credits.ScopePurchase, ev.CheckoutSessionID, func() (grant, error) {
			res, err := s.Mutator.ApplyTx(ctx, tx, credits.Mutation{
				UserID:         ev.UserID,
				Delta:          ev.Credits,
				Kind:           credits.KindPurchase,
				Bucket:         credits.BucketLifetime,
				IdempotencyKey: "checkout:" + ev.CheckoutSessionID,
				Scope:          scopeGrant,
				Reason:         "credit pack purchase",
				Metadata:       map[string]string{"checkout_session_id": ev.CheckoutSessionID},
			})
			if err != nil {
				return grant{}, err
			}
			return grant{UserID: ev.UserID, Credits: ev.Credits, Result: res}, nil
		})
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	if replayed && (g.UserID != ev.UserID || !g.Credits.Equal(ev.Credits.Decimal)) {
		s.Logger.Warn("purchase replay differs from first delivery",
			zap.String("checkout_session_id", ev.CheckoutSessionID))
		return Outcome{}, credits.ErrIdempotencyMismatch
	}

	res := g.Result
	res.Replayed = replayed
	if !replayed {
		s.Logger.Info("purchase granted",
			zap.String("checkout_session_id", ev.CheckoutSessionID),
			zap.String("user_id", string(ev.UserID)),
			zap.String("credits", ev.Credits.String()))
	}
	return Outcome{Granted: true, Replayed: replayed, Status: status, Result: &res}, nil
}
