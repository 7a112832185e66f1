package jobs

import (
	"fmt"

	"github.com/mealplan/credit-engine/credits"
	"github.com/shopspring/decimal"
)

// RefundPolicy decides how much of a job's cost is returned when it ends in
// error or is canceled. It never sees successful jobs.
type RefundPolicy interface {
	Name() string
	Refund(job credits.JobRecord) credits.Amount
}

// NoRefund keeps the cost in every case. Failed work may already have
// consumed external resources.
type NoRefund struct{}

func (NoRefund) Name() string                            { return "none" }
func (NoRefund) Refund(credits.JobRecord) credits.Amount { return credits.ZeroAmount() }

// FullRefund returns the whole cost.
type FullRefund struct{}

func (FullRefund) Name() string                                { return "full" }
func (FullRefund) Refund(job credits.JobRecord) credits.Amount { return job.Cost }

// PartialRefund returns Ratio of the cost for failed jobs. A job canceled
// before it started never ran, so it gets the full cost back.
type PartialRefund struct {
	Ratio decimal.Decimal
}

func (PartialRefund) Name() string { return "partial" }

func (p PartialRefund) Refund(job credits.JobRecord) credits.Amount {
	if job.Status == credits.JobCanceled {
		return job.Cost
	}
	return credits.AmountOf(job.Cost.Mul(p.Ratio).Decimal.Round(4))
}

// ParseRefundPolicy builds a policy from its config name.
func ParseRefundPolicy(name string, ratio float64) (RefundPolicy, error) {
	switch name {
	case "", "none":
		return NoRefund{}, nil
	case "full":
		return FullRefund{}, nil
	case "partial":
		if ratio < 0 || ratio > 1 {
			return nil, fmt.Errorf("refund ratio %v outside [0,1]", ratio)
		}
		return PartialRefund{Ratio: decimal.NewFromFloat(ratio)}, nil
	}
	return nil, fmt.Errorf("unknown refund policy %q", name)
}
