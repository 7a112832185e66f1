/*
Package audit provides the Consistency Auditor.

The auditor is a read-only sweep over the ledger store. It reports three
classes of finding and never repairs any of them:

	negative balances   a wallet bucket below zero
	duplicate keys      an idempotency key stored twice in one table
	mismatches          a wallet bucket that differs from the sum of its
	                    ledger splits

Findings are surfaced to operators through the admin endpoint and the
scheduler's CONSISTENCY_VIOLATION log lines.
*/
package audit

import (
	"context"
	"sort"
	"time"

	"github.com/mealplan/credit-engine/credits"
	"go.uber.org/zap"
)

// NegativeBalance is a wallet bucket below zero.
type NegativeBalance struct {
	UserID credits.UserID `json:"user_id"`
	Bucket credits.Bucket `json:"bucket"`
	Amount credits.Amount `json:"amount"`
}

// Mismatch is a wallet bucket that disagrees with its ledger.
type Mismatch struct {
	UserID    credits.UserID `json:"user_id"`
	Bucket    credits.Bucket `json:"bucket"`
	Wallet    credits.Amount `json:"wallet"`
	LedgerSum credits.Amount `json:"ledger_sum"`
	Drift     credits.Amount `json:"drift"`
}

// Report is the result of one sweep.
type Report struct {
	IsConsistent     bool                   `json:"is_consistent"`
	NegativeBalances []NegativeBalance      `json:"negative_balances"`
	DuplicateKeys    []credits.DuplicateKey `json:"duplicate_idempotency_keys"`
	Mismatches       []Mismatch             `json:"wallet_ledger_mismatches"`
	WalletsChecked   int                    `json:"wallets_checked"`
	CheckedAt        time.Time              `json:"checked_at"`
}

// Findings is the total number of violations in the report.
func (r Report) Findings() int {
	return len(r.NegativeBalances) + len(r.DuplicateKeys) + len(r.Mismatches)
}

var buckets = []credits.Bucket{credits.BucketSubscription, credits.BucketLifetime, credits.BucketPoints}

// Auditor sweeps a store for consistency violations.
type Auditor struct {
	Reader credits.AuditReader
	Logger *zap.Logger
	Now    func() time.Time
}

func NewAuditor(reader credits.AuditReader) *Auditor {
	return &Auditor{Reader: reader, Logger: zap.NewNop(), Now: time.Now}
}

// Audit runs one sweep. Store errors are returned; violations are not errors.
func (a *Auditor) Audit(ctx context.Context) (Report, error) {
	snap, err := a.Reader.AuditSnapshot(ctx)
	if err != nil {
		return Report{}, err
	}
	wallets, sums, dups := snap.Wallets, snap.LedgerSums, snap.DuplicateKeys

	report := Report{
		NegativeBalances: []NegativeBalance{},
		DuplicateKeys:    []credits.DuplicateKey{},
		Mismatches:       []Mismatch{},
		WalletsChecked:   len(wallets),
		CheckedAt:        a.Now().UTC(),
	}
	report.DuplicateKeys = append(report.DuplicateKeys, dups...)

	seen := make(map[credits.UserID]bool, len(wallets))
	for _, w := range wallets {
		seen[w.UserID] = true
		sum, ok := sums[w.UserID]
		if !ok {
			sum = credits.ZeroBalances()
		}
		for _, b := range buckets {
			have := w.Balances.Get(b)
			if have.IsNegative() {
				report.NegativeBalances = append(report.NegativeBalances, NegativeBalance{
					UserID: w.UserID, Bucket: b, Amount: have,
				})
			}
			want := sum.Get(b)
			if !have.Equal(want.Decimal) {
				report.Mismatches = append(report.Mismatches, Mismatch{
					UserID: w.UserID, Bucket: b, Wallet: have, LedgerSum: want, Drift: have.Sub(want),
				})
			}
		}
	}

	// Entries whose wallet row is gone drift against an implicit zero wallet.
	for userID, sum := range sums {
		if seen[userID] {
			continue
		}
		for _, b := range buckets {
			want := sum.Get(b)
			if want.IsZero() {
				continue
			}
			zero := credits.ZeroAmount()
			report.Mismatches = append(report.Mismatches, Mismatch{
				UserID: userID, Bucket: b, Wallet: zero, LedgerSum: want, Drift: zero.Sub(want),
			})
		}
	}

	sort.Slice(report.Mismatches, func(i, j int) bool {
		if report.Mismatches[i].UserID != report.Mismatches[j].UserID {
			return report.Mismatches[i].UserID < report.Mismatches[j].UserID
		}
		return report.Mismatches[i].Bucket < report.Mismatches[j].Bucket
	})
	report.IsConsistent = report.Findings() == 0
	return report, nil
}
