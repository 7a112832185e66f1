/*
store.go - Transactional store contract

PURPOSE:
  Defines the interface between the protocol logic and the database.
  The protocol never locks anything in process; every serialization
  guarantee comes from the store's transactions and unique constraints.

KEY INTERFACES:
  Store: Opens transactions and serves read-only queries
  Tx:    Everything that may happen inside one transaction

CONTRACT FOR IMPLEMENTATIONS:
  - WithTx runs fn atomically: all writes commit together or none do.
  - Two transactions touching the same wallet must be serialized
    (SELECT ... FOR UPDATE, BEGIN IMMEDIATE, or a global lock).
  - InsertIdempotencyKey, AppendEntry, InsertEvent and InsertJob must
    enforce uniqueness at the storage level and return
    ErrDuplicateIdempotencyKey on conflict.
  - Driver errors are translated; ErrStoreUnavailable when unreachable.
  - Ledger entries have no update or delete path.

IMPLEMENTATIONS:
  - credits/store/memory.go: In-memory, snapshot + rollback
  - store/sqlite/sqlite.go: SQLite via database/sql

SEE ALSO:
  - guard.go, mutator.go: Main consumers
*/
package credits

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// Store opens transactions and answers read-only queries.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// GetWallet returns ErrWalletNotFound for unknown users.
	GetWallet(ctx context.Context, userID UserID) (*Wallet, error)

	// ListEntries returns a user's ledger entries oldest first.
	ListEntries(ctx context.Context, userID UserID) ([]LedgerEntry, error)

	GetJob(ctx context.Context, id JobID) (*JobRecord, error)

	// ListEvents returns a user's recorded events oldest first.
	ListEvents(ctx context.Context, userID UserID) ([]EventRecord, error)

	AuditReader
}

// AuditReader is the read-only surface used by the consistency auditor.
type AuditReader interface {
	// AuditSnapshot reads wallets, ledger sums and duplicate keys from one
	// consistent view: a concurrent commit is seen by all three or by none.
	AuditSnapshot(ctx context.Context) (AuditSnapshot, error)
}

// AuditSnapshot is everything one audit sweep compares.
type AuditSnapshot struct {
	Wallets []Wallet
	// LedgerSums is the per-bucket sum of all entry splits for each user.
	LedgerSums map[UserID]Balances
	// DuplicateKeys lists keys that appear more than once in a keyed table.
	// Always empty when constraints hold.
	DuplicateKeys []DuplicateKey
}

// DuplicateKey is a key that slipped past a uniqueness constraint.
type DuplicateKey struct {
	Table string `json:"table"`
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// =============================================================================
// TRANSACTION
// =============================================================================

// Tx is the set of operations available inside one transaction.
type Tx interface {
	// Idempotency keys
	InsertIdempotencyKey(ctx context.Context, scope, key string, at time.Time) error
	GetIdempotencyResult(ctx context.Context, scope, key string) ([]byte, error)
	SetIdempotencyResult(ctx context.Context, scope, key string, result []byte) error

	// Wallets and ledger
	InsertWallet(ctx context.Context, w Wallet) (created bool, err error)
	// LockWallet reads the wallet and serializes later writers on it until
	// the transaction ends.
	LockWallet(ctx context.Context, userID UserID) (*Wallet, error)
	UpdateWallet(ctx context.Context, w Wallet) error
	AppendEntry(ctx context.Context, e LedgerEntry) error

	// Events
	InsertEvent(ctx context.Context, e EventRecord) error
	LastEvent(ctx context.Context, userID UserID, eventType string) (*EventRecord, error)
	CountEvents(ctx context.Context, userID UserID, eventType string) (int, error)
	CountEventsSince(ctx context.Context, userID UserID, eventType string, since time.Time) (int, error)
	InsertReferralCode(ctx context.Context, code string, userID UserID) error
	ReferralCodeOwner(ctx context.Context, code string) (UserID, error)

	// Jobs
	InsertJob(ctx context.Context, j JobRecord) error
	LockJob(ctx context.Context, id JobID) (*JobRecord, error)
	GetJobByKey(ctx context.Context, idempotencyKey string) (*JobRecord, error)
	UpdateJob(ctx context.Context, j JobRecord) error
}
