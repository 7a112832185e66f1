// Package store provides an in-memory credits.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mealplan/credit-engine/credits"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes every transaction behind one mutex and rolls back by
// restoring a snapshot, which gives the same guarantees the SQL stores give
// with row locks and unique indexes.
type Memory struct {
	mu    sync.RWMutex
	state state

	unavailable bool
}

type state struct {
	wallets     map[credits.UserID]credits.Wallet
	entries     map[credits.UserID][]credits.LedgerEntry
	entryKeys   map[string]bool
	idempotency map[idemKey][]byte
	events      []credits.EventRecord
	eventKeys   map[string]bool
	codes       map[string]credits.UserID
	jobs        map[credits.JobID]credits.JobRecord
	jobKeys     map[string]credits.JobID
}

type idemKey struct {
	Scope string
	Key   string
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

func newState() state {
	return state{
		wallets:     make(map[credits.UserID]credits.Wallet),
		entries:     make(map[credits.UserID][]credits.LedgerEntry),
		entryKeys:   make(map[string]bool),
		idempotency: make(map[idemKey][]byte),
		eventKeys:   make(map[string]bool),
		codes:       make(map[string]credits.UserID),
		jobs:        make(map[credits.JobID]credits.JobRecord),
		jobKeys:     make(map[string]credits.JobID),
	}
}

// SetUnavailable makes every call fail with ErrStoreUnavailable, simulating
// an unreachable database.
func (m *Memory) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(credits.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return credits.ErrStoreUnavailable
	}

	snapshot := m.state.clone()
	if err := fn(&memoryTx{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = append([]credits.LedgerEntry(nil), v...)
	}
	for k, v := range s.entryKeys {
		c.entryKeys[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	c.events = append([]credits.EventRecord(nil), s.events...)
	for k, v := range s.eventKeys {
		c.eventKeys[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.jobKeys {
		c.jobKeys[k] = v
	}
	return c
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetWallet(_ context.Context, userID credits.UserID) (*credits.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return nil, credits.ErrStoreUnavailable
	}
	w, ok := m.state.wallets[userID]
	if !ok {
		return nil, credits.ErrWalletNotFound
	}
	return &w, nil
}

func (m *Memory) ListEntries(_ context.Context, userID credits.UserID) ([]credits.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return nil, credits.ErrStoreUnavailable
	}
	return append([]credits.LedgerEntry(nil), m.state.entries[userID]...), nil
}

func (m *Memory) GetJob(_ context.Context, id credits.JobID) (*credits.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return nil, credits.ErrStoreUnavailable
	}
	j, ok := m.state.jobs[id]
	if !ok {
		return nil, credits.ErrJobNotFound
	}
	return &j, nil
}

// ListEvents returns every recorded event of a user, oldest first.
func (m *Memory) ListEvents(_ context.Context, userID credits.UserID) ([]credits.EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return nil, credits.ErrStoreUnavailable
	}
	var out []credits.EventRecord
	for _, e := range m.state.events {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// AuditSnapshot reads under one lock, so no commit lands halfway through.
func (m *Memory) AuditSnapshot(_ context.Context) (credits.AuditSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return credits.AuditSnapshot{}, credits.ErrStoreUnavailable
	}
	return credits.AuditSnapshot{
		Wallets:       m.listWallets(),
		LedgerSums:    m.ledgerSums(),
		DuplicateKeys: m.duplicateKeys(),
	}, nil
}

func (m *Memory) listWallets() []credits.Wallet {
	out := make([]credits.Wallet, 0, len(m.state.wallets))
	for _, w := range m.state.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *Memory) ledgerSums() map[credits.UserID]credits.Balances {
	sums := make(map[credits.UserID]credits.Balances)
	for userID, entries := range m.state.entries {
		total := credits.ZeroBalances()
		for _, e := range entries {
			total = total.Add(e.Split)
		}
		sums[userID] = total
	}
	return sums
}

// duplicateKeys recounts entry keys from the entries themselves rather than
// trusting entryKeys, so it reports any drift between the two.
func (m *Memory) duplicateKeys() []credits.DuplicateKey {
	seen := make(map[string]int)
	for _, entries := range m.state.entries {
		for _, e := range entries {
			seen[e.IdempotencyKey]++
		}
	}
	var out []credits.DuplicateKey
	for k, n := range seen {
		if n > 1 {
			out = append(out, credits.DuplicateKey{Table: "ledger_entries", Key: k, Count: n})
		}
	}
	return out
}

// CorruptWallet overwrites a wallet without a ledger entry. Test hook for
// exercising the auditor.
func (m *Memory) CorruptWallet(userID credits.UserID, b credits.Balances) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.state.wallets[userID]
	w.UserID = userID
	w.Balances = b
	m.state.wallets[userID] = w
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memoryTx struct {
	s *state
}

func (tx *memoryTx) InsertIdempotencyKey(_ context.Context, scope, key string, _ time.Time) error {
	k := idemKey{Scope: scope, Key: key}
	if _, ok := tx.s.idempotency[k]; ok {
		return credits.ErrDuplicateIdempotencyKey
	}
	tx.s.idempotency[k] = nil
	return nil
}

func (tx *memoryTx) GetIdempotencyResult(_ context.Context, scope, key string) ([]byte, error) {
	return tx.s.idempotency[idemKey{Scope: scope, Key: key}], nil
}

func (tx *memoryTx) SetIdempotencyResult(_ context.Context, scope, key string, result []byte) error {
	tx.s.idempotency[idemKey{Scope: scope, Key: key}] = result
	return nil
}

func (tx *memoryTx) InsertWallet(_ context.Context, w credits.Wallet) (bool, error) {
	if _, ok := tx.s.wallets[w.UserID]; ok {
		return false, nil
	}
	tx.s.wallets[w.UserID] = w
	return true, nil
}

func (tx *memoryTx) LockWallet(_ context.Context, userID credits.UserID) (*credits.Wallet, error) {
	w, ok := tx.s.wallets[userID]
	if !ok {
		return nil, credits.ErrWalletNotFound
	}
	return &w, nil
}

func (tx *memoryTx) UpdateWallet(_ context.Context, w credits.Wallet) error {
	if _, ok := tx.s.wallets[w.UserID]; !ok {
		return credits.ErrWalletNotFound
	}
	tx.s.wallets[w.UserID] = w
	return nil
}

func (tx *memoryTx) AppendEntry(_ context.Context, e credits.LedgerEntry) error {
	if tx.s.entryKeys[e.IdempotencyKey] {
		return credits.ErrDuplicateIdempotencyKey
	}
	tx.s.entryKeys[e.IdempotencyKey] = true
	tx.s.entries[e.UserID] = append(tx.s.entries[e.UserID], e)
	return nil
}

func (tx *memoryTx) InsertEvent(_ context.Context, e credits.EventRecord) error {
	if tx.s.eventKeys[e.IdempotencyKey] {
		return credits.ErrDuplicateIdempotencyKey
	}
	tx.s.eventKeys[e.IdempotencyKey] = true
	tx.s.events = append(tx.s.events, e)
	return nil
}

func (tx *memoryTx) LastEvent(_ context.Context, userID credits.UserID, eventType string) (*credits.EventRecord, error) {
	for i := len(tx.s.events) - 1; i >= 0; i-- {
		e := tx.s.events[i]
		if e.UserID == userID && e.EventType == eventType {
			return &e, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) CountEvents(_ context.Context, userID credits.UserID, eventType string) (int, error) {
	n := 0
	for _, e := range tx.s.events {
		if e.UserID == userID && e.EventType == eventType {
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) CountEventsSince(_ context.Context, userID credits.UserID, eventType string, since time.Time) (int, error) {
	n := 0
	for _, e := range tx.s.events {
		if e.UserID == userID && e.EventType == eventType && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) InsertReferralCode(_ context.Context, code string, userID credits.UserID) error {
	if owner, ok := tx.s.codes[code]; ok {
		if owner == userID {
			return nil
		}
		return credits.ErrDuplicateIdempotencyKey
	}
	tx.s.codes[code] = userID
	return nil
}

func (tx *memoryTx) ReferralCodeOwner(_ context.Context, code string) (credits.UserID, error) {
	owner, ok := tx.s.codes[code]
	if !ok {
		return "", credits.ErrCodeNotFound
	}
	return owner, nil
}

func (tx *memoryTx) InsertJob(_ context.Context, j credits.JobRecord) error {
	if _, ok := tx.s.jobKeys[j.IdempotencyKey]; ok {
		return credits.ErrDuplicateIdempotencyKey
	}
	tx.s.jobKeys[j.IdempotencyKey] = j.ID
	tx.s.jobs[j.ID] = j
	return nil
}

func (tx *memoryTx) LockJob(_ context.Context, id credits.JobID) (*credits.JobRecord, error) {
	j, ok := tx.s.jobs[id]
	if !ok {
		return nil, credits.ErrJobNotFound
	}
	return &j, nil
}

func (tx *memoryTx) GetJobByKey(_ context.Context, key string) (*credits.JobRecord, error) {
	id, ok := tx.s.jobKeys[key]
	if !ok {
		return nil, credits.ErrJobNotFound
	}
	j := tx.s.jobs[id]
	return &j, nil
}

func (tx *memoryTx) UpdateJob(_ context.Context, j credits.JobRecord) error {
	if _, ok := tx.s.jobs[j.ID]; !ok {
		return credits.ErrJobNotFound
	}
	tx.s.jobs[j.ID] = j
	return nil
}
