/*
Package sqlite provides a SQLite-backed implementation of credits.Store.

PURPOSE:
  Persists wallets, the append-only ledger, idempotency keys, events and
  jobs. The same queries port to PostgreSQL with minor dialect changes;
  LockWallet would become SELECT ... FOR UPDATE there.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_entries in this package
  - Triggers abort any UPDATE/DELETE issued by other clients

KEY TABLES:
  wallets:          Current balances (one row per user)
  ledger_entries:   Immutable ledger, idempotency_key UNIQUE
  idempotency_keys: Guard table, PRIMARY KEY (scope, key)
  events:           Accepted gamification/referral events
  jobs:             Externally executed work

CONCURRENCY:
  No in-process locking. Transactions open with BEGIN IMMEDIATE
  (_txlock=immediate) so a writer holds the database write lock from its
  first read; two debits against the same wallet cannot both read a stale
  balance. busy_timeout makes contending writers wait instead of failing.

MIGRATION:
  Schema is versioned with golang-migrate from embedded SQL files and
  applied on New().

USAGE:
  store, err := sqlite.New("./data/credits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  mutator := credits.NewMutator(store)

SEE ALSO:
  - credits/store.go: Interface definitions
  - credits/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
	"github.com/mealplan/credit-engine/credits"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements credits.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every new connection to :memory: is a separate, empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", credits.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	drv, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return err
	}
	// m.Close would close s.db through the driver, so it is not called.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTIONS (credits.Store)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(credits.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// Closed pool, unopenable file or lock timeout: nothing was written.
		return fmt.Errorf("begin transaction: %w: %v", credits.ErrStoreUnavailable, err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return translate(err, "commit transaction")
	}
	return nil
}

type txStore struct {
	q querier
}

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

func (t *txStore) InsertIdempotencyKey(ctx context.Context, scope, key string, at time.Time) error {
	_, err := t.q.ExecContext(ctx,
		"INSERT INTO idempotency_keys (scope, key, created_at) VALUES (?, ?, ?)",
		scope, key, formatTime(at),
	)
	return translate(err, "insert idempotency key")
}

func (t *txStore) GetIdempotencyResult(ctx context.Context, scope, key string) ([]byte, error) {
	var result []byte
	err := t.q.QueryRowContext(ctx,
		"SELECT result FROM idempotency_keys WHERE scope = ? AND key = ?",
		scope, key,
	).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return result, translate(err, "get idempotency result")
}

func (t *txStore) SetIdempotencyResult(ctx context.Context, scope, key string, result []byte) error {
	_, err := t.q.ExecContext(ctx,
		"UPDATE idempotency_keys SET result = ? WHERE scope = ? AND key = ?",
		result, scope, key,
	)
	return translate(err, "set idempotency result")
}

// =============================================================================
// WALLETS & LEDGER
// =============================================================================

func (t *txStore) InsertWallet(ctx context.Context, w credits.Wallet) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance_subscription, balance_lifetime, points_total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		w.UserID,
		w.Balances.Subscription.String(),
		w.Balances.Lifetime.String(),
		w.Balances.Points.String(),
		formatTime(w.CreatedAt),
		formatTime(w.UpdatedAt),
	)
	if err != nil {
		return false, translate(err, "insert wallet")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, translate(err, "insert wallet")
	}
	return n > 0, nil
}

// LockWallet reads the wallet. The IMMEDIATE transaction already holds the
// write lock, so no other writer can change it before commit.
func (t *txStore) LockWallet(ctx context.Context, userID credits.UserID) (*credits.Wallet, error) {
	return getWallet(ctx, t.q, userID)
}

func (t *txStore) UpdateWallet(ctx context.Context, w credits.Wallet) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE wallets
		SET balance_subscription = ?, balance_lifetime = ?, points_total = ?, updated_at = ?
		WHERE user_id = ?`,
		w.Balances.Subscription.String(),
		w.Balances.Lifetime.String(),
		w.Balances.Points.String(),
		formatTime(w.UpdatedAt),
		w.UserID,
	)
	if err != nil {
		return translate(err, "update wallet")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err, "update wallet")
	}
	if n == 0 {
		return credits.ErrWalletNotFound
	}
	return nil
}

func (t *txStore) AppendEntry(ctx context.Context, e credits.LedgerEntry) error {
	var metadataJSON []byte
	if len(e.Metadata) > 0 {
		var err error
		if metadataJSON, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("%w: encode entry metadata: %v", credits.ErrTransactionFailed, err)
		}
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, user_id, kind, delta, split_subscription, split_lifetime, split_points,
		 resulting_subscription, resulting_lifetime, resulting_points,
		 idempotency_key, reason, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.UserID,
		e.Kind,
		e.Delta.String(),
		e.Split.Subscription.String(),
		e.Split.Lifetime.String(),
		e.Split.Points.String(),
		e.Resulting.Subscription.String(),
		e.Resulting.Lifetime.String(),
		e.Resulting.Points.String(),
		e.IdempotencyKey,
		nullString(e.Reason),
		nullString(string(metadataJSON)),
		formatTime(e.CreatedAt),
	)
	return translate(err, "append ledger entry")
}

// =============================================================================
// EVENTS
// =============================================================================

func (t *txStore) InsertEvent(ctx context.Context, e credits.EventRecord) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO events (id, user_id, subject_id, event_type, metadata_json, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, nullString(string(e.SubjectID)), e.EventType,
		nullString(string(e.Metadata)), e.IdempotencyKey, formatTime(e.CreatedAt),
	)
	return translate(err, "insert event")
}

func (t *txStore) LastEvent(ctx context.Context, userID credits.UserID, eventType string) (*credits.EventRecord, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, user_id, subject_id, event_type, metadata_json, idempotency_key, created_at
		FROM events
		WHERE user_id = ? AND event_type = ?
		ORDER BY rowid DESC
		LIMIT 1`,
		userID, eventType,
	)
	if err != nil {
		return nil, translate(err, "query last event")
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, translate(rows.Err(), "query last event")
	}
	e, err := scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *txStore) CountEvents(ctx context.Context, userID credits.UserID, eventType string) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE user_id = ? AND event_type = ?",
		userID, eventType,
	).Scan(&n)
	return n, translate(err, "count events")
}

func (t *txStore) CountEventsSince(ctx context.Context, userID credits.UserID, eventType string, since time.Time) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE user_id = ? AND event_type = ? AND created_at >= ?",
		userID, eventType, formatTime(since),
	).Scan(&n)
	return n, translate(err, "count events")
}

func (t *txStore) InsertReferralCode(ctx context.Context, code string, userID credits.UserID) error {
	if _, err := t.q.ExecContext(ctx,
		"INSERT INTO referral_codes (code, user_id) VALUES (?, ?) ON CONFLICT(code) DO NOTHING",
		code, userID,
	); err != nil {
		return translate(err, "insert referral code")
	}
	owner, err := t.ReferralCodeOwner(ctx, code)
	if err != nil {
		return err
	}
	if owner != userID {
		return credits.ErrDuplicateIdempotencyKey
	}
	return nil
}

func (t *txStore) ReferralCodeOwner(ctx context.Context, code string) (credits.UserID, error) {
	var owner string
	err := t.q.QueryRowContext(ctx,
		"SELECT user_id FROM referral_codes WHERE code = ?", code,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", credits.ErrCodeNotFound
	}
	if err != nil {
		return "", translate(err, "get referral code")
	}
	return credits.UserID(owner), nil
}

// =============================================================================
// JOBS
// =============================================================================

const jobColumns = `id, user_id, type, idempotency_key, status, cost, result_json, error, created_at, updated_at, finished_at`

func (t *txStore) InsertJob(ctx context.Context, j credits.JobRecord) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.UserID, j.Type, j.IdempotencyKey, j.Status, j.Cost.String(),
		nullString(string(j.Result)), nullString(j.Error),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt), nullTime(j.FinishedAt),
	)
	return translate(err, "insert job")
}

func (t *txStore) LockJob(ctx context.Context, id credits.JobID) (*credits.JobRecord, error) {
	return getJob(ctx, t.q, "id = ?", id)
}

func (t *txStore) GetJobByKey(ctx context.Context, key string) (*credits.JobRecord, error) {
	return getJob(ctx, t.q, "idempotency_key = ?", key)
}

func (t *txStore) UpdateJob(ctx context.Context, j credits.JobRecord) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result_json = ?, error = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		j.Status, nullString(string(j.Result)), nullString(j.Error),
		formatTime(j.UpdatedAt), nullTime(j.FinishedAt), j.ID,
	)
	if err != nil {
		return translate(err, "update job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err, "update job")
	}
	if n == 0 {
		return credits.ErrJobNotFound
	}
	return nil
}

// =============================================================================
// READS (outside transactions)
// =============================================================================

func (s *Store) GetWallet(ctx context.Context, userID credits.UserID) (*credits.Wallet, error) {
	return getWallet(ctx, s.db, userID)
}

func (s *Store) GetJob(ctx context.Context, id credits.JobID) (*credits.JobRecord, error) {
	return getJob(ctx, s.db, "id = ?", id)
}

func (s *Store) ListEntries(ctx context.Context, userID credits.UserID) ([]credits.LedgerEntry, error) {
	return s.queryEntries(ctx, `
		SELECT id, user_id, kind, delta, split_subscription, split_lifetime, split_points,
		       resulting_subscription, resulting_lifetime, resulting_points,
		       idempotency_key, reason, metadata_json, created_at
		FROM ledger_entries
		WHERE user_id = ?
		ORDER BY rowid ASC`, userID)
}

// ListEvents returns every recorded event of a user, oldest first.
func (s *Store) ListEvents(ctx context.Context, userID credits.UserID) ([]credits.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, subject_id, event_type, metadata_json, idempotency_key, created_at
		FROM events WHERE user_id = ? ORDER BY rowid ASC`, userID)
	if err != nil {
		return nil, translate(err, "list events")
	}
	defer rows.Close()

	var out []credits.EventRecord
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, translate(rows.Err(), "list events")
}

// AuditSnapshot runs the three audit reads inside one transaction.
func (s *Store) AuditSnapshot(ctx context.Context) (credits.AuditSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return credits.AuditSnapshot{}, ctxErr
		}
		return credits.AuditSnapshot{}, fmt.Errorf("begin audit snapshot: %w: %v", credits.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	var snap credits.AuditSnapshot
	if snap.Wallets, err = listWallets(ctx, tx); err != nil {
		return credits.AuditSnapshot{}, err
	}
	if snap.LedgerSums, err = ledgerSums(ctx, tx); err != nil {
		return credits.AuditSnapshot{}, err
	}
	if snap.DuplicateKeys, err = duplicateKeys(ctx, tx); err != nil {
		return credits.AuditSnapshot{}, err
	}
	return snap, nil
}

func (s *Store) ListWallets(ctx context.Context) ([]credits.Wallet, error) {
	return listWallets(ctx, s.db)
}

// LedgerSums returns the per-bucket sum of entry splits for each user.
func (s *Store) LedgerSums(ctx context.Context) (map[credits.UserID]credits.Balances, error) {
	return ledgerSums(ctx, s.db)
}

func (s *Store) DuplicateKeys(ctx context.Context) ([]credits.DuplicateKey, error) {
	return duplicateKeys(ctx, s.db)
}

func listWallets(ctx context.Context, q querier) ([]credits.Wallet, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, balance_subscription, balance_lifetime, points_total, created_at, updated_at
		FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, translate(err, "list wallets")
	}
	defer rows.Close()

	var out []credits.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, translate(rows.Err(), "list wallets")
}

// ledgerSums adds splits in Go: SQLite would coerce TEXT decimals to REAL.
func ledgerSums(ctx context.Context, q querier) (map[credits.UserID]credits.Balances, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT user_id, split_subscription, split_lifetime, split_points FROM ledger_entries")
	if err != nil {
		return nil, translate(err, "sum ledger")
	}
	defer rows.Close()

	sums := make(map[credits.UserID]credits.Balances)
	for rows.Next() {
		var userID, sub, life, pts string
		if err := rows.Scan(&userID, &sub, &life, &pts); err != nil {
			return nil, translate(err, "sum ledger")
		}
		split, err := parseBalances(sub, life, pts)
		if err != nil {
			return nil, err
		}
		cur, ok := sums[credits.UserID(userID)]
		if !ok {
			cur = credits.ZeroBalances()
		}
		sums[credits.UserID(userID)] = cur.Add(split)
	}
	return sums, translate(rows.Err(), "sum ledger")
}

func duplicateKeys(ctx context.Context, q querier) ([]credits.DuplicateKey, error) {
	queries := []struct {
		table string
		query string
	}{
		{"ledger_entries", "SELECT idempotency_key, COUNT(*) FROM ledger_entries GROUP BY idempotency_key HAVING COUNT(*) > 1"},
		{"idempotency_keys", "SELECT scope || ':' || key, COUNT(*) FROM idempotency_keys GROUP BY scope, key HAVING COUNT(*) > 1"},
		{"events", "SELECT idempotency_key, COUNT(*) FROM events GROUP BY idempotency_key HAVING COUNT(*) > 1"},
		{"jobs", "SELECT idempotency_key, COUNT(*) FROM jobs GROUP BY idempotency_key HAVING COUNT(*) > 1"},
	}

	var out []credits.DuplicateKey
	for _, dq := range queries {
		rows, err := q.QueryContext(ctx, dq.query)
		if err != nil {
			return nil, translate(err, "scan duplicate keys")
		}
		for rows.Next() {
			d := credits.DuplicateKey{Table: dq.table}
			if err := rows.Scan(&d.Key, &d.Count); err != nil {
				rows.Close()
				return nil, translate(err, "scan duplicate keys")
			}
			out = append(out, d)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, translate(err, "scan duplicate keys")
		}
	}
	return out, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]credits.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err, "query ledger entries")
	}
	defer rows.Close()

	var entries []credits.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, translate(rows.Err(), "query ledger entries")
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func getWallet(ctx context.Context, q querier, userID credits.UserID) (*credits.Wallet, error) {
	row := q.QueryRowContext(ctx, `
		SELECT user_id, balance_subscription, balance_lifetime, points_total, created_at, updated_at
		FROM wallets WHERE user_id = ?`, userID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrWalletNotFound
	}
	return w, err
}

func scanWallet(row scanner) (*credits.Wallet, error) {
	var (
		w                    credits.Wallet
		sub, life, pts       string
		createdAt, updatedAt string
	)
	if err := row.Scan(&w.UserID, &sub, &life, &pts, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, translate(err, "scan wallet")
	}
	b, err := parseBalances(sub, life, pts)
	if err != nil {
		return nil, err
	}
	w.Balances = b
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

func scanEntry(row scanner) (credits.LedgerEntry, error) {
	var (
		e                             credits.LedgerEntry
		delta                         string
		splitSub, splitLife, splitPts string
		resSub, resLife, resPts       string
		reason, metadataJSON          sql.NullString
		createdAt                     string
	)
	err := row.Scan(&e.ID, &e.UserID, &e.Kind, &delta,
		&splitSub, &splitLife, &splitPts, &resSub, &resLife, &resPts,
		&e.IdempotencyKey, &reason, &metadataJSON, &createdAt)
	if err != nil {
		return e, translate(err, "scan ledger entry")
	}

	if e.Delta, err = credits.ParseAmount(delta); err != nil {
		return e, fmt.Errorf("%w: bad delta %q", credits.ErrTransactionFailed, delta)
	}
	if e.Split, err = parseBalances(splitSub, splitLife, splitPts); err != nil {
		return e, err
	}
	if e.Resulting, err = parseBalances(resSub, resLife, resPts); err != nil {
		return e, err
	}
	e.Reason = reason.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("%w: bad metadata for entry %s: %v", credits.ErrTransactionFailed, e.ID, err)
		}
	}
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func scanEvent(row scanner) (credits.EventRecord, error) {
	var (
		e                 credits.EventRecord
		subject, metadata sql.NullString
		createdAt         string
	)
	if err := row.Scan(&e.ID, &e.UserID, &subject, &e.EventType, &metadata, &e.IdempotencyKey, &createdAt); err != nil {
		return e, translate(err, "scan event")
	}
	e.SubjectID = credits.UserID(subject.String)
	if metadata.Valid {
		e.Metadata = json.RawMessage(metadata.String)
	}
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func getJob(ctx context.Context, q querier, where string, arg any) (*credits.JobRecord, error) {
	var (
		j                    credits.JobRecord
		cost                 string
		result, errMsg       sql.NullString
		createdAt, updatedAt string
		finishedAt           sql.NullString
	)
	err := q.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE "+where, arg).Scan(
		&j.ID, &j.UserID, &j.Type, &j.IdempotencyKey, &j.Status, &cost,
		&result, &errMsg, &createdAt, &updatedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credits.ErrJobNotFound
	}
	if err != nil {
		return nil, translate(err, "get job")
	}
	if j.Cost, err = credits.ParseAmount(cost); err != nil {
		return nil, fmt.Errorf("%w: bad cost %q", credits.ErrTransactionFailed, cost)
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.Error = errMsg.String
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	if finishedAt.Valid {
		t := parseTime(finishedAt.String)
		j.FinishedAt = &t
	}
	return &j, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// translate maps driver errors onto the credits taxonomy. Unique violations
// become ErrDuplicateIdempotencyKey; connection failures ErrStoreUnavailable.
func translate(err error, op string) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique,
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return credits.ErrDuplicateIdempotencyKey
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked,
			se.Code == sqlite3.ErrCantOpen, se.Code == sqlite3.ErrIoErr:
			return fmt.Errorf("%s: %w: %v", op, credits.ErrStoreUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%s: %w: %v", op, credits.ErrStoreUnavailable, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, credits.ErrTransactionFailed, err)
}

func parseBalances(sub, life, pts string) (credits.Balances, error) {
	var b credits.Balances
	var err error
	if b.Subscription, err = credits.ParseAmount(sub); err != nil {
		return b, fmt.Errorf("%w: bad amount %q", credits.ErrTransactionFailed, sub)
	}
	if b.Lifetime, err = credits.ParseAmount(life); err != nil {
		return b, fmt.Errorf("%w: bad amount %q", credits.ErrTransactionFailed, life)
	}
	if b.Points, err = credits.ParseAmount(pts); err != nil {
		return b, fmt.Errorf("%w: bad amount %q", credits.ErrTransactionFailed, pts)
	}
	return b, nil
}

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
