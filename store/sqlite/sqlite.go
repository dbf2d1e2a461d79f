/*
Package sqlite provides a SQLite-backed implementation of revenue.Store.

PURPOSE:
  Implements the wallet, conversion and payout repositories plus atomic
  units on a single SQLite database. The same schema runs on PostgreSQL
  (see store/postgres) with dialect changes only.

INTERFACES IMPLEMENTED:
  revenue.Store:         Repositories + WithTx
  revenue.CourseCatalog: Course lookups for mentor shares
  revenue.CourseWriter:  Catalog upserts

APPEND-ONLY ENFORCEMENT:
  wallet_transactions has no UPDATE or DELETE path in this package, and
  triggers abort any UPDATE or DELETE issued from outside it.

KEY TABLES:
  wallets:             One aggregate row per owner
  wallet_transactions: Immutable log, ordered by seq
  conversions:         Commission owed, UNIQUE(affiliate_id, sale_id)
  payouts:             Withdrawal requests
  courses:             Catalog entries

MONEY AND TIME:
  Decimals are stored as TEXT and scanned back through decimal.Decimal,
  so no precision is ever lost to REAL. Times are RFC3339Nano TEXT in UTC.
  Ordering uses seq columns, never timestamps.

CONCURRENCY:
  One connection, BEGIN IMMEDIATE, WAL and a busy timeout. Every unit holds
  the database write lock from its first statement, so wallet updates can
  never interleave. SQLite has no row locks; contention is per database.

USAGE:
  store, err := sqlite.New("./data/revenue.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := revenue.NewLedger(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/revenue-engine/revenue"
)

var (
	_ revenue.Store         = (*Store)(nil)
	_ revenue.CourseCatalog = (*Store)(nil)
	_ revenue.CourseWriter  = (*Store)(nil)
)

// Store implements revenue.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes WithTx
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database lives and dies with its connection.
	db.SetMaxOpenConns(1)

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

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		owner_id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		total_earned TEXT NOT NULL,
		total_payout TEXT NOT NULL,
		pending_payout TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Wallet log (append-only)
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL REFERENCES wallets(owner_id),
		direction TEXT NOT NULL CHECK (direction IN ('CREDIT', 'DEBIT')),
		amount TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		reference TEXT,
		description TEXT,
		idempotency_key TEXT UNIQUE,
		balance_after TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_owner
		ON wallet_transactions(owner_id, seq);
	CREATE INDEX IF NOT EXISTS idx_wallet_transactions_reference
		ON wallet_transactions(reference) WHERE reference IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS wallet_transactions_no_update
		BEFORE UPDATE ON wallet_transactions
	BEGIN
		SELECT RAISE(ABORT, 'wallet_transactions is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS wallet_transactions_no_delete
		BEFORE DELETE ON wallet_transactions
	BEGIN
		SELECT RAISE(ABORT, 'wallet_transactions is append-only');
	END;

	-- CRITICAL: one conversion per (affiliate, sale), even under races
	CREATE TABLE IF NOT EXISTS conversions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		affiliate_id TEXT NOT NULL,
		sale_id TEXT NOT NULL,
		sale_kind TEXT NOT NULL,
		commission_amount TEXT NOT NULL,
		rate TEXT NOT NULL,
		base TEXT NOT NULL,
		paid_out INTEGER NOT NULL DEFAULT 0,
		paid_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (affiliate_id, sale_id)
	);

	CREATE INDEX IF NOT EXISTS idx_conversions_affiliate
		ON conversions(affiliate_id, seq);

	CREATE TABLE IF NOT EXISTS payouts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL REFERENCES wallets(owner_id),
		amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'APPROVED', 'REJECTED')),
		note TEXT,
		requested_at TEXT NOT NULL,
		processed_at TEXT,
		processed_by TEXT,
		rejection_reason TEXT,
		fee TEXT NOT NULL,
		net_amount TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payouts_owner ON payouts(owner_id, seq);
	CREATE INDEX IF NOT EXISTS idx_payouts_status ON payouts(status, seq);

	CREATE TABLE IF NOT EXISTS courses (
		id TEXT PRIMARY KEY,
		mentor_id TEXT NOT NULL,
		mentor_share TEXT,
		active INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// WALLETS
// =============================================================================

const walletColumns = `owner_id, balance, total_earned, total_payout, pending_payout, created_at, updated_at`

func (s *Store) FindByOwner(ctx context.Context, owner revenue.OwnerID) (*revenue.Wallet, error) {
	return findWallet(ctx, s.db, owner)
}

func findWallet(ctx context.Context, q querier, owner revenue.OwnerID) (*revenue.Wallet, error) {
	row := q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = ?`, owner)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, revenue.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) Wallets(ctx context.Context) ([]revenue.Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	var wallets []revenue.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(row scanner) (revenue.Wallet, error) {
	var (
		w                    revenue.Wallet
		createdAt, updatedAt string
	)
	err := row.Scan(&w.Owner, &w.Balance, &w.TotalEarned, &w.TotalPayout, &w.PendingPayout, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, err
		}
		return w, fmt.Errorf("failed to scan wallet: %w", err)
	}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return w, nil
}

// =============================================================================
// WALLET LOG
// =============================================================================

const txColumns = `id, owner_id, direction, amount, tx_type, reference, description,
	idempotency_key, balance_after, created_at`

func (s *Store) Transactions(ctx context.Context, owner revenue.OwnerID) ([]revenue.WalletTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE owner_id = ? ORDER BY seq`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []revenue.WalletTransaction
	for rows.Next() {
		var (
			t                    revenue.WalletTransaction
			reference, desc, key sql.NullString
			createdAt            string
		)
		err := rows.Scan(&t.ID, &t.Owner, &t.Direction, &t.Amount, &t.Type, &reference, &desc,
			&key, &t.BalanceAfter, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Reference = reference.String
		t.Description = desc.String
		t.IdempotencyKey = key.String
		t.CreatedAt = parseTime(createdAt)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// =============================================================================
// CONVERSIONS
// =============================================================================

const conversionColumns = `id, affiliate_id, sale_id, sale_kind, commission_amount, rate, base,
	paid_out, paid_at, created_at`

func (s *Store) FindConversion(ctx context.Context, affiliate revenue.OwnerID, sale revenue.SaleID) (*revenue.Conversion, error) {
	return findConversion(ctx, s.db,
		`SELECT `+conversionColumns+` FROM conversions WHERE affiliate_id = ? AND sale_id = ?`, affiliate, sale)
}

func (s *Store) FindConversionByID(ctx context.Context, id revenue.ConversionID) (*revenue.Conversion, error) {
	return findConversion(ctx, s.db, `SELECT `+conversionColumns+` FROM conversions WHERE id = ?`, id)
}

func (s *Store) ConversionsByAffiliate(ctx context.Context, affiliate revenue.OwnerID) ([]revenue.Conversion, error) {
	return affiliateConversions(ctx, s.db, affiliate)
}

func findConversion(ctx context.Context, q querier, query string, args ...any) (*revenue.Conversion, error) {
	c, err := scanConversion(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, revenue.ErrConversionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func affiliateConversions(ctx context.Context, q querier, affiliate revenue.OwnerID) ([]revenue.Conversion, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+conversionColumns+` FROM conversions WHERE affiliate_id = ? ORDER BY seq`, affiliate)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversions: %w", err)
	}
	defer rows.Close()

	var convs []revenue.Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func scanConversion(row scanner) (revenue.Conversion, error) {
	var (
		c         revenue.Conversion
		paidAt    sql.NullString
		createdAt string
	)
	err := row.Scan(&c.ID, &c.AffiliateID, &c.SaleID, &c.SaleKind, &c.CommissionAmount, &c.Rate, &c.Base,
		&c.PaidOut, &paidAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan conversion: %w", err)
	}
	c.PaidAt = parseNullTime(paidAt)
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

// =============================================================================
// PAYOUTS
// =============================================================================

const payoutColumns = `id, owner_id, amount, status, note, requested_at, processed_at, processed_by,
	rejection_reason, fee, net_amount`

func (s *Store) FindPayout(ctx context.Context, id revenue.PayoutID) (*revenue.Payout, error) {
	return findPayout(ctx, s.db, id)
}

func (s *Store) PayoutsByOwner(ctx context.Context, owner revenue.OwnerID) ([]revenue.Payout, error) {
	return s.queryPayouts(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE owner_id = ? ORDER BY seq DESC`, owner)
}

func (s *Store) PendingPayouts(ctx context.Context) ([]revenue.Payout, error) {
	return s.queryPayouts(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE status = ? ORDER BY seq`, revenue.PayoutPending)
}

func findPayout(ctx context.Context, q querier, id revenue.PayoutID) (*revenue.Payout, error) {
	p, err := scanPayout(q.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, revenue.ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) queryPayouts(ctx context.Context, query string, args ...any) ([]revenue.Payout, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	var payouts []revenue.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

func scanPayout(row scanner) (revenue.Payout, error) {
	var (
		p                revenue.Payout
		note, by, reason sql.NullString
		requestedAt      string
		processedAt      sql.NullString
	)
	err := row.Scan(&p.ID, &p.Owner, &p.Amount, &p.Status, &note, &requestedAt, &processedAt, &by,
		&reason, &p.Fee, &p.NetAmount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan payout: %w", err)
	}
	p.Note = note.String
	p.RequestedAt = parseTime(requestedAt)
	p.ProcessedAt = parseNullTime(processedAt)
	p.ProcessedBy = by.String
	p.RejectionReason = reason.String
	return p, nil
}

// =============================================================================
// COURSES
// =============================================================================

func (s *Store) Course(ctx context.Context, id revenue.CourseID) (*revenue.Course, error) {
	var (
		c         revenue.Course
		share     decimal.NullDecimal
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, mentor_id, mentor_share, active, updated_at FROM courses WHERE id = ?`, id,
	).Scan(&c.ID, &c.MentorID, &share, &c.Active, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, revenue.ErrCourseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load course: %w", err)
	}
	if share.Valid {
		c.MentorShare = &share.Decimal
	}
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// SaveCourse inserts or replaces a catalog entry.
func (s *Store) SaveCourse(ctx context.Context, c revenue.Course) error {
	var share decimal.NullDecimal
	if c.MentorShare != nil {
		share = decimal.NewNullDecimal(*c.MentorShare)
	}
	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO courses (id, mentor_id, mentor_share, active, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mentor_id = excluded.mentor_id,
			mentor_share = excluded.mentor_share,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, c.ID, c.MentorID, share, c.Active, formatTime(updatedAt))
	if err != nil {
		return fmt.Errorf("failed to save course: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (revenue.Tx)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(revenue.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore reads and writes through the open transaction only; the pool
// has a single connection and the transaction holds it.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) LockWallet(ctx context.Context, owner revenue.OwnerID, create bool) (*revenue.Wallet, error) {
	if create {
		now := formatTime(time.Now().UTC())
		_, err := ts.tx.ExecContext(ctx, `
			INSERT INTO wallets (`+walletColumns+`)
			VALUES (?, '0', '0', '0', '0', ?, ?)
			ON CONFLICT(owner_id) DO NOTHING
		`, owner, now, now)
		if err != nil {
			return nil, fmt.Errorf("failed to create wallet: %w", err)
		}
	}
	return findWallet(ctx, ts.tx, owner)
}

func (ts *txStore) SaveWallet(ctx context.Context, w *revenue.Wallet) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = ?, total_earned = ?, total_payout = ?, pending_payout = ?, updated_at = ?
		WHERE owner_id = ?
	`, w.Balance, w.TotalEarned, w.TotalPayout, w.PendingPayout, formatTime(w.UpdatedAt), w.Owner)
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return requireRow(res, revenue.ErrWalletNotFound)
}

func (ts *txStore) AppendTransaction(ctx context.Context, t revenue.WalletTransaction) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID,
		t.Owner,
		t.Direction,
		t.Amount,
		t.Type,
		nullString(t.Reference),
		nullString(t.Description),
		nullString(t.IdempotencyKey),
		t.BalanceAfter,
		formatTime(t.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "idempotency_key") {
			return revenue.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (ts *txStore) InsertConversion(ctx context.Context, c revenue.Conversion) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO conversions (`+conversionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.AffiliateID, c.SaleID, c.SaleKind, c.CommissionAmount, c.Rate, c.Base,
		c.PaidOut, nullTime(c.PaidAt), formatTime(c.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "conversions.affiliate_id") {
			return revenue.ErrDuplicateConversion
		}
		return fmt.Errorf("failed to insert conversion: %w", err)
	}
	return nil
}

func (ts *txStore) GetConversion(ctx context.Context, id revenue.ConversionID) (*revenue.Conversion, error) {
	return findConversion(ctx, ts.tx, `SELECT `+conversionColumns+` FROM conversions WHERE id = ?`, id)
}

func (ts *txStore) AffiliateConversions(ctx context.Context, affiliate revenue.OwnerID) ([]revenue.Conversion, error) {
	return affiliateConversions(ctx, ts.tx, affiliate)
}

func (ts *txStore) MarkConversionPaid(ctx context.Context, id revenue.ConversionID, at time.Time) error {
	res, err := ts.tx.ExecContext(ctx,
		`UPDATE conversions SET paid_out = 1, paid_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark conversion paid: %w", err)
	}
	return requireRow(res, revenue.ErrConversionNotFound)
}

func (ts *txStore) InsertPayout(ctx context.Context, p revenue.Payout) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.Owner, p.Amount, p.Status, nullString(p.Note), formatTime(p.RequestedAt),
		nullTime(p.ProcessedAt), nullString(p.ProcessedBy), nullString(p.RejectionReason),
		p.Fee, p.NetAmount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payout: %w", err)
	}
	return nil
}

// LockPayout needs no explicit lock: the unit already holds the write lock.
func (ts *txStore) LockPayout(ctx context.Context, id revenue.PayoutID) (*revenue.Payout, error) {
	return findPayout(ctx, ts.tx, id)
}

func (ts *txStore) UpdatePayout(ctx context.Context, p revenue.Payout) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE payouts
		SET status = ?, processed_at = ?, processed_by = ?, rejection_reason = ?, fee = ?, net_amount = ?
		WHERE id = ?
	`, p.Status, nullTime(p.ProcessedAt), nullString(p.ProcessedBy), nullString(p.RejectionReason),
		p.Fee, p.NetAmount, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update payout: %w", err)
	}
	return requireRow(res, revenue.ErrPayoutNotFound)
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// isUniqueViolation reports a UNIQUE constraint failure naming column.
func isUniqueViolation(err error, column string) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(se.Error(), column)
}
