package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/service"
	"github.com/holiman/uint256"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

// SQLStorage implements service.Storage on top of database/sql.
type SQLStorage struct {
	db      *sql.DB
	dialect dialect
	dbPath  string
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLStorage, error) {
	if err := validateString(dbPath, "dbPath"); err != nil {
		return nil, err
	}

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// IMMEDIATE transactions take the write lock up front so that two
	// processes sharing the file never deadlock upgrading a read lock.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't benefit from multiple connections
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLStorage{
		db:      db,
		dialect: sqliteDialect{},
		dbPath:  dbPath,
	}, nil
}

// NewPostgresStorage connects to a shared Postgres instance, which lets
// several grouptip processes settle against the same pools.
func NewPostgresStorage(ctx context.Context, dsn string) (*SQLStorage, error) {
	if err := validateString(dsn, "dsn"); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLStorage{
		db:      db,
		dialect: postgresDialect{},
	}, nil
}

// Open creates the storage named by driver.
func Open(ctx context.Context, driver, path, dsn string) (*SQLStorage, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLiteStorage(path)
	case "postgres":
		return NewPostgresStorage(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Driver returns the name of the underlying engine.
func (s *SQLStorage) Driver() string {
	return s.dialect.Name()
}

// Close closes the database connection.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new database transaction.
func (s *SQLStorage) BeginTx(ctx context.Context) (service.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &sqlTransaction{
		tx:      tx,
		storage: s,
	}, nil
}

// sqlTransaction wraps sql.Tx to implement service.Transaction.
type sqlTransaction struct {
	tx      *sql.Tx
	storage *SQLStorage
}

func (t *sqlTransaction) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTransaction) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqlTransaction) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return t.storage.getPool(ctx, t.tx, id)
}

func (t *sqlTransaction) ListClaims(ctx context.Context, poolID string) ([]model.Claim, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(poolID, "poolID"); err != nil {
		return nil, err
	}
	return t.storage.listClaims(ctx, t.tx, poolID)
}

func (t *sqlTransaction) GetBalance(ctx context.Context, userID, tokenID string) (*model.Balance, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateBalanceKey(userID, tokenID); err != nil {
		return nil, err
	}
	return t.storage.getBalance(ctx, t.tx, userID, tokenID)
}

func (t *sqlTransaction) InsertPool(ctx context.Context, pool *model.Pool) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validatePool(pool); err != nil {
		return err
	}
	return t.storage.insertPool(ctx, t.tx, pool)
}

func (t *sqlTransaction) LockFinalizingPool(ctx context.Context, poolID string) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	return t.storage.lockFinalizingPool(ctx, t.tx, poolID)
}

func (t *sqlTransaction) CompletePool(ctx context.Context, poolID string, status model.PoolStatus, reason string, at time.Time) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not terminal", ErrInvalidStatus, status)
	}
	return t.storage.completePool(ctx, t.tx, poolID, status, reason, at)
}

func (t *sqlTransaction) LockActivePool(ctx context.Context, poolID string, now time.Time) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	return t.storage.lockActivePool(ctx, t.tx, poolID, now)
}

func (t *sqlTransaction) IncrementClaimCount(ctx context.Context, poolID string, now time.Time) (int, bool, error) {
	if err := validateContext(ctx); err != nil {
		return 0, false, err
	}
	return t.storage.incrementClaimCount(ctx, t.tx, poolID, now)
}

func (t *sqlTransaction) InsertClaim(ctx context.Context, claim *model.Claim) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateClaim(claim); err != nil {
		return err
	}
	return t.storage.insertClaim(ctx, t.tx, claim)
}

func (t *sqlTransaction) AcceptClaim(ctx context.Context, poolID, claimantID string, at time.Time) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	return t.storage.acceptClaim(ctx, t.tx, poolID, claimantID, at)
}

func (t *sqlTransaction) RefundClaims(ctx context.Context, poolID string, from []model.ClaimStatus, at time.Time) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	return t.storage.refundClaims(ctx, t.tx, poolID, from, at)
}

func (t *sqlTransaction) EnsureBalance(ctx context.Context, userID, tokenID string, at time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateBalanceKey(userID, tokenID); err != nil {
		return err
	}
	return t.storage.ensureBalance(ctx, t.tx, userID, tokenID, at)
}

func (t *sqlTransaction) SwapBalance(ctx context.Context, userID, tokenID string, expected, next *uint256.Int, at time.Time) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if expected == nil || next == nil {
		return false, fmt.Errorf("%w: balance amount", ErrNilParameter)
	}
	return t.storage.swapBalance(ctx, t.tx, userID, tokenID, expected, next, at)
}

func (t *sqlTransaction) AppendLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateLedgerEntry(entry); err != nil {
		return err
	}
	return t.storage.appendLedgerEntry(ctx, t.tx, entry)
}

// queryable is satisfied by both *sql.DB and *sql.Tx.
type queryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStorage) q(query string) string {
	return s.dialect.Rebind(query)
}

// affectedOne reports whether an Exec touched exactly one row.
func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
