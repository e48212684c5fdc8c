package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Store wraps the ledgerd persistence layer. All monetary values are
// arbitrary-precision integers persisted as decimal strings in the token's
// minor unit.
type Store struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("ledgerd storage path must be configured")
	// ErrNotFound indicates the requested account, reservation, or
	// transaction does not exist.
	ErrNotFound = errors.New("ledgerd: not found")
	// ErrConflict indicates the wallet address is already linked to a
	// different identity.
	ErrConflict = errors.New("ledgerd: address linked to another identity")
	// ErrInsufficientFunds indicates the debit exceeds the account balance.
	ErrInsufficientFunds = errors.New("ledgerd: insufficient funds")
	// ErrAlreadyProcessed indicates the external transaction reference was
	// seen before; the operation is an idempotent no-op.
	ErrAlreadyProcessed = errors.New("ledgerd: already processed")
	// ErrExpiredReservation indicates the reservation lapsed before it was
	// finalised.
	ErrExpiredReservation = errors.New("ledgerd: reservation expired")
)

// TxKind enumerates ledger transaction types.
type TxKind string

const (
	KindDeposit     TxKind = "deposit"
	KindDebit       TxKind = "debit"
	KindRefund      TxKind = "refund"
	KindAdminCredit TxKind = "admin_credit"
)

// Account captures an identity/wallet mapping and its denormalised balance.
type Account struct {
	Identity    string
	DisplayName string
	Address     string
	Balance     *big.Int
	LinkedAt    time.Time
	CreatedAt   time.Time
}

// Transaction is one row of the append-only audit log.
type Transaction struct {
	ID           int64
	Identity     string
	Kind         TxKind
	Amount       *big.Int
	GasCost      *big.Int
	TotalCost    *big.Int
	TxHash       string
	TaskRef      string
	Counterparty string
	GasUsed      *uint64
	GasPrice     *big.Int
	Rate         *big.Int
	BlockNumber  *uint64
	Timestamp    time.Time
}

// Reservation is a time-bounded hold against an account's balance.
type Reservation struct {
	ID        string
	Identity  string
	Amount    *big.Int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// UnclaimedDeposit records a chain transfer whose sender has no linked account yet.
type UnclaimedDeposit struct {
	ID          int64
	FromAddress string
	Amount      *big.Int
	TxHash      string
	BlockNumber uint64
	Timestamp   time.Time
	Claimed     bool
	ClaimedBy   string
	ClaimedAt   time.Time
}

// TxMeta carries the optional chain metadata recorded alongside a ledger entry.
type TxMeta struct {
	TxHash       string
	TaskRef      string
	Counterparty string
	GasUsed      *uint64
	GasPrice     *big.Int
	Rate         *big.Int
	BlockNumber  *uint64
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite permits one writer; serialise all access through a single
	// connection so mutations cannot interleave.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Account returns the account for the supplied identity.
func (s *Store) Account(ctx context.Context, identity string) (Account, error) {
	if s == nil {
		return Account{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT identity_id, display_name, wallet_address, balance, linked_at, created_at
        FROM accounts
        WHERE identity_id = ?
    `, identity)
	return scanAccount(row)
}

// AccountByAddress returns the account linked to the supplied wallet address.
func (s *Store) AccountByAddress(ctx context.Context, address string) (Account, error) {
	if s == nil {
		return Account{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT identity_id, display_name, wallet_address, balance, linked_at, created_at
        FROM accounts
        WHERE wallet_address = ?
    `, strings.TrimSpace(address))
	return scanAccount(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		acct     Account
		display  sql.NullString
		balance  string
		linkedAt sql.NullInt64
		created  int64
	)
	if err := row.Scan(&acct.Identity, &display, &acct.Address, &balance, &linkedAt, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("scan account: %w", err)
	}
	acct.DisplayName = display.String
	parsed, err := parseAmount(balance)
	if err != nil {
		return Account{}, fmt.Errorf("account balance: %w", err)
	}
	acct.Balance = parsed
	if linkedAt.Valid {
		acct.LinkedAt = time.UnixMilli(linkedAt.Int64).UTC()
	}
	acct.CreatedAt = time.UnixMilli(created).UTC()
	return acct, nil
}

// UpsertAccount creates the identity/wallet mapping or refreshes an existing
// one. Linking an address already owned by a different identity fails with
// ErrConflict and leaves both accounts untouched.
func (s *Store) UpsertAccount(ctx context.Context, identity, address, displayName string, now time.Time) (Account, error) {
	if s == nil {
		return Account{}, fmt.Errorf("storage not configured")
	}
	identity = strings.TrimSpace(identity)
	address = strings.TrimSpace(address)
	if identity == "" {
		return Account{}, fmt.Errorf("identity required")
	}
	if address == "" {
		return Account{}, fmt.Errorf("address required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT identity_id FROM accounts WHERE wallet_address = ?`, address).Scan(&owner)
	switch {
	case err == nil:
		if owner != identity {
			return Account{}, ErrConflict
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return Account{}, fmt.Errorf("check address owner: %w", err)
	}

	ts := now.UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO accounts(identity_id, display_name, wallet_address, balance, linked_at, created_at)
        VALUES(?, ?, ?, '0', ?, ?)
        ON CONFLICT(identity_id) DO UPDATE SET
            display_name=excluded.display_name,
            wallet_address=excluded.wallet_address,
            linked_at=excluded.linked_at
    `, identity, nullString(displayName), address, ts, ts); err != nil {
		return Account{}, fmt.Errorf("upsert account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Account{}, fmt.Errorf("commit upsert: %w", err)
	}
	return s.Account(ctx, identity)
}

// Balance returns the account balance, or zero for unknown identities.
func (s *Store) Balance(ctx context.Context, identity string) (*big.Int, error) {
	acct, err := s.Account(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	return acct.Balance, nil
}

// SeenExternalRef reports whether the transaction hash was recorded before,
// either as a ledger transaction or as an unclaimed deposit. This is the
// dedup key that keeps reorg replays and duplicate polls from double
// crediting.
func (s *Store) SeenExternalRef(ctx context.Context, txHash string) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
        SELECT (SELECT COUNT(*) FROM transactions WHERE tx_hash = ?)
             + (SELECT COUNT(*) FROM unclaimed_deposits WHERE tx_hash = ?)
    `, txHash, txHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check external ref: %w", err)
	}
	return n > 0, nil
}

// Credit atomically increases the balance and appends a deposit or
// admin-credit transaction. A duplicate external reference returns
// ErrAlreadyProcessed without mutating anything.
func (s *Store) Credit(ctx context.Context, identity string, amount *big.Int, kind TxKind, meta TxMeta, now time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("credit amount must be positive")
	}
	if kind != KindDeposit && kind != KindAdminCredit && kind != KindRefund {
		return fmt.Errorf("credit kind %q not allowed", kind)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if ref := strings.TrimSpace(meta.TxHash); ref != "" {
		seen, err := seenRefTx(ctx, tx, ref)
		if err != nil {
			return err
		}
		if seen {
			return ErrAlreadyProcessed
		}
	}
	if err := adjustBalance(ctx, tx, identity, amount); err != nil {
		return err
	}
	if err := insertTransaction(ctx, tx, identity, kind, amount, nil, nil, meta, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credit: %w", err)
	}
	return nil
}

// Debit atomically decreases the balance and appends a debit transaction.
// amount is the total charged; gasCost, when non-nil, is recorded separately
// and the remainder is booked as the service fee. A nil gasCost means no gas
// was recorded at all, which is distinct from an explicit zero.
func (s *Store) Debit(ctx context.Context, identity string, amount *big.Int, gasCost *big.Int, meta TxMeta, now time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("debit amount must be positive")
	}
	if gasCost != nil && gasCost.Sign() < 0 {
		return fmt.Errorf("gas cost must not be negative")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := debitTx(ctx, tx, identity, amount, gasCost, meta, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit debit: %w", err)
	}
	return nil
}

// SettleReservation consumes the hold and debits the actual amount in one
// transaction. Because the row delete and the balance update commit together,
// a concurrent settle of the same reservation sees ErrNotFound instead of
// charging the account twice. A lapsed hold is removed and reported as
// ErrExpiredReservation without debiting.
func (s *Store) SettleReservation(ctx context.Context, id string, actual *big.Int, gasCost *big.Int, meta TxMeta, now time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("reservation id required")
	}
	if actual == nil || actual.Sign() <= 0 {
		return fmt.Errorf("settle amount must be positive")
	}
	if gasCost != nil && gasCost.Sign() < 0 {
		return fmt.Errorf("gas cost must not be negative")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		identity, reserved string
		expires            int64
	)
	err = tx.QueryRowContext(ctx, `
        SELECT identity_id, amount, expires_at
        FROM reservations
        WHERE id = ?
    `, id).Scan(&identity, &reserved, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query reservation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	if expires <= now.UTC().UnixMilli() {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit settle: %w", err)
		}
		return ErrExpiredReservation
	}
	held, err := parseAmount(reserved)
	if err != nil {
		return fmt.Errorf("reservation amount: %w", err)
	}
	if actual.Cmp(held) > 0 {
		return fmt.Errorf("settle amount exceeds reserved amount")
	}
	if err := debitTx(ctx, tx, identity, actual, gasCost, meta, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settle: %w", err)
	}
	return nil
}

// Refund locates the debit recorded for the task reference and credits its
// total cost back. A second refund for the same task returns
// ErrAlreadyProcessed.
func (s *Store) Refund(ctx context.Context, taskRef string, now time.Time) (Account, *big.Int, error) {
	if s == nil {
		return Account{}, nil, fmt.Errorf("storage not configured")
	}
	taskRef = strings.TrimSpace(taskRef)
	if taskRef == "" {
		return Account{}, nil, fmt.Errorf("task reference required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		identity  string
		amount    string
		totalCost sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
        SELECT identity_id, amount, total_cost
        FROM transactions
        WHERE task_ref = ? AND kind = ?
    `, taskRef, string(KindDebit)).Scan(&identity, &amount, &totalCost)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, nil, ErrNotFound
	}
	if err != nil {
		return Account{}, nil, fmt.Errorf("lookup debit: %w", err)
	}

	var refunded int
	if err := tx.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM transactions WHERE task_ref = ? AND kind = ?
    `, taskRef, string(KindRefund)).Scan(&refunded); err != nil {
		return Account{}, nil, fmt.Errorf("check refund: %w", err)
	}
	if refunded > 0 {
		return Account{}, nil, ErrAlreadyProcessed
	}

	raw := amount
	if totalCost.Valid && strings.TrimSpace(totalCost.String) != "" {
		raw = totalCost.String
	}
	refund, err := parseAmount(raw)
	if err != nil {
		return Account{}, nil, fmt.Errorf("refund amount: %w", err)
	}
	if err := adjustBalance(ctx, tx, identity, refund); err != nil {
		return Account{}, nil, err
	}
	if err := insertTransaction(ctx, tx, identity, KindRefund, refund, nil, nil, TxMeta{TaskRef: taskRef}, now); err != nil {
		return Account{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return Account{}, nil, fmt.Errorf("commit refund: %w", err)
	}
	acct, err := s.Account(ctx, identity)
	if err != nil {
		return Account{}, nil, err
	}
	return acct, refund, nil
}

// Transactions returns the most recent ledger entries for the identity,
// newest first.
func (s *Store) Transactions(ctx context.Context, identity string, limit int) ([]Transaction, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, identity_id, kind, amount, gas_cost, total_cost, tx_hash, task_ref,
               counterparty, gas_used, gas_price, rate, block_number, timestamp
        FROM transactions
        WHERE identity_id = ?
        ORDER BY timestamp DESC, id DESC
        LIMIT ?
    `, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()
	var entries []Transaction
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return entries, nil
}

func scanTransaction(rows *sql.Rows) (Transaction, error) {
	var (
		entry                 Transaction
		kind, amount          string
		gasCost, totalCost    sql.NullString
		txHash, taskRef, from sql.NullString
		gasUsed, blockNumber  sql.NullInt64
		gasPrice, rate        sql.NullString
		ts                    int64
	)
	if err := rows.Scan(&entry.ID, &entry.Identity, &kind, &amount, &gasCost, &totalCost,
		&txHash, &taskRef, &from, &gasUsed, &gasPrice, &rate, &blockNumber, &ts); err != nil {
		return Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	entry.Kind = TxKind(kind)
	parsed, err := parseAmount(amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction amount: %w", err)
	}
	entry.Amount = parsed
	if entry.GasCost, err = parseNullAmount(gasCost); err != nil {
		return Transaction{}, fmt.Errorf("transaction gas cost: %w", err)
	}
	if entry.TotalCost, err = parseNullAmount(totalCost); err != nil {
		return Transaction{}, fmt.Errorf("transaction total cost: %w", err)
	}
	if entry.GasPrice, err = parseNullAmount(gasPrice); err != nil {
		return Transaction{}, fmt.Errorf("transaction gas price: %w", err)
	}
	if entry.Rate, err = parseNullAmount(rate); err != nil {
		return Transaction{}, fmt.Errorf("transaction rate: %w", err)
	}
	entry.TxHash = txHash.String
	entry.TaskRef = taskRef.String
	entry.Counterparty = from.String
	if gasUsed.Valid {
		used := uint64(gasUsed.Int64)
		entry.GasUsed = &used
	}
	if blockNumber.Valid {
		block := uint64(blockNumber.Int64)
		entry.BlockNumber = &block
	}
	entry.Timestamp = time.UnixMilli(ts).UTC()
	return entry, nil
}

// CreateReservation inserts a hold row as-is, without checking availability.
// ReserveFunds is the checked path.
func (s *Store) CreateReservation(ctx context.Context, res Reservation) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(res.ID) == "" {
		return fmt.Errorf("reservation id required")
	}
	if res.Amount == nil || res.Amount.Sign() <= 0 {
		return fmt.Errorf("reservation amount must be positive")
	}
	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO reservations(id, identity_id, amount, created_at, expires_at)
        VALUES(?, ?, ?, ?, ?)
    `, res.ID, res.Identity, res.Amount.String(), res.CreatedAt.UTC().UnixMilli(), res.ExpiresAt.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

// ReserveFunds places a hold after verifying the identity's availability.
// The purge of lapsed holds, the availability computation and the insert run
// in one transaction so concurrent holds against the same identity can never
// oversubscribe the balance. Shortfall returns ErrInsufficientFunds without
// inserting anything.
func (s *Store) ReserveFunds(ctx context.Context, res Reservation) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(res.ID) == "" {
		return fmt.Errorf("reservation id required")
	}
	if res.Amount == nil || res.Amount.Sign() <= 0 {
		return fmt.Errorf("reservation amount must be positive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE expires_at <= ?`, res.CreatedAt.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("purge expired reservations: %w", err)
	}
	balance, err := balanceForUpdate(ctx, tx, res.Identity)
	if err != nil {
		return err
	}
	reserved, err := reservedTotalTx(ctx, tx, res.Identity)
	if err != nil {
		return err
	}
	available := new(big.Int).Sub(balance, reserved)
	if res.Amount.Cmp(available) > 0 {
		return ErrInsufficientFunds
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO reservations(id, identity_id, amount, created_at, expires_at)
        VALUES(?, ?, ?, ?, ?)
    `, res.ID, res.Identity, res.Amount.String(), res.CreatedAt.UTC().UnixMilli(), res.ExpiresAt.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	return nil
}

// Reservation returns the hold with the supplied id.
func (s *Store) Reservation(ctx context.Context, id string) (Reservation, error) {
	if s == nil {
		return Reservation{}, fmt.Errorf("storage not configured")
	}
	var (
		res              Reservation
		amount           string
		created, expires int64
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT id, identity_id, amount, created_at, expires_at
        FROM reservations
        WHERE id = ?
    `, strings.TrimSpace(id)).Scan(&res.ID, &res.Identity, &amount, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("query reservation: %w", err)
	}
	parsed, err := parseAmount(amount)
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation amount: %w", err)
	}
	res.Amount = parsed
	res.CreatedAt = time.UnixMilli(created).UTC()
	res.ExpiresAt = time.UnixMilli(expires).UTC()
	return res, nil
}

// DeleteReservation removes the hold. Deleting a missing reservation reports
// false without error.
func (s *Store) DeleteReservation(ctx context.Context, id string) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, strings.TrimSpace(id))
	if err != nil {
		return false, fmt.Errorf("delete reservation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ActiveReservedTotal sums the identity's holds still active at the supplied
// instant. Expired rows are purged first so they can never count toward
// availability. A reservation is active strictly before its expiry.
func (s *Store) ActiveReservedTotal(ctx context.Context, identity string, now time.Time) (*big.Int, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	cutoff := now.UTC().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE expires_at <= ?`, cutoff); err != nil {
		return nil, fmt.Errorf("purge expired reservations: %w", err)
	}
	total, err := reservedTotalTx(ctx, tx, identity)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit purge: %w", err)
	}
	return total, nil
}

// SweepExpiredReservations removes all holds expired at the supplied instant
// and reports how many rows were released.
func (s *Store) SweepExpiredReservations(ctx context.Context, now time.Time) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM reservations WHERE expires_at <= ?`, now.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep reservations: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

// AddUnclaimedDeposit records a transfer from an unlinked wallet so it can be
// claimed once the sender links. A duplicate transaction hash returns
// ErrAlreadyProcessed.
func (s *Store) AddUnclaimedDeposit(ctx context.Context, dep UnclaimedDeposit) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if dep.Amount == nil || dep.Amount.Sign() <= 0 {
		return fmt.Errorf("deposit amount must be positive")
	}
	txHash := strings.TrimSpace(dep.TxHash)
	if txHash == "" {
		return fmt.Errorf("deposit tx hash required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	seen, err := seenRefTx(ctx, tx, txHash)
	if err != nil {
		return err
	}
	if seen {
		return ErrAlreadyProcessed
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO unclaimed_deposits(from_address, amount, tx_hash, block_number, timestamp, claimed)
        VALUES(?, ?, ?, ?, ?, 0)
    `, strings.TrimSpace(dep.FromAddress), dep.Amount.String(), txHash, dep.BlockNumber, dep.Timestamp.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("insert unclaimed deposit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unclaimed deposit: %w", err)
	}
	return nil
}

// UnclaimedByAddress returns the pending deposits sent from the address.
func (s *Store) UnclaimedByAddress(ctx context.Context, address string) ([]UnclaimedDeposit, error) {
	return s.queryUnclaimed(ctx, `
        SELECT id, from_address, amount, tx_hash, block_number, timestamp, claimed, claimed_by, claimed_at
        FROM unclaimed_deposits
        WHERE from_address = ? AND claimed = 0
        ORDER BY id ASC
    `, strings.TrimSpace(address))
}

// UnclaimedDeposits returns every pending deposit, oldest first.
func (s *Store) UnclaimedDeposits(ctx context.Context) ([]UnclaimedDeposit, error) {
	return s.queryUnclaimed(ctx, `
        SELECT id, from_address, amount, tx_hash, block_number, timestamp, claimed, claimed_by, claimed_at
        FROM unclaimed_deposits
        WHERE claimed = 0
        ORDER BY id ASC
    `)
}

func (s *Store) queryUnclaimed(ctx context.Context, query string, args ...any) ([]UnclaimedDeposit, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unclaimed deposits: %w", err)
	}
	defer rows.Close()
	var deposits []UnclaimedDeposit
	for rows.Next() {
		var (
			dep       UnclaimedDeposit
			amount    string
			ts        int64
			claimed   int
			claimedBy sql.NullString
			claimedAt sql.NullInt64
		)
		if err := rows.Scan(&dep.ID, &dep.FromAddress, &amount, &dep.TxHash, &dep.BlockNumber, &ts, &claimed, &claimedBy, &claimedAt); err != nil {
			return nil, fmt.Errorf("scan unclaimed deposit: %w", err)
		}
		parsed, err := parseAmount(amount)
		if err != nil {
			return nil, fmt.Errorf("unclaimed amount: %w", err)
		}
		dep.Amount = parsed
		dep.Timestamp = time.UnixMilli(ts).UTC()
		dep.Claimed = claimed != 0
		dep.ClaimedBy = claimedBy.String
		if claimedAt.Valid {
			dep.ClaimedAt = time.UnixMilli(claimedAt.Int64).UTC()
		}
		deposits = append(deposits, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unclaimed deposits: %w", err)
	}
	return deposits, nil
}

// ClaimUnclaimedDeposit marks the deposit claimed and credits its amount to
// the identity in one atomic unit. The guarded update lets concurrent claim
// attempts each succeed at most once per row; a lost race reports false.
func (s *Store) ClaimUnclaimedDeposit(ctx context.Context, id int64, identity string, now time.Time) (bool, *big.Int, error) {
	if s == nil {
		return false, nil, fmt.Errorf("storage not configured")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
        UPDATE unclaimed_deposits
        SET claimed = 1, claimed_by = ?, claimed_at = ?
        WHERE id = ? AND claimed = 0
    `, identity, now.UTC().UnixMilli(), id)
	if err != nil {
		return false, nil, fmt.Errorf("claim deposit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil, nil
	}

	var (
		amount      string
		txHash      string
		fromAddress string
		blockNumber uint64
	)
	if err := tx.QueryRowContext(ctx, `
        SELECT amount, tx_hash, from_address, block_number
        FROM unclaimed_deposits
        WHERE id = ?
    `, id).Scan(&amount, &txHash, &fromAddress, &blockNumber); err != nil {
		return false, nil, fmt.Errorf("load claimed deposit: %w", err)
	}
	parsed, err := parseAmount(amount)
	if err != nil {
		return false, nil, fmt.Errorf("claimed amount: %w", err)
	}
	if err := adjustBalance(ctx, tx, identity, parsed); err != nil {
		return false, nil, err
	}
	meta := TxMeta{TxHash: txHash, Counterparty: fromAddress, BlockNumber: &blockNumber}
	if err := insertTransaction(ctx, tx, identity, KindDeposit, parsed, nil, nil, meta, now); err != nil {
		return false, nil, err
	}
	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("commit claim: %w", err)
	}
	return true, parsed, nil
}

// AccountsWithBalance returns every funded account, largest balance first.
func (s *Store) AccountsWithBalance(ctx context.Context) ([]Account, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT identity_id, display_name, wallet_address, balance, linked_at, created_at
        FROM accounts
        WHERE balance != '0'
    `)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		if acct.Balance.Sign() > 0 {
			accounts = append(accounts, acct)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	// Decimal strings do not sort numerically in SQL, so order here.
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Balance.Cmp(accounts[j].Balance) > 0
	})
	return accounts, nil
}

// Stats captures ledger-wide aggregates for observability.
type Stats struct {
	TotalAccounts  int64
	FundedAccounts int64
	TotalDeposits  *big.Int
	TotalSpent     *big.Int
	TotalRefunds   *big.Int
	Debits24h      int64
}

// Stats computes aggregate counters across the whole ledger. Sums are
// accumulated in Go because the amounts are stored as decimal strings.
func (s *Store) Stats(ctx context.Context, now time.Time) (Stats, error) {
	stats := Stats{TotalDeposits: big.NewInt(0), TotalSpent: big.NewInt(0), TotalRefunds: big.NewInt(0)}
	if s == nil {
		return stats, fmt.Errorf("storage not configured")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&stats.TotalAccounts); err != nil {
		return stats, fmt.Errorf("count accounts: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE balance != '0'`).Scan(&stats.FundedAccounts); err != nil {
		return stats, fmt.Errorf("count funded accounts: %w", err)
	}
	sums := []struct {
		kind   TxKind
		column string
		into   *big.Int
	}{
		{KindDeposit, "amount", stats.TotalDeposits},
		{KindDebit, "COALESCE(total_cost, amount)", stats.TotalSpent},
		{KindRefund, "amount", stats.TotalRefunds},
	}
	for _, sum := range sums {
		rows, err := s.db.QueryContext(ctx, `SELECT `+sum.column+` FROM transactions WHERE kind = ?`, string(sum.kind))
		if err != nil {
			return stats, fmt.Errorf("query %s totals: %w", sum.kind, err)
		}
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return stats, fmt.Errorf("scan %s total: %w", sum.kind, err)
			}
			parsed, err := parseAmount(raw)
			if err != nil {
				rows.Close()
				return stats, fmt.Errorf("%s total: %w", sum.kind, err)
			}
			sum.into.Add(sum.into, parsed)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return stats, fmt.Errorf("iterate %s totals: %w", sum.kind, err)
		}
		rows.Close()
	}
	cutoff := now.UTC().Add(-24 * time.Hour).UnixMilli()
	if err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM transactions WHERE kind = ? AND timestamp > ?
    `, string(KindDebit), cutoff).Scan(&stats.Debits24h); err != nil {
		return stats, fmt.Errorf("count recent debits: %w", err)
	}
	return stats, nil
}

func seenRefTx(ctx context.Context, tx *sql.Tx, ref string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
        SELECT (SELECT COUNT(*) FROM transactions WHERE tx_hash = ?)
             + (SELECT COUNT(*) FROM unclaimed_deposits WHERE tx_hash = ?)
    `, ref, ref).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check external ref: %w", err)
	}
	return n > 0, nil
}

func balanceForUpdate(ctx context.Context, tx *sql.Tx, identity string) (*big.Int, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE identity_id = ?`, identity).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	return parseAmount(raw)
}

func setBalance(ctx context.Context, tx *sql.Tx, identity string, balance *big.Int) error {
	if balance.Sign() < 0 {
		return fmt.Errorf("balance must not be negative")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE identity_id = ?`, balance.String(), identity); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

func adjustBalance(ctx context.Context, tx *sql.Tx, identity string, delta *big.Int) error {
	balance, err := balanceForUpdate(ctx, tx, identity)
	if err != nil {
		return err
	}
	return setBalance(ctx, tx, identity, new(big.Int).Add(balance, delta))
}

func debitTx(ctx context.Context, tx *sql.Tx, identity string, amount, gasCost *big.Int, meta TxMeta, now time.Time) error {
	balance, err := balanceForUpdate(ctx, tx, identity)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	if err := setBalance(ctx, tx, identity, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	fee := new(big.Int).Set(amount)
	if gasCost != nil {
		fee.Sub(fee, gasCost)
		if fee.Sign() < 0 {
			return fmt.Errorf("gas cost exceeds debit amount")
		}
	}
	return insertTransaction(ctx, tx, identity, KindDebit, fee, gasCost, amount, meta, now)
}

func reservedTotalTx(ctx context.Context, tx *sql.Tx, identity string) (*big.Int, error) {
	rows, err := tx.QueryContext(ctx, `
        SELECT amount FROM reservations WHERE identity_id = ?
    `, identity)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()
	total := big.NewInt(0)
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return nil, fmt.Errorf("scan reservation amount: %w", err)
		}
		parsed, err := parseAmount(amount)
		if err != nil {
			return nil, fmt.Errorf("reservation amount: %w", err)
		}
		total.Add(total, parsed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return total, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, identity string, kind TxKind, amount, gasCost, totalCost *big.Int, meta TxMeta, now time.Time) error {
	var gasUsed, blockNumber any
	if meta.GasUsed != nil {
		gasUsed = int64(*meta.GasUsed)
	}
	if meta.BlockNumber != nil {
		blockNumber = int64(*meta.BlockNumber)
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO transactions(identity_id, kind, amount, gas_cost, total_cost, tx_hash, task_ref,
                                 counterparty, gas_used, gas_price, rate, block_number, timestamp)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, identity, string(kind), amount.String(), nullAmount(gasCost), nullAmount(totalCost),
		nullString(meta.TxHash), nullString(meta.TaskRef), nullString(meta.Counterparty),
		gasUsed, nullAmount(meta.GasPrice), nullAmount(meta.Rate), blockNumber,
		now.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("parse amount %q", raw)
	}
	return parsed, nil
}

func parseNullAmount(raw sql.NullString) (*big.Int, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	return parseAmount(raw.String)
}

func nullAmount(value *big.Int) any {
	if value == nil {
		return nil
	}
	return value.String()
}

func nullString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    identity_id TEXT PRIMARY KEY,
    display_name TEXT,
    wallet_address TEXT UNIQUE NOT NULL,
    balance TEXT NOT NULL DEFAULT '0',
    linked_at INTEGER,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_wallet ON accounts(wallet_address);

CREATE TABLE IF NOT EXISTS transactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    identity_id TEXT NOT NULL,
    kind TEXT NOT NULL CHECK(kind IN ('deposit', 'debit', 'refund', 'admin_credit')),
    amount TEXT NOT NULL,
    gas_cost TEXT,
    total_cost TEXT,
    tx_hash TEXT UNIQUE,
    task_ref TEXT,
    counterparty TEXT,
    gas_used INTEGER,
    gas_price TEXT,
    rate TEXT,
    block_number INTEGER,
    timestamp INTEGER NOT NULL,
    FOREIGN KEY (identity_id) REFERENCES accounts(identity_id)
);
CREATE INDEX IF NOT EXISTS idx_transactions_identity ON transactions(identity_id);
CREATE INDEX IF NOT EXISTS idx_transactions_task_ref ON transactions(task_ref);
CREATE INDEX IF NOT EXISTS idx_transactions_tx_hash ON transactions(tx_hash);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);

CREATE TABLE IF NOT EXISTS reservations (
    id TEXT PRIMARY KEY,
    identity_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_identity ON reservations(identity_id);
CREATE INDEX IF NOT EXISTS idx_reservations_expiry ON reservations(expires_at);

CREATE TABLE IF NOT EXISTS unclaimed_deposits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    from_address TEXT NOT NULL,
    amount TEXT NOT NULL,
    tx_hash TEXT UNIQUE NOT NULL,
    block_number INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    claimed INTEGER NOT NULL DEFAULT 0,
    claimed_by TEXT,
    claimed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_unclaimed_address ON unclaimed_deposits(from_address, claimed);
`
