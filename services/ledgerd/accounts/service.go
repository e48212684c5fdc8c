// Package accounts exposes the ledger's upstream API: wallet linking,
// balances, reservations, and refunds. It owns no chain access; the deposit
// monitor and price oracle feed it.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"taskledger/services/ledgerd/storage"
)

// ErrInvalidAddress is returned when the supplied wallet address is malformed.
var ErrInvalidAddress = errors.New("accounts: invalid wallet address")

// ErrExceedsReservation is returned when a finalisation charges more than the
// reserved amount.
var ErrExceedsReservation = errors.New("accounts: amount exceeds reservation")

// Service mediates every balance mutation through the ledger store.
type Service struct {
	store *storage.Store
	log   *slog.Logger
	now   func() time.Time
}

// Option customises the service.
type Option func(*Service)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.now = clock }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.log = logger }
}

// NewService constructs the accounts service over the supplied store.
func NewService(store *storage.Store, opts ...Option) *Service {
	svc := &Service{store: store, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.log == nil {
		svc.log = slog.Default()
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc
}

// ClaimSummary aggregates the unclaimed deposits credited during a link.
type ClaimSummary struct {
	Count int
	Total *big.Int
}

// LinkResult reports the outcome of linking a wallet.
type LinkResult struct {
	Account storage.Account
	Claimed ClaimSummary
}

// Link validates and checksums the wallet address, binds it to the identity,
// and claims any deposits that arrived before the wallet was linked.
func (s *Service) Link(ctx context.Context, identity, address, displayName string) (LinkResult, error) {
	result := LinkResult{Claimed: ClaimSummary{Total: big.NewInt(0)}}
	if !common.IsHexAddress(strings.TrimSpace(address)) {
		return result, ErrInvalidAddress
	}
	checksummed := common.HexToAddress(address).Hex()

	existing, err := s.store.AccountByAddress(ctx, checksummed)
	switch {
	case err == nil:
		if existing.Identity != identity {
			return result, storage.ErrConflict
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return result, fmt.Errorf("lookup address: %w", err)
	}

	acct, err := s.store.UpsertAccount(ctx, identity, checksummed, displayName, s.now())
	if err != nil {
		return result, err
	}

	pending, err := s.store.UnclaimedByAddress(ctx, checksummed)
	if err != nil {
		return result, fmt.Errorf("list unclaimed deposits: %w", err)
	}
	for _, dep := range pending {
		claimed, claimedAmount, err := s.store.ClaimUnclaimedDeposit(ctx, dep.ID, identity, s.now())
		if err != nil {
			return result, fmt.Errorf("claim deposit %d: %w", dep.ID, err)
		}
		if !claimed {
			continue
		}
		result.Claimed.Count++
		result.Claimed.Total.Add(result.Claimed.Total, claimedAmount)
	}
	if result.Claimed.Count > 0 {
		s.log.Info("claimed pending deposits on link",
			"identity", identity,
			"address", checksummed,
			"count", result.Claimed.Count,
			"total", result.Claimed.Total.String())
		acct, err = s.store.Account(ctx, identity)
		if err != nil {
			return result, err
		}
	}
	result.Account = acct
	s.log.Info("wallet linked", "identity", identity, "address", checksummed)
	return result, nil
}

// Account returns the account for the identity.
func (s *Service) Account(ctx context.Context, identity string) (storage.Account, error) {
	return s.store.Account(ctx, identity)
}

// AccountByAddress returns the account linked to the wallet address.
func (s *Service) AccountByAddress(ctx context.Context, address string) (storage.Account, error) {
	if !common.IsHexAddress(strings.TrimSpace(address)) {
		return storage.Account{}, ErrInvalidAddress
	}
	return s.store.AccountByAddress(ctx, common.HexToAddress(address).Hex())
}

// Balance returns the full balance, holds included.
func (s *Service) Balance(ctx context.Context, identity string) (*big.Int, error) {
	return s.store.Balance(ctx, identity)
}

// AvailableBalance returns the balance minus active reservations.
func (s *Service) AvailableBalance(ctx context.Context, identity string) (*big.Int, error) {
	balance, err := s.store.Balance(ctx, identity)
	if err != nil {
		return nil, err
	}
	reserved, err := s.store.ActiveReservedTotal(ctx, identity, s.now())
	if err != nil {
		return nil, err
	}
	available := new(big.Int).Sub(balance, reserved)
	if available.Sign() < 0 {
		available = big.NewInt(0)
	}
	return available, nil
}

// Credit books a deposit for the identity. Used by the deposit monitor.
func (s *Service) Credit(ctx context.Context, identity string, amount *big.Int, txHash, fromAddress string, blockNumber uint64) error {
	meta := storage.TxMeta{TxHash: txHash, Counterparty: fromAddress, BlockNumber: &blockNumber}
	if err := s.store.Credit(ctx, identity, amount, storage.KindDeposit, meta, s.now()); err != nil {
		return err
	}
	s.log.Info("deposit credited", "identity", identity, "amount", amount.String(), "tx", txHash)
	return nil
}

// StoreUnclaimed records a deposit from a wallet no account owns yet.
func (s *Service) StoreUnclaimed(ctx context.Context, fromAddress string, amount *big.Int, txHash string, blockNumber uint64) error {
	return s.store.AddUnclaimedDeposit(ctx, storage.UnclaimedDeposit{
		FromAddress: fromAddress,
		Amount:      amount,
		TxHash:      txHash,
		BlockNumber: blockNumber,
		Timestamp:   s.now(),
	})
}

// SeenExternalRef reports whether the chain transaction was processed before.
func (s *Service) SeenExternalRef(ctx context.Context, txHash string) (bool, error) {
	return s.store.SeenExternalRef(ctx, txHash)
}

// Reserve places a hold on the identity's available balance for the supplied
// TTL and returns the reservation id. Insufficient availability reports
// storage.ErrInsufficientFunds without creating anything.
func (s *Service) Reserve(ctx context.Context, identity string, amount *big.Int, ttl time.Duration) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("reserve amount must be positive")
	}
	now := s.now()
	res := storage.Reservation{
		ID:        uuid.NewString(),
		Identity:  identity,
		Amount:    amount,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	// The store checks availability and inserts the hold in one transaction,
	// so racing reserves cannot all pass the check.
	if err := s.store.ReserveFunds(ctx, res); err != nil {
		return "", err
	}
	s.log.Debug("reservation created", "identity", identity, "reservation", res.ID, "amount", amount.String())
	return res.ID, nil
}

// DebitMeta carries the cost breakdown recorded when a reservation settles.
type DebitMeta struct {
	TaskRef  string
	TxHash   string
	GasCost  *big.Int
	GasUsed  uint64
	GasPrice *big.Int
	Rate     *big.Int
}

// Finalize settles the reservation by debiting the actual amount and
// releasing the hold. An expired reservation is removed and reported as
// storage.ErrExpiredReservation.
func (s *Service) Finalize(ctx context.Context, reservationID string, actual *big.Int, meta DebitMeta) error {
	res, err := s.store.Reservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if actual == nil || actual.Sign() <= 0 {
		return fmt.Errorf("finalize amount must be positive")
	}
	if actual.Cmp(res.Amount) > 0 {
		return ErrExceedsReservation
	}
	txMeta := storage.TxMeta{
		TaskRef:  meta.TaskRef,
		TxHash:   meta.TxHash,
		GasPrice: meta.GasPrice,
		Rate:     meta.Rate,
	}
	if meta.GasUsed > 0 {
		used := meta.GasUsed
		txMeta.GasUsed = &used
	}
	// The store deletes the hold and debits in one transaction; when two
	// finalisations race, the loser observes ErrNotFound instead of
	// charging the account a second time.
	if err := s.store.SettleReservation(ctx, reservationID, actual, meta.GasCost, txMeta, s.now()); err != nil {
		return err
	}
	s.log.Info("reservation finalised",
		"identity", res.Identity,
		"reservation", reservationID,
		"amount", actual.String())
	return nil
}

// Cancel releases the hold. Cancelling an unknown reservation is a no-op.
func (s *Service) Cancel(ctx context.Context, reservationID string) (bool, error) {
	released, err := s.store.DeleteReservation(ctx, reservationID)
	if err != nil {
		return false, err
	}
	if released {
		s.log.Debug("reservation cancelled", "reservation", reservationID)
	}
	return released, nil
}

// SweepExpiredReservations drops every lapsed hold.
func (s *Service) SweepExpiredReservations(ctx context.Context) (int64, error) {
	swept, err := s.store.SweepExpiredReservations(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		s.log.Info("expired reservations swept", "count", swept)
	}
	return swept, nil
}

// Refund credits back the total cost charged for the task.
func (s *Service) Refund(ctx context.Context, taskRef string) error {
	acct, refunded, err := s.store.Refund(ctx, taskRef, s.now())
	if err != nil {
		return err
	}
	s.log.Info("task refunded",
		"identity", acct.Identity,
		"task", taskRef,
		"amount", refunded.String())
	return nil
}

// AdminCredit books an unconditional credit. The reason lands in the audit
// log's task reference column.
func (s *Service) AdminCredit(ctx context.Context, identity string, amount *big.Int, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("admin credit reason required")
	}
	meta := storage.TxMeta{TaskRef: reason}
	if err := s.store.Credit(ctx, identity, amount, storage.KindAdminCredit, meta, s.now()); err != nil {
		return err
	}
	s.log.Info("admin credit", "identity", identity, "amount", amount.String(), "reason", reason)
	return nil
}

// TransactionHistory returns the identity's most recent ledger entries.
func (s *Service) TransactionHistory(ctx context.Context, identity string, limit int) ([]storage.Transaction, error) {
	return s.store.Transactions(ctx, identity, limit)
}

// Stats returns ledger-wide aggregates.
func (s *Service) Stats(ctx context.Context) (storage.Stats, error) {
	return s.store.Stats(ctx, s.now())
}

// AccountsWithBalance lists accounts holding a positive balance.
func (s *Service) AccountsWithBalance(ctx context.Context) ([]storage.Account, error) {
	return s.store.AccountsWithBalance(ctx)
}

// PendingUnclaimed lists deposits still waiting for their sender to link.
func (s *Service) PendingUnclaimed(ctx context.Context) ([]storage.UnclaimedDeposit, error) {
	return s.store.UnclaimedDeposits(ctx)
}
