// Package monitor reconciles on-chain token transfers to the treasury with
// ledger balances. It owns a monotonic block cursor and polls the chain in
// strictly sequential ticks, so replayed or duplicated events are always
// absorbed by the ledger's dedup key.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"taskledger/observability"
	"taskledger/services/ledgerd/accounts"
	"taskledger/services/ledgerd/storage"
)

// Transfer is a validated token transfer event.
type Transfer struct {
	From        common.Address
	To          common.Address
	Amount      *big.Int
	TxHash      common.Hash
	BlockNumber uint64
}

// ChainClient is the subset of the chain RPC the monitor consumes.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterTransfers(ctx context.Context, fromBlock, toBlock uint64) ([]Transfer, error)
}

// Monitor drives deposit reconciliation against the ledger.
type Monitor struct {
	client   ChainClient
	ledger   *accounts.Service
	treasury common.Address
	interval time.Duration
	log      *slog.Logger
	metrics  *observability.LedgerdMetrics

	mu            sync.Mutex
	running       bool
	cancel        context.CancelFunc
	done          chan struct{}
	lastProcessed uint64
}

// Option customises the monitor.
type Option func(*Monitor)

// WithPollInterval overrides the default polling cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.log = logger }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(metrics *observability.LedgerdMetrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// New constructs a monitor watching transfers into the treasury address.
func New(client ChainClient, ledger *accounts.Service, treasury common.Address, opts ...Option) (*Monitor, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	m := &Monitor{
		client:   client,
		ledger:   ledger,
		treasury: treasury,
		interval: 12 * time.Second,
		log:      slog.Default(),
		metrics:  observability.Ledgerd(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start begins the polling loop. Calling Start while running is a no-op.
// fromBlock seeds the cursor; zero means start at the current chain head.
func (m *Monitor) Start(ctx context.Context, fromBlock uint64) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.log.Warn("deposit monitor already running")
		return nil
	}
	if fromBlock == 0 {
		head, err := m.client.BlockNumber(ctx)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("read chain head: %w", err)
		}
		fromBlock = head
	}
	m.lastProcessed = fromBlock
	m.metrics.SetLastProcessedBlock(fromBlock)

	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.log.Info("deposit monitor started",
		"treasury", m.treasury.Hex(),
		"from_block", fromBlock,
		"interval", m.interval.String())
	go m.poll(loopCtx, done)
	return nil
}

// Stop halts the loop before its next sleep elapses. An in-flight tick is
// allowed to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	<-done
	m.log.Info("deposit monitor stopped")
}

// LastProcessedBlock returns the reconciliation cursor.
func (m *Monitor) LastProcessedBlock() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProcessed
}

func (m *Monitor) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := m.tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.metrics.RecordMonitorError("tick")
			m.log.Error("deposit check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval):
		}
	}
}

func (m *Monitor) tick(ctx context.Context) error {
	head, err := m.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}
	m.mu.Lock()
	last := m.lastProcessed
	m.mu.Unlock()
	if head <= last {
		return nil
	}

	transfers, err := m.client.FilterTransfers(ctx, last+1, head)
	if err != nil {
		return fmt.Errorf("query transfers %d-%d: %w", last+1, head, err)
	}
	if len(transfers) > 0 {
		m.log.Info("deposits found", "count", len(transfers), "from_block", last+1, "to_block", head)
	}
	for _, transfer := range transfers {
		m.processTransfer(ctx, transfer)
	}

	m.advanceCursor(head)
	return nil
}

// ProcessBlockRange reconciles a block range on demand, for backfill after
// downtime. The cursor only ever moves forward.
func (m *Monitor) ProcessBlockRange(ctx context.Context, fromBlock, toBlock uint64) error {
	if toBlock < fromBlock {
		return fmt.Errorf("invalid range %d-%d", fromBlock, toBlock)
	}
	m.log.Info("processing block range", "from_block", fromBlock, "to_block", toBlock)
	transfers, err := m.client.FilterTransfers(ctx, fromBlock, toBlock)
	if err != nil {
		return fmt.Errorf("query transfers %d-%d: %w", fromBlock, toBlock, err)
	}
	for _, transfer := range transfers {
		m.processTransfer(ctx, transfer)
	}
	m.advanceCursor(toBlock)
	return nil
}

func (m *Monitor) advanceCursor(block uint64) {
	m.mu.Lock()
	if block > m.lastProcessed {
		m.lastProcessed = block
	}
	block = m.lastProcessed
	m.mu.Unlock()
	m.metrics.SetLastProcessedBlock(block)
}

// processTransfer reconciles a single event. Failures are logged and never
// abort the rest of the batch.
func (m *Monitor) processTransfer(ctx context.Context, transfer Transfer) {
	if transfer.Amount == nil || transfer.Amount.Sign() <= 0 {
		m.metrics.RecordMonitorError("event")
		m.log.Warn("skipping malformed transfer event", "tx", transfer.TxHash.Hex())
		return
	}
	txHash := transfer.TxHash.Hex()
	sender := transfer.From.Hex()

	seen, err := m.ledger.SeenExternalRef(ctx, txHash)
	if err != nil {
		m.metrics.RecordMonitorError("event")
		m.log.Error("dedup check failed", "tx", txHash, "error", err)
		return
	}
	if seen {
		m.metrics.RecordDuplicateSkipped()
		m.log.Debug("transfer already processed", "tx", txHash)
		return
	}

	acct, err := m.ledger.AccountByAddress(ctx, sender)
	switch {
	case err == nil:
		if err := m.ledger.Credit(ctx, acct.Identity, transfer.Amount, txHash, sender, transfer.BlockNumber); err != nil {
			if errors.Is(err, storage.ErrAlreadyProcessed) {
				m.metrics.RecordDuplicateSkipped()
				return
			}
			m.metrics.RecordMonitorError("event")
			m.log.Error("credit failed", "identity", acct.Identity, "tx", txHash, "error", err)
			return
		}
		m.metrics.RecordDepositCredited()
	case errors.Is(err, storage.ErrNotFound):
		if err := m.ledger.StoreUnclaimed(ctx, sender, transfer.Amount, txHash, transfer.BlockNumber); err != nil {
			if errors.Is(err, storage.ErrAlreadyProcessed) {
				m.metrics.RecordDuplicateSkipped()
				return
			}
			m.metrics.RecordMonitorError("event")
			m.log.Error("store unclaimed failed", "tx", txHash, "error", err)
			return
		}
		m.metrics.RecordUnclaimedStored()
		m.log.Warn("deposit from unlinked wallet held for claiming",
			"sender", sender,
			"amount", transfer.Amount.String(),
			"tx", txHash)
	default:
		m.metrics.RecordMonitorError("event")
		m.log.Error("account lookup failed", "sender", sender, "tx", txHash, "error", err)
	}
}
