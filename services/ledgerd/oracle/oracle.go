// Package oracle converts gas spent in the quote asset into the ledger's
// native unit using an AMM reserve pair as the price source. A single cached
// sample keeps billing alive through short upstream outages.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"taskledger/observability"
)

// Scale fixes the decimal precision used for every rate conversion.
var Scale = big.NewInt(1_000_000_000_000_000_000)

var (
	// ErrPriceUnavailable is returned when the live fetch failed and the
	// cached sample is older than the stale window.
	ErrPriceUnavailable = errors.New("oracle: price unavailable")
	// ErrNoLiquidity is returned when either pair reserve is zero.
	ErrNoLiquidity = errors.New("oracle: pair has no liquidity")
	// ErrGasPriceUnavailable is returned when neither an effective nor a
	// legacy gas price is present.
	ErrGasPriceUnavailable = errors.New("oracle: gas price unavailable")
)

// PairReader resolves the AMM pair state backing the exchange rate.
type PairReader interface {
	Reserves(ctx context.Context) (reserve0, reserve1 *big.Int, err error)
	Token0(ctx context.Context) (common.Address, error)
}

// Oracle caches one rate sample with two freshness tiers.
type Oracle struct {
	pair        PairReader
	ledgerToken common.Address
	fresh       time.Duration
	stale       time.Duration
	log         *slog.Logger
	metrics     *observability.LedgerdMetrics
	now         func() time.Time

	mu        sync.Mutex
	rate      *big.Int
	fetchedAt time.Time
}

// Option customises the oracle.
type Option func(*Oracle)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Oracle) { o.now = clock }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Oracle) { o.log = logger }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.LedgerdMetrics) Option {
	return func(o *Oracle) { o.metrics = m }
}

// New constructs an oracle over the supplied pair. ledgerToken identifies
// which side of the pair is the ledger's native asset; the other side is the
// quote asset gas is paid in.
func New(pair PairReader, ledgerToken common.Address, freshWindow, staleWindow time.Duration, opts ...Option) (*Oracle, error) {
	if pair == nil {
		return nil, fmt.Errorf("pair reader required")
	}
	if freshWindow <= 0 || staleWindow < freshWindow {
		return nil, fmt.Errorf("windows must satisfy 0 < fresh <= stale")
	}
	o := &Oracle{
		pair:        pair,
		ledgerToken: ledgerToken,
		fresh:       freshWindow,
		stale:       staleWindow,
		log:         slog.Default(),
		metrics:     observability.Ledgerd(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Rate returns ledger tokens per one whole quote unit, scaled by Scale.
// A fresh cache short-circuits the fetch; a failed fetch falls back to the
// cache while it is within the stale window.
func (o *Oracle) Rate(ctx context.Context) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	if o.rate != nil && now.Sub(o.fetchedAt) < o.fresh {
		return new(big.Int).Set(o.rate), nil
	}

	rate, err := o.fetch(ctx)
	if err == nil {
		o.rate = rate
		o.fetchedAt = now
		o.metrics.RecordOracleRefresh("ok")
		o.log.Debug("price refreshed", "rate", rate.String())
		return new(big.Int).Set(rate), nil
	}
	o.metrics.RecordOracleRefresh("error")

	if o.rate != nil && now.Sub(o.fetchedAt) < o.stale {
		o.metrics.RecordStaleRateServe()
		o.log.Warn("serving stale price after failed fetch",
			"age", now.Sub(o.fetchedAt).String(),
			"error", err)
		return new(big.Int).Set(o.rate), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
}

// Refresh invalidates the cache and fetches a new sample.
func (o *Oracle) Refresh(ctx context.Context) (*big.Int, error) {
	o.mu.Lock()
	o.rate = nil
	o.fetchedAt = time.Time{}
	o.mu.Unlock()
	return o.Rate(ctx)
}

// CachedRate returns the current sample and its age without fetching.
func (o *Oracle) CachedRate() (*big.Int, time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rate == nil {
		return nil, 0, false
	}
	return new(big.Int).Set(o.rate), o.now().Sub(o.fetchedAt), true
}

func (o *Oracle) fetch(ctx context.Context) (*big.Int, error) {
	reserve0, reserve1, err := o.pair.Reserves(ctx)
	if err != nil {
		return nil, fmt.Errorf("read reserves: %w", err)
	}
	token0, err := o.pair.Token0(ctx)
	if err != nil {
		return nil, fmt.Errorf("read token0: %w", err)
	}
	// Pick sides by token address, never by position.
	ledgerReserve, quoteReserve := reserve1, reserve0
	if token0 == o.ledgerToken {
		ledgerReserve, quoteReserve = reserve0, reserve1
	}
	if ledgerReserve == nil || quoteReserve == nil || ledgerReserve.Sign() == 0 || quoteReserve.Sign() == 0 {
		return nil, ErrNoLiquidity
	}
	rate := new(big.Int).Mul(ledgerReserve, Scale)
	return rate.Quo(rate, quoteReserve), nil
}

// GasReceipt captures the receipt fields needed for cost conversion. The
// effective price wins when both are present.
type GasReceipt struct {
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	GasPrice          *big.Int
}

// ReceiptFrom extracts the billing fields from a chain receipt.
func ReceiptFrom(receipt *gethtypes.Receipt) GasReceipt {
	if receipt == nil {
		return GasReceipt{}
	}
	return GasReceipt{GasUsed: receipt.GasUsed, EffectiveGasPrice: receipt.EffectiveGasPrice}
}

// Cost is the full breakdown of a gas charge.
type Cost struct {
	GasQuote  *big.Int // gas cost in the quote asset's minor unit
	GasLedger *big.Int // gas cost converted to the ledger token
	Rate      *big.Int // rate used for the conversion
	GasUsed   uint64
	GasPrice  *big.Int
}

// CalculateCost converts the receipt's gas expenditure into ledger units.
func (o *Oracle) CalculateCost(ctx context.Context, receipt GasReceipt) (Cost, error) {
	gasPrice := receipt.EffectiveGasPrice
	if gasPrice == nil || gasPrice.Sign() == 0 {
		gasPrice = receipt.GasPrice
	}
	if gasPrice == nil || gasPrice.Sign() == 0 {
		return Cost{}, ErrGasPriceUnavailable
	}
	gasQuote := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), gasPrice)
	rate, err := o.Rate(ctx)
	if err != nil {
		return Cost{}, err
	}
	gasLedger := new(big.Int).Mul(gasQuote, rate)
	gasLedger.Quo(gasLedger, Scale)
	return Cost{
		GasQuote:  gasQuote,
		GasLedger: gasLedger,
		Rate:      rate,
		GasUsed:   receipt.GasUsed,
		GasPrice:  gasPrice,
	}, nil
}

// FeeData carries current fee estimates from the chain client.
type FeeData struct {
	GasPrice     *big.Int
	MaxFeePerGas *big.Int
}

// EstimateCost projects the ledger cost of spending gasLimit at current fees.
func (o *Oracle) EstimateCost(ctx context.Context, gasLimit uint64, fees FeeData) (*big.Int, error) {
	gasPrice := fees.GasPrice
	if gasPrice == nil || gasPrice.Sign() == 0 {
		gasPrice = fees.MaxFeePerGas
	}
	if gasPrice == nil || gasPrice.Sign() == 0 {
		return nil, ErrGasPriceUnavailable
	}
	rate, err := o.Rate(ctx)
	if err != nil {
		return nil, err
	}
	estimate := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)
	estimate.Mul(estimate, rate)
	return estimate.Quo(estimate, Scale), nil
}
