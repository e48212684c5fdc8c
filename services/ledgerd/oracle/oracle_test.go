package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ledgerToken = common.HexToAddress("0x8AFE4055Ebc86Bd2AFB3940c0095C9aca511d852")
	quoteToken  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

type fakePair struct {
	reserve0 *big.Int
	reserve1 *big.Int
	token0   common.Address
	fail     bool
	calls    int
}

func (p *fakePair) Reserves(ctx context.Context) (*big.Int, *big.Int, error) {
	p.calls++
	if p.fail {
		return nil, nil, errors.New("rpc down")
	}
	return p.reserve0, p.reserve1, nil
}

func (p *fakePair) Token0(ctx context.Context) (common.Address, error) {
	if p.fail {
		return common.Address{}, errors.New("rpc down")
	}
	return p.token0, nil
}

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func (c *fixedClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestOracle(t *testing.T, pair *fakePair) (*Oracle, *fixedClock) {
	t.Helper()
	clock := &fixedClock{now: time.Unix(1700000000, 0)}
	o, err := New(pair, ledgerToken, time.Minute, 5*time.Minute, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	return o, clock
}

func bigFromString(t *testing.T, raw string) *big.Int {
	t.Helper()
	parsed, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		t.Fatalf("parse %q", raw)
	}
	return parsed
}

func TestRateSelectsReserveByTokenAddress(t *testing.T) {
	ctx := context.Background()
	// 100 ledger tokens against 1 quote token: rate is 100e18 regardless of
	// which position the ledger token occupies.
	ledgerReserve := bigFromString(t, "100000000000000000000")
	quoteReserve := bigFromString(t, "1000000000000000000")
	want := bigFromString(t, "100000000000000000000")

	asToken0 := &fakePair{reserve0: ledgerReserve, reserve1: quoteReserve, token0: ledgerToken}
	o, _ := newTestOracle(t, asToken0)
	rate, err := o.Rate(ctx)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rate.Cmp(want) != 0 {
		t.Fatalf("rate with ledger as token0: got %s want %s", rate, want)
	}

	asToken1 := &fakePair{reserve0: quoteReserve, reserve1: ledgerReserve, token0: quoteToken}
	o, _ = newTestOracle(t, asToken1)
	rate, err = o.Rate(ctx)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rate.Cmp(want) != 0 {
		t.Fatalf("rate with ledger as token1: got %s want %s", rate, want)
	}
}

func TestRateUsesFreshCache(t *testing.T) {
	ctx := context.Background()
	pair := &fakePair{reserve0: big.NewInt(200), reserve1: big.NewInt(2), token0: ledgerToken}
	o, clock := newTestOracle(t, pair)

	if _, err := o.Rate(ctx); err != nil {
		t.Fatalf("rate: %v", err)
	}
	clock.Advance(30 * time.Second)
	if _, err := o.Rate(ctx); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if pair.calls != 1 {
		t.Fatalf("fresh cache refetched: %d calls", pair.calls)
	}

	clock.Advance(31 * time.Second)
	if _, err := o.Rate(ctx); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if pair.calls != 2 {
		t.Fatalf("expired fresh window not refetched: %d calls", pair.calls)
	}
}

func TestRateZeroReservesFails(t *testing.T) {
	pair := &fakePair{reserve0: big.NewInt(0), reserve1: big.NewInt(5), token0: ledgerToken}
	o, _ := newTestOracle(t, pair)
	if _, err := o.Rate(context.Background()); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestRateStaleFallback(t *testing.T) {
	ctx := context.Background()
	pair := &fakePair{reserve0: big.NewInt(200), reserve1: big.NewInt(2), token0: ledgerToken}
	o, clock := newTestOracle(t, pair)

	first, err := o.Rate(ctx)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}

	// Upstream dies. Within the stale window the cached rate is served.
	pair.fail = true
	clock.Advance(2 * time.Minute)
	stale, err := o.Rate(ctx)
	if err != nil {
		t.Fatalf("stale rate: %v", err)
	}
	if stale.Cmp(first) != 0 {
		t.Fatalf("stale rate mismatch: %s vs %s", stale, first)
	}

	// Beyond the stale window the oracle gives up.
	clock.Advance(4 * time.Minute)
	if _, err := o.Rate(ctx); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestRefreshInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	pair := &fakePair{reserve0: big.NewInt(200), reserve1: big.NewInt(2), token0: ledgerToken}
	o, _ := newTestOracle(t, pair)

	if _, err := o.Rate(ctx); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if _, err := o.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if pair.calls != 2 {
		t.Fatalf("refresh did not refetch: %d calls", pair.calls)
	}
}

func TestCalculateCost(t *testing.T) {
	ctx := context.Background()
	// Rate of 100 ledger tokens per quote token.
	pair := &fakePair{
		reserve0: bigFromString(t, "100000000000000000000"),
		reserve1: bigFromString(t, "1000000000000000000"),
		token0:   ledgerToken,
	}
	o, _ := newTestOracle(t, pair)

	receipt := GasReceipt{GasUsed: 200000, EffectiveGasPrice: big.NewInt(50_000_000_000)}
	cost, err := o.CalculateCost(ctx, receipt)
	if err != nil {
		t.Fatalf("calculate cost: %v", err)
	}
	wantQuote := bigFromString(t, "10000000000000000") // 200000 * 50 gwei = 0.01 quote
	if cost.GasQuote.Cmp(wantQuote) != 0 {
		t.Fatalf("quote gas cost: got %s want %s", cost.GasQuote, wantQuote)
	}
	wantLedger := bigFromString(t, "1000000000000000000") // 0.01 * 100 = 1 ledger token
	if cost.GasLedger.Cmp(wantLedger) != 0 {
		t.Fatalf("ledger gas cost: got %s want %s", cost.GasLedger, wantLedger)
	}
	if cost.GasUsed != 200000 {
		t.Fatalf("gas used: %d", cost.GasUsed)
	}
}

func TestCalculateCostGasPriceFallback(t *testing.T) {
	ctx := context.Background()
	pair := &fakePair{reserve0: big.NewInt(100), reserve1: big.NewInt(1), token0: ledgerToken}
	o, _ := newTestOracle(t, pair)

	legacy := GasReceipt{GasUsed: 1000, GasPrice: big.NewInt(10)}
	if _, err := o.CalculateCost(ctx, legacy); err != nil {
		t.Fatalf("legacy gas price rejected: %v", err)
	}

	neither := GasReceipt{GasUsed: 1000}
	if _, err := o.CalculateCost(ctx, neither); !errors.Is(err, ErrGasPriceUnavailable) {
		t.Fatalf("expected ErrGasPriceUnavailable, got %v", err)
	}
}

func TestEstimateCost(t *testing.T) {
	ctx := context.Background()
	pair := &fakePair{
		reserve0: bigFromString(t, "100000000000000000000"),
		reserve1: bigFromString(t, "1000000000000000000"),
		token0:   ledgerToken,
	}
	o, _ := newTestOracle(t, pair)

	estimate, err := o.EstimateCost(ctx, 200000, FeeData{MaxFeePerGas: big.NewInt(50_000_000_000)})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	want := bigFromString(t, "1000000000000000000")
	if estimate.Cmp(want) != 0 {
		t.Fatalf("estimate: got %s want %s", estimate, want)
	}

	if _, err := o.EstimateCost(ctx, 200000, FeeData{}); !errors.Is(err, ErrGasPriceUnavailable) {
		t.Fatalf("expected ErrGasPriceUnavailable, got %v", err)
	}
}
