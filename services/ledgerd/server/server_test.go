package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"taskledger/services/ledgerd/accounts"
	"taskledger/services/ledgerd/storage"
)

type fixedCursor uint64

func (c fixedCursor) LastProcessedBlock() uint64 { return uint64(c) }

type fixedRates struct {
	rate *big.Int
	age  time.Duration
}

func (r fixedRates) CachedRate() (*big.Int, time.Duration, bool) {
	if r.rate == nil {
		return nil, 0, false
	}
	return r.rate, r.age, true
}

func newTestServer(t *testing.T, cursor BlockCursor, rates RateCache) (*Server, *accounts.Service) {
	t.Helper()
	dsn, err := storage.FileDSN(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ledger := accounts.NewService(store)
	srv, err := New(Config{ListenAddress: ":0"}, ledger, cursor, rates, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, ledger
}

func getJSON(t *testing.T, handler http.Handler, path string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return body
}

func TestHealthReportsCursorAndRate(t *testing.T) {
	srv, _ := newTestServer(t, fixedCursor(4120), fixedRates{rate: big.NewInt(2_000_000), age: 30 * time.Second})
	body := getJSON(t, srv.Handler(), "/healthz")
	if body["status"] != "ok" {
		t.Fatalf("unexpected status %v", body["status"])
	}
	if body["last_processed_block"] != float64(4120) {
		t.Fatalf("unexpected cursor %v", body["last_processed_block"])
	}
	if body["oracle_rate"] != "2000000" {
		t.Fatalf("unexpected rate %v", body["oracle_rate"])
	}
	if body["oracle_rate_age_seconds"] != float64(30) {
		t.Fatalf("unexpected rate age %v", body["oracle_rate_age_seconds"])
	}
}

func TestHealthWithEmptyRateCache(t *testing.T) {
	srv, _ := newTestServer(t, fixedCursor(0), fixedRates{})
	body := getJSON(t, srv.Handler(), "/healthz")
	if rate, present := body["oracle_rate"]; !present || rate != nil {
		t.Fatalf("expected null oracle_rate, got %v", rate)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, ledger := newTestServer(t, nil, nil)
	ctx := context.Background()
	if _, err := ledger.Link(ctx, "123", "0x0Ac10F130e534Eeb18DaD519aD193d229790Bd4b", "user1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := ledger.Credit(ctx, "123", big.NewInt(5000), "0xaaa1", "0x0Ac10F130e534Eeb18DaD519aD193d229790Bd4b", 10); err != nil {
		t.Fatalf("credit: %v", err)
	}

	body := getJSON(t, srv.Handler(), "/stats")
	if body["total_accounts"] != float64(1) {
		t.Fatalf("unexpected total_accounts %v", body["total_accounts"])
	}
	if body["funded_accounts"] != float64(1) {
		t.Fatalf("unexpected funded_accounts %v", body["funded_accounts"])
	}
	if body["total_deposits"] != "5000" {
		t.Fatalf("unexpected total_deposits %v", body["total_deposits"])
	}
}

func TestAccountsEndpointListsFundedOnly(t *testing.T) {
	srv, ledger := newTestServer(t, nil, nil)
	ctx := context.Background()
	if _, err := ledger.Link(ctx, "123", "0x0Ac10F130e534Eeb18DaD519aD193d229790Bd4b", "funded"); err != nil {
		t.Fatalf("link funded: %v", err)
	}
	if _, err := ledger.Link(ctx, "456", "0x8AFE4055Ebc86Bd2AFB3940c0095C9aca511d852", "empty"); err != nil {
		t.Fatalf("link empty: %v", err)
	}
	if err := ledger.Credit(ctx, "123", big.NewInt(777), "0xaaa2", "0x0Ac10F130e534Eeb18DaD519aD193d229790Bd4b", 11); err != nil {
		t.Fatalf("credit: %v", err)
	}

	body := getJSON(t, srv.Handler(), "/accounts")
	list, ok := body["accounts"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected one funded account, got %v", body["accounts"])
	}
	entry := list[0].(map[string]any)
	if entry["identity"] != "123" || entry["balance"] != "777" {
		t.Fatalf("unexpected account entry %v", entry)
	}
}

func TestUnclaimedEndpoint(t *testing.T) {
	srv, ledger := newTestServer(t, nil, nil)
	ctx := context.Background()
	if err := ledger.StoreUnclaimed(ctx, "0x8AFE4055Ebc86Bd2AFB3940c0095C9aca511d852", big.NewInt(900), "0xbbb1", 42); err != nil {
		t.Fatalf("store unclaimed: %v", err)
	}

	body := getJSON(t, srv.Handler(), "/unclaimed")
	list, ok := body["unclaimed"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected one unclaimed deposit, got %v", body["unclaimed"])
	}
	entry := list[0].(map[string]any)
	if entry["amount"] != "900" || entry["tx_hash"] != "0xbbb1" {
		t.Fatalf("unexpected deposit entry %v", entry)
	}
	if entry["block_number"] != float64(42) {
		t.Fatalf("unexpected block number %v", entry["block_number"])
	}
}

func TestStatsRejectsNonGet(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
