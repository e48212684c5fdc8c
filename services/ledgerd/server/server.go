package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskledger/services/ledgerd/accounts"
	"taskledger/services/ledgerd/storage"
)

// BlockCursor reports the deposit monitor's reconciliation position.
type BlockCursor interface {
	LastProcessedBlock() uint64
}

// RateCache exposes the oracle's cached exchange rate for health reporting.
type RateCache interface {
	CachedRate() (rate *big.Int, age time.Duration, ok bool)
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
}

// Server hosts the health, stats and metrics endpoints for ledgerd.
type Server struct {
	cfg    Config
	ledger *accounts.Service
	cursor BlockCursor
	rates  RateCache
	log    *slog.Logger
}

// New constructs the HTTP server. cursor and rates may be nil; the health
// report omits the corresponding fields.
func New(cfg Config, ledger *accounts.Service, cursor BlockCursor, rates RateCache, log *slog.Logger) (*Server, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, ledger: ledger, cursor: cursor, rates: rates, log: log}, nil
}

// Handler returns the route table. Exposed separately so tests can exercise
// handlers without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/accounts", s.handleAccounts)
	mux.HandleFunc("/unclaimed", s.handleUnclaimed)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("http server listening", "addr", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := map[string]any{"status": "ok"}
	if s.cursor != nil {
		report["last_processed_block"] = s.cursor.LastProcessedBlock()
	}
	if s.rates != nil {
		if rate, age, ok := s.rates.CachedRate(); ok {
			report["oracle_rate"] = rate.String()
			report["oracle_rate_age_seconds"] = int64(age.Seconds())
		} else {
			report["oracle_rate"] = nil
		}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		s.log.Error("ledger stats", "error", err)
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_accounts":  stats.TotalAccounts,
		"funded_accounts": stats.FundedAccounts,
		"total_deposits":  stats.TotalDeposits.String(),
		"total_spent":     stats.TotalSpent.String(),
		"total_refunds":   stats.TotalRefunds.String(),
		"debits_24h":      stats.Debits24h,
	})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list, err := s.ledger.AccountsWithBalance(r.Context())
	if err != nil {
		s.log.Error("list accounts", "error", err)
		http.Error(w, "accounts unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, acct := range list {
		out = append(out, map[string]any{
			"identity":     acct.Identity,
			"display_name": acct.DisplayName,
			"address":      acct.Address,
			"balance":      acct.Balance.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) handleUnclaimed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	deposits, err := s.ledger.PendingUnclaimed(r.Context())
	if err != nil {
		s.log.Error("list unclaimed deposits", "error", err)
		http.Error(w, "unclaimed deposits unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(deposits))
	for _, dep := range deposits {
		out = append(out, unclaimedJSON(dep))
	}
	writeJSON(w, http.StatusOK, map[string]any{"unclaimed": out})
}

func unclaimedJSON(dep storage.UnclaimedDeposit) map[string]any {
	return map[string]any{
		"id":           dep.ID,
		"from_address": dep.FromAddress,
		"amount":       dep.Amount.String(),
		"tx_hash":      dep.TxHash,
		"block_number": dep.BlockNumber,
		"timestamp":    dep.Timestamp.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
