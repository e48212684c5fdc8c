package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Pragmas applied to every on-disk ledger database. WAL keeps the stats and
// health reads from blocking the deposit monitor's writes, and the busy
// timeout outlasts a reservation sweep holding the write lock.
const ledgerFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN turns a filesystem path into the DSN Open expects. The path is
// resolved to an absolute one so a relative working directory cannot scatter
// ledger files.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve ledger path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, ledgerFilePragmas), nil
}
