package storage

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults. Callers must ensure the path is non-empty.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// MemoryDSN returns a shared-cache in-memory SQLite DSN. Distinct names yield
// distinct databases within one process.
func MemoryDSN(name string) string {
	clean := unsafeName.ReplaceAllString(name, "_")
	if clean == "" {
		clean = "swapd"
	}
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", clean)
}

// IsPostgres reports whether dsn targets PostgreSQL.
func IsPostgres(dsn string) bool {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}
