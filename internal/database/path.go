// Package database resolves the sqlite database path abyssd opens at
// startup, independent of the higher-level config layering in
// internal/config (config calls ResolvePath rather than duplicating it).
package database

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultDBPath is the database path used when nothing more specific is
// configured. Relative to the home directory so it stays stable regardless
// of the daemon's working directory.
const DefaultDBPath = "~/.abyss/abyss.db"

// ResolvePath determines the database path using the priority:
// 1. explicit (the -db flag)
// 2. ABYSS_DB_PATH environment variable
// 3. DefaultDBPath
func ResolvePath(explicit string) string {
	if explicit != "" {
		return expandPath(explicit)
	}
	if envPath := os.Getenv("ABYSS_DB_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	return expandPath(DefaultDBPath)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
