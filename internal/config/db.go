package config

import (
	"database/sql"
	"fmt"
	"log"
)

// Store persists configuration overrides in the sqlite database, so
// settings written with Set apply without editing env vars.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the configurations table.
func NewStore(db *sql.DB) (*Store, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS configurations (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return nil, fmt.Errorf("config: create table: %w", err)
	}
	return &Store{db: db}, nil
}

// Load reads all persisted overrides as a flat key/value map.
func (s *Store) Load() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM configurations")
	if err != nil {
		return nil, fmt.Errorf("config: query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Set upserts a single override.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO configurations (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// OverlayDB applies persisted overrides onto the in-memory config, then
// re-applies flags so they keep the final word: flags > DB overrides >
// environment > built-in defaults.
func OverlayDB(db *sql.DB, flags *CLIFlags) error {
	if appConfig == nil {
		return fmt.Errorf("config: Load() must run before OverlayDB")
	}

	store, err := NewStore(db)
	if err != nil {
		return err
	}
	persisted, err := store.Load()
	if err != nil {
		return err
	}

	applyDBMap(appConfig, persisted)
	applyCLIFlags(appConfig, flags)

	if err := appConfig.Validate(); err != nil {
		return fmt.Errorf("config: invalid after db overlay: %w", err)
	}
	log.Printf("[config] overlaid from database")
	return nil
}

func applyDBMap(cfg *Config, data map[string]string) {
	for k, v := range data {
		switch k {
		case "media.root":
			cfg.Media.MediaRoot = ExpandPath(v)
		case "media.allowed_ports":
			cfg.Media.AllowedPorts = v
		case "media.admin_socket":
			cfg.Media.AdminSocket = v
		case "media.http_addr":
			cfg.Media.HTTPAddr = v
		case "media.debug_mode":
			cfg.Media.DebugMode = v == "true"
		}
	}
}
