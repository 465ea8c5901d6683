// Package audit records admin control socket actions (init/useradd/include/
// chmod) to a persistent log, independent of the ordinary request logging
// done via the standard log package.
package audit

import (
	"database/sql"
	"fmt"
	"log"
)

var db *sql.DB

// Init creates the audit_logs table and binds future Log calls to database.
func Init(database *sql.DB) error {
	db = database

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp  DATETIME DEFAULT CURRENT_TIMESTAMP,
			actor      TEXT,
			action     TEXT NOT NULL,
			resource   TEXT,
			result     TEXT,
			details    TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_logs(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_logs(action);
	`)
	if err != nil {
		return fmt.Errorf("audit: create table: %w", err)
	}
	return nil
}

// Log writes one audit entry. actor is the admin-socket caller's identity
// (currently always "root", since the socket's own filesystem permissions
// are the trust boundary for who can dial it at all).
func Log(actor, action, resource, result, details string) {
	if db == nil {
		return
	}
	_, err := db.Exec(`
		INSERT INTO audit_logs (actor, action, resource, result, details)
		VALUES (?, ?, ?, ?, ?)
	`, actor, action, resource, result, details)
	if err != nil {
		log.Printf("[audit] failed to write entry: %v", err)
	}
}

// LogSuccess records a successful admin action.
func LogSuccess(actor, action, resource string) {
	Log(actor, action, resource, "success", "")
}

// LogFailure records a failed admin action with the reason.
func LogFailure(actor, action, resource, reason string) {
	Log(actor, action, resource, "failure", reason)
}
