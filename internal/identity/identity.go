// Package identity implements the Identity Store: the persistent table of
// users, their parentage, public keys, and privilege levels.
package identity

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrDuplicateUser is returned when inserting a username that already exists.
	ErrDuplicateUser = errors.New("identity: duplicate user")
	// ErrUserNotFound is returned by lookups that miss.
	ErrUserNotFound = errors.New("identity: user not found")
	// ErrInvalidUsername is returned for non-alphanumeric usernames.
	ErrInvalidUsername = errors.New("identity: invalid username")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// ValidUsername reports whether name is ascii-alphanumeric, as required by
// the registration path and by CreateUser's username check.
func ValidUsername(name string) bool {
	return name != "" && usernamePattern.MatchString(name)
}

// User is one row of the Users table.
type User struct {
	UUID      int64
	Username  string
	ParentID  int64
	PublicKey []byte // 32-byte raw Ed25519 public key
	Privilege int
}

// RootUUID is reserved for the first user created on any fresh store.
const RootUUID int64 = 1

// Store wraps the Users table.
type Store struct {
	db *sql.DB
}

// Open creates the Users table if absent and returns a Store over db.
func Open(db *sql.DB) (*Store, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			uuid       INTEGER PRIMARY KEY AUTOINCREMENT,
			username   TEXT NOT NULL UNIQUE,
			parent_id  INTEGER NOT NULL,
			public_key BLOB NOT NULL,
			privilege  INTEGER NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("identity: create table: %w", err)
	}
	return &Store{db: db}, nil
}

// IsEmpty reports whether the table holds no rows yet, used to gate the
// bootstrap path that creates root.
func (s *Store) IsEmpty() (bool, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return false, fmt.Errorf("identity: count: %w", err)
	}
	return count == 0, nil
}

// Insert adds a new user. The username must be unique; re-inserting an
// existing username fails with ErrDuplicateUser.
func (s *Store) Insert(u User) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO users (username, parent_id, public_key, privilege)
		VALUES (?, ?, ?, ?)
	`, u.Username, u.ParentID, u.PublicKey, u.Privilege)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateUser
		}
		return 0, fmt.Errorf("identity: insert: %w", err)
	}
	return res.LastInsertId()
}

// FindByUUID looks up a user by primary key.
func (s *Store) FindByUUID(uuid int64) (*User, error) {
	return s.scanOne(`SELECT uuid, username, parent_id, public_key, privilege FROM users WHERE uuid = ?`, uuid)
}

// FindByName looks up a user by username.
func (s *Store) FindByName(name string) (*User, error) {
	return s.scanOne(`SELECT uuid, username, parent_id, public_key, privilege FROM users WHERE username = ?`, name)
}

func (s *Store) scanOne(query string, arg any) (*User, error) {
	var u User
	err := s.db.QueryRow(query, arg).Scan(&u.UUID, &u.Username, &u.ParentID, &u.PublicKey, &u.Privilege)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: query: %w", err)
	}
	return &u, nil
}

// All returns every user, used by VerifyAny (session package) and the admin
// `list` surface.
func (s *Store) All() ([]User, error) {
	rows, err := s.db.Query(`SELECT uuid, username, parent_id, public_key, privilege FROM users`)
	if err != nil {
		return nil, fmt.Errorf("identity: query all: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.UUID, &u.Username, &u.ParentID, &u.PublicKey, &u.Privilege); err != nil {
			return nil, fmt.Errorf("identity: scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite returns a *sqlite.Error whose message contains this
	// substring for UNIQUE constraint failures; matching on the message is
	// the simplest portable way to detect a conflicting insert.
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
