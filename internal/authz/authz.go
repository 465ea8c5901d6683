// Package authz implements the resource authorization engine: a
// path-based, attribute-driven permission model over a persistent table,
// with batch-aware validation and chown/chmod/include/exclude operations.
package authz

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rootacite/abyss/internal/identity"
	"github.com/zeebo/xxh3"
)

// Operation is one of the three authorizable actions over a resource.
type Operation int

const (
	Read Operation = iota
	Write
	Security
)

// Error kinds, per the error taxonomy.
var (
	ErrNotAuthenticated = errors.New("authz: not authenticated")
	ErrPermissionDenied = errors.New("authz: permission denied")
	ErrMalformed        = errors.New("authz: malformed request")
	ErrNotFound         = errors.New("authz: resource not found")
	ErrConflict         = errors.New("authz: conflict")
	ErrRootOnly         = errors.New("authz: root-only operation")
)

var permissionPattern = regexp.MustCompile(`^[r-][w-],[r-][w-],[r-][w-]$`)

// hashSeed is the fixed seed folded into every uid hash, so uids stay
// stable across process restarts and hosts.
var hashSeed = []byte{0x11, 0x45, 0x14, 0x19}

// ValidPermission reports whether perm matches the "oo,pp,tt" grammar.
func ValidPermission(perm string) bool {
	return permissionPattern.MatchString(perm)
}

// Attribute is one row of the ResourceAttributes table.
type Attribute struct {
	ID         int64
	UID        string
	Owner      int64
	Permission string // "oo,pp,tt"
}

func (a Attribute) pairs() (owner, peer, other string) {
	parts := strings.Split(a.Permission, ",")
	return parts[0], parts[1], parts[2]
}

// Engine wraps the ResourceAttributes table and the filesystem root it
// authorizes paths under.
type Engine struct {
	db        *sql.DB
	users     *identity.Store
	root      string // absolute, cleaned $MEDIA_ROOT
	debugMode bool   // DEBUG_MODE=Debug: bypasses the root-check on Initialize
}

// Open creates the ResourceAttributes table if absent and returns an
// Engine rooted at mediaRoot. debugMode mirrors DEBUG_MODE and, when true,
// lets Initialize run for any caller instead of root only.
func Open(db *sql.DB, users *identity.Store, mediaRoot string, debugMode bool) (*Engine, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS resource_attributes (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			uid        TEXT NOT NULL UNIQUE,
			owner      INTEGER NOT NULL,
			permission TEXT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("authz: create table: %w", err)
	}
	abs, err := filepath.Abs(mediaRoot)
	if err != nil {
		return nil, fmt.Errorf("authz: resolve media root: %w", err)
	}
	return &Engine{db: db, users: users, root: filepath.Clean(abs), debugMode: debugMode}, nil
}

// UID computes the base64-encoded XXH3-128 digest of a media-root-relative
// path, with a fixed seed folded into the hashed bytes (zeebo/xxh3 has no
// standalone seeded-Hash128 entry point, so the seed is mixed in by hashing
// seed‖path instead, still a deterministic, seed-dependent digest).
func UID(relPath string) string {
	relPath = filepath.ToSlash(relPath)
	buf := make([]byte, 0, len(hashSeed)+len(relPath))
	buf = append(buf, hashSeed...)
	buf = append(buf, relPath...)
	h := xxh3.Hash128(buf).Bytes()
	return base64.StdEncoding.EncodeToString(h[:])
}

// relPath validates that abs is under the media root and returns its
// slash-separated relative form. Rejects ".." components and paths outside
// the root, per the boundary rule.
func (e *Engine) relPath(p string) (string, error) {
	if strings.Contains(p, "..") {
		return "", ErrMalformed
	}
	abs, err := filepath.Abs(filepath.Join(e.root, p))
	if err != nil {
		return "", ErrMalformed
	}
	abs = filepath.Clean(abs)

	rootLower := strings.ToLower(e.root)
	absLower := strings.ToLower(abs)
	if absLower != rootLower && !strings.HasPrefix(absLower, rootLower+string(filepath.Separator)) {
		return "", ErrMalformed
	}
	rel, err := filepath.Rel(e.root, abs)
	if err != nil {
		return "", ErrMalformed
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

// FullPath returns the absolute filesystem path for a media-root-relative
// path, for callers that need to open the underlying file.
func (e *Engine) FullPath(relPath string) string {
	return filepath.Join(e.root, filepath.FromSlash(relPath))
}

// prefixChain returns every strict prefix of rel (root-most first) followed
// by rel itself, e.g. "a/b/c" -> ["a", "a/b", "a/b/c"].
func prefixChain(rel string) []string {
	if rel == "" {
		return nil
	}
	parts := strings.Split(rel, "/")
	chain := make([]string, 0, len(parts))
	acc := ""
	for _, p := range parts {
		if acc == "" {
			acc = p
		} else {
			acc = acc + "/" + p
		}
		chain = append(chain, acc)
	}
	return chain
}

func (e *Engine) fetchAttributes(uids []string) (map[string]Attribute, error) {
	out := make(map[string]Attribute, len(uids))
	if len(uids) == 0 {
		return out, nil
	}
	seen := make(map[string]bool, len(uids))
	placeholders := make([]string, 0, len(uids))
	args := make([]any, 0, len(uids))
	for _, u := range uids {
		if seen[u] {
			continue
		}
		seen[u] = true
		placeholders = append(placeholders, "?")
		args = append(args, u)
	}
	query := fmt.Sprintf(`SELECT id, uid, owner, permission FROM resource_attributes WHERE uid IN (%s)`, strings.Join(placeholders, ","))
	rows, err := e.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("authz: batch fetch: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a Attribute
		if err := rows.Scan(&a.ID, &a.UID, &a.Owner, &a.Permission); err != nil {
			return nil, fmt.Errorf("authz: scan: %w", err)
		}
		out[a.UID] = a
	}
	return out, rows.Err()
}

// decide resolves the caller's role against an attribute's owner and
// applies the matching permission pair for the requested operation.
func (e *Engine) decide(u identity.User, a Attribute, op Operation) bool {
	owner, err := e.users.FindByUUID(a.Owner)
	if err != nil {
		return false
	}

	var role string
	switch {
	case a.Owner == u.UUID:
		role = "owner"
	case u.Privilege == owner.Privilege:
		role = "peer"
	default:
		role = "other"
	}

	ownerPair, peerPair, otherPair := a.pairs()
	var perm string
	switch role {
	case "owner":
		perm = ownerPair
	case "peer":
		perm = peerPair
	default:
		perm = otherPair
	}

	switch op {
	case Read:
		return strings.Contains(perm, "r") || u.Privilege > owner.Privilege
	case Write:
		return strings.Contains(perm, "w") || u.Privilege > owner.Privilege
	case Security:
		return (role == "owner" && strings.Contains(perm, "w")) || u.UUID == identity.RootUUID
	default:
		return false
	}
}

// authorize checks a single relative path for op, authorizing every strict
// prefix for Read and the target itself for op, in one batch read.
func (e *Engine) authorize(u identity.User, rel string, op Operation) error {
	chain := prefixChain(rel)
	if len(chain) == 0 {
		return ErrMalformed
	}
	uids := make([]string, len(chain))
	for i, c := range chain {
		uids[i] = UID(c)
	}
	attrs, err := e.fetchAttributes(uids)
	if err != nil {
		return err
	}
	for i, c := range chain {
		wantOp := op
		if i < len(chain)-1 {
			wantOp = Read
		}
		a, ok := attrs[UID(c)]
		if !ok {
			return ErrNotFound
		}
		if !e.decide(u, a, wantOp) {
			return ErrPermissionDenied
		}
	}
	return nil
}

// ValidAny authorizes each of paths independently for op, returning a map
// full_path -> allowed. Malformed or unmanaged paths map to false rather
// than failing the whole batch.
func (e *Engine) ValidAny(u identity.User, paths []string, op Operation) map[string]bool {
	out := make(map[string]bool, len(paths))
	for _, p := range paths {
		rel, err := e.relPath(p)
		if err != nil {
			out[p] = false
			continue
		}
		out[p] = e.authorize(u, rel, op) == nil
	}
	return out
}

// ValidAll reports whether every path in paths is authorized for op,
// short-circuiting to false on the first denial.
func (e *Engine) ValidAll(u identity.User, paths []string, op Operation) bool {
	for _, p := range paths {
		rel, err := e.relPath(p)
		if err != nil {
			return false
		}
		if e.authorize(u, rel, op) != nil {
			return false
		}
	}
	return true
}

// GetAttribute returns the attribute row for path, unauthorized, for
// listing purposes.
func (e *Engine) GetAttribute(path string) (Attribute, error) {
	rel, err := e.relPath(path)
	if err != nil {
		return Attribute{}, ErrMalformed
	}
	attrs, err := e.fetchAttributes([]string{UID(rel)})
	if err != nil {
		return Attribute{}, err
	}
	a, ok := attrs[UID(rel)]
	if !ok {
		return Attribute{}, ErrNotFound
	}
	return a, nil
}

// Exists reports whether path has an attribute row.
func (e *Engine) Exists(path string) bool {
	_, err := e.GetAttribute(path)
	return err == nil
}

// Query authorizes Read on path, lists its immediate children, and filters
// them by per-child Read authorization; denied/missing children are
// silently dropped rather than causing an error.
func (e *Engine) Query(u identity.User, path, token string, validate func(string) int64) ([]string, error) {
	rel, err := e.relPath(path)
	if err != nil {
		return nil, ErrMalformed
	}
	if err := e.authorize(u, rel, Read); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(e.FullPath(rel))
	if err != nil {
		return nil, fmt.Errorf("authz: read dir: %w", err)
	}

	full := make([]string, 0, len(entries))
	for _, ent := range entries {
		full = append(full, filepath.ToSlash(filepath.Join(rel, ent.Name())))
	}
	allowed := e.ValidAny(u, full, Read)

	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		childRel := filepath.ToSlash(filepath.Join(rel, ent.Name()))
		if allowed[childRel] {
			names = append(names, ent.Name())
		}
	}
	return names, nil
}

// Get authorizes Read and opens path for range-capable reading.
func (e *Engine) Get(u identity.User, path string) (*os.File, error) {
	rel, err := e.relPath(path)
	if err != nil {
		return nil, ErrMalformed
	}
	if err := e.authorize(u, rel, Read); err != nil {
		return nil, err
	}
	f, err := os.Open(e.FullPath(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("authz: open: %w", err)
	}
	return f, nil
}

// GetString authorizes Read and returns the full file contents as text.
func (e *Engine) GetString(u identity.User, path string) (string, error) {
	f, err := e.Get(u, path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("authz: read: %w", err)
	}
	return string(data), nil
}

// GetAllString authorizes Read for each path independently; unauthorized or
// unreadable paths map to nil rather than failing the batch.
func (e *Engine) GetAllString(u identity.User, paths []string) map[string]*string {
	out := make(map[string]*string, len(paths))
	for _, p := range paths {
		s, err := e.GetString(u, p)
		if err != nil {
			out[p] = nil
			continue
		}
		out[p] = &s
	}
	return out
}

// UpdateString authorizes Write and atomically replaces the file's
// contents.
func (e *Engine) UpdateString(u identity.User, path, body string) error {
	rel, err := e.relPath(path)
	if err != nil {
		return ErrMalformed
	}
	if err := e.authorize(u, rel, Write); err != nil {
		return err
	}
	full := e.FullPath(rel)
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return fmt.Errorf("authz: write temp: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return fmt.Errorf("authz: rename: %w", err)
	}
	return nil
}

func (e *Engine) insertAttribute(rel string, owner int64, perm string) error {
	if !ValidPermission(perm) {
		return ErrMalformed
	}
	_, err := e.db.Exec(`INSERT INTO resource_attributes (uid, owner, permission) VALUES (?, ?, ?)`,
		UID(rel), owner, perm)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return ErrConflict
		}
		return fmt.Errorf("authz: insert attribute: %w", err)
	}
	return nil
}

func (e *Engine) hasAttribute(rel string) (bool, error) {
	var count int
	err := e.db.QueryRow(`SELECT COUNT(*) FROM resource_attributes WHERE uid = ?`, UID(rel)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("authz: exists check: %w", err)
	}
	return count > 0, nil
}

// Initialize is root-only, unless the engine was opened with debugMode,
// recursively enumerates rootPath and inserts one attribute per new path,
// owned by owner with permission "rw,--,--", skipping paths that already
// have an attribute (idempotent on re-run).
func (e *Engine) Initialize(u identity.User, rootPath string, owner int64) (int, error) {
	if u.UUID != identity.RootUUID && !e.debugMode {
		return 0, ErrRootOnly
	}
	relRoot, err := e.relPath(rootPath)
	if err != nil {
		return 0, ErrMalformed
	}
	fullRoot := e.FullPath(relRoot)

	inserted := 0
	err = filepath.WalkDir(fullRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(e.root, p)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		exists, eerr := e.hasAttribute(rel)
		if eerr != nil {
			return eerr
		}
		if exists {
			return nil
		}
		if ierr := e.insertAttribute(rel, owner, "rw,--,--"); ierr != nil && !errors.Is(ierr, ErrConflict) {
			return ierr
		}
		inserted++
		return nil
	})
	if err != nil {
		return inserted, fmt.Errorf("authz: initialize: %w", err)
	}
	return inserted, nil
}

// Include is root-only: inserts a single attribute, erroring if one is
// already present for path.
func (e *Engine) Include(u identity.User, path string, owner int64, perm string) error {
	if u.UUID != identity.RootUUID {
		return ErrRootOnly
	}
	rel, err := e.relPath(path)
	if err != nil {
		return ErrMalformed
	}
	return e.insertAttribute(rel, owner, perm)
}

// Exclude is root-only: deletes the attribute for path by uid.
func (e *Engine) Exclude(u identity.User, path string) error {
	if u.UUID != identity.RootUUID {
		return ErrRootOnly
	}
	rel, err := e.relPath(path)
	if err != nil {
		return ErrMalformed
	}
	res, err := e.db.Exec(`DELETE FROM resource_attributes WHERE uid = ?`, UID(rel))
	if err != nil {
		return fmt.Errorf("authz: delete attribute: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// targetSet returns path and, if recursive, every descendant that already
// has an attribute row, for the bulk chmod/chown precondition check.
func (e *Engine) targetSet(rel string, recursive bool) ([]string, error) {
	if !recursive {
		return []string{rel}, nil
	}
	prefix := rel + "/"

	// We only have uids (hashes) in storage, not plaintext paths, so the
	// recursive target set must be derived by walking the filesystem under
	// rel and checking which relative paths carry an attribute, rather than
	// by a UID prefix match (uids carry no hierarchical structure).
	full := e.FullPath(rel)
	var targets []string
	walkErr := filepath.WalkDir(full, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		r, rerr := filepath.Rel(e.root, p)
		if rerr != nil {
			return rerr
		}
		r = filepath.ToSlash(r)
		if r == rel {
			targets = append(targets, r)
		} else if strings.HasPrefix(r, prefix) {
			has, herr := e.hasAttribute(r)
			if herr != nil {
				return herr
			}
			if has {
				targets = append(targets, r)
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("authz: walk targets: %w", walkErr)
	}
	return targets, nil
}

// Chmod authorizes Security on path (and every descendant if recursive),
// requiring the whole precondition to hold before any row is touched, then
// bulk-updates permissions and returns the count of rows modified.
func (e *Engine) Chmod(u identity.User, path, perm string, recursive bool) (int, error) {
	if !ValidPermission(perm) {
		return 0, ErrMalformed
	}
	rel, err := e.relPath(path)
	if err != nil {
		return 0, ErrMalformed
	}
	targets, err := e.targetSet(rel, recursive)
	if err != nil {
		return 0, err
	}
	for _, t := range targets {
		if err := e.authorize(u, t, Security); err != nil {
			return 0, err
		}
	}
	modified := 0
	for _, t := range targets {
		res, err := e.db.Exec(`UPDATE resource_attributes SET permission = ? WHERE uid = ?`, perm, UID(t))
		if err != nil {
			return modified, fmt.Errorf("authz: chmod: %w", err)
		}
		n, _ := res.RowsAffected()
		modified += int(n)
	}
	return modified, nil
}

// Chown authorizes Security on path (and descendants if recursive),
// requires newOwner to exist, then bulk-updates owners.
func (e *Engine) Chown(u identity.User, path string, newOwner int64, recursive bool) (int, error) {
	if _, err := e.users.FindByUUID(newOwner); err != nil {
		return 0, ErrMalformed
	}
	rel, err := e.relPath(path)
	if err != nil {
		return 0, ErrMalformed
	}
	targets, err := e.targetSet(rel, recursive)
	if err != nil {
		return 0, err
	}
	for _, t := range targets {
		if err := e.authorize(u, t, Security); err != nil {
			return 0, err
		}
	}
	modified := 0
	for _, t := range targets {
		res, err := e.db.Exec(`UPDATE resource_attributes SET owner = ? WHERE uid = ?`, newOwner, UID(t))
		if err != nil {
			return modified, fmt.Errorf("authz: chown: %w", err)
		}
		n, _ := res.RowsAffected()
		modified += int(n)
	}
	return modified, nil
}

// Bootstrap writes attributes for Tasks/ and Live/ owned by root with
// "rw,r-,r-", replacing them on re-run, per the engine's bootstrap step.
func (e *Engine) Bootstrap() error {
	for _, rel := range []string{"Tasks", "Live"} {
		full := e.FullPath(rel)
		if err := os.MkdirAll(full, 0o755); err != nil {
			return fmt.Errorf("authz: bootstrap mkdir %s: %w", rel, err)
		}
		uid := UID(rel)
		_, err := e.db.Exec(`
			INSERT INTO resource_attributes (uid, owner, permission) VALUES (?, ?, ?)
			ON CONFLICT(uid) DO UPDATE SET owner = excluded.owner, permission = excluded.permission
		`, uid, identity.RootUUID, "rw,r-,r-")
		if err != nil {
			return fmt.Errorf("authz: bootstrap attribute %s: %w", rel, err)
		}
	}
	return nil
}
