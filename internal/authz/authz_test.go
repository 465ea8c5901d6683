package authz

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rootacite/abyss/internal/identity"
	_ "modernc.org/sqlite"
)

func newTestEngine(t *testing.T) (*Engine, *identity.Store, string) {
	t.Helper()
	return newTestEngineDebug(t, false)
}

func newTestEngineDebug(t *testing.T, debugMode bool) (*Engine, *identity.Store, string) {
	t.Helper()
	dir := t.TempDir()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users, err := identity.Open(db)
	if err != nil {
		t.Fatalf("open identity: %v", err)
	}

	eng, err := Open(db, users, dir, debugMode)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	return eng, users, dir
}

func mkfile(t *testing.T, root, rel string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestUIDDeterministicAndSeeded(t *testing.T) {
	a := UID("Videos/x/summary.json")
	b := UID("Videos/x/summary.json")
	if a != b {
		t.Fatal("expected UID to be deterministic")
	}
	c := UID("Videos/y/summary.json")
	if a == c {
		t.Fatal("expected different paths to hash differently")
	}
}

func TestValidPermission(t *testing.T) {
	good := []string{"rw,r-,r-", "--,--,--", "rw,rw,rw"}
	bad := []string{"rw,r-", "xy,r-,r-", "rw,r-,r-,"}
	for _, g := range good {
		if !ValidPermission(g) {
			t.Errorf("expected %q valid", g)
		}
	}
	for _, b := range bad {
		if ValidPermission(b) {
			t.Errorf("expected %q invalid", b)
		}
	}
}

func TestIncludeAndGetAttribute(t *testing.T) {
	eng, users, dir := newTestEngine(t)
	rootUUID, _ := users.Insert(identity.User{Username: "root", PublicKey: make([]byte, 32), Privilege: 100})
	root := identity.User{UUID: rootUUID, Username: "root", Privilege: 100}

	mkfile(t, dir, "Videos/a/summary.json")
	if err := eng.Include(root, "Videos", rootUUID, "rw,r-,r-"); err != nil {
		t.Fatalf("include Videos: %v", err)
	}
	if err := eng.Include(root, "Videos/a", rootUUID, "rw,r-,r-"); err != nil {
		t.Fatalf("include Videos/a: %v", err)
	}
	if err := eng.Include(root, "Videos/a/summary.json", rootUUID, "rw,r-,r-"); err != nil {
		t.Fatalf("include summary.json: %v", err)
	}

	attr, err := eng.GetAttribute("Videos/a/summary.json")
	if err != nil {
		t.Fatalf("get attribute: %v", err)
	}
	if attr.Owner != rootUUID {
		t.Fatalf("expected owner %d, got %d", rootUUID, attr.Owner)
	}

	if err := eng.Include(root, "Videos", rootUUID, "rw,r-,r-"); err != ErrConflict {
		t.Fatalf("expected ErrConflict on re-include, got %v", err)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	eng, users, _ := newTestEngine(t)
	rootUUID, _ := users.Insert(identity.User{Username: "root", PublicKey: make([]byte, 32), Privilege: 100})
	root := identity.User{UUID: rootUUID, Privilege: 100}

	if err := eng.Include(root, "../etc/passwd", rootUUID, "rw,r-,r-"); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed for traversal, got %v", err)
	}
}

func TestAuthorizeReadWriteSecurityAlgebra(t *testing.T) {
	eng, users, dir := newTestEngine(t)
	rootUUID, _ := users.Insert(identity.User{Username: "root", PublicKey: make([]byte, 32), Privilege: 100})
	ownerUUID, _ := users.Insert(identity.User{Username: "owner", PublicKey: make([]byte, 32), Privilege: 10})
	peerUUID, _ := users.Insert(identity.User{Username: "peer", PublicKey: make([]byte, 32), Privilege: 10})
	otherUUID, _ := users.Insert(identity.User{Username: "other", PublicKey: make([]byte, 32), Privilege: 1})

	root := identity.User{UUID: rootUUID, Privilege: 100}
	owner := identity.User{UUID: ownerUUID, Privilege: 10}
	peer := identity.User{UUID: peerUUID, Privilege: 10}
	other := identity.User{UUID: otherUUID, Privilege: 1}

	mkfile(t, dir, "Videos/x")
	if err := eng.Include(root, "Videos", rootUUID, "rw,r-,r-"); err != nil {
		t.Fatal(err)
	}
	if err := eng.Include(root, "Videos/x", ownerUUID, "rw,r-,--"); err != nil {
		t.Fatal(err)
	}

	if err := eng.authorize(owner, "Videos/x", Read); err != nil {
		t.Errorf("owner should read: %v", err)
	}
	if err := eng.authorize(owner, "Videos/x", Write); err != nil {
		t.Errorf("owner should write: %v", err)
	}
	if err := eng.authorize(peer, "Videos/x", Read); err != nil {
		t.Errorf("peer should read (r- pair): %v", err)
	}
	if err := eng.authorize(peer, "Videos/x", Write); err == nil {
		t.Errorf("peer should not write (r- pair)")
	}
	if err := eng.authorize(other, "Videos/x", Read); err == nil {
		t.Errorf("other should not read (-- pair)")
	}
	// root's strictly-greater privilege overrides deny.
	if err := eng.authorize(root, "Videos/x", Write); err != nil {
		t.Errorf("root privilege override should grant write: %v", err)
	}
	// Security: only owner-with-write or uuid==1.
	if err := eng.authorize(owner, "Videos/x", Security); err != nil {
		t.Errorf("owner with write pair should have security: %v", err)
	}
	if err := eng.authorize(peer, "Videos/x", Security); err == nil {
		t.Errorf("peer must not have security despite equal privilege")
	}
	if err := eng.authorize(root, "Videos/x", Security); err != nil {
		t.Errorf("root should always have security: %v", err)
	}
}

func TestValidAnyAndValidAll(t *testing.T) {
	eng, users, dir := newTestEngine(t)
	rootUUID, _ := users.Insert(identity.User{Username: "root", PublicKey: make([]byte, 32), Privilege: 100})
	root := identity.User{UUID: rootUUID, Privilege: 100}

	mkfile(t, dir, "Videos/a")
	mkfile(t, dir, "Videos/b")
	eng.Include(root, "Videos", rootUUID, "rw,r-,r-")
	eng.Include(root, "Videos/a", rootUUID, "rw,r-,r-")
	// Videos/b intentionally left unmanaged.

	paths := []string{"Videos/a", "Videos/b", "nope/../../etc"}
	any := eng.ValidAny(root, paths, Read)
	if !any["Videos/a"] {
		t.Error("expected Videos/a valid")
	}
	if any["Videos/b"] {
		t.Error("expected unmanaged Videos/b invalid")
	}
	if any["nope/../../etc"] {
		t.Error("expected traversal path invalid")
	}

	if eng.ValidAll(root, paths, Read) {
		t.Error("expected ValidAll to short-circuit false")
	}
	if !eng.ValidAll(root, []string{"Videos/a"}, Read) {
		t.Error("expected ValidAll true for a fully-authorized set")
	}
}

func TestInitializeIdempotent(t *testing.T) {
	eng, users, dir := newTestEngine(t)
	rootUUID, _ := users.Insert(identity.User{Username: "root", PublicKey: make([]byte, 32), Privilege: 100})
	root := identity.User{UUID: rootUUID, Privilege: 100}

	mkfile(t, dir, "Videos/a/summary.json")
	mkfile(t, dir, "Videos/b/summary.json")

	n1, err := eng.Initialize(root, "Videos", rootUUID)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if n1 == 0 {
		t.Fatal("expected attributes inserted")
	}

	var total1 int
	eng.db.QueryRow(`SELECT COUNT(*) FROM resource_attributes`).Scan(&total1)

	if _, err := eng.Initialize(root, "Videos", rootUUID); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	var total2 int
	eng.db.QueryRow(`SELECT COUNT(*) FROM resource_attributes`).Scan(&total2)

	if total1 != total2 {
		t.Fatalf("expected idempotent attribute count, got %d then %d", total1, total2)
	}
}

func TestInitializeRejectsNonRoot(t *testing.T) {
	eng, users, dir := newTestEngine(t)
	userUUID, _ := users.Insert(identity.User{Username: "alice", PublicKey: make([]byte, 32), Privilege: 10})
	mkfile(t, dir, "Videos/a/summary.json")

	if _, err := eng.Initialize(identity.User{UUID: userUUID, Privilege: 10}, "Videos", userUUID); !errors.Is(err, ErrRootOnly) {
		t.Fatalf("expected ErrRootOnly, got %v", err)
	}
}

func TestInitializeDebugModeBypassesRootCheck(t *testing.T) {
	eng, users, dir := newTestEngineDebug(t, true)
	userUUID, _ := users.Insert(identity.User{Username: "alice", PublicKey: make([]byte, 32), Privilege: 10})
	mkfile(t, dir, "Videos/a/summary.json")

	n, err := eng.Initialize(identity.User{UUID: userUUID, Privilege: 10}, "Videos", userUUID)
	if err != nil {
		t.Fatalf("expected debug mode to bypass root-check, got %v", err)
	}
	if n == 0 {
		t.Fatal("expected attributes inserted")
	}
}

func TestChmodRecursive(t *testing.T) {
	eng, users, dir := newTestEngine(t)
	rootUUID, _ := users.Insert(identity.User{Username: "root", PublicKey: make([]byte, 32), Privilege: 100})
	root := identity.User{UUID: rootUUID, Privilege: 100}

	mkfile(t, dir, "Videos/a/summary.json")
	if _, err := eng.Initialize(root, "Videos", rootUUID); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	modified, err := eng.Chmod(root, "Videos", "rw,rw,r-", true)
	if err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if modified == 0 {
		t.Fatal("expected rows modified")
	}

	attr, err := eng.GetAttribute("Videos/a/summary.json")
	if err != nil {
		t.Fatalf("get attribute: %v", err)
	}
	if attr.Permission != "rw,rw,r-" {
		t.Fatalf("expected permission propagated recursively, got %q", attr.Permission)
	}
}

func TestChownRequiresExistingOwner(t *testing.T) {
	eng, users, dir := newTestEngine(t)
	rootUUID, _ := users.Insert(identity.User{Username: "root", PublicKey: make([]byte, 32), Privilege: 100})
	root := identity.User{UUID: rootUUID, Privilege: 100}

	mkfile(t, dir, "Videos/a")
	eng.Include(root, "Videos", rootUUID, "rw,r-,r-")
	eng.Include(root, "Videos/a", rootUUID, "rw,r-,r-")

	if _, err := eng.Chown(root, "Videos/a", 9999, false); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed for nonexistent new owner, got %v", err)
	}
}
