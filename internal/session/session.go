// Package session implements the session and auth service: challenge
// issuance, signature verification, and session token lifecycle, built on
// top of the expiring cache and the identity store.
package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rootacite/abyss/internal/cache"
	"github.com/rootacite/abyss/internal/identity"
)

// Failure taxonomy, per the error kinds enumerated for this component.
var (
	ErrUserNotFound      = errors.New("session: user not found")
	ErrChallengeMissing  = errors.New("session: no outstanding challenge")
	ErrSignatureInvalid  = errors.New("session: signature invalid")
	ErrTokenMissing      = errors.New("session: token missing or expired")
	ErrIPMismatch        = errors.New("session: ip mismatch")
	ErrPrivilegeExceeded = errors.New("session: privilege exceeded")
	ErrUsernameInvalid   = errors.New("session: invalid username")
	ErrDuplicateUser     = errors.New("session: duplicate user")
)

const (
	challengeTTL    = 60 * time.Second
	tokenTTL        = 24 * time.Hour
	delegatedTTL    = 1 * time.Hour
	challengeBytes  = 32
	tokenByteLength = 48 // base64-encodes to 64 ASCII chars
	sweepInterval   = time.Minute

	// DebugToken is the well-known token unlocked by DEBUG_MODE=Debug,
	// usable only from loopback connections.
	DebugToken = "abyss"
)

// Service mints challenges and tokens and validates them against the
// identity store. Challenges and sessions each get their own cache so a
// session sweep never evicts a pending challenge and vice versa.
type Service struct {
	users      *identity.Store
	challenges *cache.Cache
	tokens     *cache.Cache
	debugMode  bool
}

type tokenEntry struct {
	uuid int64
	ip   string
}

// New builds a Service. When debugMode is true, the loopback debug token is
// seeded immediately so DEBUG_MODE toggling takes effect at startup rather
// than on first request.
func New(users *identity.Store, debugMode bool) *Service {
	s := &Service{
		users:      users,
		challenges: cache.New(sweepInterval),
		tokens:     cache.New(sweepInterval),
		debugMode:  debugMode,
	}
	if debugMode {
		s.tokens.Put(DebugToken, tokenEntry{uuid: identity.RootUUID, ip: "127.0.0.1"}, time.Hour)
	}
	return s
}

// Close stops the background sweep goroutines.
func (s *Service) Close() {
	s.challenges.Stop()
	s.tokens.Stop()
}

func challengeKey(uuid int64) string {
	return "chal:" + strconv.FormatInt(uuid, 10)
}

// Challenge issues a new random challenge for the named user, replacing any
// prior outstanding challenge. Returns the base64 challenge, or
// ErrUserNotFound if the user does not exist.
func (s *Service) Challenge(username string) (string, error) {
	u, err := s.users.FindByName(username)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("session: lookup user: %w", err)
	}

	raw := make([]byte, challengeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("session: generate challenge: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	s.challenges.Put(challengeKey(u.UUID), raw, challengeTTL)
	return encoded, nil
}

// Verify checks response against the outstanding challenge for username and,
// on success, mints and returns a session token bound to ip. On any failure
// the challenge is poisoned (rewritten to an unguessable sentinel for its
// remaining TTL) so the same challenge can never be retried.
func (s *Service) Verify(username, response, ip string) (string, error) {
	u, err := s.users.FindByName(username)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("session: lookup user: %w", err)
	}

	key := challengeKey(u.UUID)
	raw, ok := s.challenges.Get(key)
	if !ok {
		return "", ErrChallengeMissing
	}
	challengeRaw, ok := raw.([]byte)
	if !ok {
		// Poisoned sentinel: already failed once in this window.
		return "", ErrChallengeMissing
	}

	sig, err := base64.StdEncoding.DecodeString(response)
	if err != nil || len(sig) != ed25519.SignatureSize || !ed25519.Verify(ed25519.PublicKey(u.PublicKey), challengeRaw, sig) {
		s.poisonChallenge(key)
		return "", ErrSignatureInvalid
	}

	s.challenges.Remove(key)
	return s.CreateToken(u.UUID, ip, tokenTTL)
}

// poisonChallenge rewrites the challenge entry to a random string the
// client cannot reconstruct, valid for the remainder of the original TTL,
// preventing a second guess against the same pending challenge.
func (s *Service) poisonChallenge(key string) {
	sentinel := make([]byte, challengeBytes)
	rand.Read(sentinel)
	s.challenges.ReplaceKeepTTL(key, "failed:"+base64.StdEncoding.EncodeToString(sentinel))
}

// Validate resolves a token presented from ip to a uuid, or -1 if absent,
// expired, or IP-mismatched. A mismatch on a non-loopback request destroys
// the token outright.
func (s *Service) Validate(token, ip string) int64 {
	v, ok := s.tokens.Get(token)
	if !ok {
		return -1
	}
	e := v.(tokenEntry)
	if e.ip == ip {
		return e.uuid
	}
	if isLoopback(ip) && token == DebugToken {
		return e.uuid
	}
	s.tokens.Remove(token)
	return -1
}

// Destroy removes a token unconditionally.
func (s *Service) Destroy(token string) {
	s.tokens.Remove(token)
}

// CreateToken mints a fresh random token bound to ip with the given ttl,
// used directly by Verify and by delegation (open/root-delegated tokens).
func (s *Service) CreateToken(uuid int64, ip string, ttl time.Duration) (string, error) {
	raw := make([]byte, tokenByteLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("session: generate token: %w", err)
	}
	token := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
	s.tokens.Put(token, tokenEntry{uuid: uuid, ip: ip}, ttl)
	return token, nil
}

// CreateDelegatedToken mints a root-delegated token with the shorter
// 1-hour TTL used for delegation via GET …/open.
func (s *Service) CreateDelegatedToken(uuid int64, ip string) (string, error) {
	return s.CreateToken(uuid, ip, delegatedTTL)
}

// UserCreating describes a new-user request to CreateUser.
type UserCreating struct {
	Username  string
	Privilege int
	PublicKey []byte
}

// CreateUser validates creatorToken, enforces the privilege-ceiling and
// username rules, inserts the new user parented to the creator, and
// destroys the creator's token to force re-login.
func (s *Service) CreateUser(creatorToken, ip string, nu UserCreating) (int64, error) {
	creatorUUID := s.Validate(creatorToken, ip)
	if creatorUUID < 0 {
		return 0, ErrTokenMissing
	}
	creator, err := s.users.FindByUUID(creatorUUID)
	if err != nil {
		return 0, fmt.Errorf("session: lookup creator: %w", err)
	}

	if !identity.ValidUsername(nu.Username) {
		return 0, ErrUsernameInvalid
	}
	if _, err := s.users.FindByName(nu.Username); err == nil {
		return 0, ErrDuplicateUser
	} else if !errors.Is(err, identity.ErrUserNotFound) {
		return 0, fmt.Errorf("session: lookup new user: %w", err)
	}
	if nu.Privilege > creator.Privilege {
		return 0, ErrPrivilegeExceeded
	}

	uuid, err := s.users.Insert(identity.User{
		Username:  nu.Username,
		ParentID:  creator.UUID,
		PublicKey: nu.PublicKey,
		Privilege: nu.Privilege,
	})
	if err != nil {
		if errors.Is(err, identity.ErrDuplicateUser) {
			return 0, ErrDuplicateUser
		}
		return 0, fmt.Errorf("session: insert user: %w", err)
	}

	s.Destroy(creatorToken)
	return uuid, nil
}

// AdminCreateUser inserts a new user directly, generating its Ed25519
// keypair and returning the private key to the caller. Used only by the
// admin control socket, whose filesystem permissions are themselves the
// trust boundary: no creator token is required or consumed, unlike
// CreateUser's bearer-token path.
func (s *Service) AdminCreateUser(username string, privilege int, parent int64) (int64, ed25519.PrivateKey, error) {
	if !identity.ValidUsername(username) {
		return 0, nil, ErrUsernameInvalid
	}
	if _, err := s.users.FindByName(username); err == nil {
		return 0, nil, ErrDuplicateUser
	} else if !errors.Is(err, identity.ErrUserNotFound) {
		return 0, nil, fmt.Errorf("session: lookup new user: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return 0, nil, fmt.Errorf("session: generate keypair: %w", err)
	}

	uuid, err := s.users.Insert(identity.User{
		Username:  username,
		ParentID:  parent,
		PublicKey: pub,
		Privilege: privilege,
	})
	if err != nil {
		if errors.Is(err, identity.ErrDuplicateUser) {
			return 0, nil, ErrDuplicateUser
		}
		return 0, nil, fmt.Errorf("session: insert user: %w", err)
	}
	return uuid, priv, nil
}

// VerifyAny reports whether signature validly signs data under any
// registered user's public key. Used by the transport handshake, where
// the signer's identity is not yet known.
func (s *Service) VerifyAny(data, signature []byte) bool {
	users, err := s.users.All()
	if err != nil {
		return false
	}
	for _, u := range users {
		if ed25519.Verify(ed25519.PublicKey(u.PublicKey), data, signature) {
			return true
		}
	}
	return false
}

func isLoopback(ip string) bool {
	ip = strings.TrimSpace(ip)
	return ip == "127.0.0.1" || ip == "::1" || ip == "localhost"
}
