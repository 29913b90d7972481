// Package auth validates agent credentials and caps concurrent sessions per token.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/postalsys/muti-relay/internal/protocol"
)

var (
	// ErrInvalidToken is returned when no token record matches
	ErrInvalidToken = errors.New("invalid token")

	// ErrTooManyClients is returned when a token already has max_clients sessions
	ErrTooManyClients = errors.New("too many clients for token")

	// ErrInvalidClientID is returned for empty or malformed client identifiers
	ErrInvalidClientID = errors.New("invalid client id")
)

// MaxClientIDLength bounds a normalized client identifier in bytes.
const MaxClientIDLength = 128

// TokenRecord is a credential together with the limits it grants.
// Records are immutable once loaded.
type TokenRecord struct {
	// Name identifies the record in logs, metrics and session counts.
	Name string

	// Token is the plaintext credential. Empty when only a hash is stored.
	Token string

	// TokenHash is a bcrypt hash of the credential.
	TokenHash string

	// MaxClients caps concurrently authenticated sessions. Zero means unlimited.
	MaxClients int

	// MaxTunnelsPerClient caps tunnels registered by one session. Zero means unlimited.
	MaxTunnelsPerClient int

	// MaxConnectionsPerTunnel caps concurrently open streams per tunnel. Zero means unlimited.
	MaxConnectionsPerTunnel int

	// MaxBandwidth limits each tunnel to this many bytes per second. Zero means unlimited.
	MaxBandwidth int64

	// store is the 1-based position of the ChainStore member that
	// matched. Records with equal names from different stores are
	// counted separately.
	store int
}

// TokenStore looks up token records. Implementations must compare
// credentials without leaking timing information about stored tokens.
type TokenStore interface {
	// Match returns the record for token or ErrInvalidToken.
	Match(ctx context.Context, token string) (*TokenRecord, error)
}

// StaticStore is an in-memory token store, typically loaded from configuration.
type StaticStore struct {
	records []TokenRecord
	digests [][sha256.Size]byte
}

// NewStaticStore creates a store from records. Every record needs a
// unique name and either a token or a token hash.
func NewStaticStore(records []TokenRecord) (*StaticStore, error) {
	s := &StaticStore{
		records: make([]TokenRecord, len(records)),
		digests: make([][sha256.Size]byte, len(records)),
	}
	seen := make(map[string]bool, len(records))
	for i, r := range records {
		if r.Name == "" {
			return nil, fmt.Errorf("token record %d: name is required", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("token record %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
		if r.Token == "" && r.TokenHash == "" {
			return nil, fmt.Errorf("token record %q: token or token_hash is required", r.Name)
		}
		s.records[i] = r
		if r.Token != "" {
			s.digests[i] = sha256.Sum256([]byte(r.Token))
		}
	}
	return s, nil
}

// Match compares token against every record. Plaintext tokens are
// compared as SHA-256 digests so the comparison length is fixed.
func (s *StaticStore) Match(ctx context.Context, token string) (*TokenRecord, error) {
	digest := sha256.Sum256([]byte(token))
	found := -1
	for i := range s.records {
		var ok bool
		if s.records[i].Token != "" {
			ok = subtle.ConstantTimeCompare(digest[:], s.digests[i][:]) == 1
		} else {
			ok = bcrypt.CompareHashAndPassword([]byte(s.records[i].TokenHash), []byte(token)) == nil
		}
		if ok && found < 0 {
			found = i
		}
	}
	if found < 0 {
		return nil, ErrInvalidToken
	}
	r := s.records[found]
	return &r, nil
}

// Len returns the number of records.
func (s *StaticStore) Len() int {
	return len(s.records)
}

// ChainStore consults several stores in order.
type ChainStore []TokenStore

// Match returns the first matching record.
func (c ChainStore) Match(ctx context.Context, token string) (*TokenRecord, error) {
	for i, store := range c {
		rec, err := store.Match(ctx, token)
		if err == nil {
			rec.store = i + 1
			return rec, nil
		}
		if !errors.Is(err, ErrInvalidToken) {
			return nil, err
		}
	}
	return nil, ErrInvalidToken
}

// NormalizeClientID trims and NFC-normalizes id, rejecting empty,
// oversized, or non-printable identifiers.
func NormalizeClientID(id string) (string, error) {
	id = norm.NFC.String(strings.TrimSpace(id))
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(id) > MaxClientIDLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidClientID, MaxClientIDLength)
	}
	for _, r := range id {
		if !unicode.IsPrint(r) {
			return "", fmt.Errorf("%w: contains non-printable characters", ErrInvalidClientID)
		}
	}
	return id, nil
}

// Authenticator validates tokens and tracks active sessions per token.
type Authenticator struct {
	store TokenStore

	mu     sync.Mutex
	active map[leaseKey]int
}

type leaseKey struct {
	store int
	name  string
}

func (r *TokenRecord) key() leaseKey {
	return leaseKey{store: r.store, name: r.Name}
}

// NewAuthenticator creates an authenticator backed by store.
func NewAuthenticator(store TokenStore) *Authenticator {
	return &Authenticator{
		store:  store,
		active: make(map[leaseKey]int),
	}
}

// Lease is an authenticated session slot. Release must be called when
// the session ends; repeated calls are no-ops.
type Lease struct {
	Record   TokenRecord
	ClientID string

	auth *Authenticator
	once sync.Once
}

// Release returns the session slot to the token.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.auth.release(l.Record.key())
	})
}

// Authenticate checks token and claims a session slot for clientID.
func (a *Authenticator) Authenticate(ctx context.Context, token, clientID string) (*Lease, error) {
	id, err := NormalizeClientID(clientID)
	if err != nil {
		return nil, err
	}

	rec, err := a.store.Match(ctx, token)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := rec.key()
	if rec.MaxClients > 0 && a.active[key] >= rec.MaxClients {
		return nil, fmt.Errorf("%w: %q allows %d", ErrTooManyClients, rec.Name, rec.MaxClients)
	}
	a.active[key]++

	return &Lease{Record: *rec, ClientID: id, auth: a}, nil
}

func (a *Authenticator) release(key leaseKey) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active[key] <= 1 {
		delete(a.active, key)
		return
	}
	a.active[key]--
}

// ActiveSessions returns the number of live leases for a token name,
// summed over every store that holds the name.
func (a *Authenticator) ActiveSessions(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var n int
	for k, v := range a.active {
		if k.name == name {
			n += v
		}
	}
	return n
}

// ErrorCode maps an authentication error to its wire code.
func ErrorCode(err error) uint16 {
	switch {
	case err == nil:
		return protocol.CodeNone
	case errors.Is(err, ErrInvalidToken):
		return protocol.CodeInvalidToken
	case errors.Is(err, ErrTooManyClients):
		return protocol.CodeTooManyClients
	case errors.Is(err, ErrInvalidClientID):
		return protocol.CodeInvalidClientID
	default:
		return protocol.CodeInternal
	}
}
