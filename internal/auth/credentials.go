// Package auth verifies the credential presented in a connection's
// authenticate frame. A credential is scoped to exactly one node id.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ─────────────────────────────────────────────
// Errors
// ─────────────────────────────────────────────

var (
	ErrAuthFailed      = errors.New("authentication failed")
	ErrUnknownNode     = errors.New("no credential issued for node")
	ErrInvalidNodeID   = errors.New("node id is required")
	ErrCredentialStore = errors.New("credential store error")
)

// CredentialInfo describes an issued credential without its secret.
type CredentialInfo struct {
	NodeID     string     `json:"nodeId"`
	IssuedAt   time.Time  `json:"issuedAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

type credential struct {
	hash       []byte
	issuedAt   time.Time
	lastUsedAt *time.Time
}

// CredentialStore holds bcrypt hashes of issued node tokens. The plain token
// is returned once by Issue and never stored.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]*credential
	cost  int
}

// StoreOption configures a CredentialStore.
type StoreOption func(*CredentialStore)

// WithCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func WithCost(cost int) StoreOption {
	return func(s *CredentialStore) { s.cost = cost }
}

func NewCredentialStore(opts ...StoreOption) *CredentialStore {
	s := &CredentialStore{
		creds: make(map[string]*credential),
		cost:  bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a new token for nodeID, replacing any previous one.
func (s *CredentialStore) Issue(nodeID string) (string, error) {
	if nodeID == "" {
		return "", ErrInvalidNodeID
	}

	token, err := generateToken()
	if err != nil {
		return "", errors.Join(ErrCredentialStore, err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), s.cost)
	if err != nil {
		return "", errors.Join(ErrCredentialStore, err)
	}

	s.mu.Lock()
	s.creds[nodeID] = &credential{hash: hash, issuedAt: time.Now().UTC()}
	s.mu.Unlock()
	return token, nil
}

// Revoke deletes the credential for nodeID. Existing connections are not
// affected.
func (s *CredentialStore) Revoke(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[nodeID]; !ok {
		return false
	}
	delete(s.creds, nodeID)
	return true
}

// Has reports whether nodeID has an issued credential.
func (s *CredentialStore) Has(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.creds[nodeID]
	return ok
}

// Verify checks token against the credential issued for nodeID.
func (s *CredentialStore) Verify(nodeID, token string) error {
	s.mu.RLock()
	c, ok := s.creds[nodeID]
	var hash []byte
	if ok {
		hash = c.hash
	}
	s.mu.RUnlock()

	if !ok {
		return ErrUnknownNode
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
		return ErrAuthFailed
	}

	now := time.Now().UTC()
	s.mu.Lock()
	if cur, ok := s.creds[nodeID]; ok && cur == c {
		cur.lastUsedAt = &now
	}
	s.mu.Unlock()
	return nil
}

// List returns issued credentials sorted by node id.
func (s *CredentialStore) List() []CredentialInfo {
	s.mu.RLock()
	out := make([]CredentialInfo, 0, len(s.creds))
	for id, c := range s.creds {
		out = append(out, CredentialInfo{NodeID: id, IssuedAt: c.issuedAt, LastUsedAt: c.lastUsedAt})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// generateToken creates a new node token with "nt-" prefix.
func generateToken() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "nt-" + hex.EncodeToString(bytes), nil
}
