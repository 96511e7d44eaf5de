package identity

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrAuthRequired means an operation needs a connected, authenticated
// wallet and none is present. Surfaced, never retried.
var ErrAuthRequired = errors.New("identity: authentication required")

// Info is a read-only snapshot of the current identity. Engine
// operations take it as an argument at call time instead of capturing
// it in long-lived closures.
type Info struct {
	WalletAddress string
	Connected     bool
	Authenticated bool
}

// Require returns ErrAuthRequired unless the identity is usable.
func (i Info) Require() error {
	if i.WalletAddress == "" || !i.Connected || !i.Authenticated {
		return ErrAuthRequired
	}
	return nil
}

// Provider supplies the current identity.
type Provider interface {
	Current() Info
}

// Manager holds the connected wallet and its auth tokens, persisted to
// a per-session file. Tokens are server-issued JWTs keyed by wallet.
type Manager struct {
	mu     sync.RWMutex
	path   string
	wallet string
	tokens map[string]string
	now    func() time.Time
}

// NewManager loads the token file at path, which may not exist yet.
func NewManager(path string) (*Manager, error) {
	m := &Manager{
		path:   path,
		tokens: make(map[string]string),
		now:    time.Now,
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &m.tokens); err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the identity snapshot. Authenticated requires a
// stored, unexpired token for the connected wallet.
func (m *Manager) Current() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := Info{WalletAddress: m.wallet, Connected: m.wallet != ""}
	if tok, ok := m.tokens[m.wallet]; ok {
		info.Authenticated = m.tokenAlive(tok)
	}
	return info
}

// Token returns the current wallet's bearer token, or "".
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok := m.tokens[m.wallet]
	if tok == "" || !m.tokenAlive(tok) {
		return ""
	}
	return tok
}

// SetWallet marks a wallet as connected. Addresses are stored lowercase.
func (m *Manager) SetWallet(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallet = strings.ToLower(address)
}

// ClearWallet disconnects the wallet (logout). Stored tokens survive so
// a reconnect does not force a new signature.
func (m *Manager) ClearWallet() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallet = ""
}

// SetToken stores and persists a token for a wallet.
func (m *Manager) SetToken(address, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[strings.ToLower(address)] = token
	return m.persistLocked()
}

func (m *Manager) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return err
	}
	data, err := json.Marshal(m.tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0600)
}

// tokenAlive checks the token's expiry claim. The signature is the
// server's to verify; the client only needs to know whether the token
// is still worth presenting.
func (m *Manager) tokenAlive(token string) bool {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return claims.ExpiresAt.After(m.now())
}
