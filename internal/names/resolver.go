// Package names resolves wallet addresses to ENS names for display.
// Resolution is best-effort and cached; a wallet with no name (or no
// configured RPC endpoint) falls back to the raw address.
package names

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	ens "github.com/wealdtech/go-ens/v3"
	"go.uber.org/zap"
)

// Resolver performs cached reverse-ENS lookups.
type Resolver struct {
	logger *zap.Logger

	mu     sync.Mutex
	client *ethclient.Client
	cache  map[string]string // lowercased address -> name ("" = no name)
}

// NewResolver dials the Ethereum RPC endpoint. An empty endpoint
// returns a resolver that always falls back to the address.
func NewResolver(rpcURL string, logger *zap.Logger) *Resolver {
	r := &Resolver{logger: logger, cache: make(map[string]string)}
	if rpcURL == "" {
		return r
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		logger.Warn("eth rpc unavailable, name resolution disabled", zap.Error(err))
		return r
	}
	r.client = client
	return r
}

// Display returns the ENS name for a wallet, or the address itself
// when no name resolves.
func (r *Resolver) Display(address string) string {
	if name := r.Lookup(address); name != "" {
		return name
	}
	return address
}

// Lookup returns the ENS name for a wallet, or "" if none.
func (r *Resolver) Lookup(address string) string {
	if address == "" {
		return ""
	}
	key := strings.ToLower(address)

	r.mu.Lock()
	if name, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return name
	}
	client := r.client
	r.mu.Unlock()

	if client == nil {
		return ""
	}

	name, err := ens.ReverseResolve(client, common.HexToAddress(address))
	if err != nil {
		// Most failures mean "no reverse record". Cache the miss so we
		// do not re-query per render.
		name = ""
	}

	r.mu.Lock()
	r.cache[key] = name
	r.mu.Unlock()
	return name
}

// Prime seeds the cache, used by tests and by callers that already
// know a name.
func (r *Resolver) Prime(address, name string) {
	r.mu.Lock()
	r.cache[strings.ToLower(address)] = name
	r.mu.Unlock()
}
