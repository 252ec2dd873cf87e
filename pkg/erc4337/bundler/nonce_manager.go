package bundler

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-builder/pkg/logger"
)

// NonceFetcher reads the on-chain EntryPoint nonce of sender in a key space.
type NonceFetcher func(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error)

// NonceManager manages nonce tracking for UserOperations to prevent conflicts
// with pending operations in the bundler's mempool.
// It maintains an in-memory cache of the next expected nonce per sender and
// key, combining on-chain state with knowledge of submitted-but-not-yet-mined
// UserOps.
type NonceManager struct {
	// pendingNonces tracks the next nonce to use, keyed by sender and nonce key
	pendingNonces map[string]*big.Int
	mu            sync.RWMutex
	logger        logger.Logger
}

// NewNonceManager creates a new NonceManager instance
func NewNonceManager(l logger.Logger) *NonceManager {
	return &NonceManager{
		pendingNonces: make(map[string]*big.Int),
		logger:        logger.EnsureLogger(l),
	}
}

func nonceKey(sender common.Address, key *big.Int) string {
	if key == nil {
		key = new(big.Int)
	}
	return sender.Hex() + ":" + key.Text(16)
}

// GetNextNonce returns max(on-chain nonce, cached pending nonce) so a nonce
// already pending in the bundler is never reused.
func (nm *NonceManager) GetNextNonce(ctx context.Context, sender common.Address, key *big.Int, fetch NonceFetcher) (*big.Int, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.nextLocked(ctx, sender, key, fetch)
}

func (nm *NonceManager) nextLocked(ctx context.Context, sender common.Address, key *big.Int, fetch NonceFetcher) (*big.Int, error) {
	onChainNonce, err := fetch(ctx, sender, key)
	if err != nil {
		return nil, err
	}

	cachedNonce, hasCached := nm.pendingNonces[nonceKey(sender, key)]
	switch {
	case !hasCached:
		nm.logger.Debug("first user operation for sender, using on-chain nonce",
			"sender", sender.Hex(), "nonce", onChainNonce.String())
		return new(big.Int).Set(onChainNonce), nil
	case onChainNonce.Cmp(cachedNonce) > 0:
		// Pending operations were mined or dropped.
		nm.logger.Debug("on-chain nonce ahead of cache",
			"sender", sender.Hex(), "onchain", onChainNonce.String(), "cached", cachedNonce.String())
		return new(big.Int).Set(onChainNonce), nil
	default:
		nm.logger.Debug("using cached nonce",
			"sender", sender.Hex(), "cached", cachedNonce.String(), "onchain", onChainNonce.String())
		return new(big.Int).Set(cachedNonce), nil
	}
}

// IncrementNonce records that currentNonce has been handed out, so sequential
// UserOps can use nonce+1, nonce+2, etc. before the first is mined.
func (nm *NonceManager) IncrementNonce(sender common.Address, key *big.Int, currentNonce *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.incrementLocked(sender, key, currentNonce)
}

func (nm *NonceManager) incrementLocked(sender common.Address, key *big.Int, currentNonce *big.Int) {
	nextNonce := new(big.Int).Add(currentNonce, big.NewInt(1))
	nm.pendingNonces[nonceKey(sender, key)] = nextNonce
	nm.logger.Debug("incremented nonce",
		"sender", sender.Hex(), "from", currentNonce.String(), "to", nextNonce.String())
}

// ResetNonce clears the cached nonce for a sender, forcing the next lookup
// to fetch fresh state from the chain. Use this when nonce conflicts occur.
func (nm *NonceManager) ResetNonce(sender common.Address, key *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.pendingNonces, nonceKey(sender, key))
	nm.logger.Debug("reset cached nonce", "sender", sender.Hex())
}

// SetNonce explicitly sets the cached nonce for a sender.
func (nm *NonceManager) SetNonce(sender common.Address, key *big.Int, nonce *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.pendingNonces[nonceKey(sender, key)] = new(big.Int).Set(nonce)
	nm.logger.Debug("set cached nonce", "sender", sender.Hex(), "nonce", nonce.String())
}

// GetCachedNonce returns the cached nonce for a sender without fetching from chain.
func (nm *NonceManager) GetCachedNonce(sender common.Address, key *big.Int) (*big.Int, bool) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()

	nonce, exists := nm.pendingNonces[nonceKey(sender, key)]
	if !exists {
		return nil, false
	}
	return new(big.Int).Set(nonce), true
}

// NonceOverride returns a nonce source that hands out sequential nonces in a
// single key space. Each call reserves the nonce it returns; call ResetNonce
// when a reserved nonce was never submitted.
func (nm *NonceManager) NonceOverride(key *big.Int, fetch NonceFetcher) func(ctx context.Context, sender common.Address) (*big.Int, error) {
	return func(ctx context.Context, sender common.Address) (*big.Int, error) {
		nm.mu.Lock()
		defer nm.mu.Unlock()

		nonce, err := nm.nextLocked(ctx, sender, key, fetch)
		if err != nil {
			return nil, err
		}
		nm.incrementLocked(sender, key, nonce)
		return nonce, nil
	}
}
