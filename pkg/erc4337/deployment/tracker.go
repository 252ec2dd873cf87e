// Package deployment tracks smart accounts whose deployment is in flight so
// that only one user operation at a time carries the factory call.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-builder/pkg/logger"
)

const (
	DefaultWaitTimeout  = 60 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// ErrDeployTimeout is returned when another operation's deployment did not
// finish in time. The stale mark is cleared before it is returned.
var ErrDeployTimeout = errors.New("account deployment is taking too long, please try again")

// Tracker is an in-memory set of "<chainId>:<address>" keys currently being
// deployed. It is not persisted.
type Tracker struct {
	mu        sync.Mutex
	deploying map[string]time.Time

	pollInterval time.Duration
	logger       logger.Logger
}

type Option func(*Tracker)

func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) { t.logger = logger.EnsureLogger(l) }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		deploying:    map[string]time.Time{},
		pollInterval: DefaultPollInterval,
		logger:       logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Default is the process-wide tracker used when a builder is not given one.
var Default = NewTracker()

// Key identifies an account on a chain.
func Key(chainID *big.Int, account common.Address) string {
	return fmt.Sprintf("%s:%s", chainID.String(), strings.ToLower(account.Hex()))
}

func (t *Tracker) MarkDeploying(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deploying[key] = time.Now()
}

// TryMarkDeploying marks key and returns true if it was not already marked.
func (t *Tracker) TryMarkDeploying(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.deploying[key]; ok {
		return false
	}
	t.deploying[key] = time.Now()
	return true
}

func (t *Tracker) ClearDeploying(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deploying, key)
}

func (t *Tracker) IsDeploying(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.deploying[key]
	return ok
}

// Len returns the number of accounts currently marked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.deploying)
}

// WaitUntilDeployed blocks until key is cleared. After timeout the mark is
// cleared and ErrDeployTimeout returned. Cancelling ctx returns ctx.Err()
// and leaves the mark in place.
func (t *Tracker) WaitUntilDeployed(ctx context.Context, key string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	start := time.Now()
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for t.IsDeploying(key) {
		if elapsed := time.Since(start); elapsed > timeout {
			t.ClearDeploying(key)
			t.logger.Warn("account deployment wait timed out, clearing mark", "key", key, "waited", elapsed.String())
			return fmt.Errorf("%w (waited %s for %s)", ErrDeployTimeout, timeout, key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	if elapsed := time.Since(start); elapsed > t.pollInterval {
		t.logger.Debug("account deployment finished", "key", key, "waited", elapsed.String())
	}
	return nil
}
