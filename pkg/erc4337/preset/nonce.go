package preset

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-builder/core/chainio/aa"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/bundler"
)

// NonceOverride replaces the random-key nonce lookup, e.g. with a
// sequential nonce per key.
type NonceOverride func(ctx context.Context, sender common.Address) (*big.Int, error)

// nonceKeySpace is 2^192, the size of the EntryPoint nonce key.
var nonceKeySpace = new(big.Int).Lsh(big.NewInt(1), 192)

func randomNonceKey() (*big.Int, error) {
	key, err := rand.Int(rand.Reader, nonceKeySpace)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce key: %w", err)
	}
	return key, nil
}

// ResolveNonce reads the EntryPoint nonce of sender in a fresh random key
// space, so independent operations of one account never share a sequence.
func ResolveNonce(ctx context.Context, caller bind.ContractCaller, entrypoint, sender common.Address, override NonceOverride) (*big.Int, error) {
	if override != nil {
		nonce, err := override(ctx, sender)
		if err != nil {
			return nil, fmt.Errorf("nonce override failed: %w", err)
		}
		return nonce, nil
	}

	key, err := randomNonceKey()
	if err != nil {
		return nil, err
	}
	nonce, err := aa.GetNonce(ctx, caller, entrypoint, sender, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	return nonce, nil
}

// SequentialNonce hands out consecutive nonces in a single key space, counting
// operations still pending in the bundler. The reservation is local to nm.
func SequentialNonce(nm *bundler.NonceManager, caller bind.ContractCaller, entrypoint common.Address, key *big.Int) NonceOverride {
	return nm.NonceOverride(key, func(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
		return aa.GetNonce(ctx, caller, entrypoint, sender, key)
	})
}
