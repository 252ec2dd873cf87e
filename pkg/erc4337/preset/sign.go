package preset

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-builder/core/chainio/aa"
	"github.com/AvaProtocol/userop-builder/core/chainio/signer"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
)

var (
	ErrSignerUnsupported = errors.New("admin account does not support signing raw messages")
	ErrHashMismatch      = errors.New("local userOpHash does not match the entrypoint")
)

// HashUserOp computes the userOpHash. A zero entrypoint means the v0.6
// EntryPoint.
func HashUserOp(op userop.UserOperation, chainID *big.Int, entrypoint common.Address) (common.Hash, error) {
	return op.Hash(userop.ResolveEntryPoint(entrypoint), chainID)
}

// SignUserOp signs the userOpHash as a raw 32 byte EIP-191 message and
// returns a copy of op carrying the signature.
func SignUserOp(ctx context.Context, op userop.UserOperation, chainID *big.Int, entrypoint common.Address, admin signer.Account) (userop.UserOperation, error) {
	ms, ok := admin.(signer.MessageSigner)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrSignerUnsupported, admin)
	}

	hash, err := HashUserOp(op, chainID, entrypoint)
	if err != nil {
		return nil, err
	}
	sig, err := ms.SignMessage(ctx, hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign user operation: %w", err)
	}

	signed := op.Clone()
	signed.SetSignature(sig)
	return signed, nil
}

// VerifyUserOpHash checks the local hash against EntryPoint.getUserOpHash.
func VerifyUserOpHash(ctx context.Context, caller bind.ContractCaller, op userop.UserOperation, chainID *big.Int, entrypoint common.Address) (common.Hash, error) {
	entrypoint = userop.ResolveEntryPoint(entrypoint)
	local, err := HashUserOp(op, chainID, entrypoint)
	if err != nil {
		return common.Hash{}, err
	}
	onchain, err := aa.NewEntryPoint(entrypoint, caller).GetUserOpHash(ctx, op)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to read userOpHash: %w", err)
	}
	if local != onchain {
		return common.Hash{}, fmt.Errorf("%w: local %s, entrypoint %s", ErrHashMismatch, local.Hex(), onchain.Hex())
	}
	return local, nil
}
