package aa

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
)

// EntryPoint is a read-only binding over either EntryPoint version.
type EntryPoint struct {
	Address common.Address
	Version userop.Version

	contract *bind.BoundContract
}

func NewEntryPoint(address common.Address, caller bind.ContractCaller) *EntryPoint {
	version := userop.DetectVersion(address)
	parsed := EntryPointV06ABI
	if version == userop.V07 {
		parsed = EntryPointV07ABI
	}
	return &EntryPoint{
		Address:  address,
		Version:  version,
		contract: bind.NewBoundContract(address, parsed, caller, nil, nil),
	}
}

// GetNonce reads the next nonce of sender in the given 192-bit key space.
func (e *EntryPoint) GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	var out []interface{}
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getNonce", sender, key); err != nil {
		return nil, fmt.Errorf("entrypoint %s getNonce: %w", e.Address.Hex(), err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// GetUserOpHash asks the EntryPoint for the hash of op.
func (e *EntryPoint) GetUserOpHash(ctx context.Context, op userop.UserOperation) (common.Hash, error) {
	if op.Version() != e.Version {
		return common.Hash{}, fmt.Errorf("cannot hash a %s user operation on a %s entrypoint", op.Version(), e.Version)
	}

	var arg interface{}
	switch o := op.(type) {
	case *userop.UserOperationV06:
		arg = *o.Normalized()
	case *userop.UserOperationV07:
		packed, err := o.Pack()
		if err != nil {
			return common.Hash{}, err
		}
		arg = *packed
	}

	var out []interface{}
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getUserOpHash", arg); err != nil {
		return common.Hash{}, fmt.Errorf("entrypoint %s getUserOpHash: %w", e.Address.Hex(), err)
	}
	return common.Hash(*abi.ConvertType(out[0], new([32]byte)).(*[32]byte)), nil
}
