// Package userop holds the two ERC-4337 UserOperation layouts (EntryPoint v0.6
// and v0.7), their bundler JSON encoding and the canonical userOpHash.
package userop

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DummySignature is a well-formed 65 byte ECDSA signature used while the
// operation is estimated or sent to a paymaster. Bundlers simulate validation
// with it, so it must parse but never has to verify.
var DummySignature = common.FromHex("0x" +
	strings.Repeat("f", 31) + strings.Repeat("0", 33) +
	"7" + strings.Repeat("a", 63) +
	"1c")

// UserOperation is implemented by UserOperationV06 and UserOperationV07 only.
type UserOperation interface {
	json.Marshaler

	Version() Version
	GetSender() common.Address
	GetNonce() *big.Int
	GetCallData() []byte
	GetSignature() []byte
	SetSignature(sig []byte)
	// HasFactory reports whether the operation deploys its sender.
	HasFactory() bool
	// HasPaymaster reports whether the operation carries sponsorship data.
	HasPaymaster() bool
	Hash(entrypoint common.Address, chainID *big.Int) (common.Hash, error)
	Clone() UserOperation

	sealed()
}

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	bytes32T, _ = abi.NewType("bytes32", "", nil)

	hashEnvelope = abi.Arguments{
		{Type: bytes32T},
		{Type: addressT},
		{Type: uint256T},
	}
)

// envelope wraps the inner struct hash with the EntryPoint and chain id, the
// last step of EntryPoint.getUserOpHash.
func envelope(inner common.Hash, entrypoint common.Address, chainID *big.Int) (common.Hash, error) {
	if chainID == nil {
		return common.Hash{}, fmt.Errorf("chain id is required to hash a user operation")
	}
	encoded, err := hashEnvelope.Pack(inner, entrypoint, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack userOpHash envelope: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func copyAddress(a *common.Address) *common.Address {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Unmarshal decodes the bundler JSON form of an operation of the given version.
func Unmarshal(version Version, data []byte) (UserOperation, error) {
	switch version {
	case V07:
		op := new(UserOperationV07)
		if err := json.Unmarshal(data, op); err != nil {
			return nil, fmt.Errorf("invalid v0.7 user operation: %w", err)
		}
		return op, nil
	case V06:
		op := new(UserOperationV06)
		if err := json.Unmarshal(data, op); err != nil {
			return nil, fmt.Errorf("invalid v0.6 user operation: %w", err)
		}
		return op, nil
	default:
		return nil, fmt.Errorf("unsupported user operation version %q", version)
	}
}
