package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperationV06 is the EntryPoint v0.6 layout. The field names match the
// UserOperation tuple of the v0.6 ABI so the struct can be packed directly.
type UserOperationV06 struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

var _ UserOperation = (*UserOperationV06)(nil)

var v06HashArgs = abi.Arguments{
	{Type: addressT}, // sender
	{Type: uint256T}, // nonce
	{Type: bytes32T}, // keccak(initCode)
	{Type: bytes32T}, // keccak(callData)
	{Type: uint256T}, // callGasLimit
	{Type: uint256T}, // verificationGasLimit
	{Type: uint256T}, // preVerificationGas
	{Type: uint256T}, // maxFeePerGas
	{Type: uint256T}, // maxPriorityFeePerGas
	{Type: bytes32T}, // keccak(paymasterAndData)
}

func (op *UserOperationV06) sealed() {}

func (op *UserOperationV06) Version() Version          { return V06 }
func (op *UserOperationV06) GetSender() common.Address { return op.Sender }
func (op *UserOperationV06) GetNonce() *big.Int        { return op.Nonce }
func (op *UserOperationV06) GetCallData() []byte       { return op.CallData }
func (op *UserOperationV06) GetSignature() []byte      { return op.Signature }
func (op *UserOperationV06) SetSignature(sig []byte)   { op.Signature = copyBytes(sig) }
func (op *UserOperationV06) HasFactory() bool          { return len(op.InitCode) > 0 }
func (op *UserOperationV06) HasPaymaster() bool        { return len(op.PaymasterAndData) > 0 }
func (op *UserOperationV06) Clone() UserOperation      { return op.clone() }

// Factory returns the factory prefix of InitCode, if any.
func (op *UserOperationV06) Factory() (common.Address, bool) {
	if len(op.InitCode) < common.AddressLength {
		return common.Address{}, false
	}
	return common.BytesToAddress(op.InitCode[:common.AddressLength]), true
}

func (op *UserOperationV06) clone() *UserOperationV06 {
	return &UserOperationV06{
		Sender:               op.Sender,
		Nonce:                copyBig(op.Nonce),
		InitCode:             copyBytes(op.InitCode),
		CallData:             copyBytes(op.CallData),
		CallGasLimit:         copyBig(op.CallGasLimit),
		VerificationGasLimit: copyBig(op.VerificationGasLimit),
		PreVerificationGas:   copyBig(op.PreVerificationGas),
		MaxFeePerGas:         copyBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: copyBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     copyBytes(op.PaymasterAndData),
		Signature:            copyBytes(op.Signature),
	}
}

// Normalized returns a copy with every nil amount replaced by zero, the shape
// the v0.6 ABI encoder expects.
func (op *UserOperationV06) Normalized() *UserOperationV06 {
	c := op.clone()
	c.Nonce = orZero(c.Nonce)
	c.CallGasLimit = orZero(c.CallGasLimit)
	c.VerificationGasLimit = orZero(c.VerificationGasLimit)
	c.PreVerificationGas = orZero(c.PreVerificationGas)
	c.MaxFeePerGas = orZero(c.MaxFeePerGas)
	c.MaxPriorityFeePerGas = orZero(c.MaxPriorityFeePerGas)
	if c.InitCode == nil {
		c.InitCode = []byte{}
	}
	if c.CallData == nil {
		c.CallData = []byte{}
	}
	if c.PaymasterAndData == nil {
		c.PaymasterAndData = []byte{}
	}
	if c.Signature == nil {
		c.Signature = []byte{}
	}
	return c
}

// Hash computes the userOpHash EntryPoint v0.6 returns from getUserOpHash.
func (op *UserOperationV06) Hash(entrypoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := v06HashArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack v0.6 user operation: %w", err)
	}
	return envelope(crypto.Keccak256Hash(packed), entrypoint, chainID)
}

type userOperationV06JSON struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// MarshalJSON encodes the operation the way eth_sendUserOperation expects:
// every amount and byte string as 0x-prefixed hex.
func (op *UserOperationV06) MarshalJSON() ([]byte, error) {
	return json.Marshal(userOperationV06JSON{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(orZero(op.Nonce)),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(orZero(op.CallGasLimit)),
		VerificationGasLimit: (*hexutil.Big)(orZero(op.VerificationGasLimit)),
		PreVerificationGas:   (*hexutil.Big)(orZero(op.PreVerificationGas)),
		MaxFeePerGas:         (*hexutil.Big)(orZero(op.MaxFeePerGas)),
		MaxPriorityFeePerGas: (*hexutil.Big)(orZero(op.MaxPriorityFeePerGas)),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	})
}

func (op *UserOperationV06) UnmarshalJSON(data []byte) error {
	var raw userOperationV06JSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*op = UserOperationV06{
		Sender:               raw.Sender,
		Nonce:                raw.Nonce.ToInt(),
		InitCode:             raw.InitCode,
		CallData:             raw.CallData,
		CallGasLimit:         raw.CallGasLimit.ToInt(),
		VerificationGasLimit: raw.VerificationGasLimit.ToInt(),
		PreVerificationGas:   raw.PreVerificationGas.ToInt(),
		MaxFeePerGas:         raw.MaxFeePerGas.ToInt(),
		MaxPriorityFeePerGas: raw.MaxPriorityFeePerGas.ToInt(),
		PaymasterAndData:     raw.PaymasterAndData,
		Signature:            raw.Signature,
	}
	return nil
}
