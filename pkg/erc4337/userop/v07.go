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

// UserOperationV07 is the unpacked EntryPoint v0.7 layout used on the bundler
// RPC. On chain it travels as a PackedUserOperation.
type UserOperationV07 struct {
	Sender                        common.Address
	Nonce                         *big.Int
	Factory                       *common.Address
	FactoryData                   []byte
	CallData                      []byte
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	MaxFeePerGas                  *big.Int
	MaxPriorityFeePerGas          *big.Int
	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte
	Signature                     []byte
}

// PackedUserOperation mirrors the v0.7 PackedUserOperation tuple.
type PackedUserOperation struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

var _ UserOperation = (*UserOperationV07)(nil)

var v07HashArgs = abi.Arguments{
	{Type: addressT}, // sender
	{Type: uint256T}, // nonce
	{Type: bytes32T}, // keccak(initCode)
	{Type: bytes32T}, // keccak(callData)
	{Type: bytes32T}, // accountGasLimits
	{Type: uint256T}, // preVerificationGas
	{Type: bytes32T}, // gasFees
	{Type: bytes32T}, // keccak(paymasterAndData)
}

const uint128Len = 16

var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

func (op *UserOperationV07) sealed() {}

func (op *UserOperationV07) Version() Version          { return V07 }
func (op *UserOperationV07) GetSender() common.Address { return op.Sender }
func (op *UserOperationV07) GetNonce() *big.Int        { return op.Nonce }
func (op *UserOperationV07) GetCallData() []byte       { return op.CallData }
func (op *UserOperationV07) GetSignature() []byte      { return op.Signature }
func (op *UserOperationV07) SetSignature(sig []byte)   { op.Signature = copyBytes(sig) }
func (op *UserOperationV07) HasFactory() bool          { return op.Factory != nil }
func (op *UserOperationV07) HasPaymaster() bool        { return op.Paymaster != nil }
func (op *UserOperationV07) Clone() UserOperation      { return op.clone() }

func (op *UserOperationV07) clone() *UserOperationV07 {
	return &UserOperationV07{
		Sender:                        op.Sender,
		Nonce:                         copyBig(op.Nonce),
		Factory:                       copyAddress(op.Factory),
		FactoryData:                   copyBytes(op.FactoryData),
		CallData:                      copyBytes(op.CallData),
		CallGasLimit:                  copyBig(op.CallGasLimit),
		VerificationGasLimit:          copyBig(op.VerificationGasLimit),
		PreVerificationGas:            copyBig(op.PreVerificationGas),
		MaxFeePerGas:                  copyBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas:          copyBig(op.MaxPriorityFeePerGas),
		Paymaster:                     copyAddress(op.Paymaster),
		PaymasterVerificationGasLimit: copyBig(op.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       copyBig(op.PaymasterPostOpGasLimit),
		PaymasterData:                 copyBytes(op.PaymasterData),
		Signature:                     copyBytes(op.Signature),
	}
}

// packUint128Pair stores high in the upper and low in the lower 16 bytes of a
// word, the layout of accountGasLimits and gasFees.
func packUint128Pair(high, low *big.Int) ([32]byte, error) {
	var out [32]byte
	high, low = orZero(high), orZero(low)
	if high.Sign() < 0 || high.Cmp(maxUint128) > 0 || low.Sign() < 0 || low.Cmp(maxUint128) > 0 {
		return out, fmt.Errorf("value does not fit in uint128: %s / %s", high, low)
	}
	high.FillBytes(out[:uint128Len])
	low.FillBytes(out[uint128Len:])
	return out, nil
}

func unpackUint128Pair(word [32]byte) (high, low *big.Int) {
	return new(big.Int).SetBytes(word[:uint128Len]), new(big.Int).SetBytes(word[uint128Len:])
}

// InitCode returns factory ++ factoryData, or nil when the account exists.
func (op *UserOperationV07) InitCode() []byte {
	if op.Factory == nil {
		return nil
	}
	return append(op.Factory.Bytes(), op.FactoryData...)
}

// PaymasterAndData returns paymaster ++ uint128(verificationGas) ++
// uint128(postOpGas) ++ paymasterData, or nil when unsponsored.
func (op *UserOperationV07) PaymasterAndData() ([]byte, error) {
	if op.Paymaster == nil {
		return nil, nil
	}
	limits, err := packUint128Pair(op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit)
	if err != nil {
		return nil, fmt.Errorf("paymaster gas limits: %w", err)
	}
	out := make([]byte, 0, common.AddressLength+len(limits)+len(op.PaymasterData))
	out = append(out, op.Paymaster.Bytes()...)
	out = append(out, limits[:]...)
	return append(out, op.PaymasterData...), nil
}

// Pack converts the operation into its on-chain PackedUserOperation form.
func (op *UserOperationV07) Pack() (*PackedUserOperation, error) {
	accountGasLimits, err := packUint128Pair(op.VerificationGasLimit, op.CallGasLimit)
	if err != nil {
		return nil, fmt.Errorf("account gas limits: %w", err)
	}
	gasFees, err := packUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("gas fees: %w", err)
	}
	paymasterAndData, err := op.PaymasterAndData()
	if err != nil {
		return nil, err
	}
	return &PackedUserOperation{
		Sender:             op.Sender,
		Nonce:              orZero(op.Nonce),
		InitCode:           nonNil(op.InitCode()),
		CallData:           nonNil(op.CallData),
		AccountGasLimits:   accountGasLimits,
		PreVerificationGas: orZero(op.PreVerificationGas),
		GasFees:            gasFees,
		PaymasterAndData:   nonNil(paymasterAndData),
		Signature:          nonNil(op.Signature),
	}, nil
}

// Unpack reverses Pack.
func (p *PackedUserOperation) Unpack() (*UserOperationV07, error) {
	op := &UserOperationV07{
		Sender:             p.Sender,
		Nonce:              copyBig(p.Nonce),
		CallData:           copyBytes(p.CallData),
		PreVerificationGas: copyBig(p.PreVerificationGas),
		Signature:          copyBytes(p.Signature),
	}
	op.VerificationGasLimit, op.CallGasLimit = unpackUint128Pair(p.AccountGasLimits)
	op.MaxPriorityFeePerGas, op.MaxFeePerGas = unpackUint128Pair(p.GasFees)

	if n := len(p.InitCode); n > 0 {
		if n < common.AddressLength {
			return nil, fmt.Errorf("initCode too short: %d bytes", n)
		}
		factory := common.BytesToAddress(p.InitCode[:common.AddressLength])
		op.Factory = &factory
		op.FactoryData = copyBytes(p.InitCode[common.AddressLength:])
	}

	const paymasterHeader = common.AddressLength + 2*uint128Len
	if n := len(p.PaymasterAndData); n > 0 {
		if n < paymasterHeader {
			return nil, fmt.Errorf("paymasterAndData too short: %d bytes", n)
		}
		pm := common.BytesToAddress(p.PaymasterAndData[:common.AddressLength])
		op.Paymaster = &pm
		var limits [32]byte
		copy(limits[:], p.PaymasterAndData[common.AddressLength:paymasterHeader])
		op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit = unpackUint128Pair(limits)
		op.PaymasterData = copyBytes(p.PaymasterAndData[paymasterHeader:])
	}
	return op, nil
}

// Hash computes the userOpHash EntryPoint v0.7 returns from getUserOpHash.
func (op *UserOperationV07) Hash(entrypoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.Pack()
	if err != nil {
		return common.Hash{}, err
	}
	encoded, err := v07HashArgs.Pack(
		packed.Sender,
		packed.Nonce,
		crypto.Keccak256Hash(packed.InitCode),
		crypto.Keccak256Hash(packed.CallData),
		packed.AccountGasLimits,
		packed.PreVerificationGas,
		packed.GasFees,
		crypto.Keccak256Hash(packed.PaymasterAndData),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack v0.7 user operation: %w", err)
	}
	return envelope(crypto.Keccak256Hash(encoded), entrypoint, chainID)
}

type userOperationV07JSON struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

// MarshalJSON encodes the unpacked v0.7 RPC form. Factory and paymaster
// groups are omitted when unset.
func (op *UserOperationV07) MarshalJSON() ([]byte, error) {
	raw := userOperationV07JSON{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(orZero(op.Nonce)),
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(orZero(op.CallGasLimit)),
		VerificationGasLimit: (*hexutil.Big)(orZero(op.VerificationGasLimit)),
		PreVerificationGas:   (*hexutil.Big)(orZero(op.PreVerificationGas)),
		MaxFeePerGas:         (*hexutil.Big)(orZero(op.MaxFeePerGas)),
		MaxPriorityFeePerGas: (*hexutil.Big)(orZero(op.MaxPriorityFeePerGas)),
		Signature:            op.Signature,
	}
	if op.Factory != nil {
		raw.Factory = op.Factory
		raw.FactoryData = nonNil(op.FactoryData)
	}
	if op.Paymaster != nil {
		raw.Paymaster = op.Paymaster
		raw.PaymasterVerificationGasLimit = (*hexutil.Big)(orZero(op.PaymasterVerificationGasLimit))
		raw.PaymasterPostOpGasLimit = (*hexutil.Big)(orZero(op.PaymasterPostOpGasLimit))
		raw.PaymasterData = op.PaymasterData
	}
	return json.Marshal(raw)
}

func (op *UserOperationV07) UnmarshalJSON(data []byte) error {
	var raw userOperationV07JSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*op = UserOperationV07{
		Sender:                        raw.Sender,
		Nonce:                         raw.Nonce.ToInt(),
		Factory:                       raw.Factory,
		FactoryData:                   raw.FactoryData,
		CallData:                      raw.CallData,
		CallGasLimit:                  raw.CallGasLimit.ToInt(),
		VerificationGasLimit:          raw.VerificationGasLimit.ToInt(),
		PreVerificationGas:            raw.PreVerificationGas.ToInt(),
		MaxFeePerGas:                  raw.MaxFeePerGas.ToInt(),
		MaxPriorityFeePerGas:          raw.MaxPriorityFeePerGas.ToInt(),
		Paymaster:                     raw.Paymaster,
		PaymasterVerificationGasLimit: raw.PaymasterVerificationGasLimit.ToInt(),
		PaymasterPostOpGasLimit:       raw.PaymasterPostOpGasLimit.ToInt(),
		PaymasterData:                 raw.PaymasterData,
		Signature:                     raw.Signature,
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
