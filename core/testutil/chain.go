package testutil

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/userop-builder/core/chainio/aa"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
)

// FakeChain is an in-memory node answering the reads the builder performs:
// code lookups, EntryPoint and factory view calls, simulations and fee data.
// EntryPoint getUserOpHash is answered with the locally computed hash.
type FakeChain struct {
	mu sync.Mutex

	chainID          *big.Int
	code             map[common.Address][]byte
	sequence         map[common.Address]*big.Int
	tipCap           *big.Int
	baseFee          *big.Int
	predictedAddress common.Address
	reverts          map[common.Address]error

	codeAtCalls  int
	nonceKeys    []*big.Int
	simulations  []ethereum.CallMsg
	feeLookups   int
	chainIDCalls int
}

func NewFakeChain(chainID int64) *FakeChain {
	return &FakeChain{
		chainID:  big.NewInt(chainID),
		code:     map[common.Address][]byte{},
		sequence: map[common.Address]*big.Int{},
		tipCap:   big.NewInt(1_000_000_000),
		baseFee:  big.NewInt(10_000_000_000),
		reverts:  map[common.Address]error{},
	}
}

func (f *FakeChain) SetCode(addr common.Address, code []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code[addr] = code
}

// SetSequence sets the per-key sequence getNonce reports for sender.
func (f *FakeChain) SetSequence(sender common.Address, seq int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequence[sender] = big.NewInt(seq)
}

func (f *FakeChain) SetFees(tipCap, baseFee *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tipCap, f.baseFee = tipCap, baseFee
}

func (f *FakeChain) SetPredictedAddress(addr common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predictedAddress = addr
}

// RevertOn makes simulations targeting addr fail with err.
func (f *FakeChain) RevertOn(addr common.Address, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverts[addr] = err
}

func (f *FakeChain) CodeAtCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.codeAtCalls
}

func (f *FakeChain) NonceKeys() []*big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*big.Int{}, f.nonceKeys...)
}

func (f *FakeChain) Simulations() []ethereum.CallMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ethereum.CallMsg{}, f.simulations...)
}

func (f *FakeChain) FeeLookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feeLookups
}

func (f *FakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chainIDCalls++
	return new(big.Int).Set(f.chainID), nil
}

func (f *FakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeLookups++
	return new(big.Int).Set(f.tipCap), nil
}

func (f *FakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	header := &types.Header{Number: big.NewInt(1)}
	if f.baseFee != nil {
		header.BaseFee = new(big.Int).Set(f.baseFee)
	}
	return header, nil
}

func (f *FakeChain) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeAtCalls++
	return f.code[contract], nil
}

func (f *FakeChain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if call.To == nil {
		return nil, errors.New("contract creation is not supported")
	}
	if len(call.Data) >= 4 {
		selector := call.Data[:4]
		if m, err := aa.EntryPointV06ABI.MethodById(selector); err == nil {
			return f.entryPointCall(aa.EntryPointV06ABI, m, *call.To, call.Data[4:])
		}
		if m, err := aa.EntryPointV07ABI.MethodById(selector); err == nil {
			return f.entryPointCall(aa.EntryPointV07ABI, m, *call.To, call.Data[4:])
		}
		if m, err := aa.FactoryABI.MethodById(selector); err == nil && m.Name == "getAddress" {
			f.mu.Lock()
			predicted := f.predictedAddress
			f.mu.Unlock()
			return m.Outputs.Pack(predicted)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulations = append(f.simulations, call)
	if err := f.reverts[*call.To]; err != nil {
		return nil, err
	}
	return []byte{}, nil
}

func (f *FakeChain) entryPointCall(parsed abi.ABI, method *abi.Method, entrypoint common.Address, input []byte) ([]byte, error) {
	args, err := method.Inputs.Unpack(input)
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "getNonce":
		sender := args[0].(common.Address)
		key := args[1].(*big.Int)

		f.mu.Lock()
		f.nonceKeys = append(f.nonceKeys, new(big.Int).Set(key))
		seq := f.sequence[sender]
		f.mu.Unlock()

		if seq == nil {
			seq = new(big.Int)
		}
		nonce := new(big.Int).Or(new(big.Int).Lsh(key, 64), seq)
		return method.Outputs.Pack(nonce)

	case "getUserOpHash":
		hash, err := f.hashTuple(entrypoint, args[0])
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(hash)
	}
	return nil, fmt.Errorf("unsupported entrypoint method %s", method.Name)
}

func (f *FakeChain) hashTuple(entrypoint common.Address, tuple interface{}) (common.Hash, error) {
	f.mu.Lock()
	chainID := new(big.Int).Set(f.chainID)
	f.mu.Unlock()

	if userop.DetectVersion(entrypoint) == userop.V07 {
		packed := abi.ConvertType(tuple, new(userop.PackedUserOperation)).(*userop.PackedUserOperation)
		op, err := packed.Unpack()
		if err != nil {
			return common.Hash{}, err
		}
		return op.Hash(entrypoint, chainID)
	}
	op := abi.ConvertType(tuple, new(userop.UserOperationV06)).(*userop.UserOperationV06)
	return op.Hash(entrypoint, chainID)
}
