package aa

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
)

var defaultSalt = big.NewInt(0)

// Call is one entry of an account execute or executeBatch.
type Call struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

func saltOrDefault(salt *big.Int) *big.Int {
	if salt == nil {
		return defaultSalt
	}
	return salt
}

// GetInitCode returns the v0.6 initCode for owner and salt: the factory address
// followed by the createAccount call data.
func GetInitCode(factory, owner common.Address, salt *big.Int) ([]byte, error) {
	calldata, err := PackCreateAccount(owner, salt)
	if err != nil {
		return nil, err
	}

	var data []byte
	data = append(data, factory.Bytes()...)
	return append(data, calldata...), nil
}

func GetSenderAddress(ctx context.Context, caller bind.ContractCaller, factory, owner common.Address, salt *big.Int) (common.Address, error) {
	return NewFactory(factory, caller).GetAddress(ctx, owner, salt)
}

func GetNonce(ctx context.Context, caller bind.ContractCaller, entrypoint, sender common.Address, key *big.Int) (*big.Int, error) {
	return NewEntryPoint(entrypoint, caller).GetNonce(ctx, sender, saltOrDefault(key))
}

// PackExecute generates the account call data for a single call.
func PackExecute(target common.Address, value *big.Int, calldata []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	if calldata == nil {
		calldata = []byte{}
	}
	return AccountABI.Pack("execute", target, value, calldata)
}

// PackExecuteBatch generates executeBatch(targets, values, datas) call data.
func PackExecuteBatch(calls []Call) ([]byte, error) {
	targets := lo.Map(calls, func(c Call, _ int) common.Address { return c.Target })
	values := lo.Map(calls, func(c Call, _ int) *big.Int {
		if c.Value == nil {
			return new(big.Int)
		}
		return c.Value
	})
	datas := lo.Map(calls, func(c Call, _ int) []byte {
		if c.Data == nil {
			return []byte{}
		}
		return c.Data
	})
	return AccountABI.Pack("executeBatch", targets, values, datas)
}

// UnpackCalls decodes execute or executeBatch call data back into calls.
func UnpackCalls(calldata []byte) ([]Call, error) {
	if len(calldata) < 4 {
		return nil, fmt.Errorf("call data too short: %d bytes", len(calldata))
	}
	method, err := AccountABI.MethodById(calldata[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method.Name, err)
	}

	switch method.Name {
	case "execute":
		return []Call{{
			Target: args[0].(common.Address),
			Value:  args[1].(*big.Int),
			Data:   args[2].([]byte),
		}}, nil
	case "executeBatch":
		targets := args[0].([]common.Address)
		values := args[1].([]*big.Int)
		datas := args[2].([][]byte)
		if len(targets) != len(values) || len(targets) != len(datas) {
			return nil, fmt.Errorf("executeBatch arrays differ in length: %d/%d/%d", len(targets), len(values), len(datas))
		}
		return lo.Map(targets, func(target common.Address, i int) Call {
			return Call{Target: target, Value: values[i], Data: datas[i]}
		}), nil
	default:
		return nil, fmt.Errorf("unexpected account method %s", method.Name)
	}
}
