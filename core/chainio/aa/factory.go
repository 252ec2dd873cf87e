package aa

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Factory binds an account factory exposing createAccount(owner, salt) and
// getAddress(owner, salt).
type Factory struct {
	Address common.Address

	contract *bind.BoundContract
}

func NewFactory(address common.Address, caller bind.ContractCaller) *Factory {
	return &Factory{
		Address:  address,
		contract: bind.NewBoundContract(address, FactoryABI, caller, nil, nil),
	}
}

// GetAddress predicts the counterfactual account address for owner and salt.
func (f *Factory) GetAddress(ctx context.Context, owner common.Address, salt *big.Int) (common.Address, error) {
	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAddress", owner, saltOrDefault(salt)); err != nil {
		return common.Address{}, fmt.Errorf("factory %s getAddress: %w", f.Address.Hex(), err)
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// PackCreateAccount returns the createAccount call data, the v0.7 factoryData.
func PackCreateAccount(owner common.Address, salt *big.Int) ([]byte, error) {
	return FactoryABI.Pack("createAccount", owner, saltOrDefault(salt))
}
