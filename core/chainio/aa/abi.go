package aa

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Only the entries this module calls are declared; the full artifacts are
// several thousand lines of generated code each.

const entryPointV06ABIJSON = `[
  {"type":"function","name":"getNonce","stateMutability":"view",
   "inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
   "outputs":[{"name":"nonce","type":"uint256"}]},
  {"type":"function","name":"getUserOpHash","stateMutability":"view",
   "inputs":[{"name":"userOp","type":"tuple","internalType":"struct UserOperation","components":[
     {"name":"sender","type":"address"},
     {"name":"nonce","type":"uint256"},
     {"name":"initCode","type":"bytes"},
     {"name":"callData","type":"bytes"},
     {"name":"callGasLimit","type":"uint256"},
     {"name":"verificationGasLimit","type":"uint256"},
     {"name":"preVerificationGas","type":"uint256"},
     {"name":"maxFeePerGas","type":"uint256"},
     {"name":"maxPriorityFeePerGas","type":"uint256"},
     {"name":"paymasterAndData","type":"bytes"},
     {"name":"signature","type":"bytes"}]}],
   "outputs":[{"name":"","type":"bytes32"}]}
]`

const entryPointV07ABIJSON = `[
  {"type":"function","name":"getNonce","stateMutability":"view",
   "inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
   "outputs":[{"name":"nonce","type":"uint256"}]},
  {"type":"function","name":"getUserOpHash","stateMutability":"view",
   "inputs":[{"name":"userOp","type":"tuple","internalType":"struct PackedUserOperation","components":[
     {"name":"sender","type":"address"},
     {"name":"nonce","type":"uint256"},
     {"name":"initCode","type":"bytes"},
     {"name":"callData","type":"bytes"},
     {"name":"accountGasLimits","type":"bytes32"},
     {"name":"preVerificationGas","type":"uint256"},
     {"name":"gasFees","type":"bytes32"},
     {"name":"paymasterAndData","type":"bytes"},
     {"name":"signature","type":"bytes"}]}],
   "outputs":[{"name":"","type":"bytes32"}]}
]`

const factoryABIJSON = `[
  {"type":"function","name":"createAccount","stateMutability":"nonpayable",
   "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],
   "outputs":[{"name":"ret","type":"address"}]},
  {"type":"function","name":"getAddress","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]}
]`

const accountABIJSON = `[
  {"type":"function","name":"execute","stateMutability":"nonpayable",
   "inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"executeBatch","stateMutability":"nonpayable",
   "inputs":[{"name":"dest","type":"address[]"},{"name":"value","type":"uint256[]"},{"name":"data","type":"bytes[]"}],
   "outputs":[]}
]`

var (
	EntryPointV06ABI = mustParseABI("entrypoint v0.6", entryPointV06ABIJSON)
	EntryPointV07ABI = mustParseABI("entrypoint v0.7", entryPointV07ABIJSON)
	FactoryABI       = mustParseABI("factory", factoryABIJSON)
	AccountABI       = mustParseABI("account", accountABIJSON)
)

func mustParseABI(name, definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Errorf("Invalid %s ABI: %w", name, err))
	}
	return parsed
}
