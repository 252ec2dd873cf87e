package paymaster

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mitchellh/mapstructure"

	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
)

// Result is a paymaster sponsorship decision. v0.6 services answer with
// PaymasterAndData, v0.7 services with Paymaster and PaymasterData. Gas limits
// are present when the service estimated the operation itself.
type Result struct {
	PaymasterAndData []byte         `mapstructure:"paymasterAndData"`
	Paymaster        common.Address `mapstructure:"paymaster"`
	PaymasterData    []byte         `mapstructure:"paymasterData"`

	PreVerificationGas            *big.Int `mapstructure:"preVerificationGas"`
	VerificationGasLimit          *big.Int `mapstructure:"verificationGasLimit"`
	CallGasLimit                  *big.Int `mapstructure:"callGasLimit"`
	PaymasterVerificationGasLimit *big.Int `mapstructure:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *big.Int `mapstructure:"paymasterPostOpGasLimit"`
}

// Sponsored reports whether the result carries a sponsorship for an
// operation of the given version.
func (r *Result) Sponsored(version userop.Version) bool {
	if r == nil {
		return false
	}
	if version == userop.V07 {
		return r.Paymaster != (common.Address{})
	}
	return len(r.PaymasterAndData) > 0
}

// HasGasLimits reports whether the service supplied every gas limit the
// version needs, in which case no bundler estimation is required.
func (r *Result) HasGasLimits(version userop.Version) bool {
	if r == nil || r.CallGasLimit == nil || r.VerificationGasLimit == nil || r.PreVerificationGas == nil {
		return false
	}
	if version == userop.V07 {
		return r.PaymasterVerificationGasLimit != nil && r.PaymasterPostOpGasLimit != nil
	}
	return true
}

var (
	bigIntPtrType = reflect.TypeOf((*big.Int)(nil))
	bytesType     = reflect.TypeOf([]byte(nil))
	addressType   = reflect.TypeOf(common.Address{})
)

// hexHook converts the hex strings (and json.Number values) of a JSON-RPC
// result into the Go types of Result.
func hexHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	var s string
	switch v := data.(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	default:
		return data, nil
	}

	switch to {
	case bigIntPtrType:
		v, ok := parseNumber(s)
		if !ok {
			return nil, fmt.Errorf("invalid number %q", s)
		}
		return v, nil
	case bytesType:
		return common.FromHex(s), nil
	case addressType:
		if s == "" || s == "0x" {
			return common.Address{}, nil
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	}
	return data, nil
}

func parseNumber(s string) (*big.Int, bool) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if len(s) == 2 {
			return new(big.Int), true
		}
		return new(big.Int).SetString(s[2:], 16)
	}
	return new(big.Int).SetString(s, 10)
}

// DecodeResult converts a raw JSON-RPC result into a Result. Legacy v0.6
// services answer with the bare paymasterAndData string.
func DecodeResult(raw interface{}) (*Result, error) {
	switch v := raw.(type) {
	case nil:
		return &Result{}, nil
	case string:
		return &Result{PaymasterAndData: common.FromHex(v)}, nil
	case map[string]interface{}:
		var result Result
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook: hexHook,
			Result:     &result,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(v); err != nil {
			return nil, fmt.Errorf("invalid %s result: %w", sponsorMethod, err)
		}
		return &result, nil
	default:
		return nil, fmt.Errorf("unexpected %s result type %T", sponsorMethod, raw)
	}
}
