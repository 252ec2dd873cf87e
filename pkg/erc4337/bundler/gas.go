package bundler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

type GasEstimation struct {
	PreVerificationGas            *big.Int
	VerificationGasLimit          *big.Int
	CallGasLimit                  *big.Int
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
}

// GasPrice is the fee pair a first-party bundler expects.
type GasPrice struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// quantity decodes the numeric encodings bundlers use in the wild: 0x hex
// (with or without leading zeros), decimal strings and bare JSON numbers.
type quantity struct {
	v *big.Int
}

func (q *quantity) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if s == "" {
		return nil
	}
	v, ok := parseQuantity(s)
	if !ok {
		return fmt.Errorf("invalid quantity %q", s)
	}
	q.v = v
	return nil
}

func parseQuantity(s string) (*big.Int, bool) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if len(s) == 2 {
			return new(big.Int), true
		}
		return new(big.Int).SetString(s[2:], 16)
	}
	return new(big.Int).SetString(s, 10)
}

type gasEstimationJSON struct {
	PreVerificationGas            quantity `json:"preVerificationGas"`
	VerificationGasLimit          quantity `json:"verificationGasLimit"`
	VerificationGas               quantity `json:"verificationGas"`
	CallGasLimit                  quantity `json:"callGasLimit"`
	PaymasterVerificationGasLimit quantity `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       quantity `json:"paymasterPostOpGasLimit"`
}

func (r gasEstimationJSON) toEstimation() *GasEstimation {
	est := &GasEstimation{
		PreVerificationGas:            r.PreVerificationGas.v,
		VerificationGasLimit:          r.VerificationGasLimit.v,
		CallGasLimit:                  r.CallGasLimit.v,
		PaymasterVerificationGasLimit: r.PaymasterVerificationGasLimit.v,
		PaymasterPostOpGasLimit:       r.PaymasterPostOpGasLimit.v,
	}
	// Older bundlers report verificationGas instead of verificationGasLimit.
	if est.VerificationGasLimit == nil {
		est.VerificationGasLimit = r.VerificationGas.v
	}
	return est
}

type gasPriceJSON struct {
	MaxFeePerGas         quantity `json:"maxFeePerGas"`
	MaxPriorityFeePerGas quantity `json:"maxPriorityFeePerGas"`
}

func (r gasPriceJSON) toGasPrice() *GasPrice {
	return &GasPrice{MaxFeePerGas: r.MaxFeePerGas.v, MaxPriorityFeePerGas: r.MaxPriorityFeePerGas.v}
}

var _ json.Unmarshaler = (*quantity)(nil)
