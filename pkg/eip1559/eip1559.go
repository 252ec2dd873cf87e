package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// FeeSource is the subset of ethclient.Client the estimator reads from.
type FeeSource interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type options struct {
	minPriorityFee *big.Int
	minMaxFee      *big.Int
}

type Option func(*options)

// WithMinPriorityFee floors maxPriorityFeePerGas. Some bundlers refuse
// operations tipping below their own threshold.
func WithMinPriorityFee(wei *big.Int) Option {
	return func(o *options) { o.minPriorityFee = wei }
}

// WithMinMaxFee floors maxFeePerGas on EIP-1559 chains.
func WithMinMaxFee(wei *big.Int) Option {
	return func(o *options) { o.minMaxFee = wei }
}

// SuggestFee returns (maxFeePerGas, maxPriorityFeePerGas) for the next block.
func SuggestFee(ctx context.Context, client FeeSource, opts ...Option) (*big.Int, *big.Int, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// Get suggested gas tip cap (maxPriorityFeePerGas)
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	// Estimate base fee for the next block
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	// Add 13% buffer to tip for safety
	buffer := new(big.Int).Div(tipCap, big.NewInt(100))
	buffer = new(big.Int).Mul(buffer, big.NewInt(13))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)

	if o.minPriorityFee != nil && maxPriorityFeePerGas.Cmp(o.minPriorityFee) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(o.minPriorityFee)
	}

	var maxFeePerGas *big.Int

	baseFee := header.BaseFee
	if baseFee != nil {
		// maxFeePerGas = (2 * baseFee) + maxPriorityFeePerGas, so the operation
		// stays includable if baseFee doubles before it lands.
		maxFeePerGas = new(big.Int).Add(
			new(big.Int).Mul(baseFee, big.NewInt(2)),
			maxPriorityFeePerGas,
		)

		if o.minMaxFee != nil && maxFeePerGas.Cmp(o.minMaxFee) < 0 {
			maxFeePerGas = new(big.Int).Set(o.minMaxFee)
		}
	} else {
		// Legacy (pre-EIP-1559) chain - use maxPriorityFeePerGas as maxFeePerGas
		maxFeePerGas = new(big.Int).Set(maxPriorityFeePerGas)
	}

	return maxFeePerGas, maxPriorityFeePerGas, nil
}

var gwei = decimal.New(1, 9)

// GweiToWei converts a decimal gwei amount such as "1.5" to wei.
func GweiToWei(amount decimal.Decimal) *big.Int {
	return amount.Mul(gwei).BigInt()
}

// FormatGwei renders a wei amount in gwei for logs.
func FormatGwei(wei *big.Int) string {
	if wei == nil {
		return "<nil>"
	}
	return decimal.NewFromBigInt(wei, 0).Div(gwei).String()
}
