package preset

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"github.com/AvaProtocol/userop-builder/pkg/eip1559"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/bundler"
)

// DefaultFirstPartyBundlerHosts are the bundler hosts that serve
// thirdweb_getUserOperationGasPrice.
var DefaultFirstPartyBundlerHosts = []string{"thirdweb.com", "thirdweb-dev.com"}

// GasFees is the EIP-1559 fee pair of a user operation.
type GasFees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

func (f GasFees) complete() bool {
	return f.MaxFeePerGas != nil && f.MaxPriorityFeePerGas != nil
}

// fillFrom sets the fields still missing in f from other.
func (f *GasFees) fillFrom(other GasFees) {
	if f.MaxFeePerGas == nil {
		f.MaxFeePerGas = other.MaxFeePerGas
	}
	if f.MaxPriorityFeePerGas == nil {
		f.MaxPriorityFeePerGas = other.MaxPriorityFeePerGas
	}
}

// GasPriceSource is the bundler fee suggestion extension.
type GasPriceSource interface {
	URL() string
	GetUserOperationGasPrice(ctx context.Context) (*bundler.GasPrice, error)
}

// IsFirstPartyBundler reports whether rawURL points at a host, or a
// subdomain of a host, in hosts.
func IsFirstPartyBundler(rawURL string, hosts []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimPrefix(h, "."))
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// ResolveGasFees fills the fee pair. Fields set in explicit win; the rest
// come from the bundler when it is first party, otherwise from the chain.
func ResolveGasFees(
	ctx context.Context,
	explicit GasFees,
	bc GasPriceSource,
	chain eip1559.FeeSource,
	firstPartyHosts []string,
	opts ...eip1559.Option,
) (GasFees, error) {
	fees := explicit
	if fees.complete() {
		return fees, nil
	}

	if bc != nil && IsFirstPartyBundler(bc.URL(), firstPartyHosts) {
		price, err := bc.GetUserOperationGasPrice(ctx)
		if err != nil {
			return GasFees{}, fmt.Errorf("failed to get bundler gas price: %w", err)
		}
		fees.fillFrom(GasFees{MaxFeePerGas: price.MaxFeePerGas, MaxPriorityFeePerGas: price.MaxPriorityFeePerGas})
		return fees, nil
	}

	maxFee, tip, err := eip1559.SuggestFee(ctx, chain, opts...)
	if err != nil {
		return GasFees{}, fmt.Errorf("failed to suggest gas fees: %w", err)
	}
	fees.fillFrom(GasFees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip})
	return fees, nil
}
