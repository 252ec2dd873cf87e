package config

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var explorers = map[int64]string{
	1:        "https://etherscan.io",
	11155111: "https://sepolia.etherscan.io",
	8453:     "https://basescan.org",
	84532:    "https://sepolia.basescan.org",
}

// ExplorerTxURL links a transaction on the chain's block explorer. It is
// empty for chains without a known explorer.
func ExplorerTxURL(chainID *big.Int, tx common.Hash) string {
	if chainID == nil || !chainID.IsInt64() {
		return ""
	}
	base, ok := explorers[chainID.Int64()]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", base, tx.Hex())
}
