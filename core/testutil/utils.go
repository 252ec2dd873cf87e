package testutil

import (
	"context"
	"fmt"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-builder/core/chainio/signer"
)

const (
	// Hardhat account #0, never funded on a public network.
	TestAdminPrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

var (
	TestAccountAddress = common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6")
	TestFactoryAddress = common.HexToAddress("0x29adA1b5217242DEaBB142BC3b1bCfFdd56008e7")
	TestTargetAddress  = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	TestPaymaster      = common.HexToAddress("0xB985af5f96EF2722DC99aEBA573520903B86505e")
)

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

func TestAdmin() *signer.PrivateKeyAccount {
	admin, err := signer.FromPrivateKeyHex(TestAdminPrivateKey)
	if err != nil {
		panic(err)
	}
	return admin
}

func GetDefaultCache() *bigcache.BigCache {
	config := bigcache.Config{
		// number of shards (must be a power of 2)
		Shards: 16,

		// time after which entry can be evicted
		LifeWindow: 10 * time.Minute,

		// Interval between removing expired entries (clean up).
		CleanWindow: 5 * time.Minute,

		// rps * lifeWindow, used only in initial memory allocation
		MaxEntriesInWindow: 1000,

		// max entry size in bytes, used only in initial memory allocation
		MaxEntrySize: 16,

		HardMaxCacheSize: 8,
	}
	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		panic(fmt.Errorf("error get default cache for test: %w", err))
	}
	return cache
}
