package cmd

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/Layr-Labs/eigensdk-go/chainio/clients/eth"
	sdkmetrics "github.com/Layr-Labs/eigensdk-go/metrics"
	rpccalls "github.com/Layr-Labs/eigensdk-go/metrics/collectors/rpc_calls"
	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/userop-builder/core/chainio/signer"
	"github.com/AvaProtocol/userop-builder/core/config"
	"github.com/AvaProtocol/userop-builder/metrics"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/deployment"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/preset"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
	"github.com/AvaProtocol/userop-builder/pkg/logger"
)

const appName = "userop-builder"

// runtime is everything a command needs, wired from the config file.
type runtime struct {
	cfg     *config.Config
	logger  logger.Logger
	chain   preset.ChainClient
	chainID *big.Int
	bundler *bundler.BundlerClient
	builder *preset.Builder

	cancel  context.CancelFunc
	closers []func()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return nil, err
	}
	for _, ep := range cfg.EntrypointsV07 {
		userop.RegisterEntryPoint(ep, userop.V07)
	}
	return cfg, nil
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	rt := &runtime{cfg: cfg, logger: cfg.Logger, cancel: cancel}

	reg := prometheus.NewRegistry()
	opMetrics := metrics.NewUserOpMetrics(reg)
	tracker := deployment.NewTracker(deployment.WithLogger(cfg.Logger))
	reg.MustRegister(metrics.NewDeploymentCollector(tracker))

	if cfg.MetricsIpPortAddress != "" {
		rpcCallsCollector := rpccalls.NewCollector(appName, reg)
		client, err := eth.NewInstrumentedClient(cfg.EthRpcUrl, rpcCallsCollector)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("cannot create instrumented eth client: %w", err)
		}
		rt.chain = client

		eigenMetrics := sdkmetrics.NewEigenMetrics(appName, cfg.MetricsIpPortAddress, reg, cfg.Logger)
		errC := eigenMetrics.Start(ctx, reg)
		go func() {
			select {
			case err := <-errC:
				if err != nil {
					cfg.Logger.Error("metrics server stopped", "err", err)
				}
			case <-ctx.Done():
			}
		}()
	} else {
		client, err := ethclient.DialContext(ctx, cfg.EthRpcUrl)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("cannot dial %s: %w", cfg.EthRpcUrl, err)
		}
		rt.chain = client
		rt.closers = append(rt.closers, client.Close)
	}

	rt.chainID, err = rt.chain.ChainID(ctx)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("cannot fetch chain id: %w", err)
	}

	rt.bundler, err = bundler.NewBundlerClient(cfg.BundlerUrl, bundler.WithLogger(cfg.Logger))
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, rt.bundler.Close)

	builderCfg := preset.Config{
		Chain:                  rt.chain,
		Bundler:                rt.bundler,
		Tracker:                tracker,
		Logger:                 cfg.Logger,
		Metrics:                opMetrics,
		FirstPartyBundlerHosts: cfg.FirstPartyBundlerHosts,
		FeeOptions:             cfg.FeeOptions(),
		DeploymentWaitTimeout:  cfg.DeploymentWaitTimeout,
		ReceiptTimeout:         cfg.ReceiptTimeout,
	}
	if cfg.PaymasterUrl != "" {
		builderCfg.Paymaster = paymaster.NewClient(cfg.PaymasterUrl,
			paymaster.WithHeaders(cfg.PaymasterHeaders),
			paymaster.WithLogger(cfg.Logger))
	}
	if cfg.DeployedCacheEnabled {
		cache, err := bigcache.New(ctx, bigcache.Config{
			Shards:             16,
			LifeWindow:         24 * time.Hour,
			CleanWindow:        10 * time.Minute,
			MaxEntriesInWindow: 1024,
			MaxEntrySize:       8,
			HardMaxCacheSize:   16,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("cannot create deployed account cache: %w", err)
		}
		builderCfg.DeployedCache = cache
		rt.closers = append(rt.closers, func() { _ = cache.Close() })
	}

	rt.builder, err = preset.NewBuilder(builderCfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// controller is the configured signing key.
func (rt *runtime) controller() (*signer.PrivateKeyAccount, error) {
	if rt.cfg.ControllerPrivateKey == nil {
		return nil, fmt.Errorf("controller_private_key is not set in %s", configPath)
	}
	return signer.NewPrivateKeyAccount(rt.cfg.ControllerPrivateKey), nil
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.cancel()
}
