package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/userop-builder/pkg/eip1559"
)

// Config is the parsed and validated configuration of the userop CLI.
type Config struct {
	Environment sdklogging.LogLevel
	Logger      sdklogging.Logger

	EthRpcUrl    string
	BundlerUrl   string
	PaymasterUrl string
	// PaymasterHeaders are sent with every sponsorship request, typically an
	// API key.
	PaymasterHeaders map[string]string

	EntrypointAddress common.Address
	FactoryAddress    common.Address
	// EntrypointsV07 are extra EntryPoint deployments, e.g. on a devnet,
	// that speak v0.7.
	EntrypointsV07 []common.Address
	// ControllerPrivateKey signs operations. It is nil when not configured;
	// read-only commands do not need it.
	ControllerPrivateKey *ecdsa.PrivateKey

	FirstPartyBundlerHosts []string
	MinPriorityFee         *big.Int

	DeploymentWaitTimeout time.Duration
	ReceiptTimeout        time.Duration

	MetricsIpPortAddress string
	DeployedCacheEnabled bool
}

// ConfigRaw is read from the YAML config file.
type ConfigRaw struct {
	Environment sdklogging.LogLevel `yaml:"environment" validate:"omitempty,oneof=production development"`

	EthRpcUrl        string            `yaml:"eth_rpc_url" validate:"required,url"`
	BundlerUrl       string            `yaml:"bundler_url" validate:"required,url"`
	PaymasterUrl     string            `yaml:"paymaster_url" validate:"omitempty,url"`
	PaymasterHeaders map[string]string `yaml:"paymaster_headers"`

	EntrypointAddress    string   `yaml:"entrypoint_address" validate:"omitempty,eth_addr"`
	FactoryAddress       string   `yaml:"factory_address" validate:"omitempty,eth_addr"`
	ControllerPrivateKey string   `yaml:"controller_private_key" validate:"omitempty,hexadecimal"`
	EntrypointsV07       []string `yaml:"entrypoints_v07" validate:"dive,eth_addr"`

	FirstPartyBundlerHosts []string `yaml:"first_party_bundler_hosts"`
	MinPriorityFeeGwei     string   `yaml:"min_priority_fee_gwei" validate:"omitempty,numeric"`

	DeploymentWaitTimeout string `yaml:"deployment_wait_timeout"`
	ReceiptTimeout        string `yaml:"receipt_timeout"`

	MetricsIpPortAddress string `yaml:"metrics_ip_port_address" validate:"omitempty,hostname_port"`
	DeployedCacheEnabled bool   `yaml:"deployed_cache_enabled"`
}

var validate = validator.New()

// NewConfig reads the YAML file at configFilePath.
func NewConfig(configFilePath string) (*Config, error) {
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", configFilePath, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML config.
func Parse(data []byte) (*Config, error) {
	var raw ConfigRaw
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return raw.Build()
}

// Build validates raw and converts it into a Config.
func (raw ConfigRaw) Build() (*Config, error) {
	if err := validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	env := raw.Environment
	if env == "" {
		env = sdklogging.Production
	}
	logger, err := sdklogging.NewZapLogger(env)
	if err != nil {
		return nil, err
	}

	c := &Config{
		Environment:            env,
		Logger:                 logger,
		EthRpcUrl:              raw.EthRpcUrl,
		BundlerUrl:             raw.BundlerUrl,
		PaymasterUrl:           raw.PaymasterUrl,
		PaymasterHeaders:       raw.PaymasterHeaders,
		FirstPartyBundlerHosts: raw.FirstPartyBundlerHosts,
		MetricsIpPortAddress:   raw.MetricsIpPortAddress,
		DeployedCacheEnabled:   raw.DeployedCacheEnabled,
	}
	if raw.EntrypointAddress != "" {
		c.EntrypointAddress = common.HexToAddress(raw.EntrypointAddress)
	}
	if raw.FactoryAddress != "" {
		c.FactoryAddress = common.HexToAddress(raw.FactoryAddress)
	}
	c.EntrypointsV07 = convertToAddressSlice(raw.EntrypointsV07)

	if raw.ControllerPrivateKey != "" {
		c.ControllerPrivateKey, err = crypto.HexToECDSA(strings.TrimPrefix(raw.ControllerPrivateKey, "0x"))
		if err != nil {
			logger.Error("Cannot parse controller private key", "err", err)
			return nil, fmt.Errorf("invalid controller_private_key: %w", err)
		}
	}

	if raw.MinPriorityFeeGwei != "" {
		gwei, err := decimal.NewFromString(raw.MinPriorityFeeGwei)
		if err != nil {
			return nil, fmt.Errorf("invalid min_priority_fee_gwei: %w", err)
		}
		c.MinPriorityFee = eip1559.GweiToWei(gwei)
	}

	if c.DeploymentWaitTimeout, err = parseDuration("deployment_wait_timeout", raw.DeploymentWaitTimeout); err != nil {
		return nil, err
	}
	if c.ReceiptTimeout, err = parseDuration("receipt_timeout", raw.ReceiptTimeout); err != nil {
		return nil, err
	}
	return c, nil
}

// FeeOptions turns the fee floor settings into eip1559 options.
func (c *Config) FeeOptions() []eip1559.Option {
	if c.MinPriorityFee == nil {
		return nil
	}
	return []eip1559.Option{eip1559.WithMinPriorityFee(c.MinPriorityFee)}
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", field)
	}
	return d, nil
}
