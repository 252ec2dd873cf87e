package cmd

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/userop-builder/core/config"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/preset"
)

// requestFlags are shared by build and send.
type requestFlags struct {
	calls      []string
	account    string
	factory    string
	admin      string
	salt       string
	entrypoint string
	bundlerURL string

	sponsor          bool
	waitOnDeployment bool
	isDeployed       bool

	token            string
	tokenBalanceSlot string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.calls, "call", nil, "call to perform as to:value:data, repeat for a batch")
	cmd.Flags().StringVar(&f.account, "account", "", "smart account address, derived from the factory when empty")
	cmd.Flags().StringVar(&f.factory, "factory", "", "account factory, defaults to factory_address or the SimpleAccountFactory")
	cmd.Flags().StringVar(&f.admin, "admin", "", "account owner, defaults to the controller key address")
	cmd.Flags().StringVar(&f.salt, "salt", "", "account salt (decimal or 0x hex)")
	cmd.Flags().StringVar(&f.entrypoint, "entrypoint", "", "EntryPoint address, defaults to entrypoint_address or v0.6")
	cmd.Flags().StringVar(&f.bundlerURL, "bundler-url", "", "send this operation to another bundler")
	cmd.Flags().BoolVar(&f.sponsor, "sponsor", false, "ask the paymaster to sponsor gas")
	cmd.Flags().BoolVar(&f.waitOnDeployment, "wait-for-deployment", true, "wait for an in-flight deployment of the account")
	cmd.Flags().BoolVar(&f.isDeployed, "deployed", false, "skip the on-chain deployment check and treat the account as deployed or not")
	cmd.Flags().StringVar(&f.token, "token-paymaster", "", "ERC-20 token of a token paymaster")
	cmd.Flags().StringVar(&f.tokenBalanceSlot, "token-balance-slot", "0", "storage slot of the token balance mapping")
	cmd.MarkFlagRequired("call")
}

// request turns the flags into a build request. Unset fields fall back to
// cfg, then to the builder defaults.
func (f *requestFlags) request(cmd *cobra.Command, cfg *config.Config, controller common.Address) (preset.BuildRequest, error) {
	var req preset.BuildRequest
	var err error

	req.Transactions, err = parseCalls(f.calls)
	if err != nil {
		return req, err
	}
	if req.Account, err = parseAddress("account", f.account); err != nil {
		return req, err
	}
	if req.Factory, err = parseAddress("factory", f.factory); err != nil {
		return req, err
	}
	if req.Admin, err = parseAddress("admin", f.admin); err != nil {
		return req, err
	}
	if req.Overrides.EntryPoint, err = parseAddress("entrypoint", f.entrypoint); err != nil {
		return req, err
	}
	if f.salt != "" {
		salt, ok := math.ParseBig256(f.salt)
		if !ok {
			return req, fmt.Errorf("invalid salt %q", f.salt)
		}
		req.Overrides.AccountSalt = salt
	}
	if f.token != "" {
		token, err := parseAddress("token-paymaster", f.token)
		if err != nil {
			return req, err
		}
		slot, ok := math.ParseBig256(f.tokenBalanceSlot)
		if !ok {
			return req, fmt.Errorf("invalid token balance slot %q", f.tokenBalanceSlot)
		}
		req.Overrides.TokenPaymaster = &preset.TokenPaymaster{Token: token, BalanceStorageSlot: slot}
	}
	req.Overrides.BundlerURL = f.bundlerURL
	req.SponsorGas = f.sponsor

	if cmd.Flags().Changed("wait-for-deployment") {
		req.WaitForDeployment = lo.ToPtr(f.waitOnDeployment)
	}
	if cmd.Flags().Changed("deployed") {
		req.IsDeployedOverride = lo.ToPtr(f.isDeployed)
	}

	if cfg != nil {
		if req.Factory == (common.Address{}) {
			req.Factory = cfg.FactoryAddress
		}
		if req.Overrides.EntryPoint == (common.Address{}) {
			req.Overrides.EntryPoint = cfg.EntrypointAddress
		}
	}
	if req.Admin == (common.Address{}) {
		req.Admin = controller
	}
	return req, nil
}

func parseAddress(name, value string) (common.Address, error) {
	if value == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid %s address %q", name, value)
	}
	return common.HexToAddress(value), nil
}

// parseCall reads "to:value:data". value and data may be omitted.
func parseCall(s string) (preset.Transaction, error) {
	parts := strings.SplitN(s, ":", 3)
	to, err := parseAddress("call target", parts[0])
	if err != nil {
		return preset.Transaction{}, err
	}
	if to == (common.Address{}) {
		return preset.Transaction{}, fmt.Errorf("call %q has no target", s)
	}

	tx := preset.Transaction{To: to, Value: new(big.Int)}
	if len(parts) > 1 && parts[1] != "" {
		value, ok := math.ParseBig256(parts[1])
		if !ok {
			return preset.Transaction{}, fmt.Errorf("invalid value in call %q", s)
		}
		tx.Value = value
	}
	if len(parts) > 2 && parts[2] != "" && parts[2] != "0x" {
		tx.Data, err = hexutil.Decode(parts[2])
		if err != nil {
			return preset.Transaction{}, fmt.Errorf("invalid data in call %q: %w", s, err)
		}
	}
	return tx, nil
}

func parseCalls(calls []string) ([]preset.Transaction, error) {
	txs := make([]preset.Transaction, 0, len(calls))
	for _, c := range calls {
		tx, err := parseCall(c)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}
