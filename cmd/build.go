package cmd

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/userop-builder/pkg/erc4337/deployment"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/preset"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
)

var (
	buildFlags requestFlags
	buildSign  bool

	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Build a user operation without sending it",
		Long: `Build a user operation for one or more calls and print it as JSON.

Gas limits come from the bundler estimate, or from the paymaster with --sponsor.
Use --sign to sign it with controller_private_key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			var controller common.Address
			if rt.cfg.ControllerPrivateKey != nil {
				acct, _ := rt.controller()
				controller = acct.Address()
			}
			req, err := buildFlags.request(cmd, rt.cfg, controller)
			if err != nil {
				return err
			}

			op, err := rt.builder.Build(cmd.Context(), req)
			if err != nil {
				return err
			}
			// nothing is sent, so release the account for other builds
			defer rt.builder.Tracker().ClearDeploying(deployment.Key(rt.chainID, op.GetSender()))

			entrypoint := userop.ResolveEntryPoint(req.Overrides.EntryPoint)
			if buildSign {
				acct, err := rt.controller()
				if err != nil {
					return err
				}
				if op, err = preset.SignUserOp(cmd.Context(), op, rt.chainID, entrypoint, acct); err != nil {
					return err
				}
			}
			return printUserOp(cmd, op, rt.chainID, entrypoint)
		},
	}
)

type userOpOutput struct {
	Version    userop.Version       `json:"version"`
	EntryPoint common.Address       `json:"entryPoint"`
	ChainID    *hexutil.Big         `json:"chainId"`
	Hash       common.Hash          `json:"userOpHash"`
	UserOp     userop.UserOperation `json:"userOp"`
}

func printUserOp(cmd *cobra.Command, op userop.UserOperation, chainID *big.Int, entrypoint common.Address) error {
	hash, err := preset.HashUserOp(op, chainID, entrypoint)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(userOpOutput{
		Version:    op.Version(),
		EntryPoint: entrypoint,
		ChainID:    (*hexutil.Big)(chainID),
		Hash:       hash,
		UserOp:     op,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func init() {
	buildFlags.register(buildCmd)
	buildCmd.Flags().BoolVar(&buildSign, "sign", false, "sign the operation with the controller key")
	rootCmd.AddCommand(buildCmd)
}
