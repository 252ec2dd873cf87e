package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/userop-builder/core/chainio/aa"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
)

var (
	addressAdmin   string
	addressFactory string
	addressSalt    string

	addressCmd = &cobra.Command{
		Use:   "address",
		Short: "Predict the smart account address of an owner",
		Long: `Ask the account factory for the counterfactual address of --admin
(the controller key by default) and report whether it is deployed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			owner, err := parseAddress("admin", addressAdmin)
			if err != nil {
				return err
			}
			if owner == (common.Address{}) {
				acct, err := rt.controller()
				if err != nil {
					return err
				}
				owner = acct.Address()
			}

			factory, err := parseAddress("factory", addressFactory)
			if err != nil {
				return err
			}
			if factory == (common.Address{}) {
				factory = rt.cfg.FactoryAddress
			}
			if factory == (common.Address{}) {
				entrypoint := userop.ResolveEntryPoint(rt.cfg.EntrypointAddress)
				factory = aa.DefaultFactory(userop.DetectVersion(entrypoint))
			}

			salt, ok := math.ParseBig256(addressSalt)
			if !ok {
				return fmt.Errorf("invalid salt %q", addressSalt)
			}

			account, err := aa.NewFactory(factory, rt.chain).GetAddress(cmd.Context(), owner, salt)
			if err != nil {
				return err
			}
			code, err := rt.chain.CodeAt(cmd.Context(), account, nil)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "account:  %s\n", account.Hex())
			fmt.Fprintf(cmd.OutOrStdout(), "factory:  %s\n", factory.Hex())
			fmt.Fprintf(cmd.OutOrStdout(), "deployed: %t\n", len(code) > 0)
			return nil
		},
	}
)

func init() {
	addressCmd.Flags().StringVar(&addressAdmin, "admin", "", "account owner, defaults to the controller key address")
	addressCmd.Flags().StringVar(&addressFactory, "factory", "", "account factory, defaults to factory_address or the SimpleAccountFactory")
	addressCmd.Flags().StringVar(&addressSalt, "salt", "0", "account salt (decimal or 0x hex)")
	rootCmd.AddCommand(addressCmd)
}
