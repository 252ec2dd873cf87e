package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/userop-builder/core/config"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/preset"
)

var (
	sendFlags requestFlags

	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "Build, sign and send a user operation",
		Long: `Build a user operation for one or more calls, sign it with
controller_private_key, submit it to the bundler and wait for the receipt.

Such as "userop send --call 0xTarget:1000000000000000 --sponsor"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			acct, err := rt.controller()
			if err != nil {
				return err
			}
			req, err := sendFlags.request(cmd, rt.cfg, acct.Address())
			if err != nil {
				return err
			}

			res, err := rt.builder.SendUserOp(cmd.Context(), req, acct)
			if res != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "userOpHash: %s\n", res.UserOpHash.Hex())
				fmt.Fprintf(cmd.OutOrStdout(), "sender:     %s\n", res.UserOp.GetSender().Hex())
			}
			if err != nil && !errors.Is(err, preset.ErrUserOpReverted) {
				return err
			}

			tx := res.Receipt.Receipt.TransactionHash
			fmt.Fprintf(cmd.OutOrStdout(), "txHash:     %s\n", tx.Hex())
			if link := config.ExplorerTxURL(rt.chainID, tx); link != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "explorer:   %s\n", link)
			}
			return err
		},
	}
)

func init() {
	sendFlags.register(sendCmd)
	rootCmd.AddCommand(sendCmd)
}
