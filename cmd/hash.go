package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/userop-builder/pkg/erc4337/preset"
	"github.com/AvaProtocol/userop-builder/pkg/erc4337/userop"
)

var (
	hashFile       string
	hashEntryPoint string
	hashChainID    string
	hashVersion    string
	hashVerify     bool

	hashCmd = &cobra.Command{
		Use:   "hash",
		Short: "Compute the hash of a user operation",
		Long: `Read a user operation as JSON from --file (or stdin with "-") and print
the hash its account signs.

With --verify the hash is also read from the EntryPoint through eth_rpc_url and
both must match.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			entrypoint, err := parseAddress("entrypoint", hashEntryPoint)
			if err != nil {
				return err
			}
			entrypoint = userop.ResolveEntryPoint(entrypoint)

			version := userop.DetectVersion(entrypoint)
			if hashVersion != "" {
				version = userop.Version(hashVersion)
			}
			op, err := readUserOp(cmd, hashFile, version)
			if err != nil {
				return err
			}

			if hashVerify {
				rt, err := newRuntime(cmd.Context())
				if err != nil {
					return err
				}
				defer rt.Close()
				hash, err := preset.VerifyUserOpHash(cmd.Context(), rt.chain, op, rt.chainID, entrypoint)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), hash.Hex())
				return nil
			}

			chainID, ok := math.ParseBig256(hashChainID)
			if !ok || chainID.Sign() <= 0 {
				return fmt.Errorf("invalid chain id %q", hashChainID)
			}
			hash, err := preset.HashUserOp(op, chainID, entrypoint)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash.Hex())
			return nil
		},
	}
)

func readUserOp(cmd *cobra.Command, path string, version userop.Version) (userop.UserOperation, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read user operation: %w", err)
	}
	return userop.Unmarshal(version, data)
}

func init() {
	hashCmd.Flags().StringVarP(&hashFile, "file", "f", "-", "user operation JSON file, - for stdin")
	hashCmd.Flags().StringVar(&hashEntryPoint, "entrypoint", "", "EntryPoint address, defaults to v0.6")
	hashCmd.Flags().StringVar(&hashChainID, "chain-id", "", "chain id the operation targets")
	hashCmd.Flags().StringVar(&hashVersion, "version", "", "entrypoint version (v0.6 or v0.7), detected from the address by default")
	hashCmd.Flags().BoolVar(&hashVerify, "verify", false, "check the hash against the EntryPoint on chain")
	rootCmd.AddCommand(hashCmd)
}
