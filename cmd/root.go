package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	configPath = "config/userop.yaml"
	rootCmd    = &cobra.Command{
		Use:   "userop",
		Short: "ERC-4337 user operation CLI",
		Long: `Build, sign and send ERC-4337 user operations through a bundler,
with optional paymaster sponsorship.

Such as "userop build --call 0xTarget:0:0x" or "userop send --sponsor" and so on
`,
		SilenceUsage: true,
	}
)

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "Path to config file")
}
