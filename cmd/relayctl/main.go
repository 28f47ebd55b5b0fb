// relayctl is the operator CLI for relayd: list sessions, inspect audit
// trails, stream live phase changes, and settle permission requests.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relayctl",
		Short:         "Inspect and control a running relayd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("addr", "http://localhost:8420", "relayd observer address")
	viper.BindPFlag("addr", cmd.PersistentFlags().Lookup("addr"))
	viper.SetEnvPrefix("RELAY")
	viper.AutomaticEnv()

	cmd.AddCommand(sessionsCmd())
	cmd.AddCommand(auditCmd())
	cmd.AddCommand(watchCmd())
	cmd.AddCommand(resolveCmd())

	return cmd
}
