package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/embedapi-gateway/internal/telemetry"
)

const serviceName = "embedapi-gateway"

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "EmbedAPI gateway with usage accounting",
	Long: `An OpenAI-compatible gateway in front of EmbedAPI.

Every completion is priced against the model catalog. Solo (bring-your-own-key)
callers are charged what the upstream reports; Pro callers are priced locally
and their usage is recorded in a 90-day ledger.

Configuration is read from the environment (and a .env file if present).`,
	Version:       telemetry.ServiceVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
