// kgraphd is the knowledge-graph inference daemon: a fact and rule
// store with forward-chaining inference, truth maintenance, and a
// combined HTTP + gRPC service surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kgraphd/internal/bridge"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "kgraphd",
	Short: "knowledge-graph inference daemon",
	Long: `kgraphd maintains a knowledge base of ground facts, derives new
facts by forward chaining over installed rules, and keeps a
justification graph so every derived fact can explain itself.
Retracting a fact retracts everything that no longer has
well-founded support.

The daemon serves HTTP and gRPC on separate ports; both speak the
same JSON payloads.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "validate configuration and seed documents without serving",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the service version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", bridge.ServiceName, bridge.ServiceVersion)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override configured log level")
	rootCmd.AddCommand(serveCmd, checkCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kgraphd:", err)
		os.Exit(1)
	}
}
