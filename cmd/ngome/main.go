// Ngome — sandboxed code execution for MCP tool-calling gateways.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ngome",
	Short: "Ngome — sandboxed code execution for MCP tool-calling gateways.",
	Long: `Ngome runs untrusted guest code (TypeScript via Deno, Python) in
per-caller sandbox sessions. Gateway tools are mounted as generated call
stubs inside a four-mount virtual filesystem; tool calls bridge back over
an authenticated stdio protocol with policy checks and PII tokenization.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagConfig  string
	flagCatalog string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&flagCatalog, "catalog", "", "catalog file: deployments, upstream MCP servers, static tools")
	rootCmd.AddCommand(serveCmd, execCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
