package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/executor"
)

var (
	flagExecDeployment string
	flagExecCaller     string
	flagExecLanguage   string
	flagExecFile       string
	flagExecJSON       bool
)

var execCmd = &cobra.Command{
	Use:   "exec [code]",
	Short: "Execute code once against the configured catalog and exit",
	Long: `Runs one piece of code (or a restricted shell pipeline) in a fresh
sandbox session, prints the result, and exits. Intended for local
debugging against a catalog file with static tools.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&flagExecDeployment, "deployment", "default", "deployment id")
	execCmd.Flags().StringVar(&flagExecCaller, "caller", "local", "caller identity")
	execCmd.Flags().StringVar(&flagExecLanguage, "language", "", "override runtime: python or typescript")
	execCmd.Flags().StringVarP(&flagExecFile, "file", "f", "", "read code from file (\"-\" for stdin)")
	execCmd.Flags().BoolVar(&flagExecJSON, "json", false, "print the full execution record as JSON")
}

func runExec(cmd *cobra.Command, args []string) error {
	code, err := readCode(args)
	if err != nil {
		return err
	}

	sc, err := initShared(flagConfig, flagCatalog)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	resp, err := sc.Executor.Execute(cmd.Context(), executor.Request{
		DeploymentID: flagExecDeployment,
		Identity:     catalog.Identity{Caller: flagExecCaller, Teams: []string{}},
		Code:         code,
		Language:     flagExecLanguage,
	})
	if err != nil {
		return err
	}

	if flagExecJSON {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		if resp.Output != "" {
			fmt.Println(resp.Output)
		}
		if resp.Error != "" {
			fmt.Fprintln(os.Stderr, resp.Error)
		}
	}

	if resp.Status != executor.StatusCompleted {
		os.Exit(exitCode(resp.Status))
	}
	return nil
}

func readCode(args []string) (string, error) {
	switch {
	case flagExecFile == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	case flagExecFile != "":
		data, err := os.ReadFile(flagExecFile)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", flagExecFile, err)
		}
		return string(data), nil
	case len(args) == 1 && strings.TrimSpace(args[0]) != "":
		return args[0], nil
	default:
		return "", fmt.Errorf("no code given: pass it as an argument or via --file")
	}
}

// exitCode maps a run status to a conventional process exit code.
func exitCode(status string) int {
	switch status {
	case executor.StatusCompleted:
		return 0
	case executor.StatusBlocked:
		return 126
	case executor.StatusTimedOut:
		return 124
	default:
		return 1
	}
}
