package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	apiBase string
	jsonOut bool
)

// CLIError carries the exit code spec §6 assigns to CLI failures: 1
// generic, 2 usage, 3 service unavailable. A bare error from RunE maps
// to 1.
type CLIError struct {
	Code int
	Err  error
}

func (e *CLIError) Error() string { return e.Err.Error() }
func (e *CLIError) Unwrap() error { return e.Err }

func usageError(format string, args ...any) error {
	return &CLIError{Code: 2, Err: fmt.Errorf(format, args...)}
}

func unavailableError(err error) error {
	return &CLIError{Code: 3, Err: fmt.Errorf("control API unavailable: %w", err)}
}

// ExitCodeOf maps a RunE error to the process exit code main() should
// use.
func ExitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ce, ok := err.(*CLIError); ok {
		return ce.Code
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "cictl",
	Short: "cictl — control-plane client for the CI core",
	Long:  "cictl talks to the control API (spec §4.6) to submit, list, inspect, cancel, and tail jobs.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	def := os.Getenv("CI_CORE_API")
	if def == "" {
		def = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&apiBase, "api", def, "control API base URL (env CI_CORE_API)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output raw JSON")
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
