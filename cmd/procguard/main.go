// procguard supervises a single external process: it detects process death
// and per-thread execution stalls, applies rate-limited recovery actions, and
// writes persisted incident reports.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "procguard",
	Short: "Process supervisor with thread-stall detection and recovery",
	Long: `procguard watches a single process for death and per-thread execution
stalls. Stalled threads are recovered with rate-limited, safety-gated
actions, and every terminal event produces a persisted incident report.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
