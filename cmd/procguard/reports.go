package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/procguard/procguard/internal/config"
	"github.com/procguard/procguard/internal/storage/sqlite"
)

var reportsLimit int

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List captured incident reports",
	RunE:  listReports,
}

func init() {
	reportsCmd.Flags().IntVarP(&reportsLimit, "limit", "n", 20, "maximum number of incidents to show")
	rootCmd.AddCommand(reportsCmd)
}

func listReports(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := sqlite.New(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer store.Close()

	incidents, err := store.ListIncidents(cmd.Context(), reportsLimit)
	if err != nil {
		return fmt.Errorf("failed to list incidents: %w", err)
	}
	if len(incidents) == 0 {
		fmt.Println("No incidents recorded.")
		return nil
	}

	bold := color.New(color.Bold)
	yellow := color.New(color.FgYellow)
	for _, inc := range incidents {
		bold.Printf("%s  ", inc.Timestamp.Local().Format("2006-01-02 15:04:05"))
		yellow.Printf("%-26s", inc.Reason)
		fmt.Printf("  %s", inc.ProcessName)
		if inc.Path != "" {
			fmt.Printf("  (%s)", inc.Path)
		}
		fmt.Println()
	}
	return nil
}
