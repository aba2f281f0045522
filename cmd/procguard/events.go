package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/procguard/procguard/internal/config"
	"github.com/procguard/procguard/internal/events"
	"github.com/procguard/procguard/internal/storage/sqlite"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent supervisor events",
	RunE:  listEvents,
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "maximum number of events to show")
	rootCmd.AddCommand(eventsCmd)
}

func listEvents(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := sqlite.New(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer store.Close()

	recent, err := store.RecentEvents(cmd.Context(), eventsLimit)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}
	if len(recent) == 0 {
		fmt.Println("No events recorded.")
		return nil
	}

	for _, e := range recent {
		fmt.Printf("%s  %s  %s",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			severityTag(e.Severity), e.Type)
		if e.ThreadID != 0 {
			fmt.Printf(" [thread %d]", e.ThreadID)
		}
		fmt.Printf("  %s\n", e.Message)
	}
	return nil
}

func severityTag(sev events.EventSeverity) string {
	switch sev {
	case events.SeverityError:
		return color.New(color.FgRed).Sprintf("%-7s", sev)
	case events.SeverityWarning:
		return color.New(color.FgYellow).Sprintf("%-7s", sev)
	default:
		return color.New(color.FgCyan).Sprintf("%-7s", sev)
	}
}
