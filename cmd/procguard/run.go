package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/procguard/procguard/internal/artifact"
	"github.com/procguard/procguard/internal/config"
	"github.com/procguard/procguard/internal/events"
	"github.com/procguard/procguard/internal/inspect"
	"github.com/procguard/procguard/internal/logging"
	"github.com/procguard/procguard/internal/report"
	"github.com/procguard/procguard/internal/storage"
	"github.com/procguard/procguard/internal/storage/sqlite"
	"github.com/procguard/procguard/internal/watchdog"
)

var (
	runProcessName string
	runReportDir   string
	runArtifact    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor loop",
	Long: `Run polls for the target process and supervises it until interrupted.
SIGINT or SIGTERM stops the loop after the current cycle finishes.`,
	RunE: runSupervisor,
}

func init() {
	runCmd.Flags().StringVarP(&runProcessName, "process", "p", "", "executable name of the process to supervise")
	runCmd.Flags().StringVar(&runReportDir, "report-dir", "", "directory for incident reports")
	runCmd.Flags().StringVar(&runArtifact, "artifact", "", "secondary file to watch for integrity changes")
	rootCmd.AddCommand(runCmd)
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if runProcessName != "" {
		cfg.ProcessName = runProcessName
	}
	if runReportDir != "" {
		cfg.ReportDir = runReportDir
	}
	if runArtifact != "" {
		cfg.ArtifactPath = runArtifact
	}
	if debugMode {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Debug)
	inspector := inspect.NewProcInspector()
	signaler := inspect.NewProcSignaler()

	// an unusable report directory is the one fatal init failure: without it
	// incident capture cannot work
	reporter, err := report.NewReporter(cfg.ReportDir, inspector)
	if err != nil {
		return err
	}

	var store storage.Store
	if st, err := sqlite.New(cfg.DBPath()); err != nil {
		logger.Warningf("history database unavailable, continuing without: %v", err)
	} else {
		store = st
		defer st.Close()
	}

	var sink events.Sink
	if store != nil {
		sink = store
	}
	eventLog, err := events.OpenLog(filepath.Join(cfg.ReportDir, "events.jsonl"), sink, logger.Errorf)
	if err != nil {
		logger.Warningf("event log unavailable, continuing without: %v", err)
	} else {
		defer eventLog.Close()
	}

	var watcher *artifact.Watcher
	if cfg.ArtifactPath != "" {
		w, werr := artifact.NewWatcher(cfg.ArtifactPath)
		if werr != nil {
			logger.Warningf("artifact watcher disabled: %v", werr)
		} else {
			watcher = w
			defer w.Close()
		}
	}

	sup, err := watchdog.NewSupervisor(&watchdog.SupervisorDeps{
		Config:    cfg,
		Inspector: inspector,
		Signaler:  signaler,
		Reporter:  reporter,
		Logger:    logger,
		Store:     store,
		EventLog:  eventLog,
		Artifact:  watcher,
	})
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(ctx)
	})
	return g.Wait()
}
