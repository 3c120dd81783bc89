package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/offlinedash/usbsync/internal/config"
	"github.com/offlinedash/usbsync/internal/domain"
	"github.com/offlinedash/usbsync/internal/engine"
	"github.com/offlinedash/usbsync/internal/history"
	"github.com/offlinedash/usbsync/internal/lock"
	"github.com/offlinedash/usbsync/internal/logger"
	"github.com/offlinedash/usbsync/internal/state"
)

var (
	cfgFile   string
	runOnce   bool
	runDaemon bool
	interval  int
	dryRun    bool
	testMount string
	checkOnly bool
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "usbsync",
	Short: "Offload collected CSV data onto removable media",
	Long: `usbsync watches for removable volumes, copies the collected CSV
files onto them without corrupting either side, reconciles naming
conflicts and safely ejects the medium once it goes quiet.

Examples:
  usbsync --daemon                 watch for volume insertions until stopped
  usbsync --once                   one pass over every mounted volume, then exit
  usbsync --once --dry-run         report what would be copied, write nothing
  usbsync --check-only             fix naming variants on volumes, copy nothing
  usbsync --once --test-mount /tmp/fakeusb`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "config.jsonc", "configuration file path")
	rootCmd.Flags().BoolVar(&runOnce, "once", false, "run a single pass and exit")
	rootCmd.Flags().BoolVar(&runDaemon, "daemon", false, "run the polling daemon until signalled")
	rootCmd.Flags().IntVar(&interval, "interval", 0, "override poll interval in seconds")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report planned copies without writing anything")
	rootCmd.Flags().StringVar(&testMount, "test-mount", "", "treat this directory as a mounted volume")
	rootCmd.Flags().BoolVar(&checkOnly, "check-only", false, "reconcile naming variants without copying")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// ensureDirs creates the directories the engine reads and writes. The
// source dir may not exist yet on a fresh deployment; the collector that
// fills it starts independently.
func ensureDirs(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.SourceDir, 0755); err != nil {
		return fmt.Errorf("cannot create source directory: %w", err)
	}
	if err := os.MkdirAll(cfg.LogsDir, 0755); err != nil {
		return fmt.Errorf("cannot create logs directory: %w", err)
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.ExpandPath(cfgFile))
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if !cfg.Enabled {
		return domain.ErrDisabled
	}
	if interval > 0 {
		cfg.PollIntervalSec = interval
	}

	if err := ensureDirs(cfg); err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:  logger.ParseLevel(logLevel),
		Stdout: true,
		File: logger.FileConfig{
			Enabled:    true,
			Path:       cfg.LogFilePath(),
			MaxSizeMB:  10,
			MaxAgeDays: 30,
			MaxBackups: 5,
			Compress:   true,
		},
	})
	if err != nil {
		return fmt.Errorf("cannot initialize logging: %w", err)
	}
	defer log.Shutdown()

	eng := engine.New(cfg, state.NewStore(cfg.StatePath()), log)

	hist, err := history.NewManager(cfg.HistoryPath())
	if err != nil {
		log.Warn("pass history unavailable", "error", err)
	} else {
		eng.SetHistory(hist)
		defer hist.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := engine.RunOptions{DryRun: dryRun, TestMount: testMount}

	switch {
	case checkOnly:
		return eng.RunCheckOnly(opts)
	case runOnce:
		return eng.RunOnce(ctx, opts)
	case runDaemon:
		err := eng.RunDaemon(ctx, opts)
		if lock.IsHeldError(err) {
			// another live instance owns the loop; that is a normal outcome
			log.Warn("another instance is already running", "holder", err.Error())
			return nil
		}
		return err
	default:
		return eng.RunOnce(ctx, opts)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, domain.ErrDisabled) {
			fmt.Println("usb_copy is disabled in configuration, nothing to do")
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
