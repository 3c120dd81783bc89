package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/offlinedash/usbsync/internal/domain"
)

// Config holds the usb_copy section of the configuration document.
// All durations are whole seconds, matching the on-disk keys.
type Config struct {
	// Enabled gates the whole engine; when false the process exits cleanly
	Enabled bool `mapstructure:"enabled"`

	// SourceDir is the directory holding one append-only CSV per source
	SourceDir string `mapstructure:"source_dir"`

	// LogsDir holds the log file, state file and lock file
	LogsDir string `mapstructure:"logs_dir"`

	// DestRootName is the folder created at the root of each volume
	DestRootName string `mapstructure:"dest_root_name"`

	// LegacyDestRootName is preferred when it already exists on a volume,
	// for media prepared by older deployments. Empty disables the fallback.
	LegacyDestRootName string `mapstructure:"legacy_dest_root_name"`

	// Subfolder is the path under the destination root receiving the files
	Subfolder string `mapstructure:"subfolder"`

	// CopyMode selects the conflict policy for existing destination files
	CopyMode domain.CopyMode `mapstructure:"copy_mode"`

	// AlwaysCopyOnInsert forces a copy of every file regardless of state
	AlwaysCopyOnInsert bool `mapstructure:"always_copy_on_insert"`

	// ExcludeNames lists source file names never synced (the consolidated
	// all-sites output lives in the source dir by convention)
	ExcludeNames []string `mapstructure:"exclude_names"`

	MinFreeMB       int `mapstructure:"min_free_mb"`
	PollIntervalSec int `mapstructure:"poll_interval_sec"`
	CooldownSec     int `mapstructure:"cooldown_seconds"`
	MountSettleSec  int `mapstructure:"mount_settle_seconds"`

	// SyncAfterCopy flushes OS buffers once a pass completes
	SyncAfterCopy bool `mapstructure:"sync_after_copy"`

	// EjectAfterCopy unmounts and powers off the volume after a clean pass
	EjectAfterCopy bool `mapstructure:"eject_after_copy"`

	// WriteDoneMarker leaves COPY_DONE.txt on the medium after a clean pass
	WriteDoneMarker bool `mapstructure:"write_done_marker"`

	// MinRWSec is the minimum dwell time after copying before eject
	MinRWSec int `mapstructure:"min_rw_seconds"`

	// QuiesceWaitSec bounds the wait for open file handles to drain
	QuiesceWaitSec int `mapstructure:"quiesce_wait_seconds"`

	// ConservativeEject requires several consecutive clear busy samples
	ConservativeEject         bool `mapstructure:"conservative_eject"`
	ConservativeEjectChecks   int  `mapstructure:"conservative_eject_checks"`
	ConservativeEjectInterval int  `mapstructure:"conservative_eject_interval"`
}

// Default returns the configuration used when keys are absent.
// Values mirror the deployed service defaults.
func Default() Config {
	return Config{
		Enabled:                   false,
		SourceDir:                 "data/csv",
		LogsDir:                   "logs",
		DestRootName:              "OfflineDashboard",
		LegacyDestRootName:        "",
		Subfolder:                 "data/csv",
		CopyMode:                  domain.CopyModeMerge,
		ExcludeNames:              []string{"all_sites.csv"},
		MinFreeMB:                 50,
		PollIntervalSec:           5,
		CooldownSec:               600,
		MountSettleSec:            2,
		SyncAfterCopy:             true,
		EjectAfterCopy:            false,
		WriteDoneMarker:           true,
		MinRWSec:                  3,
		QuiesceWaitSec:            20,
		ConservativeEject:         false,
		ConservativeEjectChecks:   3,
		ConservativeEjectInterval: 2,
	}
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	if c.SourceDir == "" {
		return fmt.Errorf("%w: source_dir cannot be empty", domain.ErrConfigInvalid)
	}
	if c.LogsDir == "" {
		return fmt.Errorf("%w: logs_dir cannot be empty", domain.ErrConfigInvalid)
	}
	if c.DestRootName == "" {
		return fmt.Errorf("%w: dest_root_name cannot be empty", domain.ErrConfigInvalid)
	}
	if !c.CopyMode.IsValid() {
		return fmt.Errorf("%w: unknown copy_mode %q", domain.ErrConfigInvalid, c.CopyMode)
	}
	if c.PollIntervalSec <= 0 {
		return fmt.Errorf("%w: poll_interval_sec must be positive", domain.ErrConfigInvalid)
	}
	if c.CooldownSec < 0 {
		return fmt.Errorf("%w: cooldown_seconds cannot be negative", domain.ErrConfigInvalid)
	}
	if c.MinFreeMB < 0 {
		return fmt.Errorf("%w: min_free_mb cannot be negative", domain.ErrConfigInvalid)
	}
	if c.ConservativeEjectChecks <= 0 {
		return fmt.Errorf("%w: conservative_eject_checks must be positive", domain.ErrConfigInvalid)
	}
	if c.ConservativeEjectInterval <= 0 {
		return fmt.Errorf("%w: conservative_eject_interval must be positive", domain.ErrConfigInvalid)
	}
	return nil
}

// StatePath returns the fingerprint file location under the logs dir
func (c *Config) StatePath() string {
	return filepath.Join(c.LogsDir, ".usb_copy_state.json")
}

// LockPath returns the singleton lock file location under the logs dir
func (c *Config) LockPath() string {
	return filepath.Join(c.LogsDir, ".usb_copy.lock")
}

// LogFilePath returns the engine log file location
func (c *Config) LogFilePath() string {
	return filepath.Join(c.LogsDir, "usb_copy.log")
}

// HistoryPath returns the pass-history database location
func (c *Config) HistoryPath() string {
	return filepath.Join(c.LogsDir, "usb_copy_history.db")
}

// IsExcluded reports whether a source file name is excluded from sync
func (c *Config) IsExcluded(name string) bool {
	for _, n := range c.ExcludeNames {
		if n == name {
			return true
		}
	}
	return false
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			if len(path) > 1 && (path[1] == '/' || path[1] == filepath.Separator) {
				path = filepath.Join(home, path[2:])
			} else if len(path) == 1 {
				path = home
			}
		}
	}
	path = os.ExpandEnv(path)
	return filepath.Clean(path)
}
