package copier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/offlinedash/usbsync/internal/checksum"
	"github.com/offlinedash/usbsync/internal/config"
	"github.com/offlinedash/usbsync/internal/domain"
	"github.com/offlinedash/usbsync/internal/logger"
	"github.com/offlinedash/usbsync/internal/state"
	"github.com/offlinedash/usbsync/internal/variants"
)

// Copier performs the per-volume copy pass. It owns no cross-pass state
// beyond what the fingerprint store persists.
type Copier struct {
	cfg   *config.Config
	store *state.Store
	log   logger.Logger

	// freeBytes is swappable for tests
	freeBytes func(path string) (uint64, error)
}

// New creates a copy engine
func New(cfg *config.Config, store *state.Store, log logger.Logger) *Copier {
	return &Copier{
		cfg:       cfg,
		store:     store,
		log:       log,
		freeBytes: diskFree,
	}
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// DestRoot returns the destination root on a volume, preferring a
// pre-existing legacy root for media prepared by older deployments.
func (c *Copier) DestRoot(vol domain.Volume) string {
	if c.cfg.LegacyDestRootName != "" {
		legacy := filepath.Join(vol.MountPoint, c.cfg.LegacyDestRootName)
		if info, err := os.Stat(legacy); err == nil && info.IsDir() {
			return legacy
		}
	}
	return filepath.Join(vol.MountPoint, c.cfg.DestRootName)
}

// DestDir returns the directory receiving the source files on a volume
func (c *Copier) DestDir(vol domain.Volume) string {
	return filepath.Join(c.DestRoot(vol), c.cfg.Subfolder)
}

// Sync copies new or changed source files onto the volume under the
// configured copy mode. One bad file never aborts the pass; its name is
// recorded and the remaining files proceed. Fingerprints are persisted
// only for files whose copy completed.
//
// ctx is consulted between files only: an in-flight file operation is
// always allowed to finish so the medium never holds a torn write.
func (c *Copier) Sync(ctx context.Context, vol domain.Volume, dryRun bool) (domain.PassSummary, error) {
	summary := domain.PassSummary{
		VolumeID:   vol.ID(),
		MountPoint: vol.MountPoint,
		DryRun:     dryRun,
	}

	if _, err := os.Stat(vol.MountPoint); err != nil {
		return summary, fmt.Errorf("%w: %s", domain.ErrVolumeGone, vol.MountPoint)
	}

	destDir := c.DestDir(vol)

	if free, err := c.freeBytes(vol.MountPoint); err == nil {
		required := uint64(c.cfg.MinFreeMB) * 1024 * 1024
		if free < required {
			c.log.Warn("volume low on space, skipping pass",
				"mount", vol.MountPoint, "free_bytes", free, "min_free_mb", c.cfg.MinFreeMB)
			return summary, domain.ErrLowSpace
		}
	}

	sources, err := c.listSources()
	if err != nil {
		return summary, fmt.Errorf("failed to list source files: %w", err)
	}

	stateMap := c.store.Load()
	volState := stateMap[vol.ID()]
	if volState == nil {
		volState = map[string]domain.Fingerprint{}
		stateMap[vol.ID()] = volState
	}

	for _, src := range sources {
		if ctx.Err() != nil {
			c.log.Warn("shutdown requested, not starting further files",
				"remaining", len(sources)-summary.FilesCopied-len(summary.Failed))
			break
		}

		result := c.syncFile(src, destDir, volState, dryRun)
		name := filepath.Base(src)

		switch {
		case result.Err != nil:
			c.log.Error("file sync failed", "name", name, "error", result.Err)
			summary.Failed = append(summary.Failed, name)
		case result.Action == domain.ActionSkip:
			c.log.Debug("file up to date", "name", name)
		default:
			if dryRun {
				c.log.Info("dry-run: would sync file", "name", name, "action", string(result.Action), "dest", destDir)
			} else {
				c.log.Info("file synced", "name", name, "action", string(result.Action), "dest", destDir)
			}
			summary.FilesCopied++
		}
	}

	if !dryRun {
		if err := c.store.Save(stateMap); err != nil {
			return summary, fmt.Errorf("failed to persist fingerprints: %w", err)
		}
	}

	return summary, nil
}

// ReconcileVariants collapses numbered variants on a volume for every
// source file without copying anything. Used by check-only runs.
func (c *Copier) ReconcileVariants(vol domain.Volume) error {
	sources, err := c.listSources()
	if err != nil {
		return fmt.Errorf("failed to list source files: %w", err)
	}

	destDir := c.DestDir(vol)
	for _, src := range sources {
		name := filepath.Base(src)
		promoted, err := variants.Reconcile(destDir, name)
		if err != nil {
			c.log.Warn("variant reconciliation failed", "name", name, "error", err)
			continue
		}
		if promoted != "" {
			c.log.Info("promoted variant to canonical path", "from", filepath.Base(promoted), "to", name)
		}
	}
	return nil
}

// listSources returns the sorted CSV files in the source dir, minus the
// excluded consolidated outputs
func (c *Copier) listSources() ([]string, error) {
	entries, err := os.ReadDir(c.cfg.SourceDir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.EqualFold(filepath.Ext(name), ".csv") {
			continue
		}
		if c.cfg.IsExcluded(name) {
			continue
		}
		files = append(files, filepath.Join(c.cfg.SourceDir, name))
	}

	sort.Strings(files)
	return files, nil
}

// syncFile handles one source file and returns its explicit outcome
func (c *Copier) syncFile(src, destDir string, volState map[string]domain.Fingerprint, dryRun bool) domain.FileResult {
	name := filepath.Base(src)
	dst := filepath.Join(destDir, name)

	srcInfo, err := os.Stat(src)
	if err != nil {
		return domain.FileResult{Name: name, Err: err}
	}

	// Collapse stray numbered variants before looking at the canonical
	// path. Reconciliation renames files, so dry-run leaves it alone.
	if !dryRun {
		if promoted, err := variants.Reconcile(destDir, name); err != nil {
			c.log.Warn("variant reconciliation failed", "name", name, "error", err)
		} else if promoted != "" {
			c.log.Info("promoted variant to canonical path", "from", filepath.Base(promoted), "to", name)
		}
	}

	fp := domain.Fingerprint{MTime: srcInfo.ModTime().Unix(), Size: srcInfo.Size()}

	need := c.cfg.AlwaysCopyOnInsert
	if !need {
		prev, known := volState[name]
		if !known || prev.MTime != fp.MTime || prev.Size != fp.Size {
			need = true
		}
	}

	dstInfo, dstErr := os.Stat(dst)
	dstExists := dstErr == nil
	if !dstExists {
		need = true
	}

	if !need {
		return domain.FileResult{Name: name, Action: domain.ActionSkip}
	}

	if dryRun {
		action := domain.ActionFreshCopy
		if dstExists {
			switch c.cfg.CopyMode {
			case domain.CopyModeOverwrite:
				action = domain.ActionOverwrite
			case domain.CopyModeMerge:
				action = domain.ActionMerge
			case domain.CopyModeSkipIdentical:
				// the identity check only reads, so the plan can be exact
				if identical, err := c.contentsIdentical(src, srcInfo, dst, dstInfo); err == nil && identical {
					action = domain.ActionSkip
				} else {
					action = domain.ActionOverwrite
				}
			}
		}
		return domain.FileResult{Name: name, Action: action}
	}

	if !dstExists {
		if err := atomicCopy(src, dst); err != nil {
			return domain.FileResult{Name: name, Err: err}
		}
		volState[name] = fp
		return domain.FileResult{Name: name, Action: domain.ActionFreshCopy}
	}

	switch c.cfg.CopyMode {
	case domain.CopyModeOverwrite:
		if err := atomicCopy(src, dst); err != nil {
			return domain.FileResult{Name: name, Err: err}
		}
		volState[name] = fp
		return domain.FileResult{Name: name, Action: domain.ActionOverwrite}

	case domain.CopyModeSkipIdentical:
		identical, err := c.contentsIdentical(src, srcInfo, dst, dstInfo)
		if err != nil {
			return domain.FileResult{Name: name, Err: err}
		}
		if identical {
			volState[name] = fp
			return domain.FileResult{Name: name, Action: domain.ActionSkip}
		}
		if err := atomicCopy(src, dst); err != nil {
			return domain.FileResult{Name: name, Err: err}
		}
		volState[name] = fp
		return domain.FileResult{Name: name, Action: domain.ActionOverwrite}

	case domain.CopyModeMerge:
		merged, err := mergeCSV(dst, src)
		if err != nil {
			// Header mismatch or parse trouble: a half-guessed merge is
			// worse than a clean overwrite
			if errors.Is(err, domain.ErrHeaderMismatch) {
				c.log.Warn("csv headers differ, falling back to overwrite", "name", name)
			} else {
				c.log.Warn("csv merge failed, falling back to overwrite", "name", name, "error", err)
			}
			if err := atomicCopy(src, dst); err != nil {
				return domain.FileResult{Name: name, Err: err}
			}
			volState[name] = fp
			return domain.FileResult{Name: name, Action: domain.ActionOverwrite}
		}
		if err := atomicWrite(dst, merged); err != nil {
			return domain.FileResult{Name: name, Err: err}
		}
		volState[name] = fp
		return domain.FileResult{Name: name, Action: domain.ActionMerge}
	}

	return domain.FileResult{Name: name, Err: fmt.Errorf("unknown copy mode %q", c.cfg.CopyMode)}
}

// contentsIdentical decides whether src and dst already hold the same
// bytes. Fast path: equal size and equal whole-second mtime means
// identical without reading either file. This deliberately misses a
// same-second same-size content change; hashing every large file on
// every pass is the worse trade. Slow path: full SHA-256 comparison.
func (c *Copier) contentsIdentical(src string, srcInfo os.FileInfo, dst string, dstInfo os.FileInfo) (bool, error) {
	if srcInfo.Size() != dstInfo.Size() {
		return false, nil
	}
	if srcInfo.ModTime().Unix() == dstInfo.ModTime().Unix() {
		return true, nil
	}

	srcSum, err := checksum.SumFile(context.Background(), src)
	if err != nil {
		return false, err
	}
	dstSum, err := checksum.SumFile(context.Background(), dst)
	if err != nil {
		return false, err
	}
	return srcSum == dstSum, nil
}
