// Package engine runs the offload state machine: it watches for volume
// insertions, drives the copy pass, records outcomes and hands quiet
// volumes to the eject controller.
package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/offlinedash/usbsync/internal/config"
	"github.com/offlinedash/usbsync/internal/copier"
	"github.com/offlinedash/usbsync/internal/domain"
	"github.com/offlinedash/usbsync/internal/eject"
	"github.com/offlinedash/usbsync/internal/history"
	"github.com/offlinedash/usbsync/internal/lock"
	"github.com/offlinedash/usbsync/internal/logger"
	"github.com/offlinedash/usbsync/internal/markers"
	"github.com/offlinedash/usbsync/internal/mounts"
	"github.com/offlinedash/usbsync/internal/state"
)

// debounceWindow suppresses duplicate insertion triggers for the same
// volume identity; mount tables occasionally flap during auto-mount.
const debounceWindow = 3 * time.Second

// RunOptions are the per-invocation knobs from the command line
type RunOptions struct {
	DryRun    bool
	TestMount string
}

type volumeLister interface {
	List(testMount string) ([]domain.Volume, error)
}

type volumeSyncer interface {
	Sync(ctx context.Context, vol domain.Volume, dryRun bool) (domain.PassSummary, error)
	DestRoot(vol domain.Volume) string
	ReconcileVariants(vol domain.Volume) error
}

type ejecter interface {
	WaitForQuiescence(ctx context.Context, mount string, requiredClear int, interval, timeout time.Duration) (bool, time.Duration)
	Eject(mount, device string) bool
}

// Engine owns every moving part of the offload loop. There are no
// package globals; one process builds exactly one Engine.
type Engine struct {
	cfg     *config.Config
	log     logger.Logger
	lister  volumeLister
	syncer  volumeSyncer
	ejector ejecter
	markers *markers.Writer
	lock    *lock.FileLock
	history *history.Manager

	// per volume identity, daemon mode only
	lastSync    map[string]time.Time
	lastTrigger map[string]time.Time

	// swappable for tests
	now    func() time.Time
	sleep  func(d time.Duration)
	syncFS func()
}

// New wires an engine from the real components
func New(cfg *config.Config, store *state.Store, log logger.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		log:         log,
		lister:      mounts.NewLocator(),
		syncer:      copier.New(cfg, store, log),
		ejector:     eject.NewController(log),
		markers:     markers.NewWriter(),
		lock:        lock.New(cfg.LockPath()),
		lastSync:    map[string]time.Time{},
		lastTrigger: map[string]time.Time{},
		now:         time.Now,
		sleep:       time.Sleep,
		syncFS:      func() { unix.Sync() },
	}
}

// SetHistory attaches the pass-history store. Without one, passes are
// still logged but not queryable afterwards.
func (e *Engine) SetHistory(h *history.Manager) {
	e.history = h
}

// RunOnce performs one immediate pass across every visible volume and
// returns. No cooldown or debounce applies; this is the manual path.
func (e *Engine) RunOnce(ctx context.Context, opts RunOptions) error {
	vols, err := e.lister.List(opts.TestMount)
	if err != nil {
		e.log.Warn("problem reading mounted volumes", "error", err)
	}
	if len(vols) == 0 {
		e.log.Info("no removable volumes mounted")
		return nil
	}

	for _, vol := range vols {
		if ctx.Err() != nil {
			break
		}
		e.handleVolume(ctx, vol, opts)
	}
	return nil
}

// RunCheckOnly reconciles naming variants on every visible volume
// without copying anything
func (e *Engine) RunCheckOnly(opts RunOptions) error {
	vols, err := e.lister.List(opts.TestMount)
	if err != nil {
		e.log.Warn("problem reading mounted volumes", "error", err)
	}
	if len(vols) == 0 {
		e.log.Info("no removable volumes mounted")
		return nil
	}

	for _, vol := range vols {
		e.log.Info("checking volume for naming variants", "volume", vol.ID())
		if err := e.syncer.ReconcileVariants(vol); err != nil {
			e.log.Error("variant check failed", "volume", vol.ID(), "error", err)
		}
	}
	return nil
}

// RunDaemon claims the singleton lock and polls for volume insertions
// until ctx is cancelled. A newly appearing volume identity triggers a
// sync after the mount settle delay; a volume left inserted is re-synced
// once its cooldown elapses.
//
// Returns *lock.HeldError when another live instance holds the lock.
func (e *Engine) RunDaemon(ctx context.Context, opts RunOptions) error {
	if err := e.lock.Acquire(); err != nil {
		return err
	}

	poll := time.Duration(e.cfg.PollIntervalSec) * time.Second
	e.log.Info("daemon started",
		"poll_interval", poll.String(),
		"cooldown", (time.Duration(e.cfg.CooldownSec) * time.Second).String(),
		"copy_mode", string(e.cfg.CopyMode),
		"dry_run", opts.DryRun)

	prev := map[string]bool{}
	for {
		if ctx.Err() != nil {
			e.log.Info("shutdown requested, daemon stopping")
			return nil
		}

		vols, err := e.lister.List(opts.TestMount)
		if err != nil {
			e.log.Warn("problem reading mounted volumes", "error", err)
		}

		seen := map[string]bool{}
		for _, vol := range vols {
			if ctx.Err() != nil {
				break
			}
			id := vol.ID()
			seen[id] = true

			switch {
			case !prev[id]:
				if e.now().Sub(e.lastTrigger[id]) < debounceWindow {
					e.log.Debug("insertion within debounce window, ignoring", "volume", id)
					continue
				}
				e.lastTrigger[id] = e.now()
				e.log.Info("volume inserted", "volume", id, "mount", vol.MountPoint)
				if !e.sleepSliced(ctx, time.Duration(e.cfg.MountSettleSec)*time.Second) {
					e.log.Info("shutdown requested, daemon stopping")
					return nil
				}
				e.handleVolume(ctx, vol, opts)

			case e.cooldownElapsed(id):
				e.log.Info("cooldown elapsed for mounted volume", "volume", id)
				e.handleVolume(ctx, vol, opts)
			}
		}
		prev = seen

		if !e.sleepSliced(ctx, poll) {
			e.log.Info("shutdown requested, daemon stopping")
			return nil
		}
	}
}

// handleVolume runs the full per-volume sequence: copy pass, history
// record, outcome markers, buffer flush, dwell and eject
func (e *Engine) handleVolume(ctx context.Context, vol domain.Volume, opts RunOptions) {
	id := vol.ID()
	start := e.now()
	e.log.Info("starting sync pass", "volume", id, "mount", vol.MountPoint, "dry_run", opts.DryRun)

	summary, err := e.syncer.Sync(ctx, vol, opts.DryRun)
	end := e.now()
	e.lastSync[id] = end

	switch {
	case errors.Is(err, domain.ErrLowSpace):
		// the copier already warned with the free-space numbers
	case err != nil:
		e.log.Error("sync pass aborted", "volume", id, "error", err)
	default:
		e.log.Info("sync pass finished",
			"volume", id, "copied", summary.FilesCopied, "failed", len(summary.Failed),
			"duration", end.Sub(start).String())
	}

	e.recordPass(summary, err, start, end)

	if opts.DryRun || err != nil {
		return
	}

	e.writeMarkers(vol, summary)

	if e.cfg.SyncAfterCopy {
		e.syncFS()
	}

	if e.cfg.EjectAfterCopy {
		e.dwellAndEject(ctx, vol)
	}
}

// recordPass persists the pass outcome to the history store
func (e *Engine) recordPass(summary domain.PassSummary, passErr error, start, end time.Time) {
	if e.history == nil {
		return
	}

	status := history.StatusSuccess
	switch {
	case passErr != nil:
		status = history.StatusFailed
	case summary.HasFailures() && summary.FilesCopied > 0:
		status = history.StatusPartial
	case summary.HasFailures():
		status = history.StatusFailed
	}

	record := history.PassRecord{
		VolumeID:    summary.VolumeID,
		MountPoint:  summary.MountPoint,
		StartTime:   start,
		EndTime:     end,
		Status:      status,
		FilesCopied: summary.FilesCopied,
		FailedFiles: summary.Failed,
		DryRun:      summary.DryRun,
	}
	if err := e.history.SavePass(record); err != nil {
		e.log.Warn("failed to record pass history", "error", err)
	}
}

// writeMarkers leaves the outcome breadcrumb on the medium. Marker
// trouble is logged, never escalated.
func (e *Engine) writeMarkers(vol domain.Volume, summary domain.PassSummary) {
	destRoot := e.syncer.DestRoot(vol)

	if summary.HasFailures() {
		if err := e.markers.WriteFailure(destRoot, summary.Failed); err != nil {
			e.log.Warn("failed to write error report on volume", "volume", vol.ID(), "error", err)
		}
		return
	}

	if e.cfg.WriteDoneMarker {
		if err := e.markers.WriteSuccess(destRoot, e.cfg.SourceDir, summary.FilesCopied); err != nil {
			e.log.Warn("failed to write done marker on volume", "volume", vol.ID(), "error", err)
		}
	}
}

// dwellAndEject waits out the minimum read-write dwell, then ejects the
// volume once nothing holds files open under it. A volume that never
// goes quiet is left mounted with a warning.
func (e *Engine) dwellAndEject(ctx context.Context, vol domain.Volume) {
	if !e.sleepSliced(ctx, time.Duration(e.cfg.MinRWSec)*time.Second) {
		return
	}

	requiredClear := 1
	if e.cfg.ConservativeEject {
		requiredClear = e.cfg.ConservativeEjectChecks
	}
	interval := time.Duration(e.cfg.ConservativeEjectInterval) * time.Second
	timeout := time.Duration(e.cfg.QuiesceWaitSec) * time.Second

	stillBusy, elapsed := e.ejector.WaitForQuiescence(ctx, vol.MountPoint, requiredClear, interval, timeout)
	if stillBusy {
		e.log.Warn("volume still busy after quiescence wait, leaving it mounted",
			"volume", vol.ID(), "waited", elapsed.String(), "error", domain.ErrStillBusy.Error())
		return
	}

	if !e.ejector.Eject(vol.MountPoint, vol.Device) {
		e.log.Warn("eject failed, volume left mounted", "volume", vol.ID())
	}
}

// cooldownElapsed reports whether a still-mounted volume is due again
func (e *Engine) cooldownElapsed(id string) bool {
	last, synced := e.lastSync[id]
	if !synced {
		return true
	}
	return e.now().Sub(last) >= time.Duration(e.cfg.CooldownSec)*time.Second
}

// sleepSliced sleeps in 1-second slices so shutdown latency stays
// bounded no matter how long the configured wait is. Returns false once
// ctx is cancelled.
func (e *Engine) sleepSliced(ctx context.Context, d time.Duration) bool {
	const slice = time.Second
	for d > 0 {
		if ctx.Err() != nil {
			return false
		}
		step := slice
		if d < step {
			step = d
		}
		e.sleep(step)
		d -= step
	}
	return ctx.Err() == nil
}
