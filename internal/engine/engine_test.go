package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/offlinedash/usbsync/internal/config"
	"github.com/offlinedash/usbsync/internal/domain"
	"github.com/offlinedash/usbsync/internal/lock"
	"github.com/offlinedash/usbsync/internal/logger"
	"github.com/offlinedash/usbsync/internal/markers"
)

type fakeLister struct {
	batches [][]domain.Volume
	calls   int
}

func (f *fakeLister) List(string) ([]domain.Volume, error) {
	i := f.calls
	f.calls++
	if i >= len(f.batches) {
		i = len(f.batches) - 1
	}
	return f.batches[i], nil
}

type fakeSyncer struct {
	destRoot string
	summary  domain.PassSummary
	err      error
	calls    []domain.Volume
}

func (f *fakeSyncer) Sync(ctx context.Context, vol domain.Volume, dryRun bool) (domain.PassSummary, error) {
	f.calls = append(f.calls, vol)
	s := f.summary
	s.VolumeID = vol.ID()
	s.MountPoint = vol.MountPoint
	s.DryRun = dryRun
	return s, f.err
}

func (f *fakeSyncer) DestRoot(domain.Volume) string         { return f.destRoot }
func (f *fakeSyncer) ReconcileVariants(domain.Volume) error { return nil }

type fakeEjecter struct {
	stillBusy bool
	waited    bool
	ejected   []string
}

func (f *fakeEjecter) WaitForQuiescence(ctx context.Context, mount string, requiredClear int, interval, timeout time.Duration) (bool, time.Duration) {
	f.waited = true
	return f.stillBusy, 0
}

func (f *fakeEjecter) Eject(mount, device string) bool {
	f.ejected = append(f.ejected, device)
	return true
}

// captureLogger records error-level messages, discarding the rest
type captureLogger struct {
	logger.NullLogger
	errors []string
}

func (c *captureLogger) Error(msg string, args ...any) { c.errors = append(c.errors, msg) }

func testVolume(id string) domain.Volume {
	return domain.Volume{Device: "/dev/sdb1", MountPoint: "/media/usb-" + id, FSType: "vfat", UUID: id}
}

func testEngine(t *testing.T, cfg *config.Config, lister volumeLister, syncer volumeSyncer, ej ejecter) *Engine {
	t.Helper()
	return &Engine{
		cfg:         cfg,
		log:         &logger.NullLogger{},
		lister:      lister,
		syncer:      syncer,
		ejector:     ej,
		markers:     markers.NewWriter(),
		lock:        lock.New(filepath.Join(t.TempDir(), "daemon.lock")),
		lastSync:    map[string]time.Time{},
		lastTrigger: map[string]time.Time{},
		now:         time.Now,
		sleep:       func(time.Duration) {},
		syncFS:      func() {},
	}
}

func TestRunOnce_SyncsEveryVisibleVolume(t *testing.T) {
	cfg := config.Default()
	syncer := &fakeSyncer{destRoot: t.TempDir(), summary: domain.PassSummary{FilesCopied: 2}}
	lister := &fakeLister{batches: [][]domain.Volume{{testVolume("A"), testVolume("B")}}}
	flushed := false

	e := testEngine(t, &cfg, lister, syncer, &fakeEjecter{})
	e.syncFS = func() { flushed = true }

	if err := e.RunOnce(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if len(syncer.calls) != 2 {
		t.Errorf("expected 2 sync passes, got %d", len(syncer.calls))
	}
	if _, err := os.Stat(filepath.Join(syncer.destRoot, markers.SuccessName)); err != nil {
		t.Error("done marker not written after clean pass")
	}
	if !flushed {
		t.Error("expected a buffer flush after the pass")
	}
}

func TestRunOnce_DryRunLeavesNoMarkers(t *testing.T) {
	cfg := config.Default()
	syncer := &fakeSyncer{destRoot: t.TempDir(), summary: domain.PassSummary{FilesCopied: 2}}
	lister := &fakeLister{batches: [][]domain.Volume{{testVolume("A")}}}

	e := testEngine(t, &cfg, lister, syncer, &fakeEjecter{})

	if err := e.RunOnce(context.Background(), RunOptions{DryRun: true}); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(syncer.destRoot, markers.SuccessName)); !os.IsNotExist(err) {
		t.Error("dry run must not write a done marker")
	}
}

func TestRunOnce_FailuresProduceErrorReport(t *testing.T) {
	cfg := config.Default()
	syncer := &fakeSyncer{
		destRoot: t.TempDir(),
		summary:  domain.PassSummary{FilesCopied: 1, Failed: []string{"site2.csv"}},
	}
	lister := &fakeLister{batches: [][]domain.Volume{{testVolume("A")}}}

	e := testEngine(t, &cfg, lister, syncer, &fakeEjecter{})

	if err := e.RunOnce(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(syncer.destRoot, markers.FailureName)); err != nil {
		t.Error("error report not written after a pass with failures")
	}
	if _, err := os.Stat(filepath.Join(syncer.destRoot, markers.SuccessName)); !os.IsNotExist(err) {
		t.Error("done marker must not be written when files failed")
	}
}

func TestRunOnce_EjectAfterCleanPass(t *testing.T) {
	cfg := config.Default()
	cfg.EjectAfterCopy = true
	cfg.MinRWSec = 0
	syncer := &fakeSyncer{destRoot: t.TempDir(), summary: domain.PassSummary{FilesCopied: 1}}
	lister := &fakeLister{batches: [][]domain.Volume{{testVolume("A")}}}
	ej := &fakeEjecter{}

	e := testEngine(t, &cfg, lister, syncer, ej)

	if err := e.RunOnce(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if !ej.waited {
		t.Error("expected a quiescence wait before eject")
	}
	if len(ej.ejected) != 1 || ej.ejected[0] != "/dev/sdb1" {
		t.Errorf("expected one eject of /dev/sdb1, got %v", ej.ejected)
	}
}

func TestRunOnce_BusyVolumeIsNotEjected(t *testing.T) {
	cfg := config.Default()
	cfg.EjectAfterCopy = true
	cfg.MinRWSec = 0
	syncer := &fakeSyncer{destRoot: t.TempDir(), summary: domain.PassSummary{FilesCopied: 1}}
	lister := &fakeLister{batches: [][]domain.Volume{{testVolume("A")}}}
	ej := &fakeEjecter{stillBusy: true}

	e := testEngine(t, &cfg, lister, syncer, ej)

	if err := e.RunOnce(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if len(ej.ejected) != 0 {
		t.Error("a volume still reporting busy must be left mounted")
	}
}

func TestRunOnce_LowSpaceIsNotAnError(t *testing.T) {
	cfg := config.Default()
	syncer := &fakeSyncer{destRoot: t.TempDir(), err: domain.ErrLowSpace}
	lister := &fakeLister{batches: [][]domain.Volume{{testVolume("A")}}}
	log := &captureLogger{}

	e := testEngine(t, &cfg, lister, syncer, &fakeEjecter{})
	e.log = log

	if err := e.RunOnce(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if len(log.errors) != 0 {
		t.Errorf("a low-space skip must not log at error level, got %v", log.errors)
	}
	if _, err := os.Stat(filepath.Join(syncer.destRoot, markers.SuccessName)); !os.IsNotExist(err) {
		t.Error("no marker should be written for a skipped volume")
	}
}

// daemonClock drives the engine's fake time; every sleep advances it and
// cancels the run once the wall-clock budget is spent
func daemonClock(e *Engine, cancel context.CancelFunc, budget time.Duration) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	now := start
	e.now = func() time.Time { return now }
	e.sleep = func(d time.Duration) {
		now = now.Add(d)
		if now.Sub(start) >= budget {
			cancel()
		}
	}
}

func TestRunDaemon_CooldownSuppressesResync(t *testing.T) {
	cfg := config.Default()
	cfg.PollIntervalSec = 5
	cfg.CooldownSec = 600
	cfg.MountSettleSec = 0
	syncer := &fakeSyncer{destRoot: t.TempDir(), summary: domain.PassSummary{FilesCopied: 1}}
	lister := &fakeLister{batches: [][]domain.Volume{{testVolume("A")}}}

	e := testEngine(t, &cfg, lister, syncer, &fakeEjecter{})
	ctx, cancel := context.WithCancel(context.Background())
	daemonClock(e, cancel, 30*time.Second)

	if err := e.RunDaemon(ctx, RunOptions{}); err != nil {
		t.Fatalf("RunDaemon failed: %v", err)
	}

	if len(syncer.calls) != 1 {
		t.Errorf("volume left inserted inside cooldown should sync once, got %d passes", len(syncer.calls))
	}
}

func TestRunDaemon_ResyncAfterCooldown(t *testing.T) {
	cfg := config.Default()
	cfg.PollIntervalSec = 5
	cfg.CooldownSec = 10
	cfg.MountSettleSec = 0
	syncer := &fakeSyncer{destRoot: t.TempDir(), summary: domain.PassSummary{FilesCopied: 1}}
	lister := &fakeLister{batches: [][]domain.Volume{{testVolume("A")}}}

	e := testEngine(t, &cfg, lister, syncer, &fakeEjecter{})
	ctx, cancel := context.WithCancel(context.Background())
	daemonClock(e, cancel, 40*time.Second)

	if err := e.RunDaemon(ctx, RunOptions{}); err != nil {
		t.Fatalf("RunDaemon failed: %v", err)
	}

	if len(syncer.calls) < 2 {
		t.Errorf("expected a resync after the cooldown elapsed, got %d passes", len(syncer.calls))
	}
}

func TestRunDaemon_DebounceSuppressesFlappingInsertion(t *testing.T) {
	cfg := config.Default()
	cfg.PollIntervalSec = 1
	cfg.CooldownSec = 600
	cfg.MountSettleSec = 0
	vol := testVolume("A")
	// present, gone, back within the debounce window
	lister := &fakeLister{batches: [][]domain.Volume{{vol}, nil, {vol}, nil}}
	syncer := &fakeSyncer{destRoot: t.TempDir(), summary: domain.PassSummary{FilesCopied: 1}}

	e := testEngine(t, &cfg, lister, syncer, &fakeEjecter{})
	ctx, cancel := context.WithCancel(context.Background())
	daemonClock(e, cancel, 3*time.Second)

	if err := e.RunDaemon(ctx, RunOptions{}); err != nil {
		t.Fatalf("RunDaemon failed: %v", err)
	}

	if len(syncer.calls) != 1 {
		t.Errorf("flapping insertion inside the debounce window should sync once, got %d passes", len(syncer.calls))
	}
}

func TestRunDaemon_LockHeldByLiveProcess(t *testing.T) {
	cfg := config.Default()
	e := testEngine(t, &cfg, &fakeLister{batches: [][]domain.Volume{nil}}, &fakeSyncer{destRoot: t.TempDir()}, &fakeEjecter{})

	lockPath := filepath.Join(t.TempDir(), "daemon.lock")
	// PID 1 always exists
	if err := os.WriteFile(lockPath, []byte(`{"pid": 1, "hostname": "other"}`), 0644); err != nil {
		t.Fatal(err)
	}
	e.lock = lock.New(lockPath)

	err := e.RunDaemon(context.Background(), RunOptions{})
	if !lock.IsHeldError(err) {
		t.Errorf("expected a held-lock error, got %v", err)
	}
}
