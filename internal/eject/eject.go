package eject

import (
	"context"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/offlinedash/usbsync/internal/logger"
)

// settleDelay follows a successful unmount so the kernel and any
// auto-mounter finish their bookkeeping before the medium is declared
// ejected.
const settleDelay = 2 * time.Second

// Controller decides when a mount is safe to remove and performs the
// unmount/power-off sequence.
type Controller struct {
	log    logger.Logger
	probes []Probe

	// swappable for tests
	runCmd func(name string, args ...string) error
	syncFS func()
	sleep  func(d time.Duration)
}

// NewController creates a controller using the host's real tools
func NewController(log logger.Logger) *Controller {
	return &Controller{
		log:    log,
		probes: defaultProbes(),
		runCmd: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
		syncFS: func() { unix.Sync() },
		sleep:  time.Sleep,
	}
}

// IsBusy reports whether any process holds open files under the mount.
// Detection methods are tried in order; with none available the mount is
// treated as quiet.
func (c *Controller) IsBusy(mount string) bool {
	for _, probe := range c.probes {
		if busy, ok := probe(mount); ok {
			return busy
		}
	}
	c.log.Debug("no busy-detection method available, assuming quiet", "mount", mount)
	return false
}

// WaitForQuiescence samples the busy state at interval until the mount is
// quiet or timeout elapses. requiredClear consecutive clear samples are
// needed before declaring quiescence (1 for the simple mode); this guards
// against tools that intermittently miss a holder.
//
// Returns whether the mount is still busy and how long the wait took.
func (c *Controller) WaitForQuiescence(ctx context.Context, mount string, requiredClear int, interval, timeout time.Duration) (bool, time.Duration) {
	if requiredClear < 1 {
		requiredClear = 1
	}

	start := time.Now()
	clear := 0

	for {
		if ctx.Err() != nil {
			return true, time.Since(start)
		}

		if c.IsBusy(mount) {
			clear = 0
		} else {
			clear++
			if clear >= requiredClear {
				return false, time.Since(start)
			}
		}

		if time.Since(start)+interval > timeout {
			return true, time.Since(start)
		}
		c.sleep(interval)
	}
}

// Eject flushes pending writes and removes the volume: first a clean
// unmount and power-off through udisksctl, falling back to a lazy
// umount. Returns true if some unmount path succeeded.
func (c *Controller) Eject(mount, device string) bool {
	c.syncFS()

	if err := c.runCmd("udisksctl", "unmount", "-b", device); err == nil {
		if err := c.runCmd("udisksctl", "power-off", "-b", device); err != nil {
			c.log.Warn("power-off failed after unmount", "device", device, "error", err)
		}
		c.sleep(settleDelay)
		c.log.Info("volume ejected", "mount", mount, "device", device)
		return true
	}

	c.log.Debug("udisksctl unavailable or refused, trying lazy umount", "mount", mount)
	if err := c.runCmd("umount", "-l", mount); err != nil {
		c.log.Warn("failed to unmount volume", "mount", mount, "error", err)
		return false
	}

	c.sleep(settleDelay)
	c.log.Info("volume unmounted", "mount", mount)
	return true
}
