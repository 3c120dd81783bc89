package mounts

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/offlinedash/usbsync/internal/domain"
)

var (
	// usbDevicePattern matches typical USB block device nodes
	usbDevicePattern = regexp.MustCompile(`^/dev/sd[a-z][0-9]*$`)

	blkidUUIDPattern  = regexp.MustCompile(`UUID="([^"]+)"`)
	blkidLabelPattern = regexp.MustCompile(`LABEL="([^"]+)"`)
)

// mountPointPrefixes are the user-media mount conventions we accept
var mountPointPrefixes = []string{"/media/", "/mnt/", "/run/media/"}

// Locator enumerates mounted removable volumes. It only reads; it never
// mounts, unmounts or writes anything.
type Locator struct {
	mountsPath string
	byUUIDDir  string

	// runBlkid is swappable for tests
	runBlkid func(device string) (string, error)
}

// NewLocator creates a locator reading the real OS mount table
func NewLocator() *Locator {
	return &Locator{
		mountsPath: "/proc/mounts",
		byUUIDDir:  "/dev/disk/by-uuid",
		runBlkid:   execBlkid,
	}
}

func execBlkid(device string) (string, error) {
	out, err := exec.Command("blkid", device).Output()
	return string(out), err
}

// List returns all currently mounted removable volumes. If testMount is
// non-empty and the directory exists, a synthetic volume pointing at it is
// appended with a TEST-<base> identity.
//
// An unreadable mount table is not fatal: the returned error reports it,
// but any synthetic volume is still included so test harnesses keep
// working on hosts without /proc.
func (l *Locator) List(testMount string) ([]domain.Volume, error) {
	var vols []domain.Volume

	data, readErr := os.ReadFile(l.mountsPath)
	if readErr != nil {
		readErr = fmt.Errorf("%w: %v", domain.ErrMountTableUnreadable, readErr)
	} else {
		for _, line := range strings.Split(string(data), "\n") {
			parts := strings.Fields(line)
			if len(parts) < 3 {
				continue
			}
			dev, mnt, fs := parts[0], unescapeMountPath(parts[1]), parts[2]
			if !usbDevicePattern.MatchString(dev) {
				continue
			}
			if !hasMediaPrefix(mnt) {
				continue
			}
			v := domain.Volume{Device: dev, MountPoint: mnt, FSType: fs}
			l.resolveIdentity(&v)
			vols = append(vols, v)
		}
	}

	if testMount != "" {
		if info, err := os.Stat(testMount); err == nil && info.IsDir() {
			vols = append(vols, domain.Volume{
				Device:     testMount,
				MountPoint: testMount,
				FSType:     "testfs",
				UUID:       "TEST-" + filepath.Base(testMount),
			})
		}
	}

	return vols, readErr
}

func hasMediaPrefix(mnt string) bool {
	for _, p := range mountPointPrefixes {
		if strings.HasPrefix(mnt, p) {
			return true
		}
	}
	return false
}

// resolveIdentity attaches UUID/label to a volume, best effort.
// Priority: by-uuid symlink scan, then blkid. Either may be unavailable;
// the volume then falls back to its device path identity.
func (l *Locator) resolveIdentity(v *domain.Volume) {
	if uuid, ok := l.uuidFromSymlinks(v.Device); ok {
		v.UUID = uuid
		return
	}

	out, err := l.runBlkid(v.Device)
	if err != nil {
		return
	}
	if m := blkidUUIDPattern.FindStringSubmatch(out); m != nil {
		v.UUID = m[1]
	}
	if m := blkidLabelPattern.FindStringSubmatch(out); m != nil {
		v.Label = m[1]
	}
}

// uuidFromSymlinks scans the by-uuid directory for a link resolving to the
// device. Links there are usually relative (../../sda1), so targets are
// resolved against the directory itself rather than through the fs.
func (l *Locator) uuidFromSymlinks(device string) (string, bool) {
	entries, err := os.ReadDir(l.byUUIDDir)
	if err != nil {
		return "", false
	}

	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		link, err := os.Readlink(filepath.Join(l.byUUIDDir, entry.Name()))
		if err != nil {
			continue
		}
		target := link
		if !filepath.IsAbs(target) {
			target = filepath.Join(l.byUUIDDir, link)
		}
		if filepath.Clean(target) == device {
			return entry.Name(), true
		}
	}

	return "", false
}

// unescapeMountPath decodes the octal escapes /proc/mounts uses for
// spaces and other special characters (e.g. \040)
func unescapeMountPath(path string) string {
	if !strings.Contains(path, `\`) {
		return path
	}

	var b strings.Builder
	for i := 0; i < len(path); i++ {
		if path[i] == '\\' && i+3 < len(path) {
			var c byte
			valid := true
			for j := 1; j <= 3; j++ {
				d := path[i+j]
				if d < '0' || d > '7' {
					valid = false
					break
				}
				c = c<<3 | (d - '0')
			}
			if valid {
				b.WriteByte(c)
				i += 3
				continue
			}
		}
		b.WriteByte(path[i])
	}
	return b.String()
}
