package mounts

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMountTable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mounts")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write mount table: %v", err)
	}
	return path
}

func newTestLocator(mountsPath, byUUIDDir string) *Locator {
	return &Locator{
		mountsPath: mountsPath,
		byUUIDDir:  byUUIDDir,
		runBlkid:   func(string) (string, error) { return "", os.ErrNotExist },
	}
}

func TestList_FiltersRemovableMounts(t *testing.T) {
	table := `/dev/mmcblk0p2 / ext4 rw 0 0
/dev/sda1 /media/pi/USBSTICK vfat rw 0 0
/dev/sdb /mnt/backup ext4 rw 0 0
tmpfs /run tmpfs rw 0 0
/dev/sda2 /home ext4 rw 0 0
`
	l := newTestLocator(writeMountTable(t, table), filepath.Join(t.TempDir(), "absent"))

	vols, err := l.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(vols) != 2 {
		t.Fatalf("expected 2 volumes, got %d: %+v", len(vols), vols)
	}
	if vols[0].Device != "/dev/sda1" || vols[0].MountPoint != "/media/pi/USBSTICK" {
		t.Errorf("unexpected first volume: %+v", vols[0])
	}
	if vols[1].Device != "/dev/sdb" || vols[1].MountPoint != "/mnt/backup" {
		t.Errorf("unexpected second volume: %+v", vols[1])
	}
}

func TestList_EscapedMountPath(t *testing.T) {
	table := `/dev/sda1 /media/pi/MY\040DRIVE vfat rw 0 0
`
	l := newTestLocator(writeMountTable(t, table), filepath.Join(t.TempDir(), "absent"))

	vols, err := l.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(vols) != 1 {
		t.Fatalf("expected 1 volume, got %d", len(vols))
	}
	if vols[0].MountPoint != "/media/pi/MY DRIVE" {
		t.Errorf("escaped mount path not decoded: %q", vols[0].MountPoint)
	}
}

func TestList_UUIDFromSymlinks(t *testing.T) {
	byUUID := t.TempDir()
	// by-uuid entries may be dangling in tests; resolution compares paths
	// without touching the filesystem
	if err := os.Symlink("/dev/sda1", filepath.Join(byUUID, "ABCD-1234")); err != nil {
		t.Fatalf("failed to create by-uuid symlink: %v", err)
	}

	table := "/dev/sda1 /media/pi/USB vfat rw 0 0\n"
	l := &Locator{
		mountsPath: writeMountTable(t, table),
		byUUIDDir:  byUUID,
		runBlkid:   func(string) (string, error) { return "", os.ErrNotExist },
	}

	vols, err := l.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(vols) != 1 {
		t.Fatalf("expected 1 volume, got %d", len(vols))
	}
	if vols[0].UUID != "ABCD-1234" {
		t.Errorf("expected UUID ABCD-1234, got %q", vols[0].UUID)
	}
	if vols[0].ID() != "ABCD-1234" {
		t.Errorf("expected identity ABCD-1234, got %q", vols[0].ID())
	}
}

func TestList_BlkidFallback(t *testing.T) {
	table := "/dev/sda1 /media/pi/USB vfat rw 0 0\n"
	l := &Locator{
		mountsPath: writeMountTable(t, table),
		byUUIDDir:  filepath.Join(t.TempDir(), "absent"),
		runBlkid: func(device string) (string, error) {
			return `/dev/sda1: LABEL="FIELDKIT" UUID="0000-AAAA" TYPE="vfat"`, nil
		},
	}

	vols, err := l.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if vols[0].UUID != "0000-AAAA" {
		t.Errorf("expected UUID from blkid, got %q", vols[0].UUID)
	}
	if vols[0].Label != "FIELDKIT" {
		t.Errorf("expected label from blkid, got %q", vols[0].Label)
	}
}

func TestList_DevicePathFallbackIdentity(t *testing.T) {
	table := "/dev/sdc1 /media/pi/RAW vfat rw 0 0\n"
	l := newTestLocator(writeMountTable(t, table), filepath.Join(t.TempDir(), "absent"))

	vols, _ := l.List("")
	if vols[0].ID() != "/dev/sdc1" {
		t.Errorf("expected device path identity, got %q", vols[0].ID())
	}
}

func TestList_TestMountInjection(t *testing.T) {
	fake := t.TempDir()
	l := newTestLocator(writeMountTable(t, ""), filepath.Join(t.TempDir(), "absent"))

	vols, err := l.List(fake)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(vols) != 1 {
		t.Fatalf("expected injected volume, got %d", len(vols))
	}
	want := "TEST-" + filepath.Base(fake)
	if vols[0].UUID != want {
		t.Errorf("expected synthetic identity %s, got %s", want, vols[0].UUID)
	}
}

func TestList_UnreadableMountTable(t *testing.T) {
	fake := t.TempDir()
	l := newTestLocator(filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "absent"))

	vols, err := l.List(fake)
	if err == nil {
		t.Error("expected error for unreadable mount table")
	}
	// Synthetic volume still reported so test harnesses keep working
	if len(vols) != 1 {
		t.Errorf("expected synthetic volume despite table error, got %d", len(vols))
	}
}
