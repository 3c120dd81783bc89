package eject

import (
	"errors"
	"os/exec"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Probe asks one detection method whether anything holds files open under
// mount. ok=false means the method is unavailable on this host and the
// next one should be consulted.
type Probe func(mount string) (busy bool, ok bool)

// defaultProbes returns the detection ladder: lsof scoped to the mount,
// then fuser, then a per-process open-file scan. When every method is
// unavailable the mount is treated as not busy; hanging forever waiting
// on a tool that does not exist helps nobody.
func defaultProbes() []Probe {
	return []Probe{lsofProbe, fuserProbe, procScanProbe}
}

// lsofProbe runs lsof against the mount path.
// Exit 0 with output means open files; exit 1 means none.
func lsofProbe(mount string) (bool, bool) {
	out, err := exec.Command("lsof", "+D", mount).Output()
	if err == nil {
		return len(strings.TrimSpace(string(out))) > 0, true
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// lsof exits 1 both for "no open files" and for warnings; either
		// way the output tells the truth
		return len(strings.TrimSpace(string(out))) > 0, true
	}
	return false, false
}

// fuserProbe runs fuser -m against the mount path.
// Exit 0 means processes are using it; exit 1 means none.
func fuserProbe(mount string) (bool, bool) {
	err := exec.Command("fuser", "-m", mount).Run()
	if err == nil {
		return true, true
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, true
	}
	return false, false
}

// procScanProbe walks every process's open file descriptors looking for
// paths under the mount. Slower than the tools above but needs nothing
// installed.
func procScanProbe(mount string) (bool, bool) {
	procs, err := process.Processes()
	if err != nil {
		return false, false
	}

	prefix := strings.TrimSuffix(mount, "/") + "/"
	for _, p := range procs {
		files, err := p.OpenFiles()
		if err != nil {
			// permissions or a process that exited; skip it
			continue
		}
		for _, f := range files {
			if f.Path == mount || strings.HasPrefix(f.Path, prefix) {
				return true, true
			}
		}
	}

	return false, true
}
