package domain

// Volume describes a currently mounted removable filesystem.
// Volumes are discovered fresh on every scan and never persisted.
type Volume struct {
	// Device is the block device path, e.g. /dev/sda1
	Device string

	// MountPoint is where the filesystem is mounted, e.g. /media/pi/USB
	MountPoint string

	// FSType is the filesystem type reported by the mount table
	FSType string

	// UUID is the filesystem UUID, if one could be resolved
	UUID string

	// Label is the volume label, if one could be resolved
	Label string
}

// ID returns the stable identity of the volume.
// Priority: filesystem UUID, then label, then the raw device path.
func (v Volume) ID() string {
	if v.UUID != "" {
		return v.UUID
	}
	if v.Label != "" {
		return v.Label
	}
	return v.Device
}

// CopyMode defines how the copy engine treats an existing destination file
type CopyMode string

const (
	// CopyModeOverwrite always replaces the destination
	CopyModeOverwrite CopyMode = "overwrite"

	// CopyModeSkipIdentical skips files whose content already matches
	CopyModeSkipIdentical CopyMode = "skip-identical"

	// CopyModeMerge deduplicates CSV rows into the destination
	CopyModeMerge CopyMode = "merge"
)

// IsValid checks if the copy mode is a known value
func (m CopyMode) IsValid() bool {
	switch m {
	case CopyModeOverwrite, CopyModeSkipIdentical, CopyModeMerge:
		return true
	}
	return false
}

// Fingerprint records the observed (mtime, size) of a source file at the
// moment a copy to a particular volume succeeded. Mtime is truncated to
// whole seconds; size is the exact byte count.
type Fingerprint struct {
	MTime int64 `json:"mtime"`
	Size  int64 `json:"size"`
}

// StateMap is the persisted fingerprint table: volume identity -> source
// file name -> fingerprint of the last successful copy.
type StateMap map[string]map[string]Fingerprint

// FileAction describes what the copy engine did (or would do) for one file
type FileAction string

const (
	ActionFreshCopy FileAction = "copy"
	ActionOverwrite FileAction = "overwrite"
	ActionMerge     FileAction = "merge"
	ActionSkip      FileAction = "skip"
)

// FileResult is the explicit per-file outcome of a copy pass. Failures are
// collected from these values rather than recovered mid-pass.
type FileResult struct {
	Name   string
	Action FileAction
	Err    error
}

// PassSummary reports the outcome of one sync pass over one volume
type PassSummary struct {
	VolumeID    string
	MountPoint  string
	FilesCopied int
	Failed      []string
	DryRun      bool
}

// HasFailures reports whether any file failed during the pass
func (s PassSummary) HasFailures() bool {
	return len(s.Failed) > 0
}
