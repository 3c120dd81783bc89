package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Info contains metadata about the lock holder
type Info struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartTime time.Time `json:"start_time"`
}

// FileLock is the advisory single-instance lock for the offload daemon.
// The lock file records the owning process id and is never removed on
// clean shutdown; a later start attempt re-claims it once the recorded
// process is gone.
type FileLock struct {
	path string
	info *Info
}

// New creates a lock manager for the given lock file path
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file location
func (l *FileLock) Path() string {
	return l.path
}

// Acquire claims the lock for this process.
// Returns *HeldError if a live process already holds it. A lock file left
// by a dead process is treated as stale and overwritten.
func (l *FileLock) Acquire() error {
	existing, err := l.read()
	if err == nil && processExists(existing.PID) && existing.PID != os.Getpid() {
		return &HeldError{Holder: existing}
	}

	hostname, _ := os.Hostname()
	info := &Info{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartTime: time.Now(),
	}

	if err := l.write(info); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}

	l.info = info
	return nil
}

// Held reports whether a live process currently holds the lock
func (l *FileLock) Held() bool {
	info, err := l.read()
	if err != nil {
		return false
	}
	return processExists(info.PID)
}

// Holder returns the recorded lock holder, or nil if the file is absent
// or unreadable
func (l *FileLock) Holder() *Info {
	info, err := l.read()
	if err != nil {
		return nil
	}
	return info
}

func (l *FileLock) read() (*Info, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid lock file format: %w", err)
	}

	return &info, nil
}

// write replaces the lock file atomically so a crash mid-claim never
// leaves a truncated file behind.
func (l *FileLock) write(info *Info) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// HeldError is returned when a live competing instance holds the lock
type HeldError struct {
	Holder *Info
}

func (e *HeldError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("lock held by PID %d on %s since %s",
			e.Holder.PID,
			e.Holder.Hostname,
			e.Holder.StartTime.Format(time.RFC3339),
		)
	}
	return "lock held by another process"
}

// IsHeldError checks if an error indicates an active competing instance
func IsHeldError(err error) bool {
	_, ok := err.(*HeldError)
	return ok
}
