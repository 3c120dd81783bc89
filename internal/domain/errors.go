package domain

import "errors"

// Environment errors - degraded but non-fatal conditions
var (
	// ErrMountTableUnreadable indicates /proc/mounts could not be read
	ErrMountTableUnreadable = errors.New("mount table unreadable")

	// ErrLowSpace indicates the volume has less free space than required
	ErrLowSpace = errors.New("insufficient free space on volume")

	// ErrVolumeGone indicates the mount point disappeared mid-pass
	ErrVolumeGone = errors.New("volume no longer mounted")
)

// Copy engine errors
var (
	// ErrHeaderMismatch indicates CSV headers differ between source and
	// destination, making a row merge unsafe
	ErrHeaderMismatch = errors.New("csv header mismatch")

	// ErrStillBusy indicates the mount never went quiescent within the
	// configured wait window
	ErrStillBusy = errors.New("mount still busy after quiescence wait")
)

// Config errors
var (
	// ErrConfigNotFound indicates config file not found
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigInvalid indicates config file is malformed
	ErrConfigInvalid = errors.New("invalid config")

	// ErrDisabled indicates the offload engine is disabled by configuration
	ErrDisabled = errors.New("usb offload disabled by config")
)
