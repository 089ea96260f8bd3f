// Package linker creates hardlinks with a closed result set, so callers can
// map every outcome onto a lifecycle decision without inspecting errnos.
package linker

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
)

// Result classifies a hardlink attempt.
type Result string

const (
	// Success means the link now exists at the destination.
	Success Result = "success"
	// FailedConflict means the destination already exists; nothing touched.
	FailedConflict Result = "conflict"
	// FailedCrossDevice means source and destination sit on different
	// filesystems (EXDEV); hardlinks cannot span devices.
	FailedCrossDevice Result = "cross_device"
	// FailedNoSource means the source is missing or not a regular file.
	FailedNoSource Result = "no_source"
	// FailedUnknown covers every other OS error.
	FailedUnknown Result = "unknown"
)

// Link creates a hardlink at dst pointing to src. Checks run in a fixed
// order: source first, then destination conflict, then parent creation, then
// the link syscall. Parent directories created before a failing link are
// left in place; they are harmless and reused on retry.
func Link(src, dst string) Result {
	fi, err := os.Stat(src)
	if err != nil {
		return FailedNoSource
	}
	if !fi.Mode().IsRegular() {
		return FailedNoSource
	}

	if _, err := os.Lstat(dst); err == nil {
		return FailedConflict
	} else if !os.IsNotExist(err) {
		return FailedUnknown
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return FailedUnknown
	}

	if err := os.Link(src, dst); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			return FailedCrossDevice
		}
		if errors.Is(err, os.ErrExist) {
			// Raced with another creator between Lstat and link.
			return FailedConflict
		}
		return FailedUnknown
	}
	return Success
}
