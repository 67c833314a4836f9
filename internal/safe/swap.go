package safe

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SwapError is returned when a directory swap failed partway. Stale holds
// paths that may need to be cleaned up.
type SwapError struct {
	Step  string
	Stale []string
	Err   error
}

func (e *SwapError) Error() string {
	return fmt.Sprintf("swap directory: %s: %v", e.Step, e.Err)
}

func (e *SwapError) Unwrap() error { return e.Err }

// DeletedPath returns a staging path next to path used to park a directory
// before it is removed.
func DeletedPath(path string, now time.Time) string {
	return filepath.Join(filepath.Dir(path), fmt.Sprintf("%s+deleted+%d", filepath.Base(path), now.UnixNano()))
}

// SwapDirectory replaces the directory at target with the one at replacement.
// The current target is first moved to a staging path, then replacement is
// moved into place and the staging path is removed. target may not exist.
func SwapDirectory(target, replacement string, now time.Time) error {
	staging := DeletedPath(target, now)

	moved := true
	if err := os.Rename(target, staging); err != nil {
		if !os.IsNotExist(err) {
			return &SwapError{Step: "move current to staging", Stale: []string{replacement}, Err: err}
		}
		moved = false
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &SwapError{Step: "create parent", Stale: []string{replacement, staging}, Err: err}
	}

	if err := os.Rename(replacement, target); err != nil {
		return &SwapError{Step: "move replacement into place", Stale: []string{replacement, staging}, Err: err}
	}

	if moved {
		if err := os.RemoveAll(staging); err != nil {
			return &SwapError{Step: "remove staging", Stale: []string{staging}, Err: err}
		}
	}

	return nil
}
