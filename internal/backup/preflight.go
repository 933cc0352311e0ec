package backup

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// PreconditionError reports an environment problem detected before any
// component was touched: missing tools, an unwritable backup root, or not
// enough free space.
type PreconditionError struct {
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precondition failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("precondition failed: %s", e.Reason)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// CheckPreconditions validates the backup root and required external
// tools before a backup or restore starts.
func CheckPreconditions(root string, minFreeBytes uint64, tools []string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return &PreconditionError{Reason: fmt.Sprintf("backup root %s is not writable", root), Err: err}
	}

	if minFreeBytes > 0 {
		free, err := freeBytes(root)
		if err != nil {
			return &PreconditionError{Reason: fmt.Sprintf("cannot determine free space on %s", root), Err: err}
		}
		if free < minFreeBytes {
			return &PreconditionError{Reason: fmt.Sprintf(
				"insufficient free space on %s: %d bytes available, %d required", root, free, minFreeBytes)}
		}
	}

	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			return &PreconditionError{Reason: fmt.Sprintf("required tool %q not found", tool), Err: err}
		}
	}
	return nil
}

// freeBytes returns the bytes available to unprivileged users on the
// filesystem holding path.
func freeBytes(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
