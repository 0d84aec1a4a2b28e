//go:build unix

package worker

import (
	"fmt"
	"os"
	"syscall"
)

// minFreeDiskBytes is the free-space floor under the log directory. Starting
// below it risks truncated logs mid-run, so startup refuses instead.
const minFreeDiskBytes = 5 << 30

func checkDiskSpace(logDir string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(logDir, &stat); err != nil {
		return fmt.Errorf("failed to stat log directory %s: %w", logDir, err)
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free < minFreeDiskBytes {
		return fmt.Errorf("insufficient disk space under %s: %d bytes free, need %d", logDir, free, minFreeDiskBytes)
	}
	return nil
}
