package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by CreateMutex when another instance holds the lock
var ErrAlreadyRunning = errors.New("another instance is already running")

// CreateMutex takes a pid lockfile in the runtime directory
func CreateMutex(name string) error {
	lockFile := filepath.Join(os.TempDir(), name+".lock")
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(lockFile)
	if err == nil {
		owner := strings.TrimSpace(string(lockContent))
		if owner != "" && owner != strconv.Itoa(currentPid) {
			lockPid, _ := strconv.Atoi(owner)
			if process, err := os.FindProcess(lockPid); err == nil && lockPid > 0 {
				// signal 0 only checks the process is alive
				if process.Signal(syscall.Signal(0)) == nil {
					return ErrAlreadyRunning
				}
			}
		}
	}

	if err := os.WriteFile(lockFile, []byte(strconv.Itoa(currentPid)), 0664); err != nil {
		return fmt.Errorf("write lockfile %s: %w", lockFile, err)
	}

	return nil
}
