package util

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

// ErrAlreadyRunning is returned by CreateMutex when another instance holds the mutex
var ErrAlreadyRunning = errors.New("another instance is already running")

// CreateMutex creates a named session-wide mutex. The handle is left open,
// the OS releases it on exit.
func CreateMutex(name string) error {
	namePtr, err := windows.UTF16PtrFromString("Local\\" + name)
	if err != nil {
		return fmt.Errorf("encode mutex name: %w", err)
	}

	_, err = windows.CreateMutex(nil, false, namePtr)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		return ErrAlreadyRunning
	}
	if err != nil {
		return fmt.Errorf("create mutex: %w", err)
	}

	return nil
}
