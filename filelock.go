package main

import (
	"fmt"
	"os"
	"time"
)

// Lock acquisition tuning. A crashed process leaves its lock file behind,
// so locks older than staleLockAge are reclaimed.
const (
	lockMaxRetries = 50
	lockRetryDelay = 100 * time.Millisecond
	staleLockAge   = 30 * time.Second
)

// fileLock coordinates access to a shared file between processes using a
// sibling ".lock" file created with O_EXCL.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

// acquireFileLock acquires an exclusive cross-process lock for filePath.
// Both the storage document and the event journal are written under this
// lock, since independent contexts may write either at any time.
func acquireFileLock(filePath string) (*fileLock, error) {
	lockPath := filePath + ".lock"

	for i := 0; i < lockMaxRetries; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// Record the owner PID for debugging stuck locks.
			fmt.Fprintf(lockFile, "%d", os.Getpid())
			return &fileLock{lockFile: lockFile, lockPath: lockPath}, nil
		}

		if os.IsExist(err) {
			// Another context holds the lock. Reclaim it if it is stale,
			// otherwise wait and retry.
			if info, statErr := os.Stat(lockPath); statErr == nil {
				if time.Since(info.ModTime()) > staleLockAge {
					if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
						return nil, fmt.Errorf(
							"failed to remove stale lock file %s: %w", lockPath, remErr,
						)
					}
					continue
				}
			}
			time.Sleep(lockRetryDelay)
			continue
		}

		return nil, fmt.Errorf("failed to acquire file lock: %w", err)
	}

	return nil, fmt.Errorf(
		"timeout waiting for file lock after %v",
		time.Duration(lockMaxRetries)*lockRetryDelay,
	)
}

// release releases the lock by removing the lock file.
func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
	}
	return os.Remove(fl.lockPath)
}
