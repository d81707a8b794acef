// Package filelock wraps flock(2) advisory locks on open files.
//
// Locks are per open file description, so two Lock calls on distinct
// os.File values conflict even inside one process. That is what lets tests
// stand in for separate producer and gatekeeper processes.
package filelock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by TryLock when another holder has the lock.
var ErrWouldBlock = errors.New("file is locked by another holder")

// Mode selects a shared or exclusive lock.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) how() int {
	if m == Exclusive {
		return unix.LOCK_EX
	}
	return unix.LOCK_SH
}

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Lock blocks until f is locked in mode.
func Lock(f *os.File, mode Mode) error {
	for {
		err := unix.Flock(int(f.Fd()), mode.how())
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return fmt.Errorf("flock %s %s: %w", mode, f.Name(), err)
	}
}

// TryLock locks f in mode without waiting. It returns ErrWouldBlock when the
// lock is held elsewhere.
func TryLock(f *os.File, mode Mode) error {
	err := unix.Flock(int(f.Fd()), mode.how()|unix.LOCK_NB)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}
	return fmt.Errorf("flock %s %s: %w", mode, f.Name(), err)
}

// Unlock releases any lock held on f.
func Unlock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %w", f.Name(), err)
	}
	return nil
}
