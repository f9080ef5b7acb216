package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/kalambet/paperdex/internal/errs"
)

// LockHeldError reports that another process owns the cache directory.
type LockHeldError struct {
	Path string
	PID  int
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("cache directory locked by pid %d (%s)", e.PID, e.Path)
}

func (e *LockHeldError) Unwrap() error {
	return errs.New(errs.KindConstraintViolation, "cache lock held")
}

// Lock is an exclusive claim on a cache directory, backed by a .lock
// file holding the owner's PID.
type Lock struct {
	path string
}

// AcquireLock claims root for this process. A live .lock from another
// running process yields *LockHeldError; a stale lock whose process is
// gone is reclaimed.
func AcquireLock(root string) (*Lock, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindStorageError, "creating cache root", err)
	}
	path := filepath.Join(root, ".lock")

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			if cerr := f.Close(); cerr != nil {
				os.Remove(path)
				return nil, errs.Wrap(errs.KindStorageError, "writing lock file", cerr)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, errs.Wrap(errs.KindStorageError, "creating lock file", err)
		}

		pid, rerr := readLockPID(path)
		if rerr == nil && pid > 0 && processAlive(pid) {
			return nil, &LockHeldError{Path: path, PID: pid}
		}
		// Stale or unreadable lock; remove it and try once more.
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, errs.Wrap(errs.KindStorageError, "removing stale lock file", rerr)
		}
	}
	return nil, &LockHeldError{Path: path}
}

// Release gives up the claim. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindStorageError, "removing lock file", err)
	}
	return nil
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
