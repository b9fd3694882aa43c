package checkpoint

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Lock is a PID lockfile guarding a plan document against concurrent
// engines. Only one process may hold the lock at a time; a lock left behind
// by a dead process is treated as stale and reclaimed.
type Lock struct {
	path string
}

// AcquireLock takes the lock for the plan document at planPath. It fails if
// another live process holds it.
func AcquireLock(planPath string) (*Lock, error) {
	lockPath := planPath + ".lock"

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			if _, werr := fmt.Fprintf(f, "%d\n", os.Getpid()); werr != nil {
				_ = f.Close()
				_ = os.Remove(lockPath)
				return nil, fmt.Errorf("writing lockfile: %w", werr)
			}
			if cerr := f.Close(); cerr != nil {
				_ = os.Remove(lockPath)
				return nil, fmt.Errorf("closing lockfile: %w", cerr)
			}
			return &Lock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lockfile: %w", err)
		}

		pid, perr := readLockPID(lockPath)
		if perr == nil && processAlive(pid) {
			return nil, fmt.Errorf("plan is locked by running process %d (%s)", pid, lockPath)
		}
		// Stale lock from a dead or unreadable owner; reclaim it.
		if rerr := os.Remove(lockPath); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("removing stale lockfile: %w", rerr)
		}
	}
	return nil, fmt.Errorf("could not acquire lock at %s", lockPath)
}

// Release removes the lockfile.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lockfile: %w", err)
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

// processAlive checks whether a process with the pid exists by sending
// signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
