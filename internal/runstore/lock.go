package runstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	runLockDirName   = ".run.lock"
	runLockOwnerFile = "owner.json"
)

// ErrRunLocked is matched by every LockedError.
var ErrRunLocked = errors.New("run directory is locked")

// LockedError names the orchestration holding a run directory.
type LockedError struct {
	Dir   string
	Owner LockOwner
}

func (e *LockedError) Error() string {
	if e.Owner.PID == 0 {
		return fmt.Sprintf("run directory is locked: %s", e.Dir)
	}
	return fmt.Sprintf("run directory is locked: %s (run_id=%s pid=%d created_at=%s host=%s)",
		e.Dir, e.Owner.RunID, e.Owner.PID, e.Owner.CreatedAt, e.Owner.Hostname)
}

func (e *LockedError) Is(target error) bool { return target == ErrRunLocked }

// LockOwner is written inside the lock directory by the holder.
type LockOwner struct {
	PID       int    `json:"pid"`
	RunID     string `json:"run_id,omitempty"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// stale reports whether the owner was a process on this host that has exited.
func (o LockOwner) stale() bool {
	if o.PID <= 0 || o.Hostname != hostnameOrUnknown() {
		return false
	}
	return !processAlive(o.PID)
}

// RunLock marks a run directory as owned by one orchestration.
type RunLock struct {
	lockDir string
}

// AcquireRunLock takes the run directory for runID. A lock left behind by a
// crashed process on this host is taken over; any other held lock fails
// with a *LockedError.
func AcquireRunLock(runDir, runID string) (RunLock, error) {
	target := strings.TrimSpace(runDir)
	if target == "" {
		return RunLock{}, fmt.Errorf("run directory is required")
	}
	lockDir := filepath.Join(target, runLockDirName)

	err := os.Mkdir(lockDir, 0o755)
	if os.IsExist(err) {
		var owner LockOwner
		_ = ReadJSON(filepath.Join(lockDir, runLockOwnerFile), &owner)
		if !owner.stale() {
			return RunLock{}, &LockedError{Dir: target, Owner: owner}
		}
		if rmErr := os.RemoveAll(lockDir); rmErr != nil {
			return RunLock{}, fmt.Errorf("clear stale run lock for %s: %w", target, rmErr)
		}
		err = os.Mkdir(lockDir, 0o755)
		if os.IsExist(err) {
			return RunLock{}, &LockedError{Dir: target}
		}
	}
	if err != nil {
		return RunLock{}, fmt.Errorf("acquire run lock for %s: %w", target, err)
	}

	owner := LockOwner{
		PID:       os.Getpid(),
		RunID:     runID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	if err := WriteJSON(filepath.Join(lockDir, runLockOwnerFile), owner); err != nil {
		_ = os.RemoveAll(lockDir)
		return RunLock{}, fmt.Errorf("write run lock owner for %s: %w", target, err)
	}
	return RunLock{lockDir: lockDir}, nil
}

func (l RunLock) Release() error {
	if l.lockDir == "" {
		return nil
	}
	if err := os.RemoveAll(l.lockDir); err != nil {
		return fmt.Errorf("release run lock %s: %w", l.lockDir, err)
	}
	return nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return !errors.Is(p.Signal(syscall.Signal(0)), os.ErrProcessDone)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "unknown"
	}
	return strings.TrimSpace(host)
}
