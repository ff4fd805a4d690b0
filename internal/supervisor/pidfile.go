package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/repmgr-org/repmgr/internal/rmerror"
)

// PIDFile is an acquired, exclusively-held PID file. It is removed on
// orderly termination, per spec.md §5.
type PIDFile struct {
	path string
}

// AcquirePIDFile creates path exclusively and writes the current PID into
// it. If path already exists and names a still-running process, it
// returns BadConfig without touching the file, per spec.md §4.6. If it
// names a dead process, the stale file is replaced.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if path == "" {
		return nil, nil
	}

	if running, err := pidFileNamesLiveProcess(path); err != nil {
		return nil, err
	} else if running {
		return nil, rmerror.New(rmerror.BadConfig, "supervisor.AcquirePIDFile",
			fmt.Errorf("pid file %s names a running process", path))
	} else {
		_ = os.Remove(path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, rmerror.New(rmerror.BadConfig, "supervisor.AcquirePIDFile", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		os.Remove(path)
		return nil, rmerror.New(rmerror.SysFailure, "supervisor.AcquirePIDFile", err)
	}

	return &PIDFile{path: path}, nil
}

// Release removes the PID file. It is a no-op if p is nil (no pid file
// was configured).
func (p *PIDFile) Release() {
	if p == nil {
		return
	}
	_ = os.Remove(p.path)
}

func pidFileNamesLiveProcess(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, rmerror.New(rmerror.BadConfig, "supervisor.AcquirePIDFile", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		// Unreadable content: treat as stale.
		return false, nil
	}

	if err := unix.Kill(pid, 0); err != nil {
		return false, nil
	}
	return true, nil
}
