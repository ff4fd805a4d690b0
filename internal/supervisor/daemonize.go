package supervisor

import (
	"fmt"
	"os"
	"syscall"

	"github.com/repmgr-org/repmgr/internal/rmerror"
)

// reexecEnvVar marks a process as the already-daemonized child so
// Daemonize becomes a no-op the second time through main.
const reexecEnvVar = "REPMGRD_DAEMONIZED"

// Daemonize detaches the current process from its controlling terminal,
// per spec.md §4.6/§5's "daemonize" step and §9's "double-fork" note.
//
// The Go runtime starts goroutines and background threads before main
// runs, which makes a literal fork(2)-and-continue unsafe: only the
// calling thread survives a fork, and any other goroutine mid-syscall at
// that instant corrupts the child. The idiomatic Go substitute --
// grounded on the corpus's hand-rolled daemons
// (other_examples/*_daemon.go.go's PID-file-plus-signal pattern) -- is a
// single self-exec into a new session: re-invoke the same binary with a
// marker environment variable, detach it into its own process group via
// SysProcAttr.Setsid, redirect its standard streams to the null device,
// and exit the parent. This reaches the same end state -- no controlling
// terminal, stdio silenced -- as the classic double-fork without the
// fork-safety hazard. See DESIGN.md's "internal/supervisor" entry.
func Daemonize() error {
	if os.Getenv(reexecEnvVar) == "1" {
		return os.Chdir("/")
	}

	exe, err := os.Executable()
	if err != nil {
		return rmerror.New(rmerror.SysFailure, "supervisor.Daemonize", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return rmerror.New(rmerror.SysFailure, "supervisor.Daemonize", err)
	}
	defer devNull.Close()

	attr := &os.ProcAttr{
		Dir:   "/",
		Env:   append(os.Environ(), fmt.Sprintf("%s=1", reexecEnvVar)),
		Files: []*os.File{devNull, devNull, devNull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}

	proc, err := os.StartProcess(exe, os.Args, attr)
	if err != nil {
		return rmerror.New(rmerror.SysFailure, "supervisor.Daemonize", err)
	}

	_ = proc.Release()
	os.Exit(0)
	return nil
}
