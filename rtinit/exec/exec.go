// Package exec provides an abstraction around package os' Process
// implementation for easier testing.
package exec

import (
	"os"
	"runtime"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Process describes a command process.
type Process interface {
	PID() int
	Signal(os.Signal) error
	Kill() error
	Wait() ExitStatus
}

// ExitStatus is a process' exit status.
type ExitStatus struct {
	PID   int
	Code  int // -1 for interrupt
	Error error
}

// StartOpts describes how to spawn a supervised child.
type StartOpts struct {
	Argv []string // Argv[0] must be the resolved binary path
	Dir  string
	Env  []string
	UID  int
	GID  int
}

type process struct {
	*os.Process
}

var _ Process = process{}

// FindProcess creates a new Process from an existing process ID.
func FindProcess(pid int) (Process, error) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}

	return process{p}, nil
}

// StartProcess creates a new command process on the system. When running as
// root, the child is started with the given uid/gid credential so the
// supervised daemons never run privileged.
func StartProcess(opts StartOpts) (Process, error) {
	// Lock this goroutine to the OS thread for Pdeathsig.
	// See https://github.com/golang/go/issues/27505.
	runtime.LockOSThread()

	// Linux-only: we need to set the current PID as the subreaper to prevent
	// the processes we're spawning from disowning themselves; the web tier in
	// particular forks workers.
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return nil, errors.Wrap(err, "failed to set subreaper")
	}

	sys := &syscall.SysProcAttr{
		// Linux-only: we need the child to die when we do, because it's the
		// next best thing we can do that doesn't involve reparenting orphaned
		// children magic.
		Pdeathsig: syscall.SIGTERM,
	}
	if os.Geteuid() == 0 {
		sys.Credential = &syscall.Credential{
			Uid: uint32(opts.UID),
			Gid: uint32(opts.GID),
		}
	}

	p, err := os.StartProcess(opts.Argv[0], opts.Argv, &os.ProcAttr{
		Dir:   opts.Dir,
		Env:   opts.Env,
		Files: []*os.File{nil, os.Stdout, os.Stderr},
		Sys:   sys,
	})
	if err != nil {
		return nil, err
	}

	return process{p}, nil
}

func (proc process) PID() int {
	return proc.Pid
}

// Wait waits for the process to exit. It must be called on the same goroutine
// as StartProcess.
func (proc process) Wait() ExitStatus {
	s, err := proc.Process.Wait()
	runtime.UnlockOSThread()

	if err != nil {
		return ExitStatus{PID: proc.Pid, Code: -1, Error: err}
	}

	return ExitStatus{
		PID:   proc.Pid,
		Code:  s.ExitCode(),
		Error: err,
	}
}
