package rtinit

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rtinit/rtinit/rtinit/exec"
)

// ProcState is the lifecycle state of a supervised process. The owning
// monitor goroutine is the only writer; everyone else takes lock-free
// snapshot reads.
type ProcState int32

const (
	StateStarting ProcState = iota
	StateRunning
	StateExited
	StateFailed
)

func (s ProcState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProcessSpec describes one supervised executable.
type ProcessSpec struct {
	Name string
	Argv []string // Argv[0] must be the resolved binary path
	Dir  string
	Env  []string
	UID  int
	GID  int

	// ReadinessPort, when nonzero, is polled with TCP dials until the
	// process binds it; the bind is the readiness signal. Zero means
	// readiness is assumed once ReadinessDelay elapses.
	ReadinessPort  int
	ReadinessDelay time.Duration

	// Restarts is how many times the process may be restarted after dying.
	// Zero means the first death is final.
	Restarts int
}

// ProcessWaitTimeout is the default time to wait for a process to gracefully
// exit until forcefully SIGKILLing it. The supervisor overrides it with the
// configured shutdown grace period.
var ProcessWaitTimeout = 15 * time.Second

// ProcessRetryBackoff is a list of backoff durations between restarts of a
// restartable process. The last duration is used repetitively.
var ProcessRetryBackoff = []time.Duration{
	0,
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
}

// ProcessReadinessDelay is the default fixed delay after which a process
// without an observable readiness signal is assumed running.
var ProcessReadinessDelay = 10 * time.Second

// Process monitors an individual supervised executable. Commanding
// operations cannot fail, only be delayed; permanent death is reported on
// Exits.
type Process struct {
	WaitTimeout  time.Duration
	RetryBackoff []time.Duration

	j Journaler

	ctx    context.Context
	cancel context.CancelFunc

	spec      ProcessSpec
	startProc func() (exec.Process, error)

	evCh  chan func()
	dead  chan exec.ExitStatus
	done  chan error
	exits chan exec.ExitStatus

	state atomic.Int32

	// owned by the monitor goroutine
	proc     exec.Process
	restarts int
}

// NewProcess creates a new process and a background monitor. The monitor
// lives until Stop is called; it is deliberately not tied to an external
// context so that the supervisor alone controls termination order.
func NewProcess(spec ProcessSpec, j Journaler) *Process {
	ctx, cancel := context.WithCancel(context.Background())

	if spec.ReadinessDelay == 0 {
		spec.ReadinessDelay = ProcessReadinessDelay
	}

	proc := &Process{
		WaitTimeout:  ProcessWaitTimeout,
		RetryBackoff: ProcessRetryBackoff,

		ctx:    ctx,
		cancel: cancel,

		j:     j,
		spec:  spec,
		evCh:  make(chan func()),
		dead:  make(chan exec.ExitStatus, 1),
		done:  make(chan error, 1),
		exits: make(chan exec.ExitStatus, 1),

		startProc: func() (exec.Process, error) {
			return exec.StartProcess(exec.StartOpts{
				Argv: spec.Argv,
				Dir:  spec.Dir,
				Env:  spec.Env,
				UID:  spec.UID,
				GID:  spec.GID,
			})
		},
	}

	go proc.startMonitor()

	return proc
}

// Name returns the spec name.
func (proc *Process) Name() string { return proc.spec.Name }

// State returns a snapshot of the process' lifecycle state. It is safe to
// call from any goroutine and never blocks on the monitor.
func (proc *Process) State() ProcState {
	return ProcState(proc.state.Load())
}

// Exits delivers the exit status once the process is permanently down, that
// is, dead with no restart budget remaining. A stop requested through Stop
// does not count.
func (proc *Process) Exits() <-chan exec.ExitStatus {
	return proc.exits
}

// Start starts the process.
func (proc *Process) Start() {
	proc.evCh <- proc.start
}

func (proc *Process) start() {
	proc.state.Store(int32(StateStarting))

	p, err := proc.startProc()
	if err != nil {
		proc.j.Write(&EventProcessSpawnError{
			Name:   proc.spec.Name,
			Reason: err.Error(),
		})

		// Report a failed spawn like a death so the monitor routine applies
		// the restart policy uniformly.
		proc.dead <- exec.ExitStatus{Code: -1, Error: err}
		return
	}

	proc.proc = p
	proc.startWaiting()
}

// startWaiting reports the PID to the journal, starts the wait routine and
// the readiness probe.
func (proc *Process) startWaiting() {
	proc.j.Write(&EventProcessSpawned{
		Name: proc.spec.Name,
		PID:  proc.proc.PID(),
	})

	exited := make(chan struct{})

	// Reap the process and report to proc.dead.
	go func(p exec.Process) {
		status := p.Wait()

		ev := EventProcessExited{
			Name:     proc.spec.Name,
			PID:      status.PID,
			ExitCode: status.Code,
		}
		if status.Error != nil {
			ev.Error = status.Error.Error()
		}

		// Write to the journal before signaling death so the journal entry
		// is never lost.
		proc.j.Write(&ev)

		close(exited)
		proc.dead <- status
	}(proc.proc)

	go proc.probeReadiness(proc.proc.PID(), exited)
}

// probeReadiness moves the process from Starting to Running, either on an
// observed bind of the readiness port or on deadline expiry.
func (proc *Process) probeReadiness(pid int, exited <-chan struct{}) {
	deadline := time.NewTimer(proc.spec.ReadinessDelay)
	defer deadline.Stop()

	markRunning := func(assumed bool) {
		if proc.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
			proc.j.Write(&EventProcessReady{
				Name:    proc.spec.Name,
				PID:     pid,
				Assumed: assumed,
			})
		}
	}

	if proc.spec.ReadinessPort == 0 {
		select {
		case <-exited:
		case <-proc.ctx.Done():
		case <-deadline.C:
			markRunning(true)
		}
		return
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(proc.spec.ReadinessPort))
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-exited:
			return
		case <-proc.ctx.Done():
			return
		case <-deadline.C:
			markRunning(true)
			return
		case <-tick.C:
			conn, err := net.DialTimeout("tcp", addr, 150*time.Millisecond)
			if err != nil {
				continue
			}
			conn.Close()
			markRunning(false)
			return
		}
	}
}

// Stop stops the process if it's running, giving it up to WaitTimeout to
// exit on SIGTERM before it is SIGKILLed. Stop returns only once the process
// is down and the monitor has exited.
func (proc *Process) Stop() error {
	proc.cancel()
	return <-proc.done
}

func (proc *Process) stop() error {
	if proc.proc == nil {
		// already stopped
		return nil
	}

	if err := proc.proc.Signal(syscall.SIGTERM); err != nil {
		proc.proc.Kill()
	}

	after := time.NewTimer(proc.WaitTimeout)
	defer after.Stop()

	select {
	case <-after.C:
		// Grace period expired and the process still hasn't exited. SIGKILL
		// and bail, since there's not much else we can do here.
		proc.proc.Kill()

		// Wait until the wait routine reaps it.
		st := <-proc.dead
		proc.markDead(st)

		return errors.New("timed out waiting for program to exit")

	case st := <-proc.dead:
		proc.markDead(st)
		return nil
	}
}

func (proc *Process) markDead(st exec.ExitStatus) {
	proc.proc = nil

	if st.Code == 0 {
		proc.state.Store(int32(StateExited))
	} else {
		proc.state.Store(int32(StateFailed))
	}
}

// startMonitor runs the monitoring routine in charge of restarting the
// process within its budget and handling incoming commands.
func (proc *Process) startMonitor() {
	var start <-chan time.Time
	var timer *time.Timer

	cleanupTimer := func() {
		if timer == nil {
			return
		}

		timer.Stop()
		timer = nil
		start = nil
	}

	for {
		select {
		case <-proc.ctx.Done():
			proc.done <- proc.stop()
			cleanupTimer()
			return

		case <-start:
			proc.start()
			cleanupTimer()

		case st := <-proc.dead:
			proc.markDead(st)
			cleanupTimer()

			if proc.restarts >= proc.spec.Restarts {
				// Budget drained; the supervisor decides what happens now.
				proc.exits <- st
				continue
			}

			proc.restarts++
			timer = time.NewTimer(backoffFor(proc.RetryBackoff, proc.restarts))
			start = timer.C

		case fn := <-proc.evCh:
			fn()
		}
	}
}

// backoffFor returns the pause before restart attempt n (1-based). The last
// table entry repeats.
func backoffFor(backoffs []time.Duration, n int) time.Duration {
	ix := n - 1
	if ix >= len(backoffs) {
		ix = len(backoffs) - 1
	}
	return backoffs[ix]
}
