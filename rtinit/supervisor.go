package rtinit

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// ErrSessionLocked is returned when another supervisor already owns the
// session directory.
var ErrSessionLocked = errors.New("session directory locked by another instance")

// Health is the result of a liveness check.
type Health struct {
	Healthy bool
	Reason  string
}

// Supervisor owns the two supervised processes: the rTorrent daemon
// (primary) and the web tier (secondary). The daemon holds exclusive session
// state, so its death is fatal and it is always the first to be signaled on
// shutdown; the web tier holds nothing and may be restarted within its
// budget.
type Supervisor struct {
	j    Journaler
	cfg  *RuntimeConfig
	lock *flock.Flock

	primary   *Process
	secondary *Process
}

// NewSupervisor locks the session directory and prepares both processes.
// Nothing is spawned until Run.
func NewSupervisor(cfg *RuntimeConfig, j Journaler, primary, secondary ProcessSpec) (*Supervisor, error) {
	lockPath := filepath.Join(cfg.SessionDir, "rtinit.lock")

	l := flock.New(lockPath)
	locked, err := l.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock session directory")
	}
	if !locked {
		return nil, ErrSessionLocked
	}

	j.Write(&EventLockAcquired{Path: lockPath})

	secondary.Restarts = cfg.WebRestartMax

	s := &Supervisor{
		j:         j,
		cfg:       cfg,
		lock:      l,
		primary:   NewProcess(primary, j),
		secondary: NewProcess(secondary, j),
	}

	// The daemon's grace period is the operator-tunable one; the web tier
	// keeps the short default since it has no state to flush.
	s.primary.WaitTimeout = cfg.ShutdownGrace

	return s, nil
}

// Run spawns both processes and blocks until either the context is canceled
// or a process dies beyond recovery. The returned code is the container's
// exit code: 0 for a clean supervised shutdown, otherwise the fatal child's
// exit status, clamped to nonzero.
func (s *Supervisor) Run(ctx context.Context) int {
	defer s.lock.Unlock()

	s.primary.Start()
	s.secondary.Start()

	select {
	case <-ctx.Done():
		s.j.Write(&EventShutdownBegan{Reason: "termination requested"})
		s.shutdown()
		return 0

	case st := <-s.primary.Exits():
		// The daemon died on its own; in-flight session state must not be
		// assumed consistent, so no restart-in-place.
		s.j.Write(&EventShutdownBegan{Reason: "daemon exited unexpectedly"})
		s.secondary.Stop()
		s.primary.Stop()
		return exitCode(st.Code)

	case st := <-s.secondary.Exits():
		s.j.Write(&EventRestartBudgetDrained{
			Name:     s.secondary.Name(),
			Restarts: s.cfg.WebRestartMax,
		})
		s.j.Write(&EventShutdownBegan{Reason: "web tier died beyond restart budget"})

		// The daemon is healthy here, so it still gets its ordered, graceful
		// stop to flush session state.
		s.shutdown()

		// A drained budget is fatal even if the last death was a clean exit;
		// the container must never report success while the web tier is gone.
		if code := exitCode(st.Code); code != 0 {
			return code
		}
		return 1
	}
}

// shutdown runs the ordered stop protocol: the daemon is signaled first and
// given its whole grace period to persist session state; only then is the
// web tier touched. Stopping out of order risks a stale session lock file
// that prevents the daemon from restarting.
func (s *Supervisor) shutdown() {
	if err := s.primary.Stop(); err != nil {
		warn(s.j, "supervisor", errors.Wrap(err, "daemon did not stop in time"))
	}
	if err := s.secondary.Stop(); err != nil {
		warn(s.j, "supervisor", errors.Wrap(err, "web tier did not stop in time"))
	}
}

// CheckLiveness reports Healthy only when every supervised process is in
// state Running. It takes lock-free snapshot reads and never blocks on the
// monitors.
func (s *Supervisor) CheckLiveness() Health {
	for _, p := range []*Process{s.primary, s.secondary} {
		if st := p.State(); st != StateRunning {
			return Health{Reason: fmt.Sprintf("%s is %s", p.Name(), st)}
		}
	}

	return Health{Healthy: true}
}

// exitCode clamps a child status into a usable container exit code. A child
// killed by signal reports -1, which the container runtime cannot represent.
func exitCode(code int) int {
	if code < 0 {
		return 1
	}
	return code
}
