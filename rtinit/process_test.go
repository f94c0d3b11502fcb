package rtinit

import (
	"math"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rtinit/rtinit/rtinit/exec"
	"github.com/stretchr/testify/require"
)

const forever time.Duration = math.MaxInt64

func TestProcess(t *testing.T) {
	t.Run("graceful terminate", func(t *testing.T) {
		nextPID := newNextPID()
		j := mockJournal{}

		proc := NewProcess(ProcessSpec{Name: "rtorrent"}, &j)
		proc.startProc = func() (exec.Process, error) {
			return exec.NewIdleProcess(forever, 0, nextPID()), nil
		}
		proc.Start()

		// Stop guarantees that the background routines would've been exited
		// by the time the function returns.
		require.NoError(t, proc.Stop())
		require.Equal(t, StateExited, proc.State())

		j.Verify(t, true, []Event{
			&EventProcessSpawned{Name: "rtorrent", PID: 1},
			&EventProcessExited{Name: "rtorrent", PID: 1, ExitCode: 0},
		})
	})

	t.Run("kill timeout", func(t *testing.T) {
		nextPID := newNextPID()
		j := mockJournal{}

		proc := NewProcess(ProcessSpec{Name: "rtorrent"}, &j)
		proc.WaitTimeout = time.Microsecond
		proc.startProc = func() (exec.Process, error) {
			return exec.NewIdleProcess(forever, forever, nextPID()), nil
		}
		proc.Start()

		// The process ignores SIGTERM, so Stop must report the overrun.
		require.Error(t, proc.Stop())
		require.Equal(t, StateFailed, proc.State())

		j.Verify(t, true, []Event{
			&EventProcessSpawned{Name: "rtorrent", PID: 1},
			&EventProcessExited{Name: "rtorrent", PID: 1, ExitCode: -1},
		})
	})

	t.Run("spawn error is final", func(t *testing.T) {
		j := mockJournal{}

		proc := NewProcess(ProcessSpec{Name: "rtorrent"}, &j)
		proc.startProc = func() (exec.Process, error) {
			return nil, errors.New("no binary")
		}
		proc.Start()

		st := <-proc.Exits()
		require.Equal(t, -1, st.Code)
		require.Equal(t, StateFailed, proc.State())

		require.NoError(t, proc.Stop())

		j.Verify(t, true, []Event{
			&EventProcessSpawnError{Name: "rtorrent", Reason: "no binary"},
		})
	})

	t.Run("restart budget", func(t *testing.T) {
		nextPID := newNextPID()
		j := mockJournal{}

		var spawns atomic.Int32

		proc := NewProcess(ProcessSpec{Name: "webtier", Restarts: 2}, &j)
		proc.RetryBackoff = []time.Duration{0} // no backoff
		proc.startProc = func() (exec.Process, error) {
			spawns.Add(1)
			return exec.NewIdleProcess(0, 0, nextPID()), nil
		}
		proc.Start()

		// Initial spawn plus two restarts; the third death drains the budget.
		st := <-proc.Exits()
		require.Equal(t, 0, st.Code)
		require.EqualValues(t, 3, spawns.Load())

		require.NoError(t, proc.Stop())

		expect := make([]Event, 0, 6)
		for i := 0; i < 3; i++ {
			expect = append(expect,
				&EventProcessSpawned{Name: "webtier", PID: i + 1},
				&EventProcessExited{Name: "webtier", PID: i + 1, ExitCode: 0},
			)
		}
		j.Verify(t, true, expect)
	})
}

func TestProcessReadiness(t *testing.T) {
	t.Run("assumed after delay", func(t *testing.T) {
		nextPID := newNextPID()
		j := mockJournal{}

		proc := NewProcess(ProcessSpec{
			Name:           "webtier",
			ReadinessDelay: 10 * time.Millisecond,
		}, &j)
		proc.startProc = func() (exec.Process, error) {
			return exec.NewIdleProcess(forever, 0, nextPID()), nil
		}
		proc.Start()

		require.Eventually(t, func() bool {
			return proc.State() == StateRunning && hasReady(&j)
		}, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, proc.Stop())

		j.Verify(t, true, []Event{
			&EventProcessSpawned{Name: "webtier", PID: 1},
			&EventProcessReady{Name: "webtier", PID: 1, Assumed: true},
			&EventProcessExited{Name: "webtier", PID: 1, ExitCode: 0},
		})
	})

	t.Run("observed port bind", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				conn.Close()
			}
		}()

		nextPID := newNextPID()
		j := mockJournal{}

		proc := NewProcess(ProcessSpec{
			Name:           "rtorrent",
			ReadinessPort:  ln.Addr().(*net.TCPAddr).Port,
			ReadinessDelay: 5 * time.Second,
		}, &j)
		proc.startProc = func() (exec.Process, error) {
			return exec.NewIdleProcess(forever, 0, nextPID()), nil
		}
		proc.Start()

		require.Eventually(t, func() bool {
			return proc.State() == StateRunning && hasReady(&j)
		}, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, proc.Stop())

		j.Verify(t, true, []Event{
			&EventProcessSpawned{Name: "rtorrent", PID: 1},
			&EventProcessReady{Name: "rtorrent", PID: 1},
			&EventProcessExited{Name: "rtorrent", PID: 1, ExitCode: 0},
		})
	})
}

func hasReady(j *mockJournal) bool {
	for _, ev := range j.Journals() {
		if _, ok := ev.(*EventProcessReady); ok {
			return true
		}
	}
	return false
}

func newNextPID() func() int {
	var pid uint32
	return func() int { return int(atomic.AddUint32(&pid, 1)) }
}
