package exec

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

const exitUnset = -2

type idleProcess struct {
	once  sync.Once
	stop  chan struct{}
	timer *time.Timer
	delay time.Duration

	pid  int
	exit atomic.Int32
}

// NewIdleProcess creates a process that only idles for a duration. It is used
// for testing. If delay is larger than 0, then the process will take that
// long to react to a catchable signal, unless it is SIGKILLed.
func NewIdleProcess(dura, delay time.Duration, pid int) Process {
	p := &idleProcess{
		stop:  make(chan struct{}),
		timer: time.NewTimer(dura),
		delay: delay,
		pid:   pid,
	}
	p.exit.Store(exitUnset)
	return p
}

func (p *idleProcess) PID() int { return p.pid }

func (p *idleProcess) Signal(sig os.Signal) error {
	var status int32

	switch sig {
	case syscall.SIGINT, syscall.SIGTERM: // catchable
		status = 0
	case syscall.SIGKILL:
		status = -1
	default:
		return errors.New("unknown signal")
	}

	go func() {
		if p.delay > 0 && sig != os.Kill {
			select {
			case <-time.After(p.delay):
			case <-p.stop:
				return
			}
		}

		// Bail if the process already settled on an exit status.
		if !p.exit.CompareAndSwap(exitUnset, status) {
			return
		}

		close(p.stop)
		p.timer.Stop()
	}()

	return nil
}

func (p *idleProcess) Kill() error {
	return p.Signal(os.Kill)
}

func (p *idleProcess) Wait() ExitStatus {
	p.once.Do(func() {
		select {
		case <-p.stop:
		case <-p.timer.C:
			p.exit.CompareAndSwap(exitUnset, 0)
		}
	})

	return ExitStatus{
		PID:  p.pid,
		Code: int(p.exit.Load()),
	}
}
