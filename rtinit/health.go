package rtinit

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// healthResponse is the entire wire protocol of the health endpoint: the
// listener answers with it when every supervised process is running, and
// closes the connection silently otherwise.
const healthResponse = "ok\n"

// healthRespondWithin bounds how long a single health connection may take,
// so an orchestrator polling under load never sees a false negative from a
// slow write.
const healthRespondWithin = 250 * time.Millisecond

// HealthServer is the liveness endpoint, a plain TCP listener on the primary
// service port plus one. It only ever reads supervisor state snapshots and
// cannot be blocked by the supervised processes.
type HealthServer struct {
	check func() Health
	j     Journaler
	ln    net.Listener
}

// NewHealthServer creates a health server backed by the given check, which
// must be cheap and non-blocking (Supervisor.CheckLiveness qualifies).
func NewHealthServer(check func() Health, j Journaler) *HealthServer {
	return &HealthServer{check: check, j: j}
}

// Listen binds the health port. Binding happens before Serve so a failure
// surfaces during boot rather than at first poll.
func (s *HealthServer) Listen(port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return errors.Wrap(err, "failed to bind health port")
	}

	s.ln = ln
	return nil
}

// Addr returns the bound address. Valid only after Listen.
func (s *HealthServer) Addr() net.Addr { return s.ln.Addr() }

// Serve answers health probes until the context is canceled. It must be
// called after Listen.
func (s *HealthServer) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			warn(s.j, "health", errors.Wrap(err, "accept failed"))
			continue
		}

		go s.answer(conn)
	}
}

func (s *HealthServer) answer(conn net.Conn) {
	defer conn.Close()

	h := s.check()
	if !h.Healthy {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(healthRespondWithin))
	io.WriteString(conn, healthResponse)
}

// CheckRemote dials the health port the way an external orchestrator would
// and returns nil only when the supervisor reports healthy. It backs the
// healthcheck subcommand used as the container HEALTHCHECK exec target.
func CheckRemote(ctx context.Context, port int) error {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return errors.Wrap(err, "health port unreachable")
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	buf := make([]byte, len(healthResponse))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return errors.Wrap(err, "no health response")
	}
	if string(buf) != healthResponse {
		return errors.Errorf("unexpected health response %q", buf)
	}

	return nil
}
