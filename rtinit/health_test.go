package rtinit

import (
	"context"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthServer(t *testing.T) {
	var healthy atomic.Bool

	check := func() Health {
		if healthy.Load() {
			return Health{Healthy: true}
		}
		return Health{Reason: "rtorrent is starting"}
	}

	s := NewHealthServer(check, &mockJournal{})
	require.NoError(t, s.Listen(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan struct{})
	go func() {
		s.Serve(ctx)
		close(served)
	}()

	port := s.Addr().(*net.TCPAddr).Port

	// Unhealthy: the connection is closed without a response.
	assert.Error(t, CheckRemote(ctx, port))

	healthy.Store(true)
	assert.NoError(t, CheckRemote(ctx, port))

	healthy.Store(false)
	assert.Error(t, CheckRemote(ctx, port))

	cancel()
	<-served

	// Listener is down with the context.
	assert.Error(t, CheckRemote(context.Background(), port))
}
