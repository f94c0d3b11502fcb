package exec

import (
	osexec "os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessWait(t *testing.T) {
	sh, err := osexec.LookPath("sh")
	require.NoError(t, err)

	p, err := StartProcess(StartOpts{Argv: []string{sh, "-c", "exit 0"}})
	require.NoError(t, err)

	st := p.Wait()
	assert.Equal(t, 0, st.Code)
	assert.NoError(t, st.Error)

	// The child is already reaped, so the second wait fails. The status must
	// degrade instead of panicking.
	st = p.Wait()
	assert.Equal(t, -1, st.Code)
	assert.Error(t, st.Error)
}
