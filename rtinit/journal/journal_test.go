package journal

import (
	"bytes"
	"io"
	"testing"

	"github.com/rtinit/rtinit/rtinit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReader(t *testing.T) {
	var buf bytes.Buffer

	w := NewWriter(&buf)
	require.NoError(t, w.Write(&rtinit.EventProcessSpawned{Name: "rtorrent", PID: 42}))
	require.NoError(t, w.Write(&rtinit.EventWarning{Component: "watcher", Error: "boom"}))

	r := NewReader(&buf)

	ev, when, err := r.Read()
	require.NoError(t, err)
	assert.False(t, when.IsZero())

	spawned, ok := ev.(*rtinit.EventProcessSpawned)
	require.True(t, ok, "got %#v", ev)
	assert.Equal(t, "rtorrent", spawned.Name)
	assert.Equal(t, 42, spawned.PID)

	ev, _, err = r.Read()
	require.NoError(t, err)
	warning, ok := ev.(*rtinit.EventWarning)
	require.True(t, ok, "got %#v", ev)
	assert.Equal(t, "boom", warning.Error)

	_, _, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestMultiWriter(t *testing.T) {
	var a, b bytes.Buffer

	w := MultiWriter(NewWriter(&a), NewWriter(&b))
	require.NoError(t, w.Write(&rtinit.EventShutdownBegan{Reason: "test"}))

	assert.Equal(t, a.String(), b.String())
	assert.Contains(t, a.String(), "shutdown began")
}

func TestHumanWriter(t *testing.T) {
	var buf bytes.Buffer

	w := NewHumanWriter(&buf)
	require.NoError(t, w.Write(&rtinit.EventProcessReady{Name: "rtorrent", PID: 7}))

	assert.Contains(t, buf.String(), "process ready")
	assert.Contains(t, buf.String(), "rtorrent")
}

func TestFileLockJournaler(t *testing.T) {
	path := t.TempDir() + "/journal.json"

	j, err := NewFileLockJournaler(path)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Write(&rtinit.EventLockAcquired{Path: path}))

	// The lock is exclusive.
	_, err = NewFileLockJournaler(path)
	assert.ErrorIs(t, err, ErrLockedElsewhere)
}
