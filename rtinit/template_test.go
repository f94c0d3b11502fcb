package rtinit

import (
	"os"
	"path/filepath"
	"testing"
	"text/template"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *RuntimeConfig {
	t.Helper()

	data := t.TempDir()

	return &RuntimeConfig{
		PUID: os.Getuid(),
		PGID: os.Getgid(),
		TZ:   "UTC",

		RutorrentPort: 8080,
		XMLRPCPort:    8000,
		DHTPort:       6881,
		IncomingPort:  50000,
		HealthPort:    8081,

		SendBufferSize:     "4M",
		ReceiveBufferSize:  "4M",
		PreallocationType:  1,
		TrackerDelayScrape: true,
		SessionSaveSeconds: 3600,

		ShutdownGrace: 15 * time.Second,
		WebRestartMax: 3,

		DataDir:      data,
		DownloadsDir: t.TempDir(),
		PasswdDir:    t.TempDir(),

		LogDir:     filepath.Join(data, "log"),
		SessionDir: filepath.Join(data, "rtorrent", "session"),
		WatchDir:   filepath.Join(data, "rtorrent", "watch"),
		RunDir:     filepath.Join(data, "run"),
	}
}

func TestRender(t *testing.T) {
	cfg := testConfig(t)
	j := mockJournal{}

	files, err := NewRenderer(&j).Render(cfg)
	require.NoError(t, err)
	require.Len(t, files, 3)

	for _, f := range files {
		assert.True(t, f.Changed, f.Name)
	}

	rc, err := os.ReadFile(filepath.Join(cfg.DataDir, "rtorrent", ".rtorrent.rc"))
	require.NoError(t, err)

	assert.Contains(t, string(rc), "dht.port.set = 6881")
	assert.Contains(t, string(rc), "network.scgi.open_port = 0.0.0.0:8000")
	assert.Contains(t, string(rc), "network.port_range.set = 50000-50000")
	assert.Contains(t, string(rc), "trackers.delay_scrape.set = 1")
	assert.Contains(t, string(rc), "system.file.allocate.set = 1")
	assert.NotContains(t, string(rc), "network.local_address.set")

	php, err := os.ReadFile(filepath.Join(cfg.DataDir, "rutorrent", "conf", "config.php"))
	require.NoError(t, err)
	assert.Contains(t, string(php), "$scgi_port = 8000;")

	ini, err := os.ReadFile(filepath.Join(cfg.DataDir, "php", "local.ini"))
	require.NoError(t, err)
	assert.Contains(t, string(ini), "date.timezone = UTC")

	assert.Len(t, j.Journals(), 3)
}

func TestRenderSessionSaveInterval(t *testing.T) {
	cfg := testConfig(t)
	cfg.SessionSaveSeconds = 10800

	_, err := NewRenderer(nil).Render(cfg)
	require.NoError(t, err)

	rc, err := os.ReadFile(filepath.Join(cfg.DataDir, "rtorrent", ".rtorrent.rc"))
	require.NoError(t, err)
	assert.Contains(t, string(rc), "schedule2 = session_save, 1200, 10800, ((session.save))")
}

func TestRenderIdempotent(t *testing.T) {
	cfg := testConfig(t)
	r := NewRenderer(nil)

	first, err := r.Render(cfg)
	require.NoError(t, err)

	mtimes := make(map[string]time.Time, len(first))
	for _, f := range first {
		require.True(t, f.Changed, f.Name)
		stat, err := os.Stat(f.Path)
		require.NoError(t, err)
		mtimes[f.Path] = stat.ModTime()
	}

	second, err := r.Render(cfg)
	require.NoError(t, err)

	for i, f := range second {
		assert.False(t, f.Changed, f.Name)
		assert.Equal(t, first[i].Sum, f.Sum, f.Name)

		stat, err := os.Stat(f.Path)
		require.NoError(t, err)
		assert.Equal(t, mtimes[f.Path], stat.ModTime(), "mtime must not move for %s", f.Name)
	}
}

func TestRenderWANIP(t *testing.T) {
	cfg := testConfig(t)
	cfg.WANIP = "203.0.113.7"

	_, err := NewRenderer(nil).Render(cfg)
	require.NoError(t, err)

	rc, err := os.ReadFile(filepath.Join(cfg.DataDir, "rtorrent", ".rtorrent.rc"))
	require.NoError(t, err)
	assert.Contains(t, string(rc), "network.local_address.set = 203.0.113.7")
}

func TestRenderMissingPlaceholder(t *testing.T) {
	cfg := testConfig(t)

	r := &Renderer{
		tmpl: template.Must(template.
			New("bad.tmpl").
			Option("missingkey=error").
			Parse("value = {{ .DoesNotExist }}\n")),
		targets: []target{
			{"bad.tmpl", func(cfg *RuntimeConfig) string {
				return filepath.Join(cfg.DataDir, "bad.conf")
			}},
		},
	}

	_, err := r.Render(cfg)
	require.Error(t, err)

	var renderErr *RenderError
	require.True(t, errors.As(err, &renderErr))
	assert.Equal(t, "bad.tmpl", renderErr.Template)

	_, statErr := os.Stat(filepath.Join(cfg.DataDir, "bad.conf"))
	assert.True(t, os.IsNotExist(statErr), "no file may be written on a render error")
}
