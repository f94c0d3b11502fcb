package rtinit

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// RenderedFile describes one template target after rendering. Sum is the
// xxhash of the rendered bytes; Changed is false when the destination already
// held those bytes and was left untouched, modification time included.
type RenderedFile struct {
	Name    string
	Path    string
	Sum     uint64
	Changed bool
}

// RenderError is the fatal error type of Render. It wraps the underlying
// template failure, most importantly a reference to a key that RuntimeConfig
// does not carry, which is a schema bug rather than an operator mistake.
type RenderError struct {
	Template string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("template %s: %v", e.Template, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

type target struct {
	name string
	dest func(cfg *RuntimeConfig) string
}

// Renderer renders the embedded template set into the daemon and web-tier
// configuration files. Rendering is a pure function of RuntimeConfig plus the
// template bodies: no network, no randomness, byte-identical across runs.
type Renderer struct {
	tmpl    *template.Template
	targets []target
	j       Journaler
}

// NewRenderer parses the embedded template set. Parse failures are
// programming errors and panic at startup.
func NewRenderer(j Journaler) *Renderer {
	tmpl := template.Must(template.
		New("rtinit").
		Option("missingkey=error").
		Funcs(sprig.TxtFuncMap()).
		ParseFS(templateFS, "templates/*.tmpl"))

	return &Renderer{
		tmpl: tmpl,
		targets: []target{
			{"rtorrent.rc.tmpl", func(cfg *RuntimeConfig) string {
				return filepath.Join(cfg.DataDir, "rtorrent", ".rtorrent.rc")
			}},
			{"rutorrent.php.tmpl", func(cfg *RuntimeConfig) string {
				return filepath.Join(cfg.DataDir, "rutorrent", "conf", "config.php")
			}},
			{"php-local.ini.tmpl", func(cfg *RuntimeConfig) string {
				return filepath.Join(cfg.DataDir, "php", "local.ini")
			}},
		},
		j: j,
	}
}

// Render renders every target in order and writes the results to their
// runtime locations. A destination whose content would not change is not
// touched, so external file watchers never see a spurious modification.
func (r *Renderer) Render(cfg *RuntimeConfig) ([]RenderedFile, error) {
	files := make([]RenderedFile, 0, len(r.targets))

	for _, tgt := range r.targets {
		f, err := r.renderOne(cfg, tgt)
		if err != nil {
			return nil, err
		}

		if r.j != nil {
			r.j.Write(&EventFileRendered{
				Name:    f.Name,
				Path:    f.Path,
				Sum:     fmt.Sprintf("%016x", f.Sum),
				Changed: f.Changed,
			})
		}

		files = append(files, f)
	}

	return files, nil
}

// Preview renders every target in order into w without touching the
// filesystem. Each file is preceded by a header naming its destination.
func (r *Renderer) Preview(cfg *RuntimeConfig, w io.Writer) error {
	for _, tgt := range r.targets {
		fmt.Fprintf(w, "# ----- %s -> %s\n", tgt.name, tgt.dest(cfg))
		if err := r.tmpl.ExecuteTemplate(w, tgt.name, cfg); err != nil {
			return &RenderError{Template: tgt.name, Err: err}
		}
		fmt.Fprintln(w)
	}

	return nil
}

func (r *Renderer) renderOne(cfg *RuntimeConfig, tgt target) (RenderedFile, error) {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, tgt.name, cfg); err != nil {
		return RenderedFile{}, &RenderError{Template: tgt.name, Err: err}
	}

	dest := tgt.dest(cfg)
	sum := xxhash.Sum64(buf.Bytes())
	f := RenderedFile{Name: tgt.name, Path: dest, Sum: sum}

	// Unchanged content must not bump the modification time.
	if prev, err := os.ReadFile(dest); err == nil && xxhash.Sum64(prev) == sum {
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return RenderedFile{}, errors.Wrap(err, "failed to create config directory")
	}
	if err := os.WriteFile(dest, buf.Bytes(), 0644); err != nil {
		return RenderedFile{}, errors.Wrap(err, "failed to write rendered file")
	}
	chownOwned(dest, cfg.PUID, cfg.PGID)

	f.Changed = true
	return f, nil
}
