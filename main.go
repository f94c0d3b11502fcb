package main

import (
	"context"
	"os"
	osexec "os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rtinit/rtinit/rtinit"
	"github.com/rtinit/rtinit/rtinit/journal"
	"github.com/spf13/cobra"
)

var (
	dataDir      string
	downloadsDir string
	passwdDir    string

	rtorrentBin string
	webtierCmd  string
)

// exitCode carries the supervisor's verdict out of cobra, which only knows
// about errors.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "rtinit",
	Short: "bootstrap and supervise rTorrent and the ruTorrent web tier",
	Long: `rtinit is the container entrypoint: it resolves configuration from the
environment, renders the daemon and web-tier config files, then spawns and
supervises both processes until the container stops.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&dataDir, "data", "/data", "data/config mount")
	pf.StringVar(&downloadsDir, "downloads", "/downloads", "downloads mount")
	pf.StringVar(&passwdDir, "passwd", "/passwd", "credential-file mount")

	f := rootCmd.Flags()
	f.StringVar(&rtorrentBin, "rtorrent", "rtorrent", "rTorrent binary")
	f.StringVar(&webtierCmd, "webtier", "php-fpm -F", "web-tier process manager command")

	rootCmd.AddCommand(renderCmd, healthcheckCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}

	os.Exit(exitCode)
}

func mounts() rtinit.Mounts {
	return rtinit.Mounts{
		Data:      dataDir,
		Downloads: downloadsDir,
		Passwd:    passwdDir,
	}
}

func run(ctx context.Context) error {
	stderr := journal.NewHumanWriter(os.Stderr)

	cfg, err := rtinit.Resolve(ctx, rtinit.NewEnv(), mounts(), stderr)
	if err != nil {
		return err
	}

	// From here on, everything is journaled to stderr and to a rotating file
	// under the data mount.
	j := journal.MultiWriter(stderr,
		journal.NewRotatingJournaler(filepath.Join(cfg.LogDir, "rtinit.log")))

	files, err := rtinit.NewRenderer(j).Render(cfg)
	if err != nil {
		return err
	}

	rtinit.TryWatch(ctx, files, j)

	primary, err := primarySpec(cfg)
	if err != nil {
		return err
	}
	secondary, err := webtierSpec(cfg)
	if err != nil {
		return err
	}

	sup, err := rtinit.NewSupervisor(cfg, j, primary, secondary)
	if err != nil {
		return err
	}

	health := rtinit.NewHealthServer(sup.CheckLiveness, j)
	if err := health.Listen(cfg.HealthPort); err != nil {
		return err
	}
	go health.Serve(ctx)

	exitCode = sup.Run(ctx)
	return nil
}

func primarySpec(cfg *rtinit.RuntimeConfig) (rtinit.ProcessSpec, error) {
	bin, err := osexec.LookPath(rtorrentBin)
	if err != nil {
		return rtinit.ProcessSpec{}, errors.Wrap(err, "rtorrent binary not found")
	}

	rc := filepath.Join(cfg.DataDir, "rtorrent", ".rtorrent.rc")

	return rtinit.ProcessSpec{
		Name: "rtorrent",
		Argv: []string{bin, "-n", "-o", "import=" + rc},
		Dir:  cfg.DownloadsDir,
		Env:  childEnv(cfg),
		UID:  cfg.PUID,
		GID:  cfg.PGID,
		// rTorrent is ready once it binds its XML-RPC (SCGI) port.
		ReadinessPort: cfg.XMLRPCPort,
	}, nil
}

func webtierSpec(cfg *rtinit.RuntimeConfig) (rtinit.ProcessSpec, error) {
	argv := strings.Fields(webtierCmd)
	if len(argv) == 0 {
		return rtinit.ProcessSpec{}, errors.New("empty --webtier command")
	}

	bin, err := osexec.LookPath(argv[0])
	if err != nil {
		return rtinit.ProcessSpec{}, errors.Wrap(err, "web-tier binary not found")
	}
	argv[0] = bin

	return rtinit.ProcessSpec{
		Name:          "webtier",
		Argv:          argv,
		Dir:           cfg.DataDir,
		Env:           childEnv(cfg),
		UID:           cfg.PUID,
		GID:           cfg.PGID,
		ReadinessPort: cfg.RutorrentPort,
	}, nil
}

func childEnv(cfg *rtinit.RuntimeConfig) []string {
	return append(os.Environ(),
		"TZ="+cfg.TZ,
		"HOME="+cfg.DataDir,
	)
}
