package rtinit

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Environment variable defaults. Every recognized variable appears here; a
// variable absent from the environment resolves to its default.
var envDefaults = map[string]string{
	"PUID":                    "1000",
	"PGID":                    "1000",
	"TZ":                      "UTC",
	"RUTORRENT_PORT":          "8080",
	"XMLRPC_PORT":             "8000",
	"RT_DHT_PORT":             "6881",
	"RT_INC_PORT":             "50000",
	"RT_SEND_BUFFER_SIZE":     "4M",
	"RT_RECEIVE_BUFFER_SIZE":  "4M",
	"RT_PREALLOCATION_TYPE":   "1",
	"RT_TRACKER_DELAY_SCRAPE": "true",
	"RT_LOG_EXECUTE":          "false",
	"RT_LOG_XMLRPC":           "false",
	"RT_SESSION_SAVE_SECONDS": "3600",
	"WAN_IP":                  "",
	"WAN_IP_CMD":              "",
	"SHUTDOWN_GRACE_SECONDS":  "15",
	"WEB_RESTART_MAX":         "3",
}

// NewEnv returns a viper instance bound to the process environment with the
// documented defaults applied. The recognized variables are the public,
// unprefixed names (PUID, RT_DHT_PORT, ...).
func NewEnv() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	for name, def := range envDefaults {
		v.SetDefault(name, def)
	}
	return v
}

// Mounts names the three externally provided directories. They must exist
// before rtinit starts; rtinit never creates them.
type Mounts struct {
	Data      string
	Downloads string
	Passwd    string
}

// RuntimeConfig is the immutable snapshot of all resolved settings. It is
// created once by Resolve and passed to every downstream component; nothing
// mutates it afterwards.
type RuntimeConfig struct {
	PUID int
	PGID int
	TZ   string

	RutorrentPort int
	XMLRPCPort    int
	DHTPort       int
	IncomingPort  int
	HealthPort    int // always RutorrentPort+1

	SendBufferSize     string
	ReceiveBufferSize  string
	PreallocationType  int
	TrackerDelayScrape bool
	LogExecute         bool
	LogXMLRPC          bool
	SessionSaveSeconds int

	WANIP string

	ShutdownGrace time.Duration
	WebRestartMax int

	DataDir      string
	DownloadsDir string
	PasswdDir    string

	// Owned subdirectories beneath DataDir, created during Resolve.
	LogDir     string
	SessionDir string
	WatchDir   string
	RunDir     string
}

// ConfigErrorKind distinguishes the two fatal resolution failures.
type ConfigErrorKind int

const (
	// ErrInvalidValue marks a variable present in the environment but
	// outside its accepted domain.
	ErrInvalidValue ConfigErrorKind = iota + 1
	// ErrPermissionDenied marks a mount that is missing, not a directory,
	// or not writable by the resolved PUID/PGID.
	ErrPermissionDenied
)

// ConfigError is the fatal error type of Resolve. It always names the
// offending variable or path.
type ConfigError struct {
	Kind   ConfigErrorKind
	Var    string // set for ErrInvalidValue
	Value  string // set for ErrInvalidValue
	Path   string // set for ErrPermissionDenied
	Reason string
}

func (e *ConfigError) Error() string {
	switch e.Kind {
	case ErrInvalidValue:
		return fmt.Sprintf("invalid value %q for %s: %s", e.Value, e.Var, e.Reason)
	case ErrPermissionDenied:
		return fmt.Sprintf("mount %s unusable: %s", e.Path, e.Reason)
	default:
		return e.Reason
	}
}

func invalidValue(name, value, reason string) *ConfigError {
	return &ConfigError{Kind: ErrInvalidValue, Var: name, Value: value, Reason: reason}
}

func permissionDenied(path, reason string) *ConfigError {
	return &ConfigError{Kind: ErrPermissionDenied, Path: path, Reason: reason}
}

var sizeRe = regexp.MustCompile(`^[0-9]+[KMG]?$`)

// Resolve reads the environment through v, validates every recognized
// variable against its domain, verifies the mounts are usable by the
// resolved user, and creates the owned subdirectories beneath the data
// mount. Non-fatal oddities (a failing WAN_IP_CMD, say) are journaled as
// warnings; everything else fails with a *ConfigError.
func Resolve(ctx context.Context, v *viper.Viper, mounts Mounts, j Journaler) (*RuntimeConfig, error) {
	cfg := RuntimeConfig{
		DataDir:      mounts.Data,
		DownloadsDir: mounts.Downloads,
		PasswdDir:    mounts.Passwd,
	}

	var err error

	if cfg.PUID, err = intVar(v, "PUID", 0, 1<<31-1); err != nil {
		return nil, err
	}
	if cfg.PGID, err = intVar(v, "PGID", 0, 1<<31-1); err != nil {
		return nil, err
	}

	cfg.TZ = strings.TrimSpace(v.GetString("TZ"))
	if cfg.TZ == "" {
		return nil, invalidValue("TZ", "", "must not be empty")
	}

	if cfg.RutorrentPort, err = intVar(v, "RUTORRENT_PORT", 1, 65534); err != nil {
		return nil, err
	}
	if cfg.XMLRPCPort, err = intVar(v, "XMLRPC_PORT", 1, 65535); err != nil {
		return nil, err
	}
	if cfg.DHTPort, err = intVar(v, "RT_DHT_PORT", 1, 65535); err != nil {
		return nil, err
	}
	if cfg.IncomingPort, err = intVar(v, "RT_INC_PORT", 1, 65535); err != nil {
		return nil, err
	}
	cfg.HealthPort = cfg.RutorrentPort + 1

	if err := distinctPorts(map[string]int{
		"RUTORRENT_PORT":   cfg.RutorrentPort,
		"XMLRPC_PORT":      cfg.XMLRPCPort,
		"RT_DHT_PORT":      cfg.DHTPort,
		"RT_INC_PORT":      cfg.IncomingPort,
		"RUTORRENT_PORT+1": cfg.HealthPort,
	}); err != nil {
		return nil, err
	}

	if cfg.SendBufferSize, err = sizeVar(v, "RT_SEND_BUFFER_SIZE"); err != nil {
		return nil, err
	}
	if cfg.ReceiveBufferSize, err = sizeVar(v, "RT_RECEIVE_BUFFER_SIZE"); err != nil {
		return nil, err
	}
	if cfg.PreallocationType, err = intVar(v, "RT_PREALLOCATION_TYPE", 0, 2); err != nil {
		return nil, err
	}
	if cfg.TrackerDelayScrape, err = boolVar(v, "RT_TRACKER_DELAY_SCRAPE"); err != nil {
		return nil, err
	}
	if cfg.LogExecute, err = boolVar(v, "RT_LOG_EXECUTE"); err != nil {
		return nil, err
	}
	if cfg.LogXMLRPC, err = boolVar(v, "RT_LOG_XMLRPC"); err != nil {
		return nil, err
	}
	if cfg.SessionSaveSeconds, err = intVar(v, "RT_SESSION_SAVE_SECONDS", 60, 1<<31-1); err != nil {
		return nil, err
	}

	grace, err := intVar(v, "SHUTDOWN_GRACE_SECONDS", 1, 600)
	if err != nil {
		return nil, err
	}
	cfg.ShutdownGrace = time.Duration(grace) * time.Second

	if cfg.WebRestartMax, err = intVar(v, "WEB_RESTART_MAX", 0, 10); err != nil {
		return nil, err
	}

	if cfg.WANIP, err = resolveWANIP(ctx, v, j); err != nil {
		return nil, err
	}

	for _, mount := range []string{cfg.DataDir, cfg.DownloadsDir, cfg.PasswdDir} {
		if err := verifyMount(mount, cfg.PUID, cfg.PGID); err != nil {
			return nil, err
		}
	}

	cfg.LogDir = filepath.Join(cfg.DataDir, "log")
	cfg.SessionDir = filepath.Join(cfg.DataDir, "rtorrent", "session")
	cfg.WatchDir = filepath.Join(cfg.DataDir, "rtorrent", "watch")
	cfg.RunDir = filepath.Join(cfg.DataDir, "run")

	owned := []string{
		cfg.LogDir,
		cfg.SessionDir,
		cfg.WatchDir,
		cfg.RunDir,
		filepath.Join(cfg.DataDir, "rutorrent", "conf"),
		filepath.Join(cfg.DataDir, "php"),
	}
	for _, dir := range owned {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, permissionDenied(dir, err.Error())
		}
		chownOwned(dir, cfg.PUID, cfg.PGID)
	}

	if j != nil {
		j.Write(&EventConfigResolved{
			PUID:          cfg.PUID,
			PGID:          cfg.PGID,
			RutorrentPort: cfg.RutorrentPort,
			XMLRPCPort:    cfg.XMLRPCPort,
			DHTPort:       cfg.DHTPort,
			IncomingPort:  cfg.IncomingPort,
			WANIP:         cfg.WANIP,
		})
	}

	return &cfg, nil
}

func intVar(v *viper.Viper, name string, min, max int) (int, error) {
	s := strings.TrimSpace(v.GetString(name))

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, invalidValue(name, s, "not an integer")
	}
	if n < min || n > max {
		return 0, invalidValue(name, s, fmt.Sprintf("must be in %d..%d", min, max))
	}

	return n, nil
}

func boolVar(v *viper.Viper, name string) (bool, error) {
	s := strings.TrimSpace(v.GetString(name))

	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, invalidValue(name, s, "not a boolean")
	}

	return b, nil
}

// sizeVar validates rTorrent buffer size syntax: a plain byte count with an
// optional K/M/G suffix. "0" means "leave the kernel default".
func sizeVar(v *viper.Viper, name string) (string, error) {
	s := strings.TrimSpace(v.GetString(name))

	if !sizeRe.MatchString(s) {
		return "", invalidValue(name, s, "must match <digits>[K|M|G]")
	}

	return s, nil
}

func distinctPorts(ports map[string]int) error {
	seen := make(map[int]string, len(ports))

	for name, port := range ports {
		if prev, ok := seen[port]; ok {
			// Deterministic ordering in the message.
			if prev > name {
				name, prev = prev, name
			}
			return invalidValue(name, strconv.Itoa(port), "port already used by "+prev)
		}
		seen[port] = name
	}

	return nil
}

// wanIPCmdTimeout bounds the one-shot public IP discovery command.
var wanIPCmdTimeout = 10 * time.Second

// resolveWANIP prefers an explicit WAN_IP over running WAN_IP_CMD. A bad
// explicit value is fatal; a failing command is only a warning, since the
// daemon works without a public address hint.
func resolveWANIP(ctx context.Context, v *viper.Viper, j Journaler) (string, error) {
	if ip := strings.TrimSpace(v.GetString("WAN_IP")); ip != "" {
		if net.ParseIP(ip) == nil {
			return "", invalidValue("WAN_IP", ip, "not an IP address")
		}
		return ip, nil
	}

	cmdline := strings.TrimSpace(v.GetString("WAN_IP_CMD"))
	if cmdline == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, wanIPCmdTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline).Output()
	if err != nil {
		warn(j, "config", errors.Wrap(err, "WAN_IP_CMD failed"))
		return "", nil
	}

	ip := strings.TrimSpace(string(out))
	if net.ParseIP(ip) == nil {
		warn(j, "config", errors.Errorf("WAN_IP_CMD output %q is not an IP address", ip))
		return "", nil
	}

	return ip, nil
}

// verifyMount checks that path is a directory writable by uid/gid. The check
// is a pure mode-bit check against the directory's owner, which is also what
// the daemon will observe after it drops privileges.
func verifyMount(path string, uid, gid int) error {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return permissionDenied(path, "does not exist; it must be mounted before start")
		}
		return permissionDenied(path, err.Error())
	}
	if !stat.IsDir() {
		return permissionDenied(path, "not a directory")
	}

	if !writableBy(stat, uid, gid) {
		return permissionDenied(path,
			fmt.Sprintf("not writable by uid %d gid %d", uid, gid))
	}

	return nil
}

func writableBy(stat os.FileInfo, uid, gid int) bool {
	sys, ok := stat.Sys().(*syscall.Stat_t)
	if !ok {
		return stat.Mode().Perm()&0200 != 0
	}

	mode := stat.Mode().Perm()
	switch {
	case int(sys.Uid) == uid:
		return mode&0200 != 0
	case int(sys.Gid) == gid:
		return mode&0020 != 0
	default:
		return mode&0002 != 0
	}
}

// chownOwned hands an owned subdirectory to the configured user. Only
// effective when running as root; otherwise the directory already belongs to
// the current user.
func chownOwned(dir string, uid, gid int) {
	if os.Geteuid() != 0 {
		return
	}
	os.Chown(dir, uid, gid)
}

func warn(j Journaler, component string, err error) {
	if j == nil {
		return
	}
	j.Write(&EventWarning{Component: component, Error: err.Error()})
}
