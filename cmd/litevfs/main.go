package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benbjohnson/litevfs/internal"

	// Register replica client URL schemes.
	_ "github.com/benbjohnson/litevfs/abs"
	_ "github.com/benbjohnson/litevfs/file"
	_ "github.com/benbjohnson/litevfs/gs"
	_ "github.com/benbjohnson/litevfs/nats"
	_ "github.com/benbjohnson/litevfs/oss"
	_ "github.com/benbjohnson/litevfs/s3"
	_ "github.com/benbjohnson/litevfs/sftp"
	_ "github.com/benbjohnson/litevfs/webdav"
)

// Build information.
var (
	Version = "(development build)"
)

func main() {
	m := NewMain()
	if err := m.Run(context.Background(), os.Args[1:]); errors.Is(err, flag.ErrHelp) {
		os.Exit(1)
	} else if err != nil {
		slog.Error("failed to run", "error", err)
		os.Exit(1)
	}
}

// Main represents the main program execution.
type Main struct {
	Stdout io.Writer
	Stderr io.Writer
}

// NewMain returns a new instance of Main.
func NewMain() *Main {
	return &Main{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Run executes the program.
func (m *Main) Run(ctx context.Context, args []string) error {
	var cmd string
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "exec":
		return (&ExecCommand{Main: m}).Run(ctx, args)
	case "ltx":
		return (&LTXCommand{Main: m}).Run(ctx, args)
	case "vfs":
		return (&VFSCommand{Main: m}).Run(ctx, args)
	case "version":
		return (&VersionCommand{Main: m}).Run(ctx, args)
	default:
		if cmd == "" || cmd == "help" || strings.HasPrefix(cmd, "-") {
			m.Usage()
			return flag.ErrHelp
		}
		return fmt.Errorf("litevfs %s: unknown command", cmd)
	}
}

// Usage prints the help screen.
func (m *Main) Usage() {
	fmt.Fprintln(m.Stdout, `
litevfs serves SQLite databases from pluggable Go storage providers.

Usage:

	litevfs <command> [arguments]

The commands are:

	exec         run SQL against a database on a configured VFS
	ltx          list LTX files in a replica
	vfs          list VFS definitions in the config file
	version      prints the binary version
`[1:])
}

// loadConfig reads the config file at path, or the default path if empty,
// and configures logging from it.
func (m *Main) loadConfig(path string, expandEnv bool) (Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	config, err := ReadConfigFile(path, expandEnv)
	if err != nil {
		return config, err
	}

	logOutput := m.Stdout
	if config.Logging.Stderr {
		logOutput = m.Stderr
	}
	initLog(logOutput, config.Logging.Level, config.Logging.Type)
	return config, nil
}

// serveMetrics serves Prometheus metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot listen on metrics address: %w", err)
	}

	slog.Info("serving metrics", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	return nil
}

// DefaultConfigPath returns the path used when -config is not passed.
func DefaultConfigPath() string {
	if v := os.Getenv("LITEVFS_CONFIG"); v != "" {
		return v
	}
	return defaultConfigPath
}

const defaultConfigPath = "/etc/litevfs.yml"

func registerConfigFlag(fs *flag.FlagSet) (configPath *string, noExpandEnv *bool) {
	return fs.String("config", "", "config path"),
		fs.Bool("no-expand-env", false, "do not expand env vars in config")
}

// expand returns an absolute path for s, expanding a leading "~".
func expand(s string) (string, error) {
	prefix := "~" + string(os.PathSeparator)
	if s != "~" && !strings.HasPrefix(s, prefix) {
		return filepath.Abs(s)
	}

	u, err := user.Current()
	if err != nil {
		return "", err
	} else if u.HomeDir == "" {
		return "", fmt.Errorf("cannot expand path %s, no home directory available", s)
	}
	return filepath.Join(u.HomeDir, strings.TrimPrefix(s, "~")), nil
}

// initLog replaces the default logger. LOG_LEVEL overrides level.
func initLog(w io.Writer, level, typ string) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = v
	}

	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: internal.ReplaceAttr,
	}

	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if typ == "json" {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// parseLevel returns the slog level for a name. Unknown names map to INFO.
func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "TRACE":
		return internal.LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
