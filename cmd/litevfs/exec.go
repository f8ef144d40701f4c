package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/benbjohnson/litevfs"
)

// ExecCommand runs SQL statements against a database on a configured VFS.
type ExecCommand struct {
	Main *Main
}

// Run executes the command.
func (c *ExecCommand) Run(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("litevfs-exec", flag.ContinueOnError)
	configPath, noExpandEnv := registerConfigFlag(fs)
	vfsName := fs.String("vfs", "", "vfs name from config")
	replicaURL := fs.String("url", "", "replica url, used instead of a config file")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	fs.Usage = c.Usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() == 0 {
		return fmt.Errorf("database name required")
	} else if fs.NArg() == 1 {
		return fmt.Errorf("at least one sql statement required")
	}
	dbName, stmts := fs.Arg(0), fs.Args()[1:]

	vc, config, err := c.resolveVFS(*configPath, !*noExpandEnv, *vfsName, *replicaURL)
	if err != nil {
		return err
	}

	if *metricsAddr == "" {
		*metricsAddr = config.MetricsAddr
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if *metricsAddr != "" {
		if err := serveMetrics(ctx, *metricsAddr); err != nil {
			return err
		}
	}

	fsys, closeFS, err := NewFileSystemFromConfig(vc)
	if err != nil {
		return fmt.Errorf("cannot build vfs %q: %w", vc.Name, err)
	}
	defer func() {
		if e := closeFS(); e != nil && err == nil {
			err = e
		}
	}()

	reg, err := litevfs.Acquire(vc.Name, fsys, false, litevfs.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer func() {
		if e := reg.Close(); e != nil && err == nil {
			err = e
		}
	}()

	db, err := sql.Open("sqlite3", dsn(dbName, vc))
	if err != nil {
		return err
	}
	defer func() {
		if e := db.Close(); e != nil && err == nil {
			err = e
		}
	}()

	// A single connection keeps locking within one handle.
	db.SetMaxOpenConns(1)

	for _, stmt := range stmts {
		if err := c.query(ctx, db, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// resolveVFS returns the VFS named on the command line, the config
// default, or an ad hoc replica VFS when a URL is passed.
func (c *ExecCommand) resolveVFS(configPath string, expandEnv bool, name, rawURL string) (*VFSConfig, Config, error) {
	if rawURL != "" && configPath == "" {
		if name == "" {
			name = "litevfs"
		}
		vc := &VFSConfig{Name: name, Type: VFSTypeReplica, URL: rawURL}
		config := DefaultConfig()
		config.VFS = []*VFSConfig{vc}
		if err := config.Validate(); err != nil {
			return nil, config, err
		}
		return vc, config, nil
	}

	config, err := c.Main.loadConfig(configPath, expandEnv)
	if err != nil {
		return nil, config, err
	}

	var vc *VFSConfig
	if name != "" {
		vc, err = config.FindVFS(name)
	} else {
		vc, err = config.DefaultVFS()
	}
	return vc, config, err
}

func (c *ExecCommand) query(ctx context.Context, db *sql.DB, stmt string) error {
	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return err
	}

	values := make([]interface{}, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}

		fields := make([]string, len(values))
		for i, v := range values {
			fields[i] = formatValue(v)
		}
		fmt.Fprintln(c.Main.Stdout, strings.Join(fields, "\t"))
	}
	return rows.Err()
}

func formatValue(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// dsn returns the SQLite URI that opens name through the VFS. The name is
// percent-escaped since SQLite decodes the path part of URI filenames.
func dsn(name string, vc *VFSConfig) string {
	q := url.Values{"vfs": {vc.Name}}
	if vc.ReadOnly {
		q.Set("mode", "ro")
	}
	u := url.URL{Scheme: "file", Opaque: (&url.URL{Path: name}).EscapedPath(), RawQuery: q.Encode()}
	return u.String()
}

// Usage prints the help screen to STDOUT.
func (c *ExecCommand) Usage() {
	fmt.Fprintf(c.Main.Stdout, `
The exec command registers a VFS and runs SQL statements against a database
stored on it. Result rows are printed tab-separated.

Usage:

	litevfs exec [arguments] DB SQL [SQL...]

Arguments:

	-config PATH
	    Specifies the configuration file.
	    Defaults to %s

	-no-expand-env
	    Disables environment variable expansion in configuration file.

	-vfs NAME
	    Selects the VFS from the config. Defaults to the VFS marked
	    default, or the only VFS defined.

	-url URL
	    Serves the database from a replica URL without a config file.

	-metrics-addr ADDR
	    Serves Prometheus metrics on ADDR while statements run.

Examples:

	# Create a table in a database stored in S3.
	$ litevfs exec -url s3://mybkt/db db "CREATE TABLE t (x)"

	# Query a database using a VFS from the config file.
	$ litevfs exec -vfs local app.db "SELECT * FROM users"

`[1:],
		DefaultConfigPath(),
	)
}
