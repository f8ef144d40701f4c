package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/superfly/ltx"

	"github.com/benbjohnson/litevfs/internal"
	"github.com/benbjohnson/litevfs/replica"
	"github.com/benbjohnson/litevfs/sqlite"
)

// LTXCommand lists the LTX files in a replica.
type LTXCommand struct {
	Main *Main
}

// Run executes the command.
func (c *LTXCommand) Run(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("litevfs-ltx", flag.ContinueOnError)
	configPath, noExpandEnv := registerConfigFlag(fs)
	level := fs.Int("level", 0, "ltx level")
	pgno := fs.Uint("page", 0, "dump the latest version of a page")
	fs.Usage = c.Usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() > 1 {
		return fmt.Errorf("too many arguments")
	}

	client, err := c.client(*configPath, !*noExpandEnv, fs.Arg(0))
	if err != nil {
		return err
	}
	if closer, ok := client.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	if err := client.Init(ctx); err != nil {
		return err
	}

	itr, err := client.LTXFiles(ctx, *level, 0, false)
	if err != nil {
		return err
	}
	infos, err := ltx.SliceFileIterator(itr)
	if err != nil {
		return err
	}

	if *pgno > 0 {
		return c.dumpPage(ctx, client, infos, uint32(*pgno))
	}

	w := tabwriter.NewWriter(c.Main.Stdout, 0, 8, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	fmt.Fprintln(w, "level\tmin_txid\tmax_txid\tsize\tcreated")
	for _, info := range infos {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s (%s)\n",
			info.Level,
			info.MinTXID,
			info.MaxTXID,
			humanize.Bytes(uint64(info.Size)),
			info.CreatedAt.Format(time.RFC3339),
			humanize.Time(info.CreatedAt),
		)
	}
	return nil
}

// client returns the replica client for a URL or a replica VFS in the
// config. An empty name selects the default VFS.
func (c *LTXCommand) client(configPath string, expandEnv bool, name string) (replica.Client, error) {
	if replica.IsURL(name) {
		return replica.NewClientFromURL(name)
	}

	config, err := c.Main.loadConfig(configPath, expandEnv)
	if err != nil {
		return nil, err
	}

	var vc *VFSConfig
	if name != "" {
		vc, err = config.FindVFS(name)
	} else {
		vc, err = config.DefaultVFS()
	}
	if err != nil {
		return nil, err
	} else if vc.Type != VFSTypeReplica {
		return nil, fmt.Errorf("vfs %q is not a replica vfs", vc.Name)
	}
	return NewReplicaClientFromConfig(vc)
}

// dumpPage prints the most recent copy of pgno across infos.
func (c *LTXCommand) dumpPage(ctx context.Context, client replica.Client, infos []*ltx.FileInfo, pgno uint32) error {
	var elem ltx.PageIndexElem
	var found bool
	for _, info := range infos {
		idx, err := replica.FetchPageIndex(ctx, client, info)
		if err != nil {
			return fmt.Errorf("fetch page index %s-%s: %w", info.MinTXID, info.MaxTXID, err)
		}
		if e, ok := idx[pgno]; ok {
			elem, found = e, true
		}
	}
	if !found {
		return errors.New("page not found")
	}

	hdr, data, err := replica.FetchPage(ctx, client, elem)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.Main.Stdout, "page %d (txid %s-%s, %d bytes)\n", hdr.Pgno, elem.MinTXID, elem.MaxTXID, len(data))
	if pageSize, err := sqlite.PageSize(data); err == nil {
		pageCount, _ := sqlite.PageCount(data)
		fmt.Fprintf(c.Main.Stdout, "sqlite header: page_size=%d page_count=%d wal=%v\n", pageSize, pageCount, sqlite.IsWALEnabled(data))
	}
	fmt.Fprint(c.Main.Stdout, internal.Hexdump(data))
	return nil
}

// Usage prints the help screen to STDOUT.
func (c *LTXCommand) Usage() {
	fmt.Fprintf(c.Main.Stdout, `
The ltx command lists all LTX files in a replica.

Usage:

	litevfs ltx [arguments] [VFS_NAME | REPLICA_URL]

Arguments:

	-config PATH
	    Specifies the configuration file.
	    Defaults to %s

	-no-expand-env
	    Disables environment variable expansion in configuration file.

	-level N
	    Lists files at this compaction level. Defaults to 0.

	-page PGNO
	    Prints a hexdump of the latest version of a page instead.

Examples:

	# List LTX files for the default replica VFS.
	$ litevfs ltx

	# List LTX files in an S3 replica.
	$ litevfs ltx s3://mybkt/db

	# Dump page 1 of a local replica.
	$ litevfs ltx -page 1 file:///var/lib/replica

`[1:],
		DefaultConfigPath(),
	)
}
