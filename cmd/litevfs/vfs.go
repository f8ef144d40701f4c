package main

import (
	"context"
	"flag"
	"fmt"
	"text/tabwriter"

	"github.com/benbjohnson/litevfs"
)

// VFSCommand lists the VFS definitions in the config file.
type VFSCommand struct {
	Main *Main
}

// Run executes the command.
func (c *VFSCommand) Run(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("litevfs-vfs", flag.ContinueOnError)
	configPath, noExpandEnv := registerConfigFlag(fs)
	fs.Usage = c.Usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() != 0 {
		return fmt.Errorf("too many arguments")
	}

	config, err := c.Main.loadConfig(*configPath, !*noExpandEnv)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.Main.Stdout, 0, 8, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	fmt.Fprintln(w, "name\ttype\tdefault\tlocation\tstatus")
	for _, vc := range config.VFS {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", vc.Name, vc.Type, vc.Default, location(vc), checkVFS(vc))
	}
	return nil
}

// checkVFS builds and registers vc, then releases it again.
func checkVFS(vc *VFSConfig) string {
	fsys, closeFS, err := NewFileSystemFromConfig(vc)
	if err != nil {
		return "error: " + err.Error()
	}
	defer func() { _ = closeFS() }()

	reg, err := litevfs.Acquire(vc.Name, fsys, false)
	if err != nil {
		return "error: " + err.Error()
	}
	if err := reg.Close(); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func location(vc *VFSConfig) string {
	switch {
	case vc.URL != "":
		return vc.URL
	case vc.Replica != nil && vc.Replica.URL != "":
		return vc.Replica.URL
	case vc.Replica != nil:
		return vc.Replica.Type
	case vc.Path != "":
		return vc.Path
	default:
		return "-"
	}
}

// Usage prints the help screen to STDOUT.
func (c *VFSCommand) Usage() {
	fmt.Fprintf(c.Main.Stdout, `
The vfs command lists the VFS definitions in the configuration file and
checks that each one can be registered.

Usage:

	litevfs vfs [arguments]

Arguments:

	-config PATH
	    Specifies the configuration file.
	    Defaults to %s

	-no-expand-env
	    Disables environment variable expansion in configuration file.

`[1:],
		DefaultConfigPath(),
	)
}
