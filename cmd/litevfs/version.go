package main

import (
	"context"
	"flag"
	"fmt"
)

// VersionCommand represents a command to print the current version.
type VersionCommand struct {
	Main *Main
}

// Run executes the command.
func (c *VersionCommand) Run(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("litevfs-version", flag.ContinueOnError)
	fs.Usage = c.Usage
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintln(c.Main.Stdout, "litevfs "+Version)
	return nil
}

// Usage prints the help screen to STDOUT.
func (c *VersionCommand) Usage() {
	fmt.Fprintln(c.Main.Stdout, `
Prints the version.

Usage:

	litevfs version
`[1:])
}
