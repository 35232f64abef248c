package main

import (
	"context"
	"flag"
	"fmt"
)

// VersionCommand represents a command to print the current version.
type VersionCommand struct{}

// Run executes the version command.
func (c *VersionCommand) Run(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("dirwatch-version", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Println(`
The version command prints the binary version.

Usage:

	dirwatch version
`[1:])
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println(Version)
	return nil
}
