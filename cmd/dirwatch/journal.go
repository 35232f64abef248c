package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dirwatch/dirwatch/journal"
)

// JournalCommand lists entries recorded in the event journal.
type JournalCommand struct{}

// Run executes the journal command.
func (c *JournalCommand) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dirwatch-journal", flag.ContinueOnError)
	dbPath := fs.String("db", "", "path of the SQLite event journal")
	since := fs.Duration("since", 0, "only list events newer than this age")
	prefix := fs.String("path", "", "only list events under this path prefix")
	limit := fs.Int("n", 0, "maximum number of entries to list")
	fs.Usage = c.Usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if *dbPath == "" {
		return fmt.Errorf("-db required")
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments")
	}

	j, err := journal.Open(*dbPath)
	if err != nil {
		return err
	}
	defer j.Close()

	opt := journal.ListOptions{PathPrefix: *prefix, Limit: *limit}
	if *since > 0 {
		opt.Since = time.Now().Add(-*since)
	}

	entries, err := j.List(ctx, opt)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		fmt.Printf("%-20s %-30s %s\n", humanize.Time(entry.Timestamp), entry.Flags, entry.Path)
	}
	return nil
}

// Usage prints the help message to STDOUT.
func (c *JournalCommand) Usage() {
	fmt.Println(`
The journal command lists change events recorded by "dirwatch watch
-journal PATH", oldest first.

Usage:

	dirwatch journal -db PATH [arguments]

Arguments:

	-db PATH
	    Specifies the journal database file. Required.

	-since DURATION
	    Only lists events recorded within the given age, e.g. 1h.

	-path PREFIX
	    Only lists events for paths under the given prefix.

	-n COUNT
	    Limits the number of listed entries.
`[1:])
}
