package main

import (
	"context"
	"fmt"

	"github.com/jvbergen/backupd/backup"
)

func cmdDump(c *cmd) {
	c.params = "data-file mboxname"
	c.help = `Print a mailbox and its records as a replication key/value list.

The output is the MAILBOX command payload a restore would send to a
replica, rebuilt from the index.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	ctx := context.Background()

	b, err := backup.OpenPaths(ctx, args[0], "")
	c.xcheckf(err, "opening backup")
	defer func() {
		err := b.Close()
		c.xcheckf(err, "closing backup")
	}()

	mb, err := b.MailboxByName(ctx, args[1], true)
	c.xcheckf(err, "looking up mailbox %q", args[1])
	dl, err := mb.Dlist()
	c.xcheckf(err, "building key/value list")
	fmt.Printf("%s %s\n", dl.Name, dl.String())
}
