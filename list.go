package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jvbergen/backupd/backup"
)

func cmdList(c *cmd) {
	c.params = "data-file"
	c.help = `List the chunks and mailboxes of a backup.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	ctx := context.Background()

	b, err := backup.OpenPaths(ctx, args[0], "")
	c.xcheckf(err, "opening backup")
	defer func() {
		err := b.Close()
		c.xcheckf(err, "closing backup")
	}()

	chunks, err := b.Chunks(ctx)
	c.xcheckf(err, "listing chunks")
	fmt.Printf("%8s %20s %12s %12s\n", "chunk", "start", "offset", "length")
	for _, ch := range chunks {
		fmt.Printf("%8d %20s %12d %12d\n", ch.ID, time.Unix(ch.TSStart, 0).UTC().Format(time.RFC3339), ch.Offset, ch.Length)
	}

	err = b.MailboxForeach(ctx, 0, false, func(mb backup.Mailbox) error {
		state := "live"
		if mb.Deleted != 0 {
			state = "deleted"
		}
		fmt.Printf("mailbox %s uniqueid %s uidvalidity %d last_uid %d (%s)\n", mb.MboxName, mb.UniqueID, mb.UIDValidity, mb.LastUID, state)
		return nil
	})
	c.xcheckf(err, "listing mailboxes")
}
