package main

import (
	"context"

	"github.com/jvbergen/backupd/backup"
)

func cmdReindex(c *cmd) {
	c.params = "data-file"
	c.help = `Rebuild the index of a backup from its data file.

The old index is kept as .index.old and restored if the rebuild fails. A
data file with a corrupt tail fails with the offset of the last complete
chunk; truncate the file there and run reindex again to recover everything
before the damage.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	err := backup.Reindex(context.Background(), args[0])
	c.xcheckf(err, "reindexing %s", args[0])
}
