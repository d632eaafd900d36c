package main

import (
	"context"
	"fmt"

	"github.com/jvbergen/backupd/backup"
)

func cmdPaths(c *cmd) {
	c.params = "userid"
	c.help = `Print the backup file pair for a user, creating it on first use.

The user is looked up in the backups database under the configured data
directory. Unknown users get a fresh, uniquely named data file.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	cfg := c.xconfig()

	dataPath, indexPath, err := backup.ResolvePaths(context.Background(), cfg, args[0])
	c.xcheckf(err, "resolving paths for %q", args[0])
	fmt.Printf("data: %s\nindex: %s\n", dataPath, indexPath)
}
