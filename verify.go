package main

import (
	"context"
	"fmt"
	"os"

	bolt "go.etcd.io/bbolt"

	"github.com/jvbergen/backupd/backup"
)

func cmdVerify(c *cmd) {
	c.params = "data-file"
	c.help = `Verify a backup pair end to end.

The index file is first checked at the database level. Then the backup is
opened, which validates the latest chunk, and every finalized chunk is
checked against the data file: the checksum of all bytes before the chunk,
and the length and checksum of its decompressed content. The last chunk must
end exactly at the end of the data file.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	dataPath := args[0]
	indexPath := dataPath + ".index"
	ctx := context.Background()

	// Database-level check first: bolt keeps an exclusive lock per open, so
	// this runs before the backup session opens the index.
	if _, err := os.Stat(indexPath); err == nil {
		bdb, err := bolt.Open(indexPath, 0600, nil)
		c.xcheckf(err, "opening index with bolt")
		err = bdb.View(func(tx *bolt.Tx) error {
			var cerr error
			for err := range tx.Check() {
				if cerr == nil {
					cerr = err
				}
			}
			return cerr
		})
		c.xcheckf(err, "checking index database")
		err = bdb.Close()
		c.xcheckf(err, "closing index database")
	}

	b, err := backup.OpenPaths(ctx, dataPath, "")
	c.xcheckf(err, "opening backup")
	defer func() {
		err := b.Close()
		c.xcheckf(err, "closing backup")
	}()

	err = b.Verify(ctx)
	c.xcheckf(err, "verifying chunks")

	chunks, err := b.Chunks(ctx)
	c.xcheckf(err, "listing chunks")
	fmt.Printf("%s: OK, %d chunks\n", dataPath, len(chunks))
}
