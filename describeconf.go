package main

import (
	"os"

	"github.com/mjl-/sconf"

	"github.com/jvbergen/backupd/config"
)

func cmdDescribeconf(c *cmd) {
	c.help = `Print an annotated example configuration file.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	cfg := config.Config{DataDir: "data"}
	err := sconf.Describe(os.Stdout, &cfg)
	c.xcheckf(err, "describing config")
}
