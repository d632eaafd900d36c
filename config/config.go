// Package config holds the backupd configuration, parsed from a file in
// sconf format.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mjl-/sconf"
)

// Config is the configuration of backupd, from backupd.conf.
type Config struct {
	DataDir       string `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where per-user backup data files and their indices are stored, in subdirectories by hashed user id. If this is a relative path, it is relative to the directory of backupd.conf."`
	BackupsDBPath string `sconf:"optional" sconf-doc:"Path to the database mapping user ids to their backup data file. Default: backups.db in the directory of backupd.conf."`
	LogLevel      string `sconf:"optional" sconf-doc:"Log level: error, info or debug. Default error."`

	Dir string `sconf:"-"` // Directory of the config file.
}

// Load reads and parses the configuration at path. A relative DataDir
// becomes relative to the directory of the file; BackupsDBPath is used as
// given.
func Load(path string) (Config, error) {
	var c Config
	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()
	if err := sconf.Parse(f, &c); err != nil {
		return c, fmt.Errorf("parsing %s: %w", path, err)
	}
	c.Dir = filepath.Dir(path)
	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(c.Dir, c.DataDir)
	}
	return c, nil
}

// BackupsDB returns the path to the user→backup mapping database.
func (c Config) BackupsDB() string {
	if c.BackupsDBPath != "" {
		return c.BackupsDBPath
	}
	dir := c.Dir
	if dir == "" {
		dir = c.DataDir
	}
	return filepath.Join(dir, "backups.db")
}
