package backup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jvbergen/backupd/config"
)

func TestResolvePaths(t *testing.T) {
	dir := filepath.Join("../testdata/backup", t.Name())
	tcheck(t, os.RemoveAll(dir), "cleaning test dir")
	tcheck(t, os.MkdirAll(dir, 0700), "creating test dir")
	cfg := config.Config{DataDir: dir, BackupsDBPath: filepath.Join(dir, "backups.db")}

	dataPath, indexPath, err := ResolvePaths(ctxbg, cfg, "user@example.org")
	tcheck(t, err, "resolve")
	if indexPath != dataPath+".index" {
		t.Fatalf("index path %q for data path %q", indexPath, dataPath)
	}
	if !strings.HasPrefix(filepath.Base(dataPath), "user@example.org_") {
		t.Fatalf("data path %q not named after user", dataPath)
	}
	if _, err := os.Stat(dataPath); err != nil {
		t.Fatalf("data file not created: %v", err)
	}

	// Same user resolves to the same file; another user gets another file.
	dataPath2, _, err := ResolvePaths(ctxbg, cfg, "user@example.org")
	tcheck(t, err, "resolve again")
	if dataPath2 != dataPath {
		t.Fatalf("resolved %q then %q", dataPath, dataPath2)
	}
	other, _, err := ResolvePaths(ctxbg, cfg, "other@example.org")
	tcheck(t, err, "resolve other user")
	if other == dataPath {
		t.Fatalf("distinct users share %q", other)
	}

	// The resolved pair opens as an empty backup.
	b, err := Open(ctxbg, cfg, "user@example.org")
	tcheck(t, err, "open by user")
	tcheck(t, b.Close(), "close")
}

func TestResolvePathsNoConfig(t *testing.T) {
	_, _, err := ResolvePaths(ctxbg, config.Config{}, "user@example.org")
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
