package backup

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mjl-/bstore"

	"github.com/jvbergen/backupd/bkio"
	"github.com/jvbergen/backupd/config"
	"github.com/jvbergen/backupd/mlog"
)

// Location maps a user to their backup data file. Stored in the backups
// database, created on demand.
type Location struct {
	UserID   string
	DataPath string `bstore:"nonzero"`
}

// LocationDBTypes are the types stored in the backups database.
var LocationDBTypes = []any{Location{}}

// ResolvePaths maps a user to their {data, index} file pair, creating a new
// unique data file and recording it on first use. The mapping database is
// opened for the lookup and closed again.
func ResolvePaths(ctx context.Context, cfg config.Config, userid string) (dataPath, indexPath string, rerr error) {
	if cfg.DataDir == "" {
		return "", "", fmt.Errorf("%w: no data directory configured", ErrConfig)
	}

	db, err := bstore.Open(ctx, cfg.BackupsDB(), &bstore.Options{Perm: 0600}, LocationDBTypes...)
	if err != nil {
		return "", "", fmt.Errorf("opening backups database: %w", err)
	}
	defer func() {
		err := db.Close()
		xlog.Check(err, "closing backups database")
	}()

	loc := Location{UserID: userid}
	err = db.Get(ctx, &loc)
	if err == bstore.ErrAbsent {
		loc.DataPath, err = makePath(cfg, userid)
		if err != nil {
			return "", "", err
		}
		if err := db.Insert(ctx, &loc); err != nil {
			// Not recorded, so the file will never be used.
			xerr := os.Remove(loc.DataPath)
			xlog.Check(xerr, "removing unrecorded backup file", mlog.Field("path", loc.DataPath))
			return "", "", fmt.Errorf("recording backup location: %w", err)
		}
		xlog.Info("new backup location", mlog.Field("userid", userid), mlog.Field("path", loc.DataPath))
	} else if err != nil {
		return "", "", fmt.Errorf("looking up backup location: %w", err)
	}

	if loc.DataPath == "" {
		return "", "", fmt.Errorf("%w: empty backup path for user %q", ErrInternal, userid)
	}
	return loc.DataPath, loc.DataPath + ".index", nil
}

// makePath creates a new, unique backup data file for the user under
// "<DataDir>/<2-char-hash>/<userid>_<random>". The file is kept: as long as
// it exists, the same name cannot be handed out again.
func makePath(cfg config.Config, userid string) (string, error) {
	sum := sha1.Sum([]byte(userid))
	dir := filepath.Join(cfg.DataDir, hex.EncodeToString(sum[:1]))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}
	f, err := os.CreateTemp(dir, userid+"_*")
	if err != nil {
		return "", fmt.Errorf("creating backup file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing new backup file: %w", err)
	}
	if err := bkio.SyncDir(dir); err != nil {
		return "", fmt.Errorf("syncing backup directory: %w", err)
	}
	return path, nil
}
