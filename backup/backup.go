// Package backup implements per-user backup storage for a replication-style
// mail server.
//
// Each user is backed by two files: a data file holding a linear history of
// replication commands, and an index giving random access to the mailboxes,
// messages and chunk boundaries inside it.
//
// The data file is a concatenation of independent gzip members. Each member
// is one chunk: a header line followed by timestamped command lines. The
// index records, per chunk, the byte offset of its member, the length and
// SHA-1 of its decompressed content, and the SHA-1 of all file bytes before
// it, so the pair can be checked end to end and the index can always be
// rebuilt from the data file alone.
//
// A session owns the locked data file descriptor, the index handle and at
// most one active append. Appends drive the data file and the index in a
// single logical transaction: the chunk row is inserted when the append
// starts, commands update both stores in call order, and the transaction
// commits only after the compressed member has been closed.
package backup

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/mjl-/bstore"

	"github.com/jvbergen/backupd/config"
	"github.com/jvbergen/backupd/mlog"
)

var xlog = mlog.New("backup")

// Backup is an open session over one {data, index} pair. The exclusive file
// lock on the data file serializes sessions across processes; within a
// session there is no concurrency.
type Backup struct {
	dataPath     string
	indexPath    string
	oldIndexPath string // Set in reindex mode, until close.
	f            *os.File
	db           *bstore.DB
	app          *appendState
}

// Open opens the backup for a user, resolving the file pair through the
// user→path mapping, creating it on first use. The data file is locked
// exclusively and validated end to end.
func Open(ctx context.Context, cfg config.Config, userid string) (*Backup, error) {
	dataPath, indexPath, err := ResolvePaths(ctx, cfg, userid)
	if err != nil {
		return nil, err
	}
	return OpenPaths(ctx, dataPath, indexPath)
}

// OpenPaths opens the backup at dataPath. If indexPath is empty it is
// derived by appending ".index". The data file is locked exclusively and
// validated end to end.
func OpenPaths(ctx context.Context, dataPath, indexPath string) (*Backup, error) {
	if indexPath == "" {
		indexPath = dataPath + ".index"
	}
	b, err := openInternal(ctx, dataPath, indexPath, false)
	if err != nil {
		return nil, err
	}
	if err := b.validate(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// OpenReindex opens the backup at dataPath for reindexing: the old index is
// moved aside to "<index>.old" and a fresh one is created, while holding the
// lock. No validation is run.
func OpenReindex(ctx context.Context, dataPath string) (*Backup, error) {
	return openInternal(ctx, dataPath, dataPath+".index", true)
}

func openInternal(ctx context.Context, dataPath, indexPath string, reindex bool) (rb *Backup, rerr error) {
	b := &Backup{dataPath: dataPath, indexPath: indexPath}

	var err error
	b.f, err = os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening data file: %w", err)
	}
	defer func() {
		if rerr != nil {
			b.f.Close()
		}
	}()

	// Blocking exclusive lock, the single-writer guarantee across
	// processes. Closing the fd releases it.
	if err := unix.Flock(int(b.f.Fd()), unix.LOCK_EX); err != nil {
		return nil, fmt.Errorf("locking data file: %w", err)
	}

	if reindex {
		old := indexPath + ".old"
		if err := os.Rename(indexPath, old); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("moving old index aside: %w", err)
		}
		b.oldIndexPath = old
	} else {
		st, err := b.f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat data file: %w", err)
		}
		if st.Size() > 0 {
			ist, err := os.Stat(indexPath)
			if err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("stat index file: %w", err)
			}
			if err != nil || ist.Size() == 0 {
				return nil, fmt.Errorf("%w: data file has %d bytes but index is missing or empty", ErrReindexRequired, st.Size())
			}
		}
	}

	b.db, err = bstore.Open(ctx, indexPath, &bstore.Options{Perm: 0600}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	return b, nil
}

// DataPath returns the path of the data file.
func (b *Backup) DataPath() string {
	return b.dataPath
}

// IndexPath returns the path of the index file.
func (b *Backup) IndexPath() string {
	return b.indexPath
}

// Close ends an active append, closes the index and releases the lock and
// data fd. The first error encountered is returned, but all steps run.
func (b *Backup) Close() error {
	var rerr error

	if b.app != nil {
		if err := b.AppendEnd(context.Background()); err != nil && rerr == nil {
			rerr = err
		}
	}

	if b.db != nil {
		err := b.db.Close()
		b.db = nil
		if err != nil {
			if rerr == nil {
				rerr = err
			}
			if b.oldIndexPath != "" {
				// The rewritten index did not survive, put the old one back.
				xerr := os.Rename(b.oldIndexPath, b.indexPath)
				xlog.Check(xerr, "restoring old index", mlog.Field("path", b.indexPath))
			}
		}
	}

	if b.f != nil {
		err := b.f.Close()
		b.f = nil
		if err != nil && rerr == nil {
			rerr = err
		}
	}
	return rerr
}

// closeRestore closes the session and puts the old index back, for a failed
// reindex.
func (b *Backup) closeRestore() {
	if b.app != nil {
		app := b.app
		b.app = nil
		err := app.tx.Rollback()
		xlog.Check(err, "rolling back index transaction")
	}
	if b.db != nil {
		err := b.db.Close()
		b.db = nil
		xlog.Check(err, "closing index")
	}
	if b.oldIndexPath != "" {
		if err := os.Remove(b.indexPath); err != nil && !os.IsNotExist(err) {
			xlog.Errorx("removing failed index", err, mlog.Field("path", b.indexPath))
		}
		if err := os.Rename(b.oldIndexPath, b.indexPath); err != nil && !os.IsNotExist(err) {
			xlog.Errorx("restoring old index", err, mlog.Field("path", b.indexPath))
		}
	}
	if b.f != nil {
		err := b.f.Close()
		b.f = nil
		xlog.Check(err, "closing data file")
	}
}

// dataSize returns the current size of the data file.
func (b *Backup) dataSize() (int64, error) {
	st, err := b.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat data file: %w", err)
	}
	return st.Size(), nil
}
