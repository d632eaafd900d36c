package backup

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sys/unix"

	"github.com/mjl-/bstore"

	"github.com/jvbergen/backupd/dlist"
)

// appendState is the single active append of a session: the compressed
// writer on the data file, the running hash and byte count of the chunk
// content, and the open index transaction the chunk row lives in.
type appendState struct {
	indexOnly bool
	noflush   bool
	gzf       *os.File // Duplicated data fd, nil in index-only mode.
	gz        *gzip.Writer
	sha       hash.Hash
	wrote     int64
	lastTS    int64
	chunkID   int64
	tx        *bstore.Tx
}

// AppendStart begins a new chunk at the end of the data file: it writes the
// chunk header line to a fresh gzip member and inserts the chunk row in a
// new index transaction. With noflush, commands are not flushed to disk
// individually; a crash can then lose commands appended since the previous
// flush.
//
// Starting an append while one is active is a contract violation and aborts
// the process.
func (b *Backup) AppendStart(ctx context.Context, noflush bool) error {
	offset, err := b.f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seeking to end of data file: %w", err)
	}
	fileSHA1, err := sha1File(b.f, offset)
	if err != nil {
		return err
	}
	return b.appendStart(ctx, time.Now().Unix(), offset, fileSHA1, false, noflush)
}

func (b *Backup) appendStart(ctx context.Context, ts, offset int64, fileSHA1 string, indexOnly, noflush bool) error {
	if b.app != nil {
		xlog.Fatal("append already started")
	}

	st := &appendState{
		indexOnly: indexOnly,
		noflush:   noflush,
		sha:       sha1.New(),
		lastTS:    ts,
	}

	header := fmt.Sprintf("# cyrus backup: chunk start %d\r\n", ts)

	if !indexOnly {
		// A duplicated fd keeps the compressed writer's lifetime separate
		// from the locked session fd. The O_APPEND of the original open is
		// shared, writes go to the end of the file.
		fd, err := unix.Dup(int(b.f.Fd()))
		if err != nil {
			return fmt.Errorf("dup data fd: %w", err)
		}
		st.gzf = os.NewFile(uintptr(fd), b.dataPath)
		st.gz = gzip.NewWriter(st.gzf)
		if _, err := st.gz.Write([]byte(header)); err != nil {
			st.gzf.Close()
			return fmt.Errorf("writing chunk header: %w", err)
		}
		if !noflush {
			if err := st.gz.Flush(); err != nil {
				st.gzf.Close()
				return fmt.Errorf("flushing chunk header: %w", err)
			}
		}
		st.sha.Write([]byte(header))
		st.wrote = int64(len(header))
	}

	tx, err := b.db.Begin(ctx, true)
	if err != nil {
		if st.gzf != nil {
			st.gzf.Close()
		}
		return fmt.Errorf("%w: starting index transaction: %v", ErrInternal, err)
	}
	c := Chunk{TSStart: ts, Offset: offset, FileSHA1: fileSHA1}
	if err := tx.Insert(&c); err != nil {
		tx.Rollback()
		if st.gzf != nil {
			st.gzf.Close()
		}
		return fmt.Errorf("%w: inserting chunk row: %v", ErrInternal, err)
	}
	st.tx = tx
	st.chunkID = c.ID
	b.app = st
	return nil
}

// appendStartIndexOnly is appendStart for reindexing: no data is written and
// the chunk hash starts empty, to be fed the raw member lines as read.
func (b *Backup) appendStartIndexOnly(ctx context.Context, ts, offset int64, fileSHA1 string) error {
	return b.appendStart(ctx, ts, offset, fileSHA1, true, false)
}

// Append writes one command line "<ts> APPLY <payload>\r\n" to the active
// chunk and indexes it. Unless the append was started with noflush, the
// compressed stream is fully flushed before returning, so a crash after the
// return loses none of the commands appended so far.
func (b *Backup) Append(ctx context.Context, dl *dlist.Dlist, ts int64) error {
	if b.app == nil {
		xlog.Fatal("append not started")
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d APPLY ", ts)
	dl.PackNamed(&buf)
	buf.WriteString("\r\n")

	start := b.app.wrote
	if err := b.writeRaw(buf.Bytes(), ts); err != nil {
		metricCommands.WithLabelValues("error").Inc()
		return err
	}
	if err := b.indexCommand(ctx, dl, ts, start); err != nil {
		metricCommands.WithLabelValues("error").Inc()
		return err
	}
	metricCommands.WithLabelValues("ok").Inc()
	return nil
}

// writeRaw accounts one line of chunk content: it extends the running hash
// and byte count, and writes the bytes to the compressed stream when not in
// index-only mode.
func (b *Backup) writeRaw(line []byte, ts int64) error {
	st := b.app
	st.sha.Write(line)
	if !st.indexOnly {
		if _, err := st.gz.Write(line); err != nil {
			return fmt.Errorf("writing command: %w", err)
		}
		if !st.noflush {
			if err := st.gz.Flush(); err != nil {
				return fmt.Errorf("flushing command: %w", err)
			}
		}
	}
	st.wrote += int64(len(line))
	st.lastTS = ts
	return nil
}

// AppendEnd finalizes the active chunk: it closes the compressed member,
// fills in the chunk row's terminal fields and commits the index
// transaction.
func (b *Backup) AppendEnd(ctx context.Context) error {
	if b.app == nil {
		xlog.Fatal("append not started")
	}
	st := b.app
	b.app = nil

	if !st.indexOnly {
		err := st.gz.Close()
		xerr := st.gzf.Close()
		if err == nil {
			err = xerr
		}
		if err != nil {
			st.tx.Rollback()
			metricChunks.WithLabelValues("error").Inc()
			return fmt.Errorf("closing chunk writer: %w", err)
		}
	}

	c := Chunk{ID: st.chunkID}
	if err := st.tx.Get(&c); err != nil {
		st.tx.Rollback()
		metricChunks.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: chunk row disappeared: %v", ErrInternal, err)
	}
	c.TSEnd = st.lastTS
	c.Length = st.wrote
	c.DataSHA1 = hex.EncodeToString(st.sha.Sum(nil))
	if err := st.tx.Update(&c); err != nil {
		st.tx.Rollback()
		metricChunks.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: finalizing chunk row: %v", ErrInternal, err)
	}
	if err := st.tx.Commit(); err != nil {
		// The chunk row is gone but its gzip member is on disk. The next
		// open rejects the file until reindex or truncation to the chunk
		// offset.
		metricChunks.WithLabelValues("error").Inc()
		return fmt.Errorf("committing index transaction: %w", err)
	}
	metricChunks.WithLabelValues("ok").Inc()
	return nil
}

// AppendAbort rolls back the index transaction of the active append. Bytes
// already written and flushed remain in the data file as an unfinished,
// un-indexed trailing member; the next open will require reindex or
// truncation.
func (b *Backup) AppendAbort(ctx context.Context) error {
	if b.app == nil {
		xlog.Fatal("append not started")
	}
	st := b.app
	b.app = nil

	err := st.tx.Rollback()
	if st.gzf != nil {
		// Close the fd without closing the gzip writer: finishing the
		// member would make the aborted commands look complete to a later
		// reindex.
		xerr := st.gzf.Close()
		if err == nil {
			err = xerr
		}
	}
	metricChunks.WithLabelValues("aborted").Inc()
	return err
}

// sha1File returns the hex SHA-1 of f's bytes [0, limit).
func sha1File(f *os.File, limit int64) (string, error) {
	h := sha1.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, limit)); err != nil {
		return "", fmt.Errorf("hashing data file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
