package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jvbergen/backupd/dlist"
	"github.com/jvbergen/backupd/gzuncat"
	"github.com/jvbergen/backupd/mlog"
)

// Reindex rebuilds the index of the backup at dataPath from the data file
// alone. The data file is locked exclusively, the old index is kept as
// "<index>.old" and restored if the rebuild fails. On failure the returned
// error includes the end offset of the last complete member; truncating the
// data file there and rerunning reindex recovers everything before the
// damage.
func Reindex(ctx context.Context, dataPath string) error {
	b, err := OpenReindex(ctx, dataPath)
	if err != nil {
		metricReindex.WithLabelValues("error").Inc()
		return err
	}

	lastGood, err := b.reindex(ctx)
	if err != nil {
		// The partial chunk rolls back, the old index comes back.
		b.closeRestore()
		metricReindex.WithLabelValues("error").Inc()
		return fmt.Errorf("reindex failed, last complete member ends at offset %d: %w", lastGood, err)
	}

	if err := b.Close(); err != nil {
		metricReindex.WithLabelValues("error").Inc()
		return err
	}
	metricReindex.WithLabelValues("ok").Inc()
	return nil
}

// reindex scans the data file member by member, replaying command lines in
// index-only appends. It returns the end offset of the last member fully
// indexed.
func (b *Backup) reindex(ctx context.Context) (lastGood int64, rerr error) {
	gzuc := gzuncat.New(b.f)
	prevTS := int64(-1)

	for !gzuc.EOF() {
		if err := gzuc.MemberStart(); err != nil {
			return lastGood, reindexErr(err)
		}
		offset := gzuc.MemberOffset()
		xlog.Debug("reindexing chunk", mlog.Field("offset", offset))

		memberTS, err := b.reindexMember(ctx, gzuc, offset, prevTS)
		if err != nil {
			return lastGood, err
		}

		if err := b.AppendEnd(ctx); err != nil {
			return lastGood, err
		}
		if err := gzuc.MemberEnd(); err != nil {
			return lastGood, reindexErr(err)
		}
		lastGood = gzuc.MemberOffset()
		prevTS = memberTS
	}
	return lastGood, nil
}

// reindexMember replays the lines of one member. The member timestamp comes
// from the chunk header line, or from the first command line for members
// without one. Only APPLY commands are indexed; all lines count towards the
// chunk's length and content checksum.
func (b *Backup) reindexMember(ctx context.Context, gzuc *gzuncat.Reader, offset, prevTS int64) (int64, error) {
	dr := dlist.NewReader(gzuc)
	memberTS := int64(-1)
	lineTS := int64(-1)

	// Lines read before the member timestamp is known, replayed into the
	// chunk once the index-only append has started.
	var pending [][]byte

	start := func(ts int64) error {
		if prevTS != -1 && ts < prevTS {
			return fmt.Errorf("%w: chunk timestamp %d older than previous chunk %d", ErrData, ts, prevTS)
		}
		memberTS = ts
		lineTS = ts
		fileSHA1, err := sha1File(b.f, offset)
		if err != nil {
			return err
		}
		if err := b.appendStartIndexOnly(ctx, ts, offset, fileSHA1); err != nil {
			return err
		}
		for _, raw := range pending {
			if err := b.writeRaw(raw, ts); err != nil {
				return err
			}
		}
		pending = nil
		return nil
	}

	for {
		line, err := dr.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return memberTS, reindexErr(err)
		}

		if line.KV == nil {
			if memberTS == -1 {
				if ts, ok := parseChunkHeader(line.Comment); ok {
					if err := start(ts); err != nil {
						return memberTS, err
					}
					if err := b.writeRaw(line.Raw, ts); err != nil {
						return memberTS, err
					}
					continue
				}
				pending = append(pending, line.Raw)
				continue
			}
			if err := b.writeRaw(line.Raw, lineTS); err != nil {
				return memberTS, err
			}
			continue
		}

		if memberTS == -1 {
			if err := start(line.TS); err != nil {
				return memberTS, err
			}
		} else if line.TS < lineTS {
			return memberTS, fmt.Errorf("%w: line timestamp %d older than previous %d", ErrData, line.TS, lineTS)
		}
		lineTS = line.TS

		if err := b.writeRaw(line.Raw, line.TS); err != nil {
			return memberTS, err
		}
		if !strings.EqualFold(line.Verb, "APPLY") {
			continue
		}
		line.KV.Name = strings.ToUpper(line.KV.Name)
		if err := b.indexCommand(ctx, line.KV, line.TS, 0); err != nil {
			return memberTS, err
		}
	}

	if memberTS == -1 {
		return memberTS, fmt.Errorf("%w: chunk at offset %d has no header or command line", ErrData, offset)
	}
	return memberTS, nil
}

// parseChunkHeader extracts the timestamp from a chunk header comment, the
// text after '#' of a "# cyrus backup: chunk start <ts>" line.
func parseChunkHeader(comment string) (int64, bool) {
	const p = " cyrus backup: chunk start "
	if !strings.HasPrefix(comment, p) {
		return 0, false
	}
	ts, err := strconv.ParseInt(comment[len(p):], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

func reindexErr(err error) error {
	if errors.Is(err, gzuncat.ErrCorrupt) {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if errors.Is(err, dlist.ErrParse) {
		return fmt.Errorf("%w: %v", ErrData, err)
	}
	return err
}
