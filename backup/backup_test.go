package backup

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/jvbergen/backupd/dlist"
	"github.com/jvbergen/backupd/gzuncat"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// testPath returns a fresh data file path for the test.
func testPath(t *testing.T) string {
	t.Helper()
	dir := filepath.Join("../testdata/backup", t.Name())
	tcheck(t, os.RemoveAll(dir), "cleaning test dir")
	tcheck(t, os.MkdirAll(dir, 0700), "creating test dir")
	return filepath.Join(dir, "u")
}

func mailboxKV(uniqueid, mboxname string, lastUID uint32) *dlist.Dlist {
	dl := dlist.NewKVList("MAILBOX")
	dl.SetAtom("UNIQUEID", uniqueid)
	dl.SetAtom("MBOXNAME", mboxname)
	dl.SetNum32("LAST_UID", lastUID)
	return dl
}

func messageKV(partition string, data []byte) *dlist.Dlist {
	dl := dlist.NewList("MESSAGE")
	dl.AddFile(partition, dlist.MakeGUID(data), data)
	return dl
}

// chunkContent decompresses the member at offset in the data file.
func chunkContent(t *testing.T, path string, offset int64) []byte {
	t.Helper()
	f, err := os.Open(path)
	tcheck(t, err, "opening data file")
	defer f.Close()
	r := gzuncat.New(f)
	tcheck(t, r.MemberStartFrom(offset), "starting member")
	buf, err := io.ReadAll(r)
	tcheck(t, err, "reading member")
	tcheck(t, r.MemberEnd(), "ending member")
	return buf
}

func TestEmptyRoundTrip(t *testing.T) {
	p := testPath(t)

	b, err := OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open")
	st, err := os.Stat(p)
	tcheck(t, err, "stat data file")
	if st.Size() != 0 {
		t.Fatalf("new data file has %d bytes", st.Size())
	}
	if _, err := os.Stat(p + ".index"); err != nil {
		t.Fatalf("index file: %v", err)
	}
	if _, err := b.LatestChunk(ctxbg); err != bstore.ErrAbsent {
		t.Fatalf("latest chunk on empty backup: %v", err)
	}
	tcheck(t, b.Close(), "close")

	// Open and close without appends changes nothing.
	b, err = OpenPaths(ctxbg, p, "")
	tcheck(t, err, "reopen")
	tcheck(t, b.Close(), "close again")
	st, err = os.Stat(p)
	tcheck(t, err, "stat data file")
	if st.Size() != 0 {
		t.Fatalf("data file grew to %d bytes", st.Size())
	}
}

func TestSingleAppend(t *testing.T) {
	p := testPath(t)
	ts := time.Now().Unix() + 60

	b, err := OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open")
	tcheck(t, b.AppendStart(ctxbg, false), "append start")
	tcheck(t, b.Append(ctxbg, mailboxKV("U1", "INBOX", 0), ts), "append mailbox")
	tcheck(t, b.AppendEnd(ctxbg), "append end")
	tcheck(t, b.Close(), "close")

	b, err = OpenPaths(ctxbg, p, "")
	tcheck(t, err, "reopen validates")
	defer b.Close()

	chunks, err := b.Chunks(ctxbg)
	tcheck(t, err, "chunks")
	if len(chunks) != 1 || !chunks[0].Finalized() {
		t.Fatalf("chunks %v", chunks)
	}

	mb, err := b.MailboxByName(ctxbg, "INBOX", false)
	tcheck(t, err, "mailbox by name")
	if mb.UniqueID != "U1" || mb.LastChunkID != chunks[0].ID {
		t.Fatalf("mailbox %+v", mb)
	}
	id, err := b.MailboxID(ctxbg, "U1")
	tcheck(t, err, "mailbox id")
	if id != mb.ID {
		t.Fatalf("mailbox id %d, expected %d", id, mb.ID)
	}

	// The indexed checksum matches recomputation from the data file.
	latest, err := b.LatestChunk(ctxbg)
	tcheck(t, err, "latest chunk")
	content := chunkContent(t, p, latest.Offset)
	if int64(len(content)) != latest.Length {
		t.Fatalf("chunk length %d, index says %d", len(content), latest.Length)
	}
	sum := sha1.Sum(content)
	if hex.EncodeToString(sum[:]) != latest.DataSHA1 {
		t.Fatalf("data sha1 mismatch")
	}
}

func TestCorruptionDetected(t *testing.T) {
	p := testPath(t)

	b, err := OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open")
	tcheck(t, b.AppendStart(ctxbg, false), "append start")
	tcheck(t, b.Append(ctxbg, mailboxKV("U1", "INBOX", 0), time.Now().Unix()+60), "append")
	tcheck(t, b.AppendEnd(ctxbg), "append end")
	tcheck(t, b.Close(), "close")

	buf, err := os.ReadFile(p)
	tcheck(t, err, "reading data file")
	buf[len(buf)/2] ^= 0xff
	tcheck(t, os.WriteFile(p, buf, 0600), "writing damaged data file")

	if _, err := OpenPaths(ctxbg, p, ""); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestAbort(t *testing.T) {
	p := testPath(t)
	ts := time.Now().Unix() + 60

	b, err := OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open")
	tcheck(t, b.AppendStart(ctxbg, false), "append start")
	tcheck(t, b.Append(ctxbg, mailboxKV("U1", "INBOX", 0), ts), "append")
	tcheck(t, b.AppendEnd(ctxbg), "append end")
	tcheck(t, b.Close(), "close")

	goodSize, err := os.Stat(p)
	tcheck(t, err, "stat after first chunk")

	b, err = OpenPaths(ctxbg, p, "")
	tcheck(t, err, "reopen")
	tcheck(t, b.AppendStart(ctxbg, false), "append start")
	tcheck(t, b.Append(ctxbg, mailboxKV("U2", "Other", 0), ts+1), "append")
	tcheck(t, b.AppendAbort(ctxbg), "abort")
	chunks, err := b.Chunks(ctxbg)
	tcheck(t, err, "chunks after abort")
	if len(chunks) != 1 {
		t.Fatalf("abort left %d chunk rows", len(chunks))
	}
	tcheck(t, b.Close(), "close")

	st, err := os.Stat(p)
	tcheck(t, err, "stat after abort")
	if st.Size() <= goodSize.Size() {
		t.Fatalf("no dangling bytes after abort: %d <= %d", st.Size(), goodSize.Size())
	}

	// The dangling member fails validation until the file is truncated at
	// the last good chunk and reindexed.
	if _, err := OpenPaths(ctxbg, p, ""); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt after abort, got %v", err)
	}
	tcheck(t, os.Truncate(p, goodSize.Size()), "truncating dangling bytes")
	tcheck(t, Reindex(ctxbg, p), "reindex")

	b, err = OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open after reindex")
	defer b.Close()
	if _, err := b.MailboxByName(ctxbg, "INBOX", false); err != nil {
		t.Fatalf("mailbox gone after reindex: %v", err)
	}
	if _, err := b.MailboxByName(ctxbg, "Other", false); err != bstore.ErrAbsent {
		t.Fatalf("aborted mailbox present after reindex: %v", err)
	}
}

func TestAbortFirstChunk(t *testing.T) {
	p := testPath(t)

	b, err := OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open")
	tcheck(t, b.AppendStart(ctxbg, false), "append start")
	tcheck(t, b.Append(ctxbg, mailboxKV("U1", "INBOX", 0), time.Now().Unix()+60), "append")
	tcheck(t, b.AppendAbort(ctxbg), "abort")
	tcheck(t, b.Close(), "close")

	// Without a prior chunk, the index has nothing to validate against.
	if _, err := OpenPaths(ctxbg, p, ""); !errors.Is(err, ErrReindexRequired) {
		t.Fatalf("expected ErrReindexRequired, got %v", err)
	}
}

func TestCloseEndsAppend(t *testing.T) {
	p := testPath(t)

	b, err := OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open")
	tcheck(t, b.AppendStart(ctxbg, false), "append start")
	tcheck(t, b.Append(ctxbg, mailboxKV("U1", "INBOX", 0), time.Now().Unix()+60), "append")
	tcheck(t, b.Close(), "close with active append")

	b, err = OpenPaths(ctxbg, p, "")
	tcheck(t, err, "reopen")
	defer b.Close()
	chunks, err := b.Chunks(ctxbg)
	tcheck(t, err, "chunks")
	if len(chunks) != 1 || !chunks[0].Finalized() {
		t.Fatalf("close did not finalize the append: %v", chunks)
	}
}

func TestSingleWriter(t *testing.T) {
	p := testPath(t)

	b, err := OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open")

	type result struct {
		b   *Backup
		err error
	}
	opened := make(chan result)
	go func() {
		b2, err := OpenPaths(ctxbg, p, "")
		opened <- result{b2, err}
	}()

	select {
	case <-opened:
		t.Fatalf("second session opened while first held the lock")
	case <-time.After(100 * time.Millisecond):
	}

	tcheck(t, b.Close(), "close")
	r := <-opened
	tcheck(t, r.err, "second open")
	tcheck(t, r.b.Close(), "closing second session")
}
