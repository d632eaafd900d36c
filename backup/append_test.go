package backup

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/jvbergen/backupd/dlist"
)

func TestTwoChunks(t *testing.T) {
	p := testPath(t)
	ts := time.Now().Unix() + 60
	payload := []byte("0123456789")

	b, err := OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open")
	tcheck(t, b.AppendStart(ctxbg, false), "append start")
	tcheck(t, b.Append(ctxbg, mailboxKV("U1", "INBOX", 0), ts), "append mailbox")
	tcheck(t, b.AppendEnd(ctxbg), "append end")
	tcheck(t, b.Close(), "close session a")

	b, err = OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open session b")
	tcheck(t, b.AppendStart(ctxbg, false), "append start")
	tcheck(t, b.Append(ctxbg, messageKV("p", payload), ts+1), "append message")
	tcheck(t, b.AppendEnd(ctxbg), "append end")
	tcheck(t, b.Close(), "close session b")

	b, err = OpenPaths(ctxbg, p, "")
	tcheck(t, err, "reopen")
	defer b.Close()

	chunks, err := b.Chunks(ctxbg)
	tcheck(t, err, "chunks")
	if len(chunks) != 2 || chunks[0].ID >= chunks[1].ID || chunks[0].Offset >= chunks[1].Offset {
		t.Fatalf("chunks %v", chunks)
	}

	// FileSHA1 of the second chunk covers all bytes before it.
	buf, err := os.ReadFile(p)
	tcheck(t, err, "reading data file")
	sum := sha1.Sum(buf[:chunks[1].Offset])
	if hex.EncodeToString(sum[:]) != chunks[1].FileSHA1 {
		t.Fatalf("file sha1 mismatch for second chunk")
	}

	// The message is indexed with the position of its raw bytes within the
	// second chunk's decompressed content.
	m, err := b.Message(ctxbg, dlist.MakeGUID(payload))
	tcheck(t, err, "message by guid")
	if m.ChunkID != chunks[1].ID || m.Length != int64(len(payload)) {
		t.Fatalf("message %+v", m)
	}
	content := chunkContent(t, p, chunks[1].Offset)
	if !bytes.Equal(content[m.Offset:m.Offset+m.Length], payload) {
		t.Fatalf("message offset does not point at payload")
	}

	var seen []string
	err = b.MessageForeach(ctxbg, 0, func(m Message) error {
		seen = append(seen, m.GUID)
		return nil
	})
	tcheck(t, err, "message foreach")
	if len(seen) != 1 || seen[0] != dlist.MakeGUID(payload).String() {
		t.Fatalf("messages %v", seen)
	}
}

func TestDuplicateGUID(t *testing.T) {
	p := testPath(t)
	ts := time.Now().Unix() + 60
	payload := []byte("same bytes in both chunks")
	guid := dlist.MakeGUID(payload)

	b, err := OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open")
	for i := 0; i < 2; i++ {
		tcheck(t, b.AppendStart(ctxbg, false), "append start")
		tcheck(t, b.Append(ctxbg, messageKV("p", payload), ts+int64(i)), "append message")
		tcheck(t, b.AppendEnd(ctxbg), "append end")
	}
	tcheck(t, b.Close(), "close")

	b, err = OpenPaths(ctxbg, p, "")
	tcheck(t, err, "reopen")
	defer b.Close()

	chunks, err := b.Chunks(ctxbg)
	tcheck(t, err, "chunks")
	if len(chunks) != 2 {
		t.Fatalf("chunks %v", chunks)
	}

	// The index keeps pointing at the first copy.
	m, err := b.Message(ctxbg, guid)
	tcheck(t, err, "message")
	if m.ChunkID != chunks[0].ID {
		t.Fatalf("message chunk %d, expected first chunk %d", m.ChunkID, chunks[0].ID)
	}

	// The second copy is still in the data file verbatim.
	content := chunkContent(t, p, chunks[1].Offset)
	if !bytes.Contains(content, payload) {
		t.Fatalf("second chunk does not carry the duplicate payload")
	}
}

func TestRecords(t *testing.T) {
	p := testPath(t)
	ts := time.Now().Unix() + 60
	payload := []byte("message body\r\n")
	guid := dlist.MakeGUID(payload)

	mbkv := mailboxKV("U1", "INBOX", 2)
	records := dlist.NewList("RECORD")
	rec := records.AddKVList()
	rec.SetNum32("UID", 1)
	rec.SetNum64("MODSEQ", 4)
	rec.SetDate("LAST_UPDATED", ts)
	rec.SetDate("INTERNALDATE", ts-10)
	rec.SetAtom("GUID", guid.String())
	rec.SetNum32("SIZE", uint32(len(payload)))
	flags := dlist.NewList("FLAGS")
	flags.AddAtom(`\Seen`)
	rec.Stitch(flags)
	rec2 := records.AddKVList()
	rec2.SetNum32("UID", 2)
	rec2.SetNum64("MODSEQ", 5)
	rec2.SetAtom("GUID", guid.String())
	rec2.SetNum32("SIZE", uint32(len(payload)))
	flags2 := dlist.NewList("FLAGS")
	flags2.AddAtom(`\Expunged`)
	rec2.Stitch(flags2)
	mbkv.Stitch(records)

	b, err := OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open")
	tcheck(t, b.AppendStart(ctxbg, false), "append start")
	tcheck(t, b.Append(ctxbg, messageKV("p", payload), ts), "append message")
	tcheck(t, b.Append(ctxbg, mbkv, ts), "append mailbox")
	tcheck(t, b.AppendEnd(ctxbg), "append end")
	tcheck(t, b.Close(), "close")

	b, err = OpenPaths(ctxbg, p, "")
	tcheck(t, err, "reopen")
	defer b.Close()

	mb, err := b.MailboxByName(ctxbg, "INBOX", true)
	tcheck(t, err, "mailbox with records")
	if len(mb.Records) != 2 {
		t.Fatalf("records %v", mb.Records)
	}
	r1, r2 := mb.Records[0], mb.Records[1]
	if r1.UID != 1 || r1.ModSeq != 4 || r1.Flags != `(\Seen)` || r1.Expunged != 0 {
		t.Fatalf("record 1 %+v", r1)
	}
	if r1.GUID != guid.String() || r1.Size != uint32(len(payload)) {
		t.Fatalf("record 1 guid/size %+v", r1)
	}
	if r1.MessageID == 0 {
		t.Fatalf("record 1 not linked to message row")
	}
	if r2.UID != 2 || r2.Expunged == 0 || r2.Flags != "()" {
		t.Fatalf("record 2 %+v", r2)
	}

	mms, err := b.MailboxMessages(ctxbg, 0)
	tcheck(t, err, "mailbox messages")
	if len(mms) != 2 {
		t.Fatalf("mailbox messages %v", mms)
	}

	// Rebuilding the replication form re-adds \Expunged.
	dl, err := mb.Dlist()
	tcheck(t, err, "mailbox to dlist")
	s := dl.String()
	if !bytes.Contains([]byte(s), []byte(`\Expunged`)) || !bytes.Contains([]byte(s), []byte(`\Seen`)) {
		t.Fatalf("rebuilt kvlist %q", s)
	}
}

func TestMailboxMutations(t *testing.T) {
	p := testPath(t)
	ts := time.Now().Unix() + 60
	payload := []byte("to be expunged")
	guid := dlist.MakeGUID(payload)

	mbkv := mailboxKV("U1", "INBOX", 1)
	records := dlist.NewList("RECORD")
	rec := records.AddKVList()
	rec.SetNum32("UID", 1)
	rec.SetAtom("GUID", guid.String())
	rec.SetNum32("SIZE", uint32(len(payload)))
	mbkv.Stitch(records)

	b, err := OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open")
	tcheck(t, b.AppendStart(ctxbg, false), "append start")
	tcheck(t, b.Append(ctxbg, messageKV("p", payload), ts), "append message")
	tcheck(t, b.Append(ctxbg, mbkv, ts), "append mailbox")
	tcheck(t, b.Append(ctxbg, mailboxKV("U2", "Temp", 0), ts+1), "append second mailbox")

	// Expunge uid 1 from INBOX.
	exp := dlist.NewKVList("EXPUNGE")
	exp.SetAtom("MBOXNAME", "INBOX")
	exp.SetAtom("UNIQUEID", "U1")
	uids := dlist.NewList("UID")
	uids.AddNum(1)
	exp.Stitch(uids)
	tcheck(t, b.Append(ctxbg, exp, ts+2), "append expunge")

	// Rename INBOX to Archive.
	ren := dlist.NewKVList("RENAME")
	ren.SetAtom("OLDMBOXNAME", "INBOX")
	ren.SetAtom("NEWMBOXNAME", "Archive")
	ren.SetNum32("UIDVALIDITY", 9)
	tcheck(t, b.Append(ctxbg, ren, ts+3), "append rename")

	// Delete the second mailbox.
	unm := dlist.NewKVList("UNMAILBOX")
	unm.SetAtom("MBOXNAME", "Temp")
	tcheck(t, b.Append(ctxbg, unm, ts+4), "append unmailbox")

	tcheck(t, b.AppendEnd(ctxbg), "append end")
	tcheck(t, b.Close(), "close")

	b, err = OpenPaths(ctxbg, p, "")
	tcheck(t, err, "reopen")
	defer b.Close()

	if _, err := b.MailboxByName(ctxbg, "INBOX", false); !errors.Is(err, bstore.ErrAbsent) {
		t.Fatalf("INBOX still present after rename: %v", err)
	}
	mb, err := b.MailboxByName(ctxbg, "Archive", true)
	tcheck(t, err, "renamed mailbox")
	if mb.UniqueID != "U1" || mb.UIDValidity != 9 {
		t.Fatalf("renamed mailbox %+v", mb)
	}
	if len(mb.Records) != 1 || mb.Records[0].Expunged == 0 {
		t.Fatalf("expunge not recorded: %+v", mb.Records)
	}

	if _, err := b.MailboxByName(ctxbg, "Temp", false); !errors.Is(err, bstore.ErrAbsent) {
		t.Fatalf("deleted mailbox still live: %v", err)
	}
	// The deleted mailbox row itself is kept, with its deletion time.
	var deleted []Mailbox
	err = b.MailboxForeach(ctxbg, 0, false, func(mb Mailbox) error {
		if mb.Deleted != 0 {
			deleted = append(deleted, mb)
		}
		return nil
	})
	tcheck(t, err, "mailbox foreach")
	if len(deleted) != 1 || deleted[0].MboxName != "Temp" || deleted[0].Deleted != ts+4 {
		t.Fatalf("deleted mailboxes %v", deleted)
	}
}

func TestForeachAbort(t *testing.T) {
	p := testPath(t)
	ts := time.Now().Unix() + 60

	b, err := OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open")
	tcheck(t, b.AppendStart(ctxbg, false), "append start")
	tcheck(t, b.Append(ctxbg, mailboxKV("U1", "A", 0), ts), "append")
	tcheck(t, b.Append(ctxbg, mailboxKV("U2", "B", 0), ts), "append")
	tcheck(t, b.AppendEnd(ctxbg), "append end")
	tcheck(t, b.Close(), "close")

	b, err = OpenPaths(ctxbg, p, "")
	tcheck(t, err, "reopen")
	defer b.Close()

	stop := errors.New("stop")
	var n int
	err = b.MailboxForeach(ctxbg, 0, false, func(mb Mailbox) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Fatalf("foreach abort: err %v, %d callbacks", err, n)
	}
}

func TestNoFlush(t *testing.T) {
	p := testPath(t)
	ts := time.Now().Unix() + 60

	b, err := OpenPaths(ctxbg, p, "")
	tcheck(t, err, "open")
	tcheck(t, b.AppendStart(ctxbg, true), "append start noflush")
	tcheck(t, b.Append(ctxbg, mailboxKV("U1", "INBOX", 0), ts), "append")
	tcheck(t, b.AppendEnd(ctxbg), "append end")
	tcheck(t, b.Close(), "close")

	b, err = OpenPaths(ctxbg, p, "")
	tcheck(t, err, "reopen validates")
	defer b.Close()
	if _, err := b.MailboxByName(ctxbg, "INBOX", false); err != nil {
		t.Fatalf("mailbox after noflush append: %v", err)
	}
}
