package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mjl-/bstore"

	"github.com/jvbergen/backupd/dlist"
)

// The index is a bstore database next to the data file. Schema upgrades are
// bstore type migrations, applied automatically on open, under the exclusive
// file lock on the data file.

// Chunk is one gzip member in the data file, the unit of atomic append.
// TSEnd, Length and DataSHA1 are zero until the chunk is ended successfully;
// a finalized chunk is immutable.
type Chunk struct {
	ID       int64
	TSStart  int64 `bstore:"nonzero"`
	TSEnd    int64
	Offset   int64  // Byte offset of the gzip member in the data file.
	Length   int64  // Decompressed byte length of the chunk content.
	FileSHA1 string `bstore:"nonzero"` // Hex SHA-1 of data file bytes [0, Offset).
	DataSHA1 string // Hex SHA-1 of the decompressed chunk content.
}

// Finalized returns whether the chunk was ended successfully.
func (c Chunk) Finalized() bool {
	return c.DataSHA1 != ""
}

// Message is a unique message body carried by the data file, keyed by
// content guid. Offset and Length locate the raw message bytes within the
// decompressed content of its chunk.
type Message struct {
	ID        int64
	GUID      string `bstore:"nonzero,unique"`
	Partition string
	ChunkID   int64 `bstore:"nonzero,ref Chunk"` // Chunk that first carried the message bytes.
	Offset    int64
	Length    int64
}

// Mailbox mirrors the replicated mailbox metadata, updated by MAILBOX,
// RENAME and UNMAILBOX commands.
type Mailbox struct {
	ID             int64
	LastChunkID    int64  `bstore:"nonzero,ref Chunk"` // Chunk that last touched this mailbox.
	UniqueID       string `bstore:"nonzero,unique"`
	MboxName       string `bstore:"index"`
	MboxType       string
	LastUID        uint32
	HighestModSeq  uint64
	RecentUID      uint32
	RecentTime     int64
	LastAppendDate int64
	POP3LastLogin  int64
	POP3ShowAfter  int64
	UIDValidity    uint32
	Partition      string
	ACL            string
	Options        string
	SyncCRC        uint32
	SyncCRCAnnot   uint32
	QuotaRoot      string
	XConvModSeq    uint64
	Annotations    string // Serialized key/value list.
	Deleted        int64  // When the mailbox was unmailboxed, 0 while live.

	Records []MailboxMessage `bstore:"-"` // Loaded on request by read queries.
}

// MailboxMessage is the occurrence of a message in a mailbox. Unique by
// (MailboxID, UID) over live rows; expunged rows are kept.
type MailboxMessage struct {
	ID              int64
	MailboxID       int64  `bstore:"nonzero,index MailboxID+UID,ref Mailbox"`
	MailboxUniqueID string `bstore:"nonzero"`
	MessageID       int64  // Message row for GUID, 0 if the guid is not (yet) known.
	LastChunkID     int64  `bstore:"nonzero,ref Chunk"`
	UID             uint32 `bstore:"nonzero"`
	ModSeq          uint64
	LastUpdated     int64
	Flags           string // Serialized flag list, without \Expunged.
	InternalDate    int64
	GUID            string `bstore:"nonzero"`
	Size            uint32
	Annotations     string // Serialized key/value list.
	Expunged        int64  // When the message was expunged from the mailbox, 0 while live.
}

// DBTypes are the types stored in a backup index file.
var DBTypes = []any{Chunk{}, Mailbox{}, MailboxMessage{}, Message{}}

// indexCommand indexes one command under the active append transaction.
// offBase is added to in-line literal offsets to make them chunk-relative.
// Verbs other than the handled ones are preserved in the log but not
// indexed.
func (b *Backup) indexCommand(ctx context.Context, dl *dlist.Dlist, ts, offBase int64) error {
	switch strings.ToUpper(dl.Name) {
	case "MAILBOX":
		return b.indexMailbox(dl, ts)
	case "MESSAGE":
		return b.indexMessage(dl, offBase)
	case "UNMAILBOX":
		return b.indexUnmailbox(dl, ts)
	case "EXPUNGE":
		return b.indexExpunge(dl, ts)
	case "RENAME":
		return b.indexRename(dl, ts)
	}
	return nil
}

func (b *Backup) indexMailbox(kv *dlist.Dlist, ts int64) error {
	tx := b.app.tx
	chunkID := b.app.chunkID

	uniqueid, ok := kv.Atom("UNIQUEID")
	if !ok || uniqueid == "" {
		return fmt.Errorf("%w: MAILBOX without UNIQUEID", ErrData)
	}

	mb, err := bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{UniqueID: uniqueid}).Get()
	insert := err == bstore.ErrAbsent
	if err != nil && !insert {
		return fmt.Errorf("%w: looking up mailbox: %v", ErrInternal, err)
	}
	mb.UniqueID = uniqueid
	mb.LastChunkID = chunkID

	if v, ok := kv.Atom("MBOXNAME"); ok {
		mb.MboxName = v
	}
	if v, ok := kv.Atom("MBOXTYPE"); ok {
		mb.MboxType = v
	}
	if v, ok := kv.Num32("LAST_UID"); ok {
		mb.LastUID = v
	}
	if v, ok := kv.Num64("HIGHESTMODSEQ"); ok {
		mb.HighestModSeq = v
	}
	if v, ok := kv.Num32("RECENTUID"); ok {
		mb.RecentUID = v
	}
	if v, ok := kv.Date("RECENTTIME"); ok {
		mb.RecentTime = v
	}
	if v, ok := kv.Date("LAST_APPENDDATE"); ok {
		mb.LastAppendDate = v
	}
	if v, ok := kv.Date("POP3_LAST_LOGIN"); ok {
		mb.POP3LastLogin = v
	}
	if v, ok := kv.Date("POP3_SHOW_AFTER"); ok {
		mb.POP3ShowAfter = v
	}
	if v, ok := kv.Num32("UIDVALIDITY"); ok {
		mb.UIDValidity = v
	}
	if v, ok := kv.Atom("PARTITION"); ok {
		mb.Partition = v
	}
	if v, ok := kv.Atom("ACL"); ok {
		mb.ACL = v
	}
	if v, ok := kv.Atom("OPTIONS"); ok {
		mb.Options = v
	}
	if v, ok := kv.Num32("SYNC_CRC"); ok {
		mb.SyncCRC = v
	}
	if v, ok := kv.Num32("SYNC_CRC_ANNOT"); ok {
		mb.SyncCRCAnnot = v
	}
	if v, ok := kv.Atom("QUOTAROOT"); ok {
		mb.QuotaRoot = v
	}
	if v, ok := kv.Num64("XCONVMODSEQ"); ok {
		mb.XConvModSeq = v
	}
	if annots := kv.Get("ANNOTATIONS"); annots != nil {
		mb.Annotations = annots.String()
	}

	if insert {
		if err := tx.Insert(&mb); err != nil {
			return indexErr(err, "inserting mailbox")
		}
	} else {
		if err := tx.Update(&mb); err != nil {
			return indexErr(err, "updating mailbox")
		}
	}

	records := kv.Get("RECORD")
	if records == nil {
		return nil
	}
	for _, rec := range records.Children {
		if rec.Type != dlist.TypeKVList {
			return fmt.Errorf("%w: RECORD entry is not a key/value list", ErrData)
		}
		if err := b.indexRecord(mb, rec, ts); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backup) indexRecord(mb Mailbox, rec *dlist.Dlist, ts int64) error {
	tx := b.app.tx

	uid, ok := rec.Num32("UID")
	if !ok || uid == 0 {
		return fmt.Errorf("%w: RECORD without UID", ErrData)
	}

	mm, err := bstore.QueryTx[MailboxMessage](tx).
		FilterNonzero(MailboxMessage{MailboxID: mb.ID, UID: uid}).
		FilterEqual("Expunged", int64(0)).
		Get()
	insert := err == bstore.ErrAbsent
	if err != nil && !insert {
		return fmt.Errorf("%w: looking up mailbox message: %v", ErrInternal, err)
	}
	mm.MailboxID = mb.ID
	mm.MailboxUniqueID = mb.UniqueID
	mm.UID = uid
	mm.LastChunkID = b.app.chunkID

	if v, ok := rec.Num64("MODSEQ"); ok {
		mm.ModSeq = v
	}
	if v, ok := rec.Date("LAST_UPDATED"); ok {
		mm.LastUpdated = v
	}
	if v, ok := rec.Date("INTERNALDATE"); ok {
		mm.InternalDate = v
	}
	if v, ok := rec.Num32("SIZE"); ok {
		mm.Size = v
	}
	if v, ok := rec.Atom("GUID"); ok {
		guid, err := dlist.ParseGUID(v)
		if err != nil {
			return fmt.Errorf("%w: RECORD guid: %v", ErrData, err)
		}
		mm.GUID = guid.String()
		msg, err := bstore.QueryTx[Message](tx).FilterNonzero(Message{GUID: mm.GUID}).Get()
		if err == nil {
			mm.MessageID = msg.ID
		} else if err != bstore.ErrAbsent {
			return fmt.Errorf("%w: looking up message: %v", ErrInternal, err)
		}
	}
	if flags := rec.Get("FLAGS"); flags != nil {
		kept := &dlist.Dlist{Type: dlist.TypeList}
		for _, f := range flags.Children {
			if f.Type == dlist.TypeAtom && strings.EqualFold(f.Value, `\Expunged`) {
				if mm.Expunged == 0 {
					mm.Expunged = ts
				}
				continue
			}
			kept.Stitch(f)
		}
		mm.Flags = kept.String()
	}
	if annots := rec.Get("ANNOTATIONS"); annots != nil {
		mm.Annotations = annots.String()
	}

	if insert {
		if err := tx.Insert(&mm); err != nil {
			return indexErr(err, "inserting mailbox message")
		}
	} else {
		if err := tx.Update(&mm); err != nil {
			return indexErr(err, "updating mailbox message")
		}
	}
	return nil
}

func (b *Backup) indexMessage(kv *dlist.Dlist, offBase int64) error {
	tx := b.app.tx

	if kv.Type != dlist.TypeList {
		return fmt.Errorf("%w: MESSAGE payload is not a list", ErrData)
	}
	for _, f := range kv.Children {
		if f.Type != dlist.TypeSFile {
			return fmt.Errorf("%w: MESSAGE entry is not a file", ErrData)
		}
		if dlist.MakeGUID(f.Buf) != f.GUID {
			return fmt.Errorf("%w: message content does not match guid %s", ErrData, f.GUID)
		}
		guid := f.GUID.String()
		_, err := bstore.QueryTx[Message](tx).FilterNonzero(Message{GUID: guid}).Get()
		if err == nil {
			// Known guid, the duplicate bytes stay in the log but the index
			// keeps pointing at the first copy.
			continue
		}
		if err != bstore.ErrAbsent {
			return fmt.Errorf("%w: looking up message: %v", ErrInternal, err)
		}
		m := Message{
			GUID:      guid,
			Partition: f.Partition,
			ChunkID:   b.app.chunkID,
			Offset:    offBase + f.Offset,
			Length:    int64(len(f.Buf)),
		}
		if err := tx.Insert(&m); err != nil {
			return indexErr(err, "inserting message")
		}
	}
	return nil
}

func (b *Backup) indexUnmailbox(dl *dlist.Dlist, ts int64) error {
	name := mboxnameArg(dl)
	if name == "" {
		return fmt.Errorf("%w: UNMAILBOX without mailbox name", ErrData)
	}
	mb, err := b.liveMailboxByName(name)
	if err == bstore.ErrAbsent {
		return nil
	} else if err != nil {
		return err
	}
	mb.Deleted = ts
	mb.LastChunkID = b.app.chunkID
	if err := b.app.tx.Update(&mb); err != nil {
		return indexErr(err, "updating mailbox")
	}
	return nil
}

func (b *Backup) indexExpunge(kv *dlist.Dlist, ts int64) error {
	tx := b.app.tx

	var mb Mailbox
	var err error
	if uniqueid, ok := kv.Atom("UNIQUEID"); ok && uniqueid != "" {
		mb, err = bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{UniqueID: uniqueid}).Get()
	} else if name, ok := kv.Atom("MBOXNAME"); ok {
		mb, err = b.liveMailboxByName(name)
	} else {
		return fmt.Errorf("%w: EXPUNGE without mailbox", ErrData)
	}
	if err == bstore.ErrAbsent {
		return nil
	} else if err != nil {
		return fmt.Errorf("%w: looking up mailbox: %v", ErrInternal, err)
	}

	uids := kv.Get("UID")
	if uids == nil || uids.Type != dlist.TypeList {
		return fmt.Errorf("%w: EXPUNGE without UID list", ErrData)
	}
	for _, u := range uids.Children {
		if u.Type != dlist.TypeNum || u.Num == 0 || u.Num > 0xffffffff {
			return fmt.Errorf("%w: bad uid in EXPUNGE", ErrData)
		}
		mm, err := bstore.QueryTx[MailboxMessage](tx).
			FilterNonzero(MailboxMessage{MailboxID: mb.ID, UID: uint32(u.Num)}).
			FilterEqual("Expunged", int64(0)).
			Get()
		if err == bstore.ErrAbsent {
			continue
		} else if err != nil {
			return fmt.Errorf("%w: looking up mailbox message: %v", ErrInternal, err)
		}
		mm.Expunged = ts
		mm.LastChunkID = b.app.chunkID
		if err := tx.Update(&mm); err != nil {
			return indexErr(err, "updating mailbox message")
		}
	}

	mb.LastChunkID = b.app.chunkID
	if err := tx.Update(&mb); err != nil {
		return indexErr(err, "updating mailbox")
	}
	return nil
}

func (b *Backup) indexRename(kv *dlist.Dlist, ts int64) error {
	oldname, ok := kv.Atom("OLDMBOXNAME")
	if !ok {
		return fmt.Errorf("%w: RENAME without OLDMBOXNAME", ErrData)
	}
	newname, ok := kv.Atom("NEWMBOXNAME")
	if !ok {
		return fmt.Errorf("%w: RENAME without NEWMBOXNAME", ErrData)
	}
	mb, err := b.liveMailboxByName(oldname)
	if err == bstore.ErrAbsent {
		return nil
	} else if err != nil {
		return err
	}
	mb.MboxName = newname
	if v, ok := kv.Atom("PARTITION"); ok {
		mb.Partition = v
	}
	if v, ok := kv.Num32("UIDVALIDITY"); ok {
		mb.UIDValidity = v
	}
	mb.LastChunkID = b.app.chunkID
	if err := b.app.tx.Update(&mb); err != nil {
		return indexErr(err, "updating mailbox")
	}
	return nil
}

func (b *Backup) liveMailboxByName(name string) (Mailbox, error) {
	mb, err := bstore.QueryTx[Mailbox](b.app.tx).
		FilterNonzero(Mailbox{MboxName: name}).
		FilterEqual("Deleted", int64(0)).
		Get()
	if err != nil && err != bstore.ErrAbsent {
		return Mailbox{}, fmt.Errorf("%w: looking up mailbox: %v", ErrInternal, err)
	}
	return mb, err
}

// mboxnameArg returns the mailbox name from a command that carries either a
// bare name or a key/value list with MBOXNAME.
func mboxnameArg(dl *dlist.Dlist) string {
	if dl.Type == dlist.TypeKVList {
		name, _ := dl.Atom("MBOXNAME")
		return name
	}
	switch dl.Type {
	case dlist.TypeAtom:
		return dl.Value
	case dlist.TypeBuf:
		return string(dl.Buf)
	}
	return ""
}

func indexErr(err error, what string) error {
	if errors.Is(err, bstore.ErrUnique) {
		return fmt.Errorf("%w: %s: %v", ErrConflict, what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}
