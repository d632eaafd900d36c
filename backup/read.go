package backup

import (
	"context"
	"fmt"

	"github.com/mjl-/bstore"

	"github.com/jvbergen/backupd/dlist"
)

// Read queries over the index. Results are owned values in insertion order.
// Lookups that find nothing return bstore.ErrAbsent. Foreach callbacks
// returning a non-nil error abort the traversal; that error is returned to
// the caller.
//
// Queries run in their own read transaction and must not be called while an
// append is active on the same session: the index store allows no reads
// next to the append's writable transaction.

// MailboxID returns the id of the mailbox with the given uniqueid.
func (b *Backup) MailboxID(ctx context.Context, uniqueid string) (int64, error) {
	mb, err := bstore.QueryDB[Mailbox](ctx, b.db).FilterNonzero(Mailbox{UniqueID: uniqueid}).Get()
	if err != nil {
		return 0, err
	}
	return mb.ID, nil
}

// MailboxByName returns the live mailbox with the given name, with its
// records loaded if wantRecords is set.
func (b *Backup) MailboxByName(ctx context.Context, mboxname string, wantRecords bool) (Mailbox, error) {
	mb, err := bstore.QueryDB[Mailbox](ctx, b.db).
		FilterNonzero(Mailbox{MboxName: mboxname}).
		FilterEqual("Deleted", int64(0)).
		Get()
	if err != nil {
		return Mailbox{}, err
	}
	if wantRecords {
		if err := b.loadRecords(ctx, &mb); err != nil {
			return Mailbox{}, err
		}
	}
	return mb, nil
}

// Mailboxes returns all mailboxes, or only those last touched by the given
// chunk. Chunk id 0 means all chunks.
func (b *Backup) Mailboxes(ctx context.Context, chunkID int64, wantRecords bool) ([]Mailbox, error) {
	var l []Mailbox
	err := b.MailboxForeach(ctx, chunkID, wantRecords, func(mb Mailbox) error {
		l = append(l, mb)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// MailboxForeach calls fn for each mailbox, in insertion order. Chunk id 0
// means all chunks.
func (b *Backup) MailboxForeach(ctx context.Context, chunkID int64, wantRecords bool, fn func(Mailbox) error) error {
	q := bstore.QueryDB[Mailbox](ctx, b.db).SortAsc("ID")
	if chunkID != 0 {
		q = q.FilterNonzero(Mailbox{LastChunkID: chunkID})
	}
	return q.ForEach(func(mb Mailbox) error {
		if wantRecords {
			if err := b.loadRecords(ctx, &mb); err != nil {
				return err
			}
		}
		return fn(mb)
	})
}

func (b *Backup) loadRecords(ctx context.Context, mb *Mailbox) error {
	l, err := bstore.QueryDB[MailboxMessage](ctx, b.db).
		FilterNonzero(MailboxMessage{MailboxID: mb.ID}).
		SortAsc("ID").
		List()
	if err != nil {
		return fmt.Errorf("%w: loading mailbox records: %v", ErrInternal, err)
	}
	mb.Records = l
	return nil
}

// MessageID returns the id of the message with the given content guid.
func (b *Backup) MessageID(ctx context.Context, guid dlist.GUID) (int64, error) {
	m, err := b.Message(ctx, guid)
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

// Message returns the message with the given content guid.
func (b *Backup) Message(ctx context.Context, guid dlist.GUID) (Message, error) {
	return bstore.QueryDB[Message](ctx, b.db).FilterNonzero(Message{GUID: guid.String()}).Get()
}

// MessageForeach calls fn for each message, in insertion order. Chunk id 0
// means all chunks.
func (b *Backup) MessageForeach(ctx context.Context, chunkID int64, fn func(Message) error) error {
	q := bstore.QueryDB[Message](ctx, b.db).SortAsc("ID")
	if chunkID != 0 {
		q = q.FilterNonzero(Message{ChunkID: chunkID})
	}
	return q.ForEach(fn)
}

// MailboxMessages returns all mailbox-message rows, or only those last
// touched by the given chunk. Chunk id 0 means all chunks.
func (b *Backup) MailboxMessages(ctx context.Context, chunkID int64) ([]MailboxMessage, error) {
	q := bstore.QueryDB[MailboxMessage](ctx, b.db).SortAsc("ID")
	if chunkID != 0 {
		q = q.FilterNonzero(MailboxMessage{LastChunkID: chunkID})
	}
	return q.List()
}

// Chunks returns all chunks in insertion order.
func (b *Backup) Chunks(ctx context.Context) ([]Chunk, error) {
	return bstore.QueryDB[Chunk](ctx, b.db).SortAsc("ID").List()
}

// LatestChunk returns the chunk with the highest id.
func (b *Backup) LatestChunk(ctx context.Context) (Chunk, error) {
	return bstore.QueryDB[Chunk](ctx, b.db).SortDesc("ID").Limit(1).Get()
}

// Dlist rebuilds the replication MAILBOX key/value list for the mailbox, as
// used by restore. Records must have been loaded for a RECORD list to be
// included.
func (mb Mailbox) Dlist() (*dlist.Dlist, error) {
	dl := dlist.NewKVList("MAILBOX")
	dl.SetAtom("UNIQUEID", mb.UniqueID)
	dl.SetAtom("MBOXNAME", mb.MboxName)
	dl.SetAtom("MBOXTYPE", mb.MboxType)
	dl.SetNum32("LAST_UID", mb.LastUID)
	dl.SetNum64("HIGHESTMODSEQ", mb.HighestModSeq)
	dl.SetNum32("RECENTUID", mb.RecentUID)
	dl.SetDate("RECENTTIME", mb.RecentTime)
	dl.SetDate("LAST_APPENDDATE", mb.LastAppendDate)
	dl.SetDate("POP3_LAST_LOGIN", mb.POP3LastLogin)
	dl.SetDate("POP3_SHOW_AFTER", mb.POP3ShowAfter)
	dl.SetNum32("UIDVALIDITY", mb.UIDValidity)
	dl.SetAtom("PARTITION", mb.Partition)
	dl.SetAtom("ACL", mb.ACL)
	dl.SetAtom("OPTIONS", mb.Options)
	dl.SetNum32("SYNC_CRC", mb.SyncCRC)
	dl.SetNum32("SYNC_CRC_ANNOT", mb.SyncCRCAnnot)
	dl.SetAtom("QUOTAROOT", mb.QuotaRoot)
	dl.SetNum64("XCONVMODSEQ", mb.XConvModSeq)
	if err := stitchParsed(dl, "ANNOTATIONS", mb.Annotations); err != nil {
		return nil, err
	}

	if len(mb.Records) == 0 {
		return dl, nil
	}
	records := dlist.NewList("RECORD")
	for _, mm := range mb.Records {
		rec := records.AddKVList()
		rec.SetNum32("UID", mm.UID)
		rec.SetNum64("MODSEQ", mm.ModSeq)
		rec.SetDate("LAST_UPDATED", mm.LastUpdated)
		rec.SetDate("INTERNALDATE", mm.InternalDate)
		rec.SetAtom("GUID", mm.GUID)
		rec.SetNum32("SIZE", mm.Size)

		flags, err := parseStored(mm.Flags)
		if err != nil {
			return nil, err
		}
		if flags == nil && mm.Expunged != 0 {
			flags = &dlist.Dlist{Type: dlist.TypeList}
		}
		if flags != nil {
			flags.Name = "FLAGS"
			if mm.Expunged != 0 {
				flags.AddAtom(`\Expunged`)
			}
			rec.Stitch(flags)
		}

		if err := stitchParsed(rec, "ANNOTATIONS", mm.Annotations); err != nil {
			return nil, err
		}
	}
	dl.Stitch(records)
	return dl, nil
}

// stitchParsed parses a stored serialized value and stitches it under the
// given name, if non-empty.
func stitchParsed(dl *dlist.Dlist, name, stored string) error {
	child, err := parseStored(stored)
	if err != nil || child == nil {
		return err
	}
	child.Name = name
	dl.Stitch(child)
	return nil
}

func parseStored(stored string) (*dlist.Dlist, error) {
	if stored == "" {
		return nil, nil
	}
	d, err := dlist.ParseValue(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing stored value: %v", ErrInternal, err)
	}
	return d, nil
}
