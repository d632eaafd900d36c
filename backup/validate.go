package backup

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/mjl-/bstore"

	"github.com/jvbergen/backupd/gzuncat"
)

// validate checks the data file against the latest finalized chunk in the
// index: the SHA-1 of all bytes before the chunk, and the length and SHA-1
// of the chunk's decompressed content. The chunk's member must also be the
// last data in the file; trailing bytes mean an append died without its
// index transaction and the file needs reindex or truncation.
func (b *Backup) validate(ctx context.Context) error {
	err := b.validateChecksums(ctx)
	if err == nil {
		metricValidate.WithLabelValues("ok").Inc()
	} else {
		metricValidate.WithLabelValues("fail").Inc()
	}
	return err
}

func (b *Backup) validateChecksums(ctx context.Context) error {
	size, err := b.dataSize()
	if err != nil {
		return err
	}

	c, err := bstore.QueryDB[Chunk](ctx, b.db).FilterNotEqual("DataSHA1", "").SortDesc("ID").Limit(1).Get()
	if err == bstore.ErrAbsent {
		if size == 0 {
			return nil
		}
		return fmt.Errorf("%w: data file has %d bytes but index has no finalized chunks", ErrReindexRequired, size)
	} else if err != nil {
		return fmt.Errorf("%w: reading latest chunk: %v", ErrInternal, err)
	}

	fileSHA1, err := sha1File(b.f, c.Offset)
	if err != nil {
		return err
	}
	if fileSHA1 != c.FileSHA1 {
		return fmt.Errorf("%w: file checksum mismatch before chunk %d at offset %d: %s on disk, %s in index", ErrCorrupt, c.ID, c.Offset, fileSHA1, c.FileSHA1)
	}

	gzuc := gzuncat.New(b.f)
	if err := validateChunk(gzuc, c); err != nil {
		return err
	}
	if !gzuc.EOF() {
		return fmt.Errorf("%w: data beyond latest chunk %d, truncate or reindex", ErrCorrupt, c.ID)
	}
	return nil
}

// validateChunk checks one finalized chunk's member against its length and
// content checksum, leaving the reader positioned after the member.
func validateChunk(gzuc *gzuncat.Reader, c Chunk) error {
	if err := gzuc.MemberStartFrom(c.Offset); err != nil {
		return corruptErr(err, c)
	}
	h := sha1.New()
	n, err := io.Copy(h, gzuc)
	if err != nil {
		return corruptErr(err, c)
	}
	if err := gzuc.MemberEnd(); err != nil {
		return corruptErr(err, c)
	}
	if n != c.Length {
		return fmt.Errorf("%w: chunk %d has %d bytes on disk, %d in index", ErrCorrupt, c.ID, n, c.Length)
	}
	dataSHA1 := hex.EncodeToString(h.Sum(nil))
	if dataSHA1 != c.DataSHA1 {
		return fmt.Errorf("%w: chunk %d data checksum mismatch: %s on disk, %s in index", ErrCorrupt, c.ID, dataSHA1, c.DataSHA1)
	}
	return nil
}

// Verify checks every finalized chunk in the index against the data file:
// per chunk the checksum of all preceding file bytes, and the length and
// checksum of its decompressed content; and that the last chunk's member
// ends exactly at the end of the file.
func (b *Backup) Verify(ctx context.Context) error {
	chunks, err := bstore.QueryDB[Chunk](ctx, b.db).SortAsc("Offset").List()
	if err != nil {
		return fmt.Errorf("%w: listing chunks: %v", ErrInternal, err)
	}

	size, err := b.dataSize()
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		if size != 0 {
			return fmt.Errorf("%w: data file has %d bytes but index has no chunks", ErrReindexRequired, size)
		}
		return nil
	}

	gzuc := gzuncat.New(b.f)
	h := sha1.New()
	var pos int64
	var prevID int64
	for _, c := range chunks {
		if !c.Finalized() {
			return fmt.Errorf("%w: chunk %d was never finalized", ErrCorrupt, c.ID)
		}
		if c.ID <= prevID || c.Offset < pos {
			return fmt.Errorf("%w: chunk %d out of order", ErrCorrupt, c.ID)
		}
		prevID = c.ID

		// Extend the running hash to this chunk's offset. Sum does not
		// reset the state, so the same hash covers each prefix in turn.
		if _, err := io.Copy(h, io.NewSectionReader(b.f, pos, c.Offset-pos)); err != nil {
			return fmt.Errorf("reading data file: %w", err)
		}
		pos = c.Offset
		if fileSHA1 := hex.EncodeToString(h.Sum(nil)); fileSHA1 != c.FileSHA1 {
			return fmt.Errorf("%w: file checksum mismatch before chunk %d at offset %d: %s on disk, %s in index", ErrCorrupt, c.ID, c.Offset, fileSHA1, c.FileSHA1)
		}

		if err := validateChunk(gzuc, c); err != nil {
			return err
		}
	}
	if !gzuc.EOF() {
		return fmt.Errorf("%w: data beyond latest chunk, truncate or reindex", ErrCorrupt)
	}
	return nil
}

func corruptErr(err error, c Chunk) error {
	if errors.Is(err, gzuncat.ErrCorrupt) {
		return fmt.Errorf("%w: chunk %d: %v", ErrCorrupt, c.ID, err)
	}
	return fmt.Errorf("chunk %d: %w", c.ID, err)
}
