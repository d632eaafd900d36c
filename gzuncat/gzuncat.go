// Package gzuncat reads a concatenation of independent gzip members from one
// file, one member at a time.
//
// The backup data file is a sequence of gzip members, each one chunk. Because
// every member is independently decodable, a reader can seek to a chunk's
// byte offset recorded in the index and start decompression there, without
// touching earlier chunks.
package gzuncat

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// ErrCorrupt indicates an invalid gzip header, a checksum failure or a
// truncated member.
var ErrCorrupt = errors.New("gzuncat: corrupt gzip member")

// Reader iterates over the gzip members of a file.
//
// Usage: while not EOF, MemberStart (or MemberStartFrom), Read until io.EOF,
// MemberEnd. Read never crosses into the next member.
type Reader struct {
	src      *countingReader
	gz       *gzip.Reader
	inMember bool
	memEOF   bool
	memOff   int64
}

// New returns a Reader positioned at offset 0 of src, with no member
// started.
func New(src io.ReadSeeker) *Reader {
	return &Reader{src: newCountingReader(src)}
}

// MemberOffset returns the byte offset in the file of the current member.
// After MemberEnd, it is the offset where the next member starts, i.e. the
// end of the member just finished.
func (r *Reader) MemberOffset() int64 {
	return r.memOff
}

// MemberStart begins decoding the member at the current file position.
func (r *Reader) MemberStart() error {
	r.memOff = r.src.offset()
	var err error
	if r.gz == nil {
		r.gz, err = gzip.NewReader(r.src)
	} else {
		err = r.gz.Reset(r.src)
	}
	if err != nil {
		return corrupt(err, "starting member")
	}
	r.gz.Multistream(false)
	r.inMember = true
	r.memEOF = false
	return nil
}

// MemberStartFrom seeks to offset and begins decoding the member there.
func (r *Reader) MemberStartFrom(offset int64) error {
	if err := r.src.seekTo(offset); err != nil {
		return err
	}
	return r.MemberStart()
}

// Read reads decompressed bytes from the current member. It returns io.EOF
// at the end of the member.
func (r *Reader) Read(p []byte) (int, error) {
	if !r.inMember {
		return 0, fmt.Errorf("gzuncat: no member started")
	}
	if r.memEOF {
		return 0, io.EOF
	}
	n, err := r.gz.Read(p)
	if err == io.EOF {
		r.memEOF = true
	} else if err != nil {
		return n, corrupt(err, "reading member")
	}
	return n, err
}

// MemberEOF returns whether the current member has been fully read.
func (r *Reader) MemberEOF() bool {
	return r.memEOF
}

// MemberEnd finishes the current member, reading and discarding any
// remainder, and leaves the file position at the start of the next member.
func (r *Reader) MemberEnd() error {
	if !r.inMember {
		return fmt.Errorf("gzuncat: no member started")
	}
	if !r.memEOF {
		if _, err := io.Copy(io.Discard, r.gz); err != nil {
			return corrupt(err, "draining member")
		}
		r.memEOF = true
	}
	r.inMember = false
	r.memOff = r.src.offset()
	return nil
}

// EOF returns whether the end of the file has been reached. Only valid
// outside a member.
func (r *Reader) EOF() bool {
	_, err := r.src.peekByte()
	return err == io.EOF
}

func corrupt(err error, what string) error {
	var flateErr flate.CorruptInputError
	if errors.Is(err, gzip.ErrHeader) || errors.Is(err, gzip.ErrChecksum) || errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF || errors.As(err, &flateErr) {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// countingReader hands bytes to the decompressor while tracking the exact
// file offset consumed. It implements io.ByteReader so the decompressor
// reads no further than each member's end.
type countingReader struct {
	src io.ReadSeeker
	buf []byte
	r   int
	w   int
	off int64 // File offset of the next unconsumed byte.
	err error
}

func newCountingReader(src io.ReadSeeker) *countingReader {
	return &countingReader{src: src, buf: make([]byte, 32*1024)}
}

func (cr *countingReader) offset() int64 {
	return cr.off
}

func (cr *countingReader) fill() error {
	if cr.r < cr.w {
		return nil
	}
	if cr.err != nil {
		return cr.err
	}
	cr.r = 0
	cr.w = 0
	for {
		n, err := cr.src.Read(cr.buf)
		if n > 0 {
			cr.w = n
			return nil
		}
		if err != nil {
			cr.err = err
			return err
		}
	}
}

func (cr *countingReader) Read(p []byte) (int, error) {
	if err := cr.fill(); err != nil {
		return 0, err
	}
	n := copy(p, cr.buf[cr.r:cr.w])
	cr.r += n
	cr.off += int64(n)
	return n, nil
}

func (cr *countingReader) ReadByte() (byte, error) {
	if err := cr.fill(); err != nil {
		return 0, err
	}
	c := cr.buf[cr.r]
	cr.r++
	cr.off++
	return c, nil
}

func (cr *countingReader) peekByte() (byte, error) {
	if err := cr.fill(); err != nil {
		return 0, err
	}
	return cr.buf[cr.r], nil
}

func (cr *countingReader) seekTo(off int64) error {
	if _, err := cr.src.Seek(off, io.SeekStart); err != nil {
		return err
	}
	cr.r = 0
	cr.w = 0
	cr.off = off
	cr.err = nil
	return nil
}
