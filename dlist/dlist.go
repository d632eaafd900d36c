// Package dlist implements the key/value list serialization used in the
// replication protocol and in backup data files.
//
// A dlist node is an atom, a number, a literal buffer, a message file, a list
// or a key/value list. Nodes in a key/value list are named. The serialized
// forms:
//
//	atom            INBOX, or "quoted when needed", or {7+}<CR><LF>literal
//	number          42
//	list            (item item ...)
//	key/value list  %(KEY value KEY value ...)
//	file            %{partition guid size}<CR><LF>raw bytes
//
// Parsing and packing record the byte offset of raw literal/file content
// relative to the start of the stream, so callers can refer back to message
// bytes by position.
package dlist

import (
	"bytes"
	"fmt"
	"strconv"
)

type Type int

const (
	TypeAtom Type = iota
	TypeNum
	TypeList
	TypeKVList
	TypeBuf
	TypeSFile
)

// Dlist is a single node, possibly with children.
type Dlist struct {
	Name  string // Set for children of a key/value list and for top-level command payloads.
	Type  Type
	Value string // TypeAtom, and original text for TypeNum when parsed.
	Num   uint64 // TypeNum.
	Buf   []byte // TypeBuf and TypeSFile: raw content.

	// TypeSFile only.
	Partition string
	GUID      GUID

	Children []*Dlist // TypeList and TypeKVList.

	// For TypeBuf and TypeSFile, the offset of the first raw content byte,
	// relative to the start of the stream. Set by packing and parsing.
	Offset int64
}

// NewKVList returns a named, empty key/value list.
func NewKVList(name string) *Dlist {
	return &Dlist{Name: name, Type: TypeKVList}
}

// NewList returns a named, empty list.
func NewList(name string) *Dlist {
	return &Dlist{Name: name, Type: TypeList}
}

// Stitch appends child to d.
func (d *Dlist) Stitch(child *Dlist) {
	d.Children = append(d.Children, child)
}

// SetAtom appends a named atom child and returns it.
func (d *Dlist) SetAtom(name, value string) *Dlist {
	c := &Dlist{Name: name, Type: TypeAtom, Value: value}
	d.Stitch(c)
	return c
}

// SetNum32 appends a named 32-bit number child and returns it.
func (d *Dlist) SetNum32(name string, v uint32) *Dlist {
	return d.SetNum64(name, uint64(v))
}

// SetNum64 appends a named 64-bit number child and returns it.
func (d *Dlist) SetNum64(name string, v uint64) *Dlist {
	c := &Dlist{Name: name, Type: TypeNum, Num: v}
	d.Stitch(c)
	return c
}

// SetDate appends a named timestamp child (UNIX seconds) and returns it.
func (d *Dlist) SetDate(name string, ts int64) *Dlist {
	c := &Dlist{Name: name, Type: TypeNum, Num: uint64(ts), Value: strconv.FormatInt(ts, 10)}
	d.Stitch(c)
	return c
}

// AddAtom appends an unnamed atom child, e.g. a flag in a flag list.
func (d *Dlist) AddAtom(value string) *Dlist {
	c := &Dlist{Type: TypeAtom, Value: value}
	d.Stitch(c)
	return c
}

// AddNum appends an unnamed number child, e.g. a uid in a uid list.
func (d *Dlist) AddNum(v uint64) *Dlist {
	c := &Dlist{Type: TypeNum, Num: v}
	d.Stitch(c)
	return c
}

// AddKVList appends an unnamed key/value list child, e.g. a record in a
// RECORD list.
func (d *Dlist) AddKVList() *Dlist {
	c := &Dlist{Type: TypeKVList}
	d.Stitch(c)
	return c
}

// AddFile appends an unnamed message file child carrying raw message bytes.
func (d *Dlist) AddFile(partition string, guid GUID, data []byte) *Dlist {
	c := &Dlist{Type: TypeSFile, Partition: partition, GUID: guid, Buf: data}
	d.Stitch(c)
	return c
}

// Get returns the child with the given name, or nil.
func (d *Dlist) Get(name string) *Dlist {
	for _, c := range d.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (d *Dlist) text() string {
	if d.Type == TypeNum && d.Value == "" {
		return strconv.FormatUint(d.Num, 10)
	}
	if d.Type == TypeBuf {
		return string(d.Buf)
	}
	return d.Value
}

// Atom returns the value of the named atom (or number/literal) child.
func (d *Dlist) Atom(name string) (string, bool) {
	c := d.Get(name)
	if c == nil || c.Type == TypeList || c.Type == TypeKVList || c.Type == TypeSFile {
		return "", false
	}
	return c.text(), true
}

// Num32 returns the named child as a 32-bit unsigned number.
func (d *Dlist) Num32(name string) (uint32, bool) {
	v, ok := d.Num64(name)
	if !ok || v > 0xffffffff {
		return 0, false
	}
	return uint32(v), true
}

// Num64 returns the named child as a 64-bit unsigned number.
func (d *Dlist) Num64(name string) (uint64, bool) {
	s, ok := d.Atom(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Date returns the named child as signed UNIX seconds.
func (d *Dlist) Date(name string) (int64, bool) {
	s, ok := d.Atom(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// String returns the serialized value, without the node name. The result
// parses back with ParseValue.
func (d *Dlist) String() string {
	var b bytes.Buffer
	d.packValue(&b)
	return b.String()
}

// PackNamed serializes name and value, as used after a verb in a command
// line. Offsets of literal/file content are set relative to the start of b.
func (d *Dlist) PackNamed(b *bytes.Buffer) {
	packAtom(b, d.Name)
	b.WriteByte(' ')
	d.packValue(b)
}

func (d *Dlist) packValue(b *bytes.Buffer) {
	switch d.Type {
	case TypeAtom:
		packAtom(b, d.Value)
	case TypeNum:
		b.WriteString(d.text())
	case TypeList:
		b.WriteByte('(')
		for i, c := range d.Children {
			if i > 0 {
				b.WriteByte(' ')
			}
			c.packValue(b)
		}
		b.WriteByte(')')
	case TypeKVList:
		b.WriteString("%(")
		for i, c := range d.Children {
			if i > 0 {
				b.WriteByte(' ')
			}
			c.PackNamed(b)
		}
		b.WriteByte(')')
	case TypeBuf:
		packLiteral(b, d.Buf)
		d.Offset = int64(b.Len() - len(d.Buf))
	case TypeSFile:
		fmt.Fprintf(b, "%%{%s %s %d}\r\n", d.Partition, d.GUID, len(d.Buf))
		d.Offset = int64(b.Len())
		b.Write(d.Buf)
	}
}

// maxBareAtom is the longest value serialized in atom or quoted form. Longer
// values become literals.
const maxBareAtom = 1024

func packAtom(b *bytes.Buffer, s string) {
	if len(s) > maxBareAtom || bytes.ContainsAny([]byte(s), "\r\n") {
		packLiteral(b, []byte(s))
		return
	}
	if s == "" || bytes.ContainsAny([]byte(s), " (){}%\"") {
		b.WriteByte('"')
		for i := 0; i < len(s); i++ {
			if s[i] == '"' || s[i] == '\\' {
				b.WriteByte('\\')
			}
			b.WriteByte(s[i])
		}
		b.WriteByte('"')
		return
	}
	b.WriteString(s)
}

func packLiteral(b *bytes.Buffer, data []byte) {
	fmt.Fprintf(b, "{%d+}\r\n", len(data))
	b.Write(data)
}
