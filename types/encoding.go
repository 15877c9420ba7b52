package types

import (
	"bytes"
	"encoding/binary"
)

// encoder builds canonical byte strings for hashing and signing. Every field
// is written with a fixed width or a length prefix so two structurally
// different values can never encode to the same bytes. All validators must
// produce identical encodings for identical input; this encoder is the only
// place that property is enforced.
type encoder struct {
	buf bytes.Buffer
}

func newEncoder() *encoder {
	return &encoder{}
}

func (e *encoder) writeUint8(v uint8) {
	e.buf.WriteByte(v)
}

func (e *encoder) writeUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) writeInt64(v int64) {
	e.writeUint64(uint64(v))
}

func (e *encoder) writeBytes(b []byte) {
	e.writeUint64(uint64(len(b)))
	e.buf.Write(b)
}

func (e *encoder) writeString(s string) {
	e.writeBytes([]byte(s))
}

func (e *encoder) writeHash(h Hash) {
	e.writeBytes(h.Data)
}

func (e *encoder) bytes() []byte {
	return e.buf.Bytes()
}
