package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Custom binary format, big-endian throughout. Every message starts with a
// one-byte message type; log entries carry a fixed header followed by the
// payload. The same entry encoding is shared by the on-disk log and the wire.

var ErrShortBuffer = errors.New("wire: short buffer")

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC-32C of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)  { w.u64(uint64(v)) }

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) u8() uint8 {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail()
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil || r.off+8 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) bytes() []byte {
	n := int(r.u32())
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail()
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+n])
	r.off += n
	return b
}

func (r *reader) str() string {
	n := int(r.u32())
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail()
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = ErrShortBuffer
	}
}

// EncodeEntry serializes a log entry without framing.
func EncodeEntry(e *LogEntry) []byte {
	w := &writer{buf: make([]byte, 0, 41+len(e.Data))}
	w.u8(uint8(e.Kind))
	w.i64(e.Index)
	w.i64(e.Term)
	w.i64(e.Session)
	w.i64(e.Sequence)
	w.i64(e.UnixMilli)
	w.bytes(e.Data)
	return w.buf
}

// DecodeEntry is the inverse of EncodeEntry.
func DecodeEntry(buf []byte) (*LogEntry, error) {
	r := &reader{buf: buf}
	e := &LogEntry{}
	e.Kind = EntryKind(r.u8())
	e.Index = r.i64()
	e.Term = r.i64()
	e.Session = r.i64()
	e.Sequence = r.i64()
	e.UnixMilli = r.i64()
	e.Data = r.bytes()
	if r.err != nil {
		return nil, fmt.Errorf("decode log entry: %w", r.err)
	}
	return e, nil
}

const recordHeaderSize = 8 // 4 bytes length, 4 bytes CRC-32C

// MaxRecordSize bounds a single framed payload. Snapshot images are the
// largest records written; anything beyond this is a corrupt length word,
// not data, and must be rejected before allocation.
const MaxRecordSize = 1 << 30

//  ________________________________________________________ ...
// | Payload length (4 byte) | CRC-32C (4 byte) |  Payload   ...
// |_________________________|__________________|___________ ...

// WriteRecord frames payload with a length+CRC header and writes it to w.
func WriteRecord(w io.Writer, payload []byte) error {
	header := make([]byte, recordHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], Checksum(payload))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadRecord reads one length+CRC framed payload from r. A torn or corrupt
// record is reported as io.ErrUnexpectedEOF so callers can treat it as the
// end of valid data.
func ReadRecord(r io.Reader) ([]byte, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	crc := binary.BigEndian.Uint32(header[4:8])
	if length > MaxRecordSize {
		return nil, io.ErrUnexpectedEOF
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	if Checksum(payload) != crc {
		return nil, io.ErrUnexpectedEOF
	}
	return payload, nil
}
