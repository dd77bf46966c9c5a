package rsm

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/umit/resql/internal/wire"
)

// Snapshot serializes the machine: applied index, clock, session table and
// the engine image. Sessions are written in id order so identical state
// always yields identical bytes.
func (m *Machine) Snapshot() ([]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	image, err := m.engine.Snapshot()
	if err != nil {
		return nil, 0, fmt.Errorf("engine snapshot: %w", err)
	}

	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf []byte
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.appliedIndex))
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.clockMs))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		s := m.sessions[id]
		buf = binary.BigEndian.AppendUint64(buf, uint64(s.id))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.name)))
		buf = append(buf, s.name...)
		buf = binary.BigEndian.AppendUint64(buf, uint64(s.lastSeq))
		buf = binary.BigEndian.AppendUint64(buf, uint64(s.lastActiveMs))
		if s.lastResult == nil {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
			res := wire.EncodeResult(s.lastResult)
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(res)))
			buf = append(buf, res...)
		}
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(image)))
	buf = append(buf, image...)

	return buf, m.appliedIndex, nil
}

// Restore replaces all machine state with the snapshot's.
func (m *Machine) Restore(data []byte) error {
	r := snapReader{buf: data}

	appliedIndex := int64(r.u64())
	clockMs := int64(r.u64())
	n := r.u32()

	sessions := make(map[int64]*session, n)
	byName := make(map[string]int64, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		s := &session{}
		s.id = int64(r.u64())
		s.name = string(r.bytes(r.u32()))
		s.lastSeq = int64(r.u64())
		s.lastActiveMs = int64(r.u64())
		if r.u8() == 1 {
			res, err := wire.DecodeResult(r.bytes(r.u32()))
			if err != nil {
				return fmt.Errorf("decode session %d result: %w", s.id, err)
			}
			s.lastResult = res
		}
		sessions[s.id] = s
		byName[s.name] = s.id
	}
	image := r.bytes(r.u32())
	if r.err != nil {
		return fmt.Errorf("decode snapshot: %w", r.err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.engine.Restore(image); err != nil {
		return fmt.Errorf("engine restore: %w", err)
	}
	m.appliedIndex = appliedIndex
	m.clockMs = clockMs
	m.sessions = sessions
	m.byName = byName
	return nil
}

type snapReader struct {
	buf []byte
	off int
	err error
}

func (r *snapReader) u8() byte {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.err = fmt.Errorf("short snapshot buffer at offset %d", r.off)
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *snapReader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.err = fmt.Errorf("short snapshot buffer at offset %d", r.off)
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *snapReader) u64() uint64 {
	if r.err != nil || r.off+8 > len(r.buf) {
		r.err = fmt.Errorf("short snapshot buffer at offset %d", r.off)
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *snapReader) bytes(n uint32) []byte {
	if r.err != nil || r.off+int(n) > len(r.buf) {
		r.err = fmt.Errorf("short snapshot buffer at offset %d", r.off)
		return nil
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b
}
