// Package transport carries consensus RPCs and client requests over a
// framed binary TCP protocol. Every frame is a request id plus one encoded
// wire message; responses are matched back to callers by id, so a single
// connection multiplexes any number of in-flight requests.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const (
	frameHeaderSize = 12
	// maxFrameSize bounds a single message; snapshot chunks are sized well
	// below this by the engine.
	maxFrameSize = 64 << 20
)

// writeFrame writes one frame:
//   - 8 bytes: request id (uint64, big endian)
//   - 4 bytes: payload length (uint32, big endian)
//   - N bytes: payload
func writeFrame(conn net.Conn, requestID uint64, data []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint64(header[:8], requestID)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads one frame and returns the request id and payload.
func readFrame(conn net.Conn) (uint64, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, err
	}

	requestID := binary.BigEndian.Uint64(header[:8])
	length := binary.BigEndian.Uint32(header[8:12])
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}
	if length == 0 {
		return requestID, nil, nil
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return 0, nil, err
	}
	return requestID, data, nil
}
