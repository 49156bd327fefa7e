package vstbridge

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/valyala/bytebufferpool"
)

// maxFrameSize bounds a single frame. Chunk data is the largest payload in
// practice and stays well under this; anything bigger means the stream is
// corrupt.
const maxFrameSize = 64 << 20

// framePool holds scratch buffers for frame encoding. The audio channel
// encodes a frame per block, so these are recycled rather than allocated.
var framePool bytebufferpool.Pool

// writeFrame gob-encodes v and writes it as one length-delimited frame.
// Frames are self-contained: each one carries its own type information so
// a receiver can decode it without shared stream state.
func writeFrame(w io.Writer, v any) error {
	buf := framePool.Get()
	defer framePool.Put(buf)

	// Reserve the length prefix, encode behind it, then patch it in.
	buf.B = append(buf.B, 0, 0, 0, 0)
	enc := gob.NewEncoder(buf)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	body := len(buf.B) - 4
	if body > maxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, body)
	}
	binary.BigEndian.PutUint32(buf.B[:4], uint32(body))

	if _, err := w.Write(buf.B); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrame reads one length-delimited frame and gob-decodes it into v.
// A short read or an oversized length is a protocol error; the caller is
// expected to treat it as fatal for the session.
func readFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		// A clean end of stream or a locally closed connection is a
		// session-end condition, not a corrupted frame.
		if err == io.EOF || errors.Is(err, net.ErrClosed) {
			return err
		}
		return fmt.Errorf("%w: reading frame header: %v", ErrProtocol, err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return fmt.Errorf("%w: frame length %d exceeds limit", ErrProtocol, size)
	}

	buf := framePool.Get()
	defer framePool.Put(buf)
	if cap(buf.B) < int(size) {
		buf.B = make([]byte, size)
	}
	buf.B = buf.B[:size]
	if _, err := io.ReadFull(r, buf.B); err != nil {
		return fmt.Errorf("%w: truncated frame: %v", ErrProtocol, err)
	}

	dec := gob.NewDecoder(bytes.NewReader(buf.B))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decoding frame: %v", ErrProtocol, err)
	}
	return nil
}
