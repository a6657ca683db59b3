// ABOUTME: Binary data frame codec
// ABOUTME: Encodes and decodes sequenced, timestamped audio frames
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// DataFrameType is the leading byte of an audio data frame
	DataFrameType = 4

	// FrameHeaderSize is type(1) + seq(8) + pts(8) + session(16) + length(4)
	FrameHeaderSize = 1 + 8 + 8 + 16 + 4
)

// ErrMalformedFrame is the parent of every frame decoding failure
var ErrMalformedFrame = errors.New("malformed data frame")

var (
	ErrShortFrame       = fmt.Errorf("%w: shorter than header", ErrMalformedFrame)
	ErrLengthMismatch   = fmt.Errorf("%w: payload length mismatch", ErrMalformedFrame)
	ErrUnknownFrameType = fmt.Errorf("%w: unknown frame type", ErrMalformedFrame)
)

// DataFrame is one unit of encoded audio as sent by the server
type DataFrame struct {
	Seq       uint64
	PTS       int64 // microseconds, server clock
	SessionID uuid.UUID
	Payload   []byte
}

// DecodeFrame parses a binary websocket message.
// The payload aliases data.
func DecodeFrame(data []byte) (DataFrame, error) {
	if len(data) < FrameHeaderSize {
		return DataFrame{}, ErrShortFrame
	}
	if data[0] != DataFrameType {
		return DataFrame{}, fmt.Errorf("%w: %d", ErrUnknownFrameType, data[0])
	}

	var f DataFrame
	f.Seq = binary.BigEndian.Uint64(data[1:9])
	f.PTS = int64(binary.BigEndian.Uint64(data[9:17]))
	copy(f.SessionID[:], data[17:33])
	n := binary.BigEndian.Uint32(data[33:37])

	if int(n) != len(data)-FrameHeaderSize {
		return DataFrame{}, fmt.Errorf("%w: header says %d, have %d", ErrLengthMismatch, n, len(data)-FrameHeaderSize)
	}
	f.Payload = data[FrameHeaderSize:]
	return f, nil
}

// Encode serializes the frame
func (f DataFrame) Encode() []byte {
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	buf[0] = DataFrameType
	binary.BigEndian.PutUint64(buf[1:9], f.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(f.PTS))
	copy(buf[17:33], f.SessionID[:])
	binary.BigEndian.PutUint32(buf[33:37], uint32(len(f.Payload)))
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf
}
