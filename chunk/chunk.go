// Package chunk implements the OPC UA TCP chunk framer: the 8-byte
// type+chunk+length message header, chunk reassembly per request id, and
// abort handling. The SecureChannelId, security header and sequence header
// that follow the chunk header on secured messages are not parsed by this
// package or by any other package of this module.
package chunk

import (
	"encoding/binary"
	"io"

	"github.com/fenwick-automation/opcuacore/status"
)

// MessageType is the 3-byte ASCII tag identifying the message kind.
type MessageType [3]byte

var (
	TypeHello  = MessageType{'H', 'E', 'L'}
	TypeAck    = MessageType{'A', 'C', 'K'}
	TypeError  = MessageType{'E', 'R', 'R'}
	TypeOpen   = MessageType{'O', 'P', 'N'}
	TypeClose  = MessageType{'C', 'L', 'O'}
	TypeMessage = MessageType{'M', 'S', 'G'}
)

// ChunkType is the 1-byte ASCII tag classifying a chunk within a message.
type ChunkType byte

const (
	Final        ChunkType = 'F'
	Continuation ChunkType = 'C'
	Abort        ChunkType = 'A'
)

// HeaderSize is the fixed message header length: 3-byte type, 1-byte chunk
// tag, 4-byte length. HEL/ACK/ERR messages carry nothing further;
// OPN/MSG/CLO are followed by a 4-byte SecureChannelId (not parsed here)
// bringing the combined prefix to 12 bytes before the
// message-type-specific security header begins.
const HeaderSize = 8

// Header is the 8-byte prefix common to every chunk.
type Header struct {
	Type   MessageType
	Chunk  ChunkType
	Length uint32 // total chunk length, header included
}

// MarshalHeader writes h into a fresh HeaderSize-byte slice.
func MarshalHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:3], h.Type[:])
	buf[3] = byte(h.Chunk)
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	return buf
}

var (
	errTooShort     = status.New("chunk header", status.BadTcpMessageTooLarge)
	errBadType      = status.New("chunk type", status.BadTcpMessageTypeInvalid)
	errChunkTooSmall = status.New("chunk length", status.BadDecodingError)
)

// UnmarshalHeader reads the fixed 8-byte type+chunk+length prefix (the
// security/sequence headers that follow are message-type specific and are
// not decoded here).
func UnmarshalHeader(p []byte) (Header, error) {
	if len(p) < 8 {
		return Header{}, errTooShort
	}
	var h Header
	copy(h.Type[:], p[0:3])
	h.Chunk = ChunkType(p[3])
	h.Length = binary.LittleEndian.Uint32(p[4:8])
	if h.Length < 8 {
		return Header{}, errChunkTooSmall
	}
	switch h.Chunk {
	case Final, Continuation, Abort:
	default:
		return Header{}, errBadType
	}
	return h, nil
}

// Limits bounds chunk reassembly, enforced by Reassembler.
type Limits struct {
	MaxChunkCount int // 0 = unlimited
	MaxMessageSize int // 0 = unlimited, total reassembled body bytes
}

// AbortInfo carries the reason code embedded in an Abort chunk's body,
// which is a StatusCode followed by an optional reason string, per Part 6.
type AbortInfo struct {
	Reason status.Code
	Text   string
}

// Reassembler buffers continuation chunks for one in-flight request id and
// yields the concatenated body once a Final chunk arrives, or an abort
// signal on an Abort chunk. One Reassembler instance tracks exactly one
// request id; the channel engine owns a map of these, keyed by request
// id.
type Reassembler struct {
	limits Limits
	chunks [][]byte
	total  int
}

// NewReassembler returns an empty Reassembler bound to limits.
func NewReassembler(limits Limits) *Reassembler {
	return &Reassembler{limits: limits}
}

// Add appends a chunk's body (header-and-security-header already stripped
// by the caller) and reports whether the message is complete (Final seen),
// aborted, or still pending more continuation chunks.
//
// Returns (body, true, nil) on Final, (nil, false, errAbort-shaped) on
// Abort with the buffered state discarded, or (nil, false, nil) to keep
// buffering.
func (r *Reassembler) Add(chunkType ChunkType, body []byte) (message []byte, done bool, err error) {
	switch chunkType {
	case Abort:
		r.chunks = nil
		r.total = 0
		return nil, false, status.New("chunk abort", status.BadSecurityChecksFailed)

	case Continuation, Final:
		r.chunks = append(r.chunks, body)
		r.total += len(body)

		if r.limits.MaxChunkCount > 0 && len(r.chunks) > r.limits.MaxChunkCount {
			r.reset()
			return nil, false, status.New("chunk count", status.BadTcpMessageTooLarge)
		}
		if r.limits.MaxMessageSize > 0 && r.total > r.limits.MaxMessageSize {
			r.reset()
			return nil, false, status.New("chunk size", status.BadTcpMessageTooLarge)
		}

		if chunkType == Continuation {
			return nil, false, nil
		}

		out := make([]byte, 0, r.total)
		for _, c := range r.chunks {
			out = append(out, c...)
		}
		r.reset()
		return out, true, nil

	default:
		return nil, false, errBadType
	}
}

func (r *Reassembler) reset() {
	r.chunks = nil
	r.total = 0
}

// Split divides body into chunks of at most maxBodyPerChunk bytes each, for
// the caller to prepend its own header+security+sequence framing to. Only
// the pieces are returned; the caller tags every piece Continuation except
// the last, which is Final.
func Split(body []byte, maxBodyPerChunk int) [][]byte {
	if maxBodyPerChunk <= 0 || len(body) <= maxBodyPerChunk {
		return [][]byte{body}
	}
	var out [][]byte
	for len(body) > maxBodyPerChunk {
		out = append(out, body[:maxBodyPerChunk])
		body = body[maxBodyPerChunk:]
	}
	out = append(out, body)
	return out
}

// ReadHeader reads and validates a chunk header from r, a stream where
// the length prefix is only known after the first 8 bytes (headers are
// not fixed size across message types).
func ReadHeader(r io.Reader) (Header, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			return Header{}, io.EOF
		}
		return Header{}, err
	}
	return UnmarshalHeader(buf[:])
}
