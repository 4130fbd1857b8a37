package session

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/flitlink/flit/pkg/chunk"
)

// Frame type bytes on the wire. A session is an offer, a stream of
// chunk frames, and an ack frame back per chunk.
const (
	frameOffer byte = 0x01
	frameChunk byte = 0x02
	frameAck   byte = 0x03
)

// maxOfferLen bounds the JSON offer so a misbehaving peer cannot make
// the receiver allocate arbitrarily. Descriptor lists for even very
// large files stay well under this.
const maxOfferLen = 8 * 1024 * 1024

// chunkHeaderLen is the fixed part of a chunk frame after the type
// byte: index, original length, stored length, hash, compressed flag.
const chunkHeaderLen = 4 + 4 + 4 + chunk.HashSize + 1

// ErrProtocol marks malformed or out-of-contract frames. A session that
// sees it tears the connection down rather than guessing.
var ErrProtocol = errors.New("protocol violation")

// Ack is the receiver's verdict on one chunk. OK false asks the sender
// to resend that index.
type Ack struct {
	Index uint32
	OK    bool
}

// Frame is one decoded wire frame. Exactly one of Manifest, Chunk, Ack
// is set, matching Type.
type Frame struct {
	Type     byte
	Manifest *chunk.Manifest
	Chunk    *chunk.Chunk
	Ack      *Ack
}

// WriteOffer sends the session-opening manifest frame.
func WriteOffer(w io.Writer, m *chunk.Manifest) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode offer: %w", err)
	}
	if len(body) > maxOfferLen {
		return fmt.Errorf("%w: offer is %d bytes, limit %d", ErrProtocol, len(body), maxOfferLen)
	}

	buf := make([]byte, 5+len(body))
	buf[0] = frameOffer
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(body)))
	copy(buf[5:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write offer: %w", err)
	}
	return nil
}

// WriteChunk sends one chunk frame: fixed header then the stored payload.
func WriteChunk(w io.Writer, c *chunk.Chunk) error {
	if c.StoredLen != uint32(len(c.Payload)) {
		return fmt.Errorf("%w: chunk %d stored length %d does not match payload %d",
			ErrProtocol, c.Index, c.StoredLen, len(c.Payload))
	}
	if c.OriginalLen > chunk.MaxBlockSize || c.StoredLen > c.OriginalLen {
		return fmt.Errorf("%w: chunk %d has implausible lengths (original %d, stored %d)",
			ErrProtocol, c.Index, c.OriginalLen, c.StoredLen)
	}

	buf := make([]byte, 1+chunkHeaderLen+len(c.Payload))
	buf[0] = frameChunk
	binary.LittleEndian.PutUint32(buf[1:5], c.Index)
	binary.LittleEndian.PutUint32(buf[5:9], c.OriginalLen)
	binary.LittleEndian.PutUint32(buf[9:13], c.StoredLen)
	copy(buf[13:13+chunk.HashSize], c.Hash[:])
	if c.Compressed {
		buf[13+chunk.HashSize] = 1
	}
	copy(buf[14+chunk.HashSize:], c.Payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write chunk %d: %w", c.Index, err)
	}
	return nil
}

// WriteAck sends the verdict for one chunk index.
func WriteAck(w io.Writer, index uint32, ok bool) error {
	buf := make([]byte, 6)
	buf[0] = frameAck
	binary.LittleEndian.PutUint32(buf[1:5], index)
	if ok {
		buf[5] = 1
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write ack %d: %w", index, err)
	}
	return nil
}

// ReadFrame decodes the next frame from the stream. io.EOF at a frame
// boundary is returned unchanged; a truncated frame becomes
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (*Frame, error) {
	var typeByte [1]byte
	if _, err := io.ReadFull(r, typeByte[:]); err != nil {
		return nil, err
	}

	switch typeByte[0] {
	case frameOffer:
		return readOffer(r)
	case frameChunk:
		return readChunk(r)
	case frameAck:
		return readAck(r)
	default:
		return nil, fmt.Errorf("%w: unknown frame type 0x%02x", ErrProtocol, typeByte[0])
	}
}

func readOffer(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, truncated("offer length", err)
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	if bodyLen > maxOfferLen {
		return nil, fmt.Errorf("%w: offer declares %d bytes, limit %d", ErrProtocol, bodyLen, maxOfferLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, truncated("offer body", err)
	}

	var m chunk.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: decode offer: %v", ErrProtocol, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: offer manifest: %v", ErrProtocol, err)
	}
	return &Frame{Type: frameOffer, Manifest: &m}, nil
}

func readChunk(r io.Reader) (*Frame, error) {
	header := make([]byte, chunkHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, truncated("chunk header", err)
	}

	c := &chunk.Chunk{
		Descriptor: chunk.Descriptor{
			Index:       binary.LittleEndian.Uint32(header[0:4]),
			OriginalLen: binary.LittleEndian.Uint32(header[4:8]),
			StoredLen:   binary.LittleEndian.Uint32(header[8:12]),
			Compressed:  header[12+chunk.HashSize] == 1,
		},
	}
	copy(c.Hash[:], header[12:12+chunk.HashSize])

	if c.OriginalLen > chunk.MaxBlockSize {
		return nil, fmt.Errorf("%w: chunk %d declares %d original bytes, limit %d",
			ErrProtocol, c.Index, c.OriginalLen, chunk.MaxBlockSize)
	}
	if c.StoredLen > chunk.MaxBlockSize {
		return nil, fmt.Errorf("%w: chunk %d declares %d stored bytes, limit %d",
			ErrProtocol, c.Index, c.StoredLen, chunk.MaxBlockSize)
	}

	c.Payload = make([]byte, c.StoredLen)
	if _, err := io.ReadFull(r, c.Payload); err != nil {
		return nil, truncated("chunk payload", err)
	}
	return &Frame{Type: frameChunk, Chunk: c}, nil
}

func readAck(r io.Reader) (*Frame, error) {
	body := make([]byte, 5)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, truncated("ack body", err)
	}
	return &Frame{
		Type: frameAck,
		Ack:  &Ack{Index: binary.LittleEndian.Uint32(body[0:4]), OK: body[4] == 1},
	}, nil
}

// truncated maps a short read mid-frame to ErrUnexpectedEOF so callers
// can tell "connection closed between frames" from "frame cut off".
func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("read %s: %w", what, err)
}
