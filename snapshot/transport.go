// Framed binary codec for snapshot files.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// MsgType identifies a snapshot stream message.
type MsgType uint32

const (
	MsgState      MsgType = 1 // gob-encoded State (no memory)
	MsgMemoryFull MsgType = 2 // raw guest memory
	MsgDone       MsgType = 3 // end of snapshot
)

var (
	errStateBeforeDone = errors.New("snapshot stream ended before MsgState")
	errUnexpectedMsg   = errors.New("unexpected message type")
)

// Sender writes framed messages to an underlying writer (typically the
// snapshot file).
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a snapshot Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// send writes a single framed message.
func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

// SendState encodes st with gob and sends it as a MsgState.
func (s *Sender) SendState(st *State) error {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	return s.send(MsgState, buf.Bytes())
}

// SendMemoryFull sends the raw guest memory bytes.
func (s *Sender) SendMemoryFull(mem []byte) error {
	return s.send(MsgMemoryFull, mem)
}

// SendDone signals the end of the snapshot stream.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a snapshot Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full
// payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// DecodeState decodes a gob-encoded State from payload bytes.
func DecodeState(payload []byte) (*State, error) {
	st := &State{}

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}

	return st, nil
}
