// Package transport delivers HCE traffic to handler processes over a unix
// stream socket and carries their response APDUs back.
//
// Every frame in both directions is
//
//	u32 total_length | u32 type | u32 handle | payload[total_length-8]
//
// with little-endian integers. total_length counts the type, handle and
// payload and may not exceed MaxFrameLength.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dotside-studios/davi-nfcd/nfc"
)

// MessageType identifies a frame.
type MessageType uint32

const (
	// MessageActivated tells handlers a reader entered the field.
	MessageActivated MessageType = 0
	// MessageDeactivated tells handlers the reader left the field.
	MessageDeactivated MessageType = 1
	// MessageAPDU carries a command APDU; the handle must be echoed back.
	MessageAPDU MessageType = 2
	// MessageResponse carries a handler's response APDU for a handle.
	MessageResponse MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageActivated:
		return "activated"
	case MessageDeactivated:
		return "deactivated"
	case MessageAPDU:
		return "apdu"
	case MessageResponse:
		return "response"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

const (
	// lengthPrefixSize is the size of the total_length field.
	lengthPrefixSize = 4

	// minFrameLength covers the type and handle fields.
	minFrameLength = 8

	// MaxFrameLength is the largest accepted total_length.
	MaxFrameLength = 1024

	// MaxPayloadLength is the largest payload that fits in a frame.
	MaxPayloadLength = MaxFrameLength - minFrameLength
)

// ErrProtocolViolation is returned for frames whose length field is out of
// range. The connection carrying such a frame is closed.
var ErrProtocolViolation = &nfc.NFCError{
	Code:    nfc.ErrCodeInvalidParameter,
	Op:      "transport",
	Message: "frame length out of range",
}

// Message is one frame.
type Message struct {
	Type    MessageType
	Handle  uint32
	Payload []byte
}

// WriteMessage writes msg as one frame in a single Write call.
func WriteMessage(w io.Writer, msg Message) error {
	if len(msg.Payload) > MaxPayloadLength {
		return nfc.Errorf(nfc.ErrCodeInvalidParameter, "transport.WriteMessage",
			"payload length %d exceeds maximum %d", len(msg.Payload), MaxPayloadLength)
	}
	total := minFrameLength + len(msg.Payload)
	buf := make([]byte, lengthPrefixSize+total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(msg.Type))
	binary.LittleEndian.PutUint32(buf[8:12], msg.Handle)
	copy(buf[12:], msg.Payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one frame. Partial reads are retried; a read of zero
// bytes before the frame is complete is reported as io.ErrUnexpectedEOF
// (or io.EOF on a clean boundary). An out-of-range length yields
// ErrProtocolViolation.
func ReadMessage(r io.Reader) (Message, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Message{}, err
	}
	total := binary.LittleEndian.Uint32(prefix[:])
	if total < minFrameLength || total > MaxFrameLength {
		return Message{}, fmt.Errorf("%w: total_length %d", ErrProtocolViolation, total)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	msg := Message{
		Type:   MessageType(binary.LittleEndian.Uint32(body[0:4])),
		Handle: binary.LittleEndian.Uint32(body[4:8]),
	}
	if total > minFrameLength {
		msg.Payload = body[8:]
	}
	return msg, nil
}
