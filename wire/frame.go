// Package wire implements the length-framed JSON transport shared by the
// coordinator, the participant nodes, and their clients: a 4-byte
// big-endian length prefix followed by that many bytes of UTF-8 JSON.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single message so a corrupt or hostile length
// prefix can't make a reader allocate unbounded memory.
const MaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a peer announces a frame length above
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteMessage marshals v to JSON and writes it to w as one length-prefixed
// frame.
func WriteMessage(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal message: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed frame from r and unmarshals it into
// v. An EOF before any bytes are read is reported as io.EOF; an EOF in the
// middle of a frame is reported as a transport error.
func ReadMessage(r io.Reader, v interface{}) error {
	body, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: unmarshal message: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and returns its raw JSON body.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("wire: eof mid-frame: %w", err)
		}
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return body, nil
}

// PeekType sniffs the "type" discriminator of a raw JSON frame body without
// decoding the rest of the message.
func PeekType(body []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("wire: sniff message type: %w", err)
	}
	return env.Type, nil
}
