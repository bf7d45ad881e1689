package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// MaxHeaderLen is the longest JSON header a 4-hex-digit prefix can describe.
const MaxHeaderLen = 0xFFFF

const prefixLen = 4

var (
	// ErrHeaderTooLarge is returned by Encode when the JSON header does not
	// fit the length prefix.
	ErrHeaderTooLarge = errors.New("transport: frame header exceeds 0xffff bytes")

	// ErrMalformedFrame is returned by Decode for anything that is not a
	// well-formed frame.
	ErrMalformedFrame = errors.New("transport: malformed frame")
)

// Header is the JSON segment of a frame. Outbound frames carry the client
// id and no status; inbound frames carry a status code and no id.
type Header struct {
	ID      string `json:"t,omitempty"`
	Status  int16  `json:"c,omitempty"`
	Route   string `json:"r"`
	Payload string `json:"p"`
}

// Frame is one transport message: a header plus an optional large payload
// appended raw after it.
type Frame struct {
	Header
	Large []byte
}

// Encode renders f as <%04x header length><header JSON><large payload>.
// Frames without a large payload use the same layout.
func Encode(f Frame) ([]byte, error) {
	header, err := json.Marshal(f.Header)
	if err != nil {
		return nil, fmt.Errorf("transport: encode header: %w", err)
	}
	if len(header) > MaxHeaderLen {
		return nil, fmt.Errorf("%w (%d bytes)", ErrHeaderTooLarge, len(header))
	}

	out := make([]byte, 0, prefixLen+len(header)+len(f.Large))
	out = fmt.Appendf(out, "%04x", len(header))
	out = append(out, header...)
	out = append(out, f.Large...)
	return out, nil
}

// Decode parses a wire message. Everything after the header is the large
// payload; an empty large payload decodes as nil.
func Decode(data []byte) (Frame, error) {
	if len(data) < prefixLen {
		return Frame{}, fmt.Errorf("%w: %d bytes is shorter than the length prefix", ErrMalformedFrame, len(data))
	}
	n, err := strconv.ParseUint(string(data[:prefixLen]), 16, 16)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: bad length prefix %q", ErrMalformedFrame, data[:prefixLen])
	}
	end := prefixLen + int(n)
	if end > len(data) {
		return Frame{}, fmt.Errorf("%w: header length %d exceeds message length %d", ErrMalformedFrame, n, len(data)-prefixLen)
	}

	var f Frame
	if err := json.Unmarshal(data[prefixLen:end], &f.Header); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if end < len(data) {
		f.Large = append([]byte(nil), data[end:]...)
	}
	return f, nil
}
