package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FramingType selects how messages are delimited on a byte stream
type FramingType string

const (
	// FramingHeader prefixes every message with a Content-Length header block
	FramingHeader FramingType = "header"
	// FramingLine terminates every message with a newline
	FramingLine FramingType = "line"
)

// ErrMessageTooLarge is returned for a frame above the configured size limit.
// The frame has already been consumed, so reading may continue.
var ErrMessageTooLarge = errors.New("message too large")

// ErrMalformedFrame is returned when a frame header cannot be parsed. The
// stream position is unknown afterwards.
var ErrMalformedFrame = errors.New("malformed frame")

// Framer reads and writes whole messages on a stream. WriteMessage is not
// safe for concurrent use; callers serialize writes.
type Framer interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
}

// NewFramer creates a framer of the given type. maxSize of 0 disables the
// size limit.
func NewFramer(framing FramingType, r io.Reader, w io.Writer, maxSize int64) (Framer, error) {
	switch framing {
	case FramingHeader, "":
		return &headerFramer{reader: bufio.NewReader(r), writer: bufio.NewWriter(w), maxSize: maxSize}, nil
	case FramingLine:
		return &lineFramer{reader: bufio.NewReader(r), writer: bufio.NewWriter(w), maxSize: maxSize}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q", framing)
	}
}

type headerFramer struct {
	reader  *bufio.Reader
	writer  *bufio.Writer
	maxSize int64
}

func (f *headerFramer) ReadMessage() ([]byte, error) {
	length := int64(-1)
	for {
		line, err := f.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && line != "" {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				// tolerate stray blank lines between frames
				continue
			}
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedFrame, line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: content length %q", ErrMalformedFrame, value)
			}
			length = n
		}
	}

	if f.maxSize > 0 && length > f.maxSize {
		if _, err := io.CopyN(io.Discard, f.reader, length); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *headerFramer) WriteMessage(data []byte) error {
	if _, err := fmt.Fprintf(f.writer, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	if _, err := f.writer.Write(data); err != nil {
		return err
	}
	return f.writer.Flush()
}

type lineFramer struct {
	reader  *bufio.Reader
	writer  *bufio.Writer
	maxSize int64
}

func (f *lineFramer) ReadMessage() ([]byte, error) {
	for {
		line, err := f.reader.ReadBytes('\n')
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if f.maxSize > 0 && int64(len(line)) > f.maxSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(line))
		}
		return line, nil
	}
}

func (f *lineFramer) WriteMessage(data []byte) error {
	if _, err := f.writer.Write(data); err != nil {
		return err
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return err
	}
	return f.writer.Flush()
}
