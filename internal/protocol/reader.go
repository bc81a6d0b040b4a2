package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrFraming is returned when the stream can no longer be split into records.
// Callers treat it as connection termination.
var ErrFraming = errors.New("framing error")

// ErrFrameTooLarge is returned for a line longer than the reader's limit
var ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrFraming)

// Reader splits a byte stream into newline-delimited frames
type Reader struct {
	r        *bufio.Reader
	maxFrame int
}

// NewReader creates a Reader that rejects frames longer than maxFrame bytes
func NewReader(r io.Reader, maxFrame int) *Reader {
	return &Reader{
		r:        bufio.NewReaderSize(r, 4096),
		maxFrame: maxFrame,
	}
}

// ReadFrame returns the next non-empty line without its delimiter
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.r.ReadSlice(Delimiter)
		if len(line)+len(chunk) > r.maxFrame+1 {
			return nil, ErrFrameTooLarge
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) > 0 {
				return nil, fmt.Errorf("%w: %v", ErrFraming, io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("%w: peer closed", ErrFraming)
		default:
			return nil, fmt.Errorf("%w: %v", ErrFraming, err)
		}
	}
}
