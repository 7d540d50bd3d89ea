// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// MaxLineSize is the maximum allowed size for a single SSE line (64KB)
const MaxLineSize = 64 * 1024

// ErrLineTooLong is returned by ReadEvent when a line exceeds MaxLineSize.
// The event holding the line has been discarded and the reader is positioned
// at the next event, so reading may continue.
var ErrLineTooLong = errors.New("sse line too long")

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReaderSize(r, 4096)}
}

// ReadEvent reads the next SSE event and returns its data lines joined by
// "\n". A blank line ends an event; fields other than data are ignored.
// Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() ([]byte, error) {
	var dataLines [][]byte

	for {
		line, err := s.readLine()
		if errors.Is(err, ErrLineTooLong) {
			s.skipEvent()
			return nil, err
		}
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("data:")) {
			data := line[5:]
			if len(data) > 0 && data[0] == ' ' {
				data = data[1:]
			}
			dataLines = append(dataLines, data)
		}
		// Ignore other fields (event:, id:, retry:, comments starting with :)
	}
}

// readLine reads up to and including '\n', enforcing MaxLineSize.
func (s *SSEReader) readLine() ([]byte, error) {
	var line []byte
	for {
		frag, err := s.reader.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > MaxLineSize {
			if errors.Is(err, bufio.ErrBufferFull) {
				s.discardLine()
			}
			return nil, fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, MaxLineSize)
		}
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == io.EOF && len(line) > 0:
			return line, nil
		default:
			return nil, err
		}
	}
}

// discardLine drops input up to and including the next '\n'.
func (s *SSEReader) discardLine() {
	for {
		_, err := s.reader.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

// skipEvent drops the remaining lines of the current event.
func (s *SSEReader) skipEvent() {
	for {
		line, err := s.readLine()
		if errors.Is(err, ErrLineTooLong) {
			continue
		}
		if err != nil || len(bytes.TrimRight(line, "\r\n")) == 0 {
			return
		}
	}
}
