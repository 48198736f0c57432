package provider

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is one parsed Server-Sent Event.
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// SSEReader incrementally parses an SSE byte stream.
type SSEReader struct {
	r *bufio.Reader
}

// NewSSEReader wraps a response body in an event parser.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReader(r)}
}

// ReadEvent returns the next event, or io.EOF at end of stream. Multi-line
// data fields are joined with newlines per the SSE spec.
func (s *SSEReader) ReadEvent() (*SSEEvent, error) {
	ev := &SSEEvent{}

	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line terminates the event.
			if ev.Data != "" || ev.Event != "" {
				return ev, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := line, ""
		if i := strings.Index(line, ":"); i >= 0 {
			field = line[:i]
			value = strings.TrimPrefix(line[i+1:], " ")
		}

		switch field {
		case "event":
			ev.Event = value
		case "data":
			if ev.Data != "" {
				ev.Data += "\n"
			}
			ev.Data += value
		case "id":
			ev.ID = value
		}
	}
}
