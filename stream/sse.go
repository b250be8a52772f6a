package stream

import (
	"bufio"
	"io"
	"strings"
)

// eventReader extracts data payloads from a text/event-stream body.
// The hub writes one JSON document per event on a single data line;
// comment lines (keep-alives) and other fields are ignored.
type eventReader struct {
	r *bufio.Reader
}

func newEventReader(body io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReader(body)}
}

// Next blocks until the next non-empty data payload or a read error.
func (e *eventReader) Next() ([]byte, error) {
	for {
		line, err := e.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		return []byte(data), nil
	}
}
