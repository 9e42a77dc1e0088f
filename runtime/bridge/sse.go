package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/linkmind/linkmind/store"
)

type (
	// Event is one server-sent frame. The zero Data encodes as an empty data
	// line, which probes treat as a bare heartbeat.
	Event struct {
		Type string
		Data json.RawMessage
	}

	// ScrapeRequest is the payload of a scrape_request event. Field names are
	// part of the wire contract with probes.
	ScrapeRequest struct {
		EventID   string        `json:"event_id"`
		URL       string        `json:"url"`
		URLType   store.URLKind `json:"url_type"`
		LinkID    int64         `json:"link_id"`
		CreatedAt time.Time     `json:"created_at"`
	}

	// Decoder reads events off a server-sent stream, splitting frames on
	// blank-line boundaries. Probes wrap their subscription response body in
	// a Decoder.
	Decoder struct {
		s *bufio.Scanner
	}
)

const (
	// EventScrapeRequest asks a probe to scrape a URL locally.
	EventScrapeRequest = "scrape_request"
	// EventPing is the heartbeat keeping idle subscriptions alive.
	EventPing = "ping"
)

var pingEvent = Event{Type: EventPing, Data: json.RawMessage("{}")}

// Encode renders the wire frame: an event line, a data line and a blank
// separator line.
func (e Event) Encode() []byte {
	var b bytes.Buffer
	b.Grow(len(e.Type) + len(e.Data) + 16)
	b.WriteString("event: ")
	b.WriteString(e.Type)
	b.WriteString("\ndata: ")
	b.Write(e.Data)
	b.WriteString("\n\n")
	return b.Bytes()
}

func scrapeRequestEvent(ev store.ProbeEvent) (Event, error) {
	data, err := json.Marshal(ScrapeRequest{
		EventID:   ev.ID,
		URL:       ev.URL,
		URLType:   ev.URLType,
		LinkID:    ev.LinkID,
		CreatedAt: ev.CreatedAt,
	})
	if err != nil {
		return Event{}, fmt.Errorf("encode scrape request for event %s: %w", ev.ID, err)
	}
	return Event{Type: EventScrapeRequest, Data: data}, nil
}

// NewDecoder wraps r so events can be read one frame at a time.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	s.Split(splitFrames)
	return &Decoder{s: s}
}

// Next returns the next event on the stream. It returns io.EOF once the
// stream ends cleanly and the underlying read error otherwise.
func (d *Decoder) Next() (Event, error) {
	for d.s.Scan() {
		ev, ok := parseFrame(d.s.Bytes())
		if !ok {
			continue
		}
		return ev, nil
	}
	if err := d.s.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// splitFrames is a bufio.SplitFunc yielding one frame per blank line.
func splitFrames(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parseFrame extracts the event and data fields from a frame block. Comment
// lines and unknown fields are ignored; multiple data lines are joined with
// newlines.
func parseFrame(block []byte) (Event, bool) {
	var (
		ev   Event
		data [][]byte
	)
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case len(line) == 0 || line[0] == ':':
		case bytes.HasPrefix(line, []byte("event:")):
			ev.Type = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, bytes.TrimSpace(line[len("data:"):]))
		}
	}
	if ev.Type == "" && len(data) == 0 {
		return Event{}, false
	}
	ev.Data = bytes.Join(data, []byte("\n"))
	return ev, true
}
