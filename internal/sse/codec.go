// Package sse implements the line-delimited event protocol carried over a
// chunked HTTP response. Each record is an optional "event:" line and one
// "data:" line whose payload is a JSON-encoded string, terminated by a blank
// line.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
)

// Event names understood by both sides of the stream.
const (
	EventMessage = "message"
	EventTool    = "tool"
	EventDone    = "done"
	EventError   = "error"
)

// Event is one discrete unit of the server-to-client protocol. Data is the
// decoded literal payload.
type Event struct {
	Name string
	Data string
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Name == EventDone || e.Name == EventError
}

// Writer encodes events onto a chunked HTTP response, flushing after each
// record so deltas reach the client as they are produced.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Write serializes one event. The data payload is JSON-encoded so newlines
// and special characters round-trip exactly.
func (w *Writer) Write(ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	if ev.Name != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", ev.Name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Decoder incrementally reassembles events from arbitrary chunk boundaries.
// Bytes after the last record boundary stay buffered until the next Feed.
type Decoder struct {
	buf  []byte
	done bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Done reports whether a terminal event has been decoded. Feed returns no
// further events after that.
func (d *Decoder) Done() bool {
	return d.done
}

// Feed appends a chunk to the buffer and returns every complete event it now
// holds, in order. Decoding stops at the first terminal event; anything
// buffered after it is discarded.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		idx := bytes.Index(d.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		record := string(d.buf[:idx])
		d.buf = d.buf[idx+2:]

		ev, ok := parseRecord(record)
		if !ok {
			continue
		}
		events = append(events, ev)
		if ev.Terminal() {
			d.done = true
			d.buf = nil
			break
		}
	}
	return events
}

// parseRecord extracts one event from a complete record. Malformed records
// are dropped, never fatal to the stream.
func parseRecord(record string) (Event, bool) {
	var name, raw string
	for _, line := range strings.Split(record, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			raw = strings.TrimPrefix(line, "data: ")
		}
	}
	if name == "" && raw == "" {
		return Event{}, false
	}
	// A record without an explicit type but with data is a message delta.
	if name == "" {
		name = EventMessage
	}

	var data string
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			// Terminal records stay terminal even with a legacy
			// non-JSON payload such as [DONE].
			if name == EventDone {
				return Event{Name: name}, true
			}
			log.Printf("sse: dropping malformed record %q: %v", record, err)
			return Event{}, false
		}
	}
	return Event{Name: name, Data: data}, true
}
