package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kalambet/dbgenie/internal/composer"
	"github.com/kalambet/dbgenie/internal/intent"
)

// Stream event names shared by the SSE and WebSocket transports.
const (
	EventRoute         = "route"
	EventVisualization = "visualization"
	EventContent       = "content"
	EventComplete      = "complete"
	EventError         = "error"
)

// StreamEvent is one server-pushed event. Over WebSocket it is sent as is;
// over SSE Event becomes the event field and Data the data line.
type StreamEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ContentData is the payload of a content event.
type ContentData struct {
	Seq     int    `json:"seq"`
	Content string `json:"content"`
}

// RouteData is the payload of a route event.
type RouteData struct {
	Routes     []intent.Route     `json:"routes"`
	Selections []intent.Selection `json:"selections"`
	Hybrid     bool               `json:"hybrid"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
	Diagnostics []composer.Diagnostic `json:"diagnostics,omitempty"`
}

func newEvent(name string, v any) StreamEvent {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding stream event", "event", name, "error", err)
		data = []byte(`{}`)
	}
	return StreamEvent{Event: name, Data: data}
}

func routeEvent(d intent.Decision) StreamEvent {
	return newEvent(EventRoute, RouteData{Routes: d.Routes(), Selections: d.Selections, Hybrid: d.Hybrid()})
}

func errorEvent(err error) StreamEvent {
	var data ErrorData
	_, data.Error.Type = errorStatus(err)
	data.Error.Message = err.Error()
	var rf *composer.RouteFailureError
	if errors.As(err, &rf) {
		data.Diagnostics = rf.Diagnostics
	}
	return newEvent(EventError, data)
}

// toStreamEvent converts a composer event to its wire form.
func toStreamEvent(ev composer.Event) StreamEvent {
	switch ev.Type {
	case composer.EventDelta:
		return newEvent(EventContent, ContentData{Seq: ev.Seq, Content: ev.Text})
	case composer.EventArtifact:
		return newEvent(EventVisualization, ev.Chart)
	case composer.EventDone:
		return newEvent(EventComplete, ev.Answer)
	}
	return errorEvent(ev.Err)
}

func writeSSE(w io.Writer, ev StreamEvent) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, ev.Data)
	return err
}

// ReadEvents parses an SSE stream and calls fn for every event in order.
// Frames whose data is not valid JSON are skipped. It returns nil at the end
// of the stream, or the first error from fn or the reader.
func ReadEvents(r io.Reader, fn func(StreamEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)

	var (
		name string
		data []string
	)
	dispatch := func() error {
		defer func() { name, data = "", nil }()
		if len(data) == 0 {
			return nil
		}
		payload := strings.Join(data, "\n")
		if !json.Valid([]byte(payload)) {
			slog.Debug("skipping malformed event", "event", name)
			return nil
		}
		if name == "" {
			name = "message"
		}
		return fn(StreamEvent{Event: name, Data: json.RawMessage(payload)})
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return dispatch()
}
