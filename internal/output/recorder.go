// Package output provides the append-only structured event log that
// stands in for process output during script execution. Everything a
// script prints, every audited database call, and every error message
// lands here; the process's real stdout carries only the final result
// document.
package output

import (
	"encoding/json"
	"time"
)

// EventType classifies a captured output event.
type EventType string

// Event types, in increasing order of operator attention required.
const (
	TypeInfo  EventType = "info"
	TypeWarn  EventType = "warn"
	TypeError EventType = "error"
	TypeQuery EventType = "query"
	TypeData  EventType = "data"
)

// timestampLayout renders UTC ISO-8601 with microsecond precision.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Event is one captured output record. Events are immutable once
// appended; Extras carries operation-specific audit fields such as
// query sequence numbers and timings.
type Event struct {
	Type      EventType
	Message   string
	Timestamp time.Time
	Extras    map[string]any
}

// MarshalJSON flattens Extras into the event object itself, so a query
// event serializes as {"type":"query","message":...,"queryNumber":1,...}
// rather than nesting audit fields under a sub-object. The reserved
// keys always win over extras of the same name.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Extras)+3)
	for k, v := range e.Extras {
		m[k] = v
	}
	m["type"] = string(e.Type)
	m["message"] = e.Message
	m["timestamp"] = e.Timestamp.UTC().Format(timestampLayout)
	return json.Marshal(m)
}

// Recorder accumulates events in emission order. It is not safe for
// concurrent use; an execution is single-threaded by design.
type Recorder struct {
	events []Event
	now    func() time.Time
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

func (r *Recorder) append(t EventType, message string, extras map[string]any) {
	var copied map[string]any
	if len(extras) > 0 {
		copied = make(map[string]any, len(extras))
		for k, v := range extras {
			copied[k] = v
		}
	}
	r.events = append(r.events, Event{
		Type:      t,
		Message:   message,
		Timestamp: r.now().UTC(),
		Extras:    copied,
	})
}

// Info appends an info event. Script print output arrives here.
func (r *Recorder) Info(message string, extras map[string]any) {
	r.append(TypeInfo, message, extras)
}

// Warn appends a warn event.
func (r *Recorder) Warn(message string, extras map[string]any) {
	r.append(TypeWarn, message, extras)
}

// Error appends an error event.
func (r *Recorder) Error(message string, extras map[string]any) {
	r.append(TypeError, message, extras)
}

// Query appends a query audit event.
func (r *Recorder) Query(message string, extras map[string]any) {
	r.append(TypeQuery, message, extras)
}

// Data appends a data event.
func (r *Recorder) Data(message string, extras map[string]any) {
	r.append(TypeData, message, extras)
}

// Events returns the recorded events in emission order. The returned
// slice is a copy; appending to the recorder does not alias it.
func (r *Recorder) Events() []Event {
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	return len(r.events)
}
