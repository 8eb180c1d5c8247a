package notify

import (
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies notifications for the UI.
type Kind string

const (
	KindTrigger        Kind = "trigger"
	KindAllocation     Kind = "allocation"
	KindMutationFailed Kind = "mutation_failed"
	KindUndo           Kind = "undo"
)

// Level mirrors the UI's toast styles.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is one notification. ID is stable for deduplicated events so the UI
// can drop repeats.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Level     Level          `json:"level"`
	Title     string         `json:"title"`
	Message   string         `json:"message,omitempty"`
	Link      string         `json:"link,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink receives notifications. Emit is fire-and-forget: it must not block
// for long and delivery failures are not reported back.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit implements Sink.
func (f SinkFunc) Emit(evt Event) { f(evt) }

// LogSink writes notifications to a logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify").Logger()}
}

// Emit implements Sink.
func (s *LogSink) Emit(evt Event) {
	var e *zerolog.Event
	switch evt.Level {
	case LevelError:
		e = s.logger.Error()
	case LevelWarning:
		e = s.logger.Warn()
	default:
		e = s.logger.Info()
	}
	e.Str("id", evt.ID).
		Str("kind", string(evt.Kind)).
		Str("title", evt.Title).
		Str("link", evt.Link).
		Msg(evt.Message)
}

// Fanout delivers every event to each sink in order.
type Fanout []Sink

// Emit implements Sink.
func (f Fanout) Emit(evt Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(evt)
		}
	}
}

// Recorder keeps emitted events in memory for tests and dry runs.
type Recorder struct {
	ch chan Event
}

// NewRecorder constructs a recorder holding up to size events; older events
// are dropped when full.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

// Emit implements Sink.
func (r *Recorder) Emit(evt Event) {
	for {
		select {
		case r.ch <- evt:
			return
		default:
		}
		select {
		case <-r.ch:
		default:
		}
	}
}

// Events returns the channel of recorded events.
func (r *Recorder) Events() <-chan Event {
	return r.ch
}
