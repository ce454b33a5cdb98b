// Package events defines the discrete progress events emitted by import and
// sync operations, and the bounded stream that carries them to a transport.
package events

import "sync"

// Type discriminates event payloads.
type Type string

const (
	TypeStart        Type = "start"
	TypeLog          Type = "log"
	TypeProgress     Type = "progress"
	TypePlaylistInfo Type = "playlist_info"
	TypeComplete     Type = "complete"
	TypeError        Type = "error"
)

// Event is one independently parseable message. Fields beyond Type are
// populated per kind; zero values are omitted on the wire.
type Event struct {
	Type      Type    `json:"type"`
	Message   string  `json:"message,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Total     int     `json:"total,omitempty"`
	Completed int     `json:"completed,omitempty"`
	Failed    int     `json:"failed,omitempty"`
	Tracks    any     `json:"tracks,omitempty"`
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// Stream is a bounded event sequence with exactly one terminal event.
// Publish blocks when the consumer is slow; events after the terminal one
// are dropped. Safe for concurrent publishers.
type Stream struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewStream returns a stream buffering up to size events.
func NewStream(size int) *Stream {
	if size < 1 {
		size = 1
	}
	return &Stream{ch: make(chan Event, size)}
}

// Events returns the receive side. The channel is closed after the
// terminal event has been delivered.
func (s *Stream) Events() <-chan Event { return s.ch }

// Publish sends a non-terminal event. Terminal events must go through
// Complete or Fail so the closed-after-terminal invariant holds.
func (s *Stream) Publish(e Event) {
	if e.Terminal() {
		s.terminal(e)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// Sending under the lock serializes publishers and keeps a racing
	// terminal event from closing the channel mid-send.
	s.ch <- e
}

// Log publishes a free-text diagnostic line.
func (s *Stream) Log(message string) {
	s.Publish(Event{Type: TypeLog, Message: message})
}

// Progress publishes a count-based advancement snapshot.
func (s *Stream) Progress(total, completed, failed int, message string) {
	s.Publish(Event{
		Type:      TypeProgress,
		Total:     total,
		Completed: completed,
		Failed:    failed,
		Message:   message,
	})
}

// Complete publishes the terminal success event and closes the stream.
func (s *Stream) Complete(e Event) {
	e.Type = TypeComplete
	s.terminal(e)
}

// Fail publishes the terminal error event and closes the stream.
func (s *Stream) Fail(message string) {
	s.terminal(Event{Type: TypeError, Message: message})
}

func (s *Stream) terminal(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.ch <- e
	close(s.ch)
}
