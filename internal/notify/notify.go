// Package notify fans job and cache events out to subscribers.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

const (
	EventBackupProgress = "backup:progress"
	EventBackupComplete = "backup:complete"
	EventBackupCanceled = "backup:canceled"
	EventBackupError    = "backup:error"
	EventFileUploaded   = "file:uploaded"
	EventCacheProgress  = "cache:progress"
	EventCacheReady     = "cache:ready"
	EventCloudUpdate    = "cloud:update"

	// sent once to every websocket subscriber after it connects
	EventHello = "hello"
)

// Event is the wire form of every notification.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	Time time.Time `json:"time"`
}

func NewEvent(eventType string, data any) *Event {
	return &Event{Type: eventType, Data: data, Time: time.Now().UTC()}
}

// Notifier is a fire-and-forget event sink. Implementations must not block the caller.
type Notifier interface {
	Notify(eventType string, data any)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(eventType string, data any)

func (f NotifierFunc) Notify(eventType string, data any) { f(eventType, data) }

// Multi delivers each event to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(eventType string, data any) {
	for _, n := range m {
		if n != nil {
			n.Notify(eventType, data)
		}
	}
}

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(string, any) {}

// LogNotifier writes events to the default logger at debug level.
type LogNotifier struct{}

func (LogNotifier) Notify(eventType string, _ any) {
	slog.Debug("event", "type", eventType)
}

// ===================================================================================================

// Recorder keeps every event it receives. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *Recorder) Notify(eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, NewEvent(eventType, data))
}

// Events returns the recorded events of the given type, or all of them when eventType is empty.
func (r *Recorder) Events(eventType string) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Event
	for _, ev := range r.events {
		if eventType == "" || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Count(eventType string) int {
	return len(r.Events(eventType))
}

var (
	_ Notifier = NotifierFunc(nil)
	_ Notifier = Multi(nil)
	_ Notifier = Nop{}
	_ Notifier = LogNotifier{}
	_ Notifier = (*Recorder)(nil)
)
