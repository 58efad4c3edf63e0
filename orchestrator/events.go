package orchestrator

import "time"

// EventType classifies an Event.
type EventType string

const (
	// EventProgress carries a scan percentage in Percent.
	EventProgress EventType = "progress"
	// EventDeviceFound is emitted once per verified device.
	EventDeviceFound EventType = "device_found"
	// EventTransfer reports one transfer step against Host.
	EventTransfer EventType = "transfer"
	// EventWarning reports a soft failure that did not stop the run.
	EventWarning EventType = "warning"
)

// DefaultEventBuffer is the capacity of the events channel.
const DefaultEventBuffer = 64

// Event is a progress notification for the presentation layer.
type Event struct {
	Type    EventType
	Percent int
	Message string
	Host    string
	Time    time.Time
}

// Events returns the notification stream. Events are dropped when the
// buffer is full; nothing in the orchestrator waits on a reader.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

func (o *Orchestrator) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = o.now()
	}
	select {
	case o.events <- ev:
	default:
	}
}

func (o *Orchestrator) progress(percent int, message string) {
	o.emit(Event{Type: EventProgress, Percent: percent, Message: message})
}

func (o *Orchestrator) transferEvent(host, message string) {
	o.emit(Event{Type: EventTransfer, Host: host, Message: message})
}

func (o *Orchestrator) warn(host, message string) {
	o.log.Warnf("%s: %s", host, message)
	o.emit(Event{Type: EventWarning, Host: host, Message: message})
}
