package message

import "encoding/json"

// Push event actions.
const (
	EventWatcherAdded   Action = "watcherAdded"
	EventWatcherRemoved Action = "watcherRemoved"
	EventWatcherStarted Action = "watcherStarted"
	EventWatcherStopped Action = "watcherStopped"
	EventNewLog         Action = "newLog"
	EventLogsCleared    Action = "logsCleared"
)

// Reasons carried by watcherRemoved.
const (
	ReasonRequested = "requested"
	ReasonDetached  = "detached"
	ReasonClosed    = "closed"
)

// Event is an unsolicited notification. Kind selects which of the optional
// fields are set.
type Event struct {
	Kind      Action       `json:"-"`
	WatcherID int64        `json:"watcherId,omitempty"`
	Watcher   *WatcherInfo `json:"watcher,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	LogEntry  *LogEntry    `json:"logEntry,omitempty"`
}

// MarshalJSON writes the event with its "action" discriminator.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	return withAction(e.Kind, plain(e))
}

// UnmarshalJSON reads an event written by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var wire struct {
		Action Action `json:"action"`
		plain
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = Event(wire.plain)
	e.Kind = wire.Action
	return nil
}
