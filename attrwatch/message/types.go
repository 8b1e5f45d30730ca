package message

import "github.com/hazyhaar/attrwatch/dom"

// EntryType distinguishes the baseline entry from later transitions.
type EntryType string

const (
	EntryInitial EntryType = "initial"
	EntryChange  EntryType = "change"
)

// LogEntry is one immutable row of the change log.
type LogEntry struct {
	ID          string    `json:"id"`
	Timestamp   int64     `json:"timestamp"` // unix milliseconds
	TimeString  string    `json:"timeString"`
	WatcherID   int64     `json:"watcherId"`
	WatcherName string    `json:"watcherName"`
	Serial      int64     `json:"serialNumber"`
	Attribute   string    `json:"attribute"`
	NewValue    *string   `json:"newValue"` // nil when the value is absent
	Type        EntryType `json:"type"`
}

// WatcherInfo is the read-only view of a watcher.
type WatcherInfo struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Selector  string `json:"selector"`
	Attribute string `json:"attribute"`
	Live      bool   `json:"live"`
	Serial    int64  `json:"serialNumber"`
}

// ElementInfo is the descriptor returned by describeElement.
type ElementInfo = dom.Descriptor
