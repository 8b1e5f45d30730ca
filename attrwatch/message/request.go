// Package message is the wire contract between the watch engine and its UI
// collaborators: one request type per action, the responses they produce,
// and the push events emitted without a request.
//
// Every payload is a JSON object carrying an "action" discriminator.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action names a request or push event variant.
type Action string

// Request actions.
const (
	ActionStartCapture    Action = "startCapture"
	ActionStopCapture     Action = "stopCapture"
	ActionAddWatcher      Action = "addWatcher"
	ActionRemoveWatcher   Action = "removeWatcher"
	ActionToggleWatcher   Action = "toggleWatcher"
	ActionGetStatus       Action = "getStatus"
	ActionClearLogs       Action = "clearLogs"
	ActionGetLogs         Action = "getLogs"
	ActionDescribeElement Action = "describeElement"
	ActionExportLogs      Action = "exportLogs"
)

// ErrUnknownAction is returned by Decode for an action outside the union.
var ErrUnknownAction = errors.New("message: unknown action")

// ErrMalformed is returned by Decode when the payload is not a JSON object
// or a field has the wrong type.
var ErrMalformed = errors.New("message: malformed payload")

// Request is the closed set of request variants. Only this package can add
// implementations.
type Request interface {
	Action() Action
	isRequest()
}

type StartCapture struct{}

type StopCapture struct{}

type AddWatcher struct {
	ElementSelector string `json:"elementSelector"`
	Attribute       string `json:"attribute"`
	Name            string `json:"name,omitempty"`
}

type RemoveWatcher struct {
	WatcherID int64 `json:"watcherId"`
}

type ToggleWatcher struct {
	WatcherID int64 `json:"watcherId"`
}

type GetStatus struct{}

type ClearLogs struct{}

// GetLogs returns the log, optionally restricted to one watcher.
type GetLogs struct {
	WatcherID *int64 `json:"watcherId,omitempty"`
}

// DescribeElement locates an element by XPath or selector and returns its
// descriptor together with a synthesized selector.
type DescribeElement struct {
	XPath    string `json:"xpath,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// ExportFormat selects the exportLogs rendering.
type ExportFormat string

const (
	FormatJSON     ExportFormat = "json"
	FormatCSV      ExportFormat = "csv"
	FormatTXT      ExportFormat = "txt"
	FormatMarkdown ExportFormat = "markdown"
)

type ExportLogs struct {
	WatcherID *int64       `json:"watcherId,omitempty"`
	Format    ExportFormat `json:"format,omitempty"`
}

func (StartCapture) Action() Action    { return ActionStartCapture }
func (StopCapture) Action() Action     { return ActionStopCapture }
func (AddWatcher) Action() Action      { return ActionAddWatcher }
func (RemoveWatcher) Action() Action   { return ActionRemoveWatcher }
func (ToggleWatcher) Action() Action   { return ActionToggleWatcher }
func (GetStatus) Action() Action       { return ActionGetStatus }
func (ClearLogs) Action() Action       { return ActionClearLogs }
func (GetLogs) Action() Action         { return ActionGetLogs }
func (DescribeElement) Action() Action { return ActionDescribeElement }
func (ExportLogs) Action() Action      { return ActionExportLogs }

func (StartCapture) isRequest()    {}
func (StopCapture) isRequest()     {}
func (AddWatcher) isRequest()      {}
func (RemoveWatcher) isRequest()   {}
func (ToggleWatcher) isRequest()   {}
func (GetStatus) isRequest()       {}
func (ClearLogs) isRequest()       {}
func (GetLogs) isRequest()         {}
func (DescribeElement) isRequest() {}
func (ExportLogs) isRequest()      {}

// Decode parses a request envelope into its variant.
func Decode(data []byte) (Request, error) {
	var env struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Action {
	case ActionStartCapture:
		return StartCapture{}, nil
	case ActionStopCapture:
		return StopCapture{}, nil
	case ActionGetStatus:
		return GetStatus{}, nil
	case ActionClearLogs:
		return ClearLogs{}, nil
	case ActionAddWatcher:
		return decodeAs[AddWatcher](data)
	case ActionRemoveWatcher:
		return decodeAs[RemoveWatcher](data)
	case ActionToggleWatcher:
		return decodeAs[ToggleWatcher](data)
	case ActionGetLogs:
		return decodeAs[GetLogs](data)
	case ActionDescribeElement:
		return decodeAs[DescribeElement](data)
	case ActionExportLogs:
		return decodeAs[ExportLogs](data)
	case "":
		return nil, fmt.Errorf("%w: missing action", ErrMalformed)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
}

func decodeAs[T Request](data []byte) (Request, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, v.Action(), err)
	}
	return v, nil
}

// Encode renders a request with its "action" field first.
func Encode(r Request) ([]byte, error) {
	return withAction(r.Action(), r)
}

func withAction(action Action, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("message: encode %s: %w", action, err)
	}
	head, _ := json.Marshal(action)
	var buf bytes.Buffer
	buf.WriteString(`{"action":`)
	buf.Write(head)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
