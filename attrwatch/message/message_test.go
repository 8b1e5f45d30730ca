package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/attrwatch/selector"
)

func TestDecode_Variants(t *testing.T) {
	req, err := Decode([]byte(`{"action":"addWatcher","elementSelector":"#price","attribute":"textContent","name":"Price"}`))
	require.NoError(t, err)
	assert.Equal(t, AddWatcher{ElementSelector: "#price", Attribute: "textContent", Name: "Price"}, req)

	req, err = Decode([]byte(`{"action":"toggleWatcher","watcherId":7}`))
	require.NoError(t, err)
	assert.Equal(t, ToggleWatcher{WatcherID: 7}, req)

	req, err = Decode([]byte(`{"action":"getStatus"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionGetStatus, req.Action())

	req, err = Decode([]byte(`{"action":"exportLogs","format":"markdown","watcherId":3}`))
	require.NoError(t, err)
	exp := req.(ExportLogs)
	require.NotNil(t, exp.WatcherID)
	assert.Equal(t, int64(3), *exp.WatcherID)
	assert.Equal(t, FormatMarkdown, exp.Format)

	req, err = Decode([]byte(`{"action":"getLogs"}`))
	require.NoError(t, err)
	assert.Nil(t, req.(GetLogs).WatcherID)
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode([]byte(`{"action":"formatDisk"}`))
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = Decode([]byte(`{"watcherId":1}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"action":"removeWatcher","watcherId":"seven"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncode_ActionFirst(t *testing.T) {
	b, err := Encode(RemoveWatcher{WatcherID: 4})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"removeWatcher","watcherId":4}`, string(b))

	b, err = Encode(StartCapture{})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"startCapture"}`, string(b))

	back, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, StartCapture{}, back)
}

func TestEvent_JSON(t *testing.T) {
	v := "42"
	ev := Event{Kind: EventNewLog, WatcherID: 1, LogEntry: &LogEntry{ID: "x", WatcherID: 1, NewValue: &v, Type: EntryChange}}
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "newLog", raw["action"])
	assert.Equal(t, "42", raw["logEntry"].(map[string]any)["newValue"])

	var back Event
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, ev, back)

	b, err = json.Marshal(Event{Kind: EventLogsCleared})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"logsCleared"}`, string(b))
}

func TestLogEntry_AbsentValueIsNull(t *testing.T) {
	b, err := json.Marshal(LogEntry{Type: EntryInitial})
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	v, ok := raw["newValue"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

type codedErr struct{}

func (codedErr) Error() string { return "coded" }
func (codedErr) Code() Code    { return CodeDuplicateBinding }

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeTargetNotFound, CodeOf(fmt.Errorf("attrwatch: add: %w", selector.ErrTargetNotFound)))
	assert.Equal(t, CodeInvalidSelector, CodeOf(selector.ErrInvalidSelector))
	assert.Equal(t, CodeAmbiguousTarget, CodeOf(selector.ErrAmbiguousTarget))
	assert.Equal(t, CodeDuplicateBinding, CodeOf(fmt.Errorf("wrap: %w", codedErr{})))
	assert.Equal(t, CodeTimeout, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))

	f := Fail(fmt.Errorf("attrwatch: add: %w", selector.ErrTargetNotFound))
	assert.False(t, f.Success)
	assert.Equal(t, "attrwatch: add: selector: target not found", f.Error)
	assert.Equal(t, CodeTargetNotFound, f.Code)
}
