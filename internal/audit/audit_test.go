package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coworkany/coworkany/internal/policy"
)

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	sink := NewFileSink(path)

	request := &policy.EffectRequest{ID: "r1", EffectType: policy.FilesystemRead}
	outcome := &policy.Outcome{RequestID: "r1", Decision: policy.DecisionApproved}

	require.NoError(t, sink.Log(RequestEvent(request, outcome)))
	require.NoError(t, sink.Log(DeniedEvent(request, "user said no")))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var event Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		events = append(events, event)
	}

	require.Len(t, events, 2)
	assert.Equal(t, "request", events[0].EventType)
	assert.Equal(t, "r1", events[0].Request.ID)
	assert.Equal(t, "denied", events[1].EventType)
	assert.Equal(t, "user said no", events[1].Note)
}

type failingSink struct{}

func (failingSink) Log(Event) error { return errors.New("sink down") }

func TestMultiSinkTriesAllSinks(t *testing.T) {
	var received []Event
	callback := NewCallbackSink(func(event Event) {
		received = append(received, event)
	})

	multi := MultiSink{failingSink{}, callback}
	err := multi.Log(Event{ID: "e1", EventType: "confirmed"})

	assert.EqualError(t, err, "sink down")
	require.Len(t, received, 1)
	assert.Equal(t, "e1", received[0].ID)
}
