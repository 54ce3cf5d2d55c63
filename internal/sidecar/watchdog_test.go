package sidecar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastWatchdog(sup *Supervisor, emitter Emitter) *Watchdog {
	w := NewWatchdog(sup, emitter)
	w.pollInterval = 10 * time.Millisecond
	w.baseDelay = 5 * time.Millisecond
	w.window = 500 * time.Millisecond
	w.pause = 100 * time.Millisecond
	return w
}

func TestWatchdogRestartsDeadSidecar(t *testing.T) {
	emitter := &recordingEmitter{}
	sup := New("", "", nil, emitter)

	w := fastWatchdog(sup, emitter)
	w.respawn = func() error {
		return sup.SpawnWith("sleep", "60")
	}

	w.Start()
	defer func() {
		w.Stop()
		sup.Shutdown()
	}()

	require.Eventually(t, func() bool {
		return sup.IsRunning()
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, emitter.has("sidecar-restarting"))
	assert.True(t, emitter.has("sidecar-reconnected"))

	payload, ok := emitter.payloadOf("sidecar-restarting")
	require.True(t, ok)
	fields, ok := payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1, fields["attempt"])
	assert.Equal(t, w.maxAttempts, fields["maxAttempts"])
	assert.Equal(t, w.baseDelay.Seconds(), fields["backoffSecs"])
}

func TestWatchdogExhaustsAttemptsThenPauses(t *testing.T) {
	emitter := &recordingEmitter{}
	sup := New("", "", nil, emitter)

	failures := 0
	w := fastWatchdog(sup, emitter)
	w.respawn = func() error {
		failures++
		return &SendError{Reason: "spawn refused"}
	}

	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		return emitter.has("sidecar-failed")
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, failures, 3)

	payload, ok := emitter.payloadOf("sidecar-failed")
	require.True(t, ok)
	fields, ok := payload.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, fields["message"], "pausing restarts")
}

func TestWatchdogLeavesHealthySidecarAlone(t *testing.T) {
	emitter := &recordingEmitter{}
	sup := New("", "", nil, emitter)
	require.NoError(t, sup.SpawnWith("sleep", "60"))
	defer sup.Shutdown()

	w := fastWatchdog(sup, emitter)
	w.respawn = func() error {
		t.Error("respawn called for a running sidecar")
		return nil
	}

	w.Start()
	time.Sleep(100 * time.Millisecond)
	w.Stop()

	assert.False(t, emitter.has("sidecar-restarting"))
}
