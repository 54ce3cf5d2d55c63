package sidecar

import (
	"fmt"
	"time"

	"github.com/coworkany/coworkany/internal/logger"
)

// Watchdog restarts the sidecar when it dies: exponential backoff,
// capped attempts inside a rolling window, then a cool-down before the
// cycle starts over.
type Watchdog struct {
	sup     *Supervisor
	emitter Emitter
	quit    chan struct{}
	done    chan struct{}
	log     *logger.Logger

	pollInterval time.Duration
	baseDelay    time.Duration
	maxAttempts  int
	window       time.Duration
	pause        time.Duration
	respawn      func() error
}

// NewWatchdog creates a watchdog with the standard timings: 5s poll,
// 2/4/8s backoff, 3 attempts per 120s window, 60s pause on exhaustion.
func NewWatchdog(sup *Supervisor, emitter Emitter) *Watchdog {
	return &Watchdog{
		sup:          sup,
		emitter:      emitter,
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		log:          logger.Global().WithPrefix("sidecar:watchdog"),
		pollInterval: 5 * time.Second,
		baseDelay:    2 * time.Second,
		maxAttempts:  3,
		window:       120 * time.Second,
		pause:        60 * time.Second,
		respawn:      sup.Spawn,
	}
}

// Start launches the watchdog loop.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop terminates the loop and waits for it to finish.
func (w *Watchdog) Stop() {
	close(w.quit)
	<-w.done
}

func (w *Watchdog) run() {
	defer close(w.done)

	var attempts []time.Time

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.quit:
			return
		case <-ticker.C:
		}

		if w.sup.IsRunning() {
			continue
		}

		// Prune attempts that fell out of the rolling window.
		cutoff := time.Now().Add(-w.window)
		kept := attempts[:0]
		for _, at := range attempts {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		attempts = kept

		if len(attempts) >= w.maxAttempts {
			w.log.Error("Sidecar restart attempts exhausted, pausing %s", w.pause)
			w.emit("sidecar-failed", map[string]interface{}{
				"message": fmt.Sprintf("sidecar failed %d times within %s, pausing restarts for %s", len(attempts), w.window, w.pause),
			})
			if !w.sleep(w.pause) {
				return
			}
			attempts = attempts[:0]
			continue
		}

		delay := w.baseDelay << len(attempts)
		w.log.Warn("Sidecar down, restarting in %s (attempt %d)", delay, len(attempts)+1)
		w.emit("sidecar-restarting", map[string]interface{}{
			"attempt":     len(attempts) + 1,
			"maxAttempts": w.maxAttempts,
			"backoffSecs": delay.Seconds(),
		})
		if !w.sleep(delay) {
			return
		}

		attempts = append(attempts, time.Now())
		if err := w.respawn(); err != nil {
			w.log.Error("Sidecar restart failed: %v", err)
			continue
		}
		w.log.Info("Sidecar restarted")
		w.emit("sidecar-reconnected", nil)
	}
}

func (w *Watchdog) sleep(d time.Duration) bool {
	select {
	case <-w.quit:
		return false
	case <-time.After(d):
		return true
	}
}

func (w *Watchdog) emit(eventType string, payload interface{}) {
	if w.emitter != nil {
		w.emitter.Emit(eventType, payload)
	}
}
