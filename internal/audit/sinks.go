package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends one JSON object per line to a journal file. The file
// is opened per write so an external rotation of the journal is picked up
// without coordination.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a sink writing to path. The parent directory is
// created on first write.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Log(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	if _, err := fmt.Fprintf(file, "%s\n", line); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// ConsoleSink prints events to stdout, for development runs.
type ConsoleSink struct{}

func (ConsoleSink) Log(event Event) error {
	requestID := ""
	if event.Request != nil {
		requestID = event.Request.ID
	}
	fmt.Printf("[AUDIT] %s %s %s\n", event.Timestamp, event.EventType, requestID)
	return nil
}

// MultiSink fans an event out to several sinks. The first error is
// returned after all sinks have been tried.
type MultiSink []Sink

func (m MultiSink) Log(event Event) error {
	var first error
	for _, sink := range m {
		if err := sink.Log(event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CallbackSink forwards events to a function, used to surface audit
// events on the UI event stream.
type CallbackSink struct {
	fn func(Event)
}

func NewCallbackSink(fn func(Event)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

func (s *CallbackSink) Log(event Event) error {
	s.fn(event)
	return nil
}
