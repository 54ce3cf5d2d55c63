package sidecar

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/coworkany/coworkany/internal/logger"
)

const stdinQueueSize = 256

// Emitter delivers fire-and-forget events to the UI surface.
type Emitter interface {
	Emit(eventType string, payload interface{})
}

// CommandHandler consumes agent-originated commands. Replies go back
// through the Responder.
type CommandHandler interface {
	HandleCommand(msg *Message, reply Responder)
}

// Responder sends a message back to the agent.
type Responder interface {
	SendCommand(msg *Message) error
}

// SendError is returned when a command cannot be delivered or its
// response does not arrive in time.
type SendError struct {
	Reason string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sidecar send failed: %s", e.Reason)
}

// Supervisor owns the agent child process and its three pipe workers.
type Supervisor struct {
	mu               sync.Mutex
	cmd              *exec.Cmd
	stdin            chan []byte
	exited           chan struct{}
	pendingResponses map[string]chan *Message

	agentPath string
	workDir   string
	handler   CommandHandler
	emitter   Emitter
	log       *logger.Logger
}

// New creates a supervisor for the agent entry script at agentPath.
func New(agentPath, workDir string, handler CommandHandler, emitter Emitter) *Supervisor {
	return &Supervisor{
		pendingResponses: make(map[string]chan *Message),
		agentPath:        agentPath,
		workDir:          workDir,
		handler:          handler,
		emitter:          emitter,
		log:              logger.Global().WithPrefix("sidecar"),
	}
}

// launchCandidates is the runtime fallback chain for the agent script.
// A fast runtime is preferred; the npx form works with nothing but a
// stock Node installation.
func (s *Supervisor) launchCandidates() [][]string {
	return [][]string{
		{"bun", "run", s.agentPath},
		{"node", "--import", "tsx", s.agentPath},
		{"npx", "tsx", s.agentPath},
	}
}

// Spawn starts the child and its workers. No-op if already running.
func (s *Supervisor) Spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningLocked() {
		return nil
	}

	var cmd *exec.Cmd
	var spawnErr error
	for _, argv := range s.launchCandidates() {
		candidate := exec.Command(argv[0], argv[1:]...)
		candidate.Dir = s.workDir

		stdinPipe, err := candidate.StdinPipe()
		if err != nil {
			spawnErr = err
			continue
		}
		stdoutPipe, err := candidate.StdoutPipe()
		if err != nil {
			spawnErr = err
			continue
		}
		stderrPipe, err := candidate.StderrPipe()
		if err != nil {
			spawnErr = err
			continue
		}

		if err := candidate.Start(); err != nil {
			spawnErr = err
			s.log.Debug("Launcher %s unavailable: %v", argv[0], err)
			continue
		}

		s.log.Info("Sidecar started: %s (pid %d)", argv[0], candidate.Process.Pid)
		cmd = candidate
		s.startWorkersLocked(cmd, stdinPipe, stdoutPipe, stderrPipe)
		break
	}

	if cmd == nil {
		return fmt.Errorf("failed to spawn sidecar: %w", spawnErr)
	}
	return nil
}

// SpawnWith starts the child with an explicit argv, bypassing the
// fallback chain. Used by tests and custom agent runtimes.
func (s *Supervisor) SpawnWith(argv ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningLocked() {
		return nil
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.workDir

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	s.startWorkersLocked(cmd, stdinPipe, stdoutPipe, stderrPipe)
	return nil
}

func (s *Supervisor) startWorkersLocked(cmd *exec.Cmd, stdinPipe io.WriteCloser, stdoutPipe, stderrPipe io.Reader) {
	s.cmd = cmd
	s.stdin = make(chan []byte, stdinQueueSize)
	s.exited = make(chan struct{})

	go s.stdinWriter(s.stdin, stdinPipe)
	go s.stdoutReader(stdoutPipe)
	go s.stderrReader(stderrPipe)

	exited := s.exited
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
}

// SendCommand queues a message for the agent's stdin.
func (s *Supervisor) SendCommand(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	// The mutex is held across the send so Shutdown and clearLocked
	// cannot close the channel between the running check and the send.
	// The default case keeps this from ever blocking under the lock.
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.runningLocked() || s.stdin == nil {
		return &SendError{Reason: "sidecar not running"}
	}

	select {
	case s.stdin <- data:
		return nil
	default:
		return &SendError{Reason: "stdin queue full"}
	}
}

// SendAndWait sends a command and blocks for its response, keyed by
// commandId. A response arriving after the timeout is discarded.
func (s *Supervisor) SendAndWait(msg *Message, timeout time.Duration) (*Message, error) {
	waiter := make(chan *Message, 1)

	s.mu.Lock()
	s.pendingResponses[msg.ID] = waiter
	s.mu.Unlock()

	if err := s.SendCommand(msg); err != nil {
		s.mu.Lock()
		delete(s.pendingResponses, msg.ID)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case response, ok := <-waiter:
		if !ok {
			return nil, &SendError{Reason: "sidecar exited"}
		}
		return response, nil
	case <-time.After(timeout):
		s.mu.Lock()
		delete(s.pendingResponses, msg.ID)
		s.mu.Unlock()
		return nil, &SendError{Reason: fmt.Sprintf("timeout waiting for response to %s", msg.ID)}
	}
}

// IsRunning reports whether the child is alive, clearing state if it
// has exited since the last check.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return false
	}
	if !s.runningLocked() {
		s.clearLocked()
		return false
	}
	return true
}

// Shutdown closes the agent's stdin for a graceful exit, then kills the
// child if it is still alive after a short grace period.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	exited := s.exited
	s.stdin = nil
	s.mu.Unlock()

	if cmd == nil {
		return
	}

	if stdin != nil {
		close(stdin)
	}

	if exited != nil {
		select {
		case <-exited:
		case <-time.After(2 * time.Second):
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			<-exited
		}
	}

	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()
	s.log.Info("Sidecar shut down")
}

func (s *Supervisor) runningLocked() bool {
	if s.cmd == nil || s.exited == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *Supervisor) clearLocked() {
	s.cmd = nil
	if s.stdin != nil {
		close(s.stdin)
		s.stdin = nil
	}
	s.exited = nil
	for id, waiter := range s.pendingResponses {
		close(waiter)
		delete(s.pendingResponses, id)
	}
}

func (s *Supervisor) stdinWriter(queue chan []byte, pipe io.WriteCloser) {
	defer pipe.Close()
	writer := bufio.NewWriter(pipe)
	for line := range queue {
		if _, err := writer.Write(line); err != nil {
			s.log.Error("Failed to write to sidecar stdin: %v", err)
			return
		}
		if err := writer.WriteByte('\n'); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Supervisor) stdoutReader(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		s.log.Error("Sidecar stdout read error: %v", err)
	}
	s.emit("sidecar-disconnected", nil)
}

func (s *Supervisor) stderrReader(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			s.log.Warn("sidecar: %s", line)
		}
	}
}

// handleLine classifies one stdout line: response, agent command, or
// opaque task event.
func (s *Supervisor) handleLine(line []byte) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		s.log.Warn("Unparseable sidecar line: %v", err)
		return
	}

	switch {
	case msg.IsResponse():
		s.deliverResponse(&msg)
		s.emit("ipc-response", &msg)

	case msg.IsAgentCommand():
		if s.handler != nil {
			go s.handler.HandleCommand(&msg, s)
		}

	default:
		s.emit("task-event", &msg)
	}
}

func (s *Supervisor) deliverResponse(msg *Message) {
	s.mu.Lock()
	waiter, ok := s.pendingResponses[msg.CommandID]
	if ok {
		delete(s.pendingResponses, msg.CommandID)
	}
	s.mu.Unlock()

	if !ok {
		// Waiter timed out or never existed.
		s.log.Debug("Discarding late response for %s", msg.CommandID)
		return
	}
	waiter <- msg
}

func (s *Supervisor) emit(eventType string, payload interface{}) {
	if s.emitter != nil {
		s.emitter.Emit(eventType, payload)
	}
}
