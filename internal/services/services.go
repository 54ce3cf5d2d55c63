// Package services supervises auxiliary local processes the assistant
// depends on (preview servers, indexers, language tooling). Each service
// is started on demand, health-checked over HTTP, and shut down
// gracefully with the host.
package services

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coworkany/coworkany/internal/logger"
)

// State is the lifecycle state of a managed service.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
)

// Definition describes how to launch and probe one service.
type Definition struct {
	Name           string   `json:"name"`
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	Dir            string   `json:"dir,omitempty"`
	Env            []string `json:"env,omitempty"`
	Port           int      `json:"port,omitempty"`
	HealthURL      string   `json:"healthUrl,omitempty"`
	StartupTimeout int      `json:"startupTimeoutSeconds,omitempty"`
	AutoStart      bool     `json:"autoStart,omitempty"`
}

// Status is the externally visible state of one service.
type Status struct {
	Name  string `json:"name"`
	State State  `json:"state"`
	PID   int    `json:"pid,omitempty"`
	Port  int    `json:"port,omitempty"`
	Error string `json:"error,omitempty"`
}

// Emitter delivers fire-and-forget events to the UI surface.
type Emitter interface {
	Emit(eventType string, payload interface{})
}

type service struct {
	def   Definition
	cmd   *exec.Cmd
	done  chan struct{}
	state State
	err   string
}

// Manager owns the set of managed services.
type Manager struct {
	mu       sync.Mutex
	services map[string]*service
	emitter  Emitter
	log      *logger.Logger
}

// NewManager creates a manager over the given definitions.
func NewManager(defs []Definition, emitter Emitter) *Manager {
	m := &Manager{
		services: make(map[string]*service),
		emitter:  emitter,
		log:      logger.Global().WithPrefix("services"),
	}
	for _, def := range defs {
		m.services[def.Name] = &service{def: def, state: StateStopped}
	}
	return m
}

// StartAll starts every service flagged for auto start.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	var names []string
	for name, svc := range m.services {
		if svc.def.AutoStart {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Start(ctx, name); err != nil {
			m.log.Error("Failed to start service %s: %v", name, err)
		}
	}
}

// Start launches a service and waits until its health endpoint answers
// or the startup timeout expires. A port squatter left over from a
// previous host run is killed first.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown service: %s", name)
	}
	if svc.state == StateRunning || svc.state == StateStarting {
		m.mu.Unlock()
		return nil
	}
	svc.state = StateStarting
	svc.err = ""
	def := svc.def
	m.mu.Unlock()

	m.emitStatus(name)

	if def.Port > 0 {
		m.reclaimPort(def.Port)
	}

	cmd := exec.Command(def.Command, def.Args...)
	cmd.Dir = def.Dir
	if len(def.Env) > 0 {
		cmd.Env = def.Env
	}
	cmd.SysProcAttr = groupAttr()

	if err := cmd.Start(); err != nil {
		m.setFailed(name, fmt.Sprintf("spawn failed: %v", err))
		return fmt.Errorf("failed to start service %s: %w", name, err)
	}

	done := make(chan struct{})
	m.mu.Lock()
	svc.cmd = cmd
	svc.done = done
	m.mu.Unlock()

	// Reap in the background so a crashed service flips to failed.
	go func() {
		err := cmd.Wait()
		close(done)
		m.mu.Lock()
		stillOurs := svc.cmd == cmd
		wasRunning := svc.state == StateRunning || svc.state == StateStarting
		m.mu.Unlock()
		if stillOurs && wasRunning {
			reason := "exited"
			if err != nil {
				reason = err.Error()
			}
			m.setFailed(name, reason)
		}
	}()

	if def.HealthURL != "" {
		timeout := time.Duration(def.StartupTimeout) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		if err := waitHealthy(ctx, def.HealthURL, timeout); err != nil {
			m.stopProcess(cmd, done)
			m.setFailed(name, err.Error())
			return fmt.Errorf("service %s failed health check: %w", name, err)
		}
	}

	m.mu.Lock()
	// The reaper may have already flipped a fast-exiting child to failed.
	if svc.cmd == cmd && svc.state == StateStarting {
		svc.state = StateRunning
	}
	m.mu.Unlock()

	m.log.Info("Service started: %s (pid %d)", name, cmd.Process.Pid)
	m.emitStatus(name)
	return nil
}

// Stop shuts one service down, graceful first, forced after a grace
// period.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown service: %s", name)
	}
	cmd := svc.cmd
	done := svc.done
	svc.cmd = nil
	svc.state = StateStopped
	m.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		m.stopProcess(cmd, done)
		m.log.Info("Service stopped: %s", name)
	}
	m.emitStatus(name)
	return nil
}

// StopAll stops every service.
func (m *Manager) StopAll() {
	m.mu.Lock()
	var names []string
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Stop(name); err != nil {
			m.log.Warn("Failed to stop service %s: %v", name, err)
		}
	}
}

// Status reports the current state of every service.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.services))
	for name, svc := range m.services {
		status := Status{
			Name:  name,
			State: svc.state,
			Port:  svc.def.Port,
			Error: svc.err,
		}
		if svc.cmd != nil && svc.cmd.Process != nil {
			status.PID = svc.cmd.Process.Pid
		}
		out = append(out, status)
	}
	return out
}

func (m *Manager) setFailed(name, reason string) {
	m.mu.Lock()
	if svc, ok := m.services[name]; ok {
		svc.state = StateFailed
		svc.err = reason
	}
	m.mu.Unlock()
	m.log.Error("Service failed: %s (%s)", name, reason)
	m.emitStatus(name)
}

func (m *Manager) emitStatus(name string) {
	if m.emitter == nil {
		return
	}
	m.mu.Lock()
	svc, ok := m.services[name]
	var status Status
	if ok {
		status = Status{Name: name, State: svc.state, Port: svc.def.Port, Error: svc.err}
		if svc.cmd != nil && svc.cmd.Process != nil {
			status.PID = svc.cmd.Process.Pid
		}
	}
	m.mu.Unlock()
	if ok {
		m.emitter.Emit("service-status", status)
	}
}

// stopProcess terminates the process group, graceful first, forced
// after five seconds. The done channel is closed by the reaper once the
// process has exited.
func (m *Manager) stopProcess(cmd *exec.Cmd, done chan struct{}) {
	if cmd.Process == nil {
		return
	}
	terminateGroup(cmd)

	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		killGroup(cmd)
		<-done
	}
}

// reclaimPort kills whatever still listens on the port. Stale listeners
// from a crashed previous run would otherwise block startup forever.
func (m *Manager) reclaimPort(port int) {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf(":%d", port)).Output()
	if err != nil || len(out) == 0 {
		return
	}
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		m.log.Warn("Reclaiming port %d from pid %d", port, pid)
		killPid(pid)
	}
}

func waitHealthy(ctx context.Context, url string, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("health check timed out after %s: %s", timeout, url)
}
