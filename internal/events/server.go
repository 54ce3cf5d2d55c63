package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/coworkany/coworkany/internal/broker"
	"github.com/coworkany/coworkany/internal/logger"
	"github.com/coworkany/coworkany/internal/services"
	"github.com/coworkany/coworkany/internal/shadowfs"
	"github.com/coworkany/coworkany/internal/sidecar"
)

// AgentConn forwards a command to the agent and waits for its reply.
// Satisfied by the sidecar supervisor.
type AgentConn interface {
	SendAndWait(msg *sidecar.Message, timeout time.Duration) (*sidecar.Message, error)
}

// Server is the local control surface for the desktop shell: an event
// stream over WebSocket plus a small JSON API for confirmations, shadow
// review, and service control. It binds to localhost only.
type Server struct {
	addr       string
	httpServer *http.Server
	hub        *Hub
	broker     *broker.ConfirmationBroker
	shadow     *shadowfs.ShadowFS
	services   *services.Manager
	agent      AgentConn
	upgrader   websocket.Upgrader
	log        *logger.Logger
}

// NewServer wires the API around the given components. Any of the
// component references may be nil; the matching endpoints then answer
// 503.
func NewServer(port int, hub *Hub, confirmations *broker.ConfirmationBroker, shadow *shadowfs.ShadowFS, svcs *services.Manager, agent AgentConn) *Server {
	return &Server{
		addr:     fmt.Sprintf("127.0.0.1:%d", port),
		hub:      hub,
		broker:   confirmations,
		shadow:   shadow,
		services: svcs,
		agent:    agent,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Local control surface; the port never leaves loopback.
				return true
			},
		},
		log: logger.Global().WithPrefix("events:http"),
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go s.hub.Run()

	go func() {
		s.log.Info("Control API listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

func (s *Server) router() http.Handler {
	router := httprouter.New()

	router.GET("/health", s.handleHealth)
	router.GET("/ws", s.handleWebSocket)

	router.GET("/api/confirmations", s.handleConfirmationList)
	router.POST("/api/confirmations/:id/confirm", s.handleConfirm)
	router.POST("/api/confirmations/:id/deny", s.handleDeny)

	router.GET("/api/shadow/pending", s.handleShadowPending)
	router.POST("/api/shadow/:id/approve", s.handleShadowApprove)
	router.POST("/api/shadow/:id/reject", s.handleShadowReject)
	router.POST("/api/shadow/:id/apply", s.handleShadowApply)

	router.POST("/api/agent/command", s.handleAgentCommand)

	router.GET("/api/services", s.handleServiceStatus)
	router.POST("/api/services/:name/start", s.handleServiceStart)
	router.POST("/api/services/:name/stop", s.handleServiceStop)

	return router
}

// Stop shuts the server and hub down.
func (s *Server) Stop() error {
	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed: %v", err)
		return
	}

	client := NewClient(s.hub, conn)
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) handleConfirmationList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.broker == nil {
		writeError(w, http.StatusServiceUnavailable, "confirmations unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.broker.List())
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.broker == nil {
		writeError(w, http.StatusServiceUnavailable, "confirmations unavailable")
		return
	}

	var body struct {
		Remember bool `json:"remember"`
	}
	decodeBody(r, &body)

	response, err := s.broker.Confirm(ps.ByName("id"), body.Remember)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.broker == nil {
		writeError(w, http.StatusServiceUnavailable, "confirmations unavailable")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	decodeBody(r, &body)

	response, err := s.broker.Deny(ps.ByName("id"), body.Reason)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleShadowPending(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.shadow == nil {
		writeError(w, http.StatusServiceUnavailable, "shadow filesystem unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.shadow.ListPending())
}

func (s *Server) handleShadowApprove(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.shadow == nil {
		writeError(w, http.StatusServiceUnavailable, "shadow filesystem unavailable")
		return
	}

	entry, err := s.shadow.Approve(ps.ByName("id"))
	if err != nil {
		writeShadowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleShadowReject(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.shadow == nil {
		writeError(w, http.StatusServiceUnavailable, "shadow filesystem unavailable")
		return
	}

	if err := s.shadow.Reject(ps.ByName("id")); err != nil {
		writeShadowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleShadowApply(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.shadow == nil {
		writeError(w, http.StatusServiceUnavailable, "shadow filesystem unavailable")
		return
	}

	body := struct {
		CreateBackup *bool `json:"createBackup"`
	}{}
	decodeBody(r, &body)

	createBackup := true
	if body.CreateBackup != nil {
		createBackup = *body.CreateBackup
	}

	result, err := s.shadow.Apply(ps.ByName("id"), createBackup)
	if err != nil {
		writeShadowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAgentCommand forwards a shell-originated command (task control,
// toolpack and skill management, workspace CRUD) to the agent without
// inspecting the payload, and relays the agent's reply.
func (s *Server) handleAgentCommand(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.agent == nil {
		writeError(w, http.StatusServiceUnavailable, "agent unavailable")
		return
	}

	var body struct {
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		TimeoutMs int             `json:"timeoutMs"`
	}
	decodeBody(r, &body)

	if body.Type == "" {
		writeError(w, http.StatusBadRequest, "missing command type")
		return
	}

	var payload interface{}
	if len(body.Payload) > 0 {
		payload = body.Payload
	}
	command, err := sidecar.NewCommand(body.Type, payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeout := 30 * time.Second
	if body.TimeoutMs > 0 {
		timeout = time.Duration(body.TimeoutMs) * time.Millisecond
	}

	response, err := s.agent.SendAndWait(command, timeout)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.services == nil {
		writeError(w, http.StatusServiceUnavailable, "services unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.services.Status())
}

func (s *Server) handleServiceStart(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.services == nil {
		writeError(w, http.StatusServiceUnavailable, "services unavailable")
		return
	}

	if err := s.services.Start(r.Context(), ps.ByName("name")); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleServiceStop(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.services == nil {
		writeError(w, http.StatusServiceUnavailable, "services unavailable")
		return
	}

	if err := s.services.Stop(ps.ByName("name")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeShadowError(w http.ResponseWriter, err error) {
	var notFound *shadowfs.NotFoundError
	var conflict *shadowfs.ConflictError
	var target *shadowfs.TargetExistsError
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &target):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, out interface{}) {
	if r.Body == nil {
		return
	}
	defer r.Body.Close()
	// An empty or malformed body falls back to zero values.
	_ = json.NewDecoder(r.Body).Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
