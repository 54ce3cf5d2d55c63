// Package broker holds effect requests that are waiting for the user's
// yes or no. Entries are independent; the user may answer prompts in any
// order.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/coworkany/coworkany/internal/audit"
	"github.com/coworkany/coworkany/internal/logger"
	"github.com/coworkany/coworkany/internal/policy"
)

// Emitter delivers fire-and-forget events to the UI surface.
type Emitter interface {
	Emit(eventType string, payload interface{})
}

// PendingConfirmation is the record held between a requires-confirmation
// decision and the user's reply.
type PendingConfirmation struct {
	Request     *policy.EffectRequest
	Outcome     *policy.Outcome
	RequestedAt time.Time
}

// ConfirmationRequest is the UI-facing shape of a pending entry.
type ConfirmationRequest struct {
	RequestID   string                 `json:"requestId"`
	EffectType  string                 `json:"effectType"`
	Source      string                 `json:"source"`
	SourceID    string                 `json:"sourceId,omitempty"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details"`
	RiskLevel   int                    `json:"riskLevel"`
	Policy      string                 `json:"policy"`
}

// ConfirmationBroker tracks pending confirmations and resolves them on
// the user's confirm or deny. Exactly one of the two succeeds per entry.
type ConfirmationBroker struct {
	mu      sync.Mutex
	pending map[string]*PendingConfirmation

	engine  *policy.Engine
	memory  *policy.SessionMemory
	sink    audit.Sink
	emitter Emitter
	log     *logger.Logger
}

func New(engine *policy.Engine, memory *policy.SessionMemory, sink audit.Sink, emitter Emitter) *ConfirmationBroker {
	return &ConfirmationBroker{
		pending: make(map[string]*PendingConfirmation),
		engine:  engine,
		memory:  memory,
		sink:    sink,
		emitter: emitter,
		log:     logger.Global().WithPrefix("broker"),
	}
}

// Enqueue inserts a pending entry and notifies the UI.
func (b *ConfirmationBroker) Enqueue(request *policy.EffectRequest, outcome *policy.Outcome) {
	b.mu.Lock()
	b.pending[request.ID] = &PendingConfirmation{
		Request:     request,
		Outcome:     outcome,
		RequestedAt: time.Now(),
	}
	b.mu.Unlock()

	b.log.Info("Confirmation required for %s (%s)", request.ID, request.EffectType)
	b.emitter.Emit("effect-confirmation-required", toConfirmationRequest(request, outcome.Policy))
}

// Confirm resolves a pending entry as approved. With remember=true the
// request is promoted into the session approval memory.
func (b *ConfirmationBroker) Confirm(requestID string, remember bool) (*policy.EffectResponse, error) {
	entry, err := b.take(requestID)
	if err != nil {
		return nil, err
	}

	if remember && b.memory != nil {
		sessionID := ""
		if entry.Request.Context != nil {
			sessionID = entry.Request.Context.TaskID
		}
		b.memory.RememberRequest(sessionID, entry.Request)
	}

	response := b.engine.ToResponse(entry.Outcome, true)
	b.logAudit(audit.ConfirmedEvent(entry.Request, remember))
	b.emitter.Emit("effect-confirmed", response)

	b.log.Info("Effect confirmed by user: %s (remember: %v)", requestID, remember)
	return response, nil
}

// Deny resolves a pending entry as denied.
func (b *ConfirmationBroker) Deny(requestID, reason string) (*policy.EffectResponse, error) {
	entry, err := b.take(requestID)
	if err != nil {
		return nil, err
	}

	denialReason := reason
	if denialReason == "" {
		denialReason = "user_denied"
	}

	response := &policy.EffectResponse{
		RequestID:    requestID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Approved:     false,
		DenialReason: denialReason,
		DenialCode:   "user_denied",
	}

	b.logAudit(audit.DeniedEvent(entry.Request, reason))
	b.emitter.Emit("effect-denied", response)

	b.log.Info("Effect denied by user: %s", requestID)
	return response, nil
}

// List snapshots the pending entries for UI display.
func (b *ConfirmationBroker) List() []ConfirmationRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ConfirmationRequest, 0, len(b.pending))
	for _, entry := range b.pending {
		out = append(out, toConfirmationRequest(entry.Request, entry.Outcome.Policy))
	}
	return out
}

// Len returns the number of pending entries.
func (b *ConfirmationBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// DropAll discards every pending entry as denied; used on supervisor
// shutdown.
func (b *ConfirmationBroker) DropAll() {
	b.mu.Lock()
	entries := b.pending
	b.pending = make(map[string]*PendingConfirmation)
	b.mu.Unlock()

	for id, entry := range entries {
		b.logAudit(audit.DeniedEvent(entry.Request, "shutdown"))
		b.log.Info("Pending confirmation %s dropped on shutdown", id)
	}
}

func (b *ConfirmationBroker) take(requestID string) (*PendingConfirmation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.pending[requestID]
	if !ok {
		return nil, fmt.Errorf("no pending confirmation found for %s", requestID)
	}
	delete(b.pending, requestID)
	return entry, nil
}

func (b *ConfirmationBroker) logAudit(event audit.Event) {
	if b.sink == nil {
		return
	}
	if err := b.sink.Log(event); err != nil {
		b.log.Warn("Audit write failed: %v", err)
	}
}

func toConfirmationRequest(request *policy.EffectRequest, confirmationPolicy policy.ConfirmationPolicy) ConfirmationRequest {
	details := make(map[string]interface{})
	if request.Payload.Path != "" {
		details["path"] = request.Payload.Path
	}
	if request.Payload.Command != "" {
		details["command"] = request.Payload.Command
	}
	if request.Payload.URL != "" {
		details["url"] = request.Payload.URL
	}
	if request.Payload.Description != "" {
		details["description"] = request.Payload.Description
	}

	description := request.Payload.Description
	if description == "" && request.Context != nil {
		description = request.Context.Reasoning
	}
	if description == "" {
		description = fmt.Sprintf("Request for %s access", request.EffectType)
	}

	return ConfirmationRequest{
		RequestID:   request.ID,
		EffectType:  string(request.EffectType),
		Source:      string(request.Source),
		SourceID:    request.SourceID,
		Description: description,
		Details:     details,
		RiskLevel:   policy.RiskLevel(request.EffectType),
		Policy:      string(confirmationPolicy),
	}
}
