// Package dispatch handles agent-originated commands from the sidecar:
// effect requests through the policy engine, patch proposals through the
// shadow filesystem, and identity/telemetry reports into the registries.
// Every command is answered with exactly one response message.
package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/coworkany/coworkany/internal/audit"
	"github.com/coworkany/coworkany/internal/broker"
	"github.com/coworkany/coworkany/internal/diffengine"
	"github.com/coworkany/coworkany/internal/logger"
	"github.com/coworkany/coworkany/internal/policy"
	"github.com/coworkany/coworkany/internal/shadowfs"
	"github.com/coworkany/coworkany/internal/sidecar"
)

// Dispatcher routes agent commands to the host components.
type Dispatcher struct {
	engine   *policy.Engine
	memory   *policy.SessionMemory
	broker   *broker.ConfirmationBroker
	shadow   *shadowfs.ShadowFS
	registry *policy.Registry
	sink     audit.Sink
	log      *logger.Logger
}

// New wires a dispatcher over the host components.
func New(engine *policy.Engine, memory *policy.SessionMemory, confirmations *broker.ConfirmationBroker, shadow *shadowfs.ShadowFS, registry *policy.Registry, sink audit.Sink) *Dispatcher {
	return &Dispatcher{
		engine:   engine,
		memory:   memory,
		broker:   confirmations,
		shadow:   shadow,
		registry: registry,
		sink:     sink,
		log:      logger.Global().WithPrefix("dispatch"),
	}
}

// HandleCommand processes one agent-originated command and always sends
// a response, success or structured error.
func (d *Dispatcher) HandleCommand(msg *sidecar.Message, reply sidecar.Responder) {
	var payload interface{}

	switch msg.Type {
	case "request_effect":
		payload = d.handleRequestEffect(msg)
	case "propose_patch":
		payload = d.handleProposePatch(msg)
	case "apply_patch":
		payload = d.handleApplyPatch(msg)
	case "reject_patch":
		payload = d.handleRejectPatch(msg)
	case "register_agent_identity":
		payload = d.handleRegisterIdentity(msg)
	case "record_agent_delegation":
		payload = d.handleRecordDelegation(msg)
	case "report_mcp_gateway_decision":
		payload = d.handleMcpDecision(msg)
	case "report_runtime_security_alert":
		payload = d.handleSecurityAlert(msg)
	default:
		payload = errorResult(fmt.Sprintf("unknown command type: %s", msg.Type))
	}

	response, err := sidecar.NewResponse(msg, payload)
	if err != nil {
		d.log.Error("Failed to build response for %s: %v", msg.Type, err)
		return
	}
	if err := reply.SendCommand(response); err != nil {
		d.log.Error("Failed to send %s: %v", response.Type, err)
	}
}

func (d *Dispatcher) handleRequestEffect(msg *sidecar.Message) interface{} {
	var request policy.EffectRequest
	if err := json.Unmarshal(msg.Payload, &request); err != nil {
		return errorResult(fmt.Sprintf("invalid effect request: %v", err))
	}

	outcome := d.engine.Evaluate(&request)
	d.logAudit(audit.RequestEvent(&request, outcome))

	switch outcome.Decision {
	case policy.DecisionApproved:
		return d.engine.ToResponse(outcome, true)

	case policy.DecisionDenied:
		return d.engine.ToResponse(outcome, false)

	default:
		if d.memory != nil && d.memory.Matches(sessionOf(&request), &request) {
			d.log.Info("Effect %s auto-approved from session memory", request.ID)
			response := d.engine.ToResponse(outcome, true)
			response.ApprovalType = policy.PolicySession
			return response
		}

		d.broker.Enqueue(&request, outcome)
		return &policy.EffectResponse{
			RequestID:    request.ID,
			Timestamp:    outcome.Timestamp,
			Approved:     false,
			DenialReason: "awaiting_confirmation",
		}
	}
}

type proposePatchPayload struct {
	Patch    *diffengine.FilePatch `json:"patch,omitempty"`
	RawDiff  string                `json:"rawDiff,omitempty"`
	FilePath string                `json:"filePath,omitempty"`
}

type patchResult struct {
	Success    bool   `json:"success"`
	PatchID    string `json:"patchId,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
	BackupPath string `json:"backup_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (d *Dispatcher) handleProposePatch(msg *sidecar.Message) interface{} {
	var proposal proposePatchPayload
	if err := json.Unmarshal(msg.Payload, &proposal); err != nil {
		return errorResult(fmt.Sprintf("invalid patch proposal: %v", err))
	}

	patch := proposal.Patch
	if patch == nil {
		if proposal.RawDiff == "" {
			return errorResult("patch proposal carries neither patch nor rawDiff")
		}
		parsed, err := diffengine.ParseUnified(proposal.RawDiff, proposal.FilePath)
		if err != nil {
			return errorResult(fmt.Sprintf("failed to parse diff: %v", err))
		}
		patch = parsed
	}
	if patch.FilePath == "" {
		return errorResult("patch proposal is missing file_path")
	}

	original := ""
	if data, err := os.ReadFile(patch.FilePath); err == nil {
		original = string(data)
	} else if !os.IsNotExist(err) {
		return errorResult(fmt.Sprintf("failed to read %s: %v", patch.FilePath, err))
	}

	content, err := diffengine.Apply(original, patch)
	if err != nil {
		return errorResult(fmt.Sprintf("patch does not apply: %v", err))
	}

	entry, err := d.shadow.StageWithPatch(patch.FilePath, content, patch)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to stage patch: %v", err))
	}

	d.logAudit(audit.Event{
		ID:        "audit-stage-" + entry.ID,
		Timestamp: now(),
		EventType: "patch_staged",
		Note:      fmt.Sprintf("Staged %s for %s", entry.ID, patch.FilePath),
	})

	return &patchResult{Success: true, PatchID: entry.ID}
}

type applyPatchPayload struct {
	PatchID      string `json:"patchId"`
	CreateBackup *bool  `json:"createBackup,omitempty"`
}

func (d *Dispatcher) handleApplyPatch(msg *sidecar.Message) interface{} {
	var request applyPatchPayload
	if err := json.Unmarshal(msg.Payload, &request); err != nil {
		return errorResult(fmt.Sprintf("invalid apply request: %v", err))
	}

	entry, ok := d.shadow.Get(request.PatchID)
	if !ok {
		return errorResult(fmt.Sprintf("unknown patch: %s", request.PatchID))
	}

	// Destructive operations get a second policy pass; the staged diff
	// the user saw does not show a delete or rename as such.
	if entry.Patch != nil && (entry.Patch.Operation == diffengine.OpDelete || entry.Patch.Operation == diffengine.OpRename) {
		synthetic := &policy.EffectRequest{
			ID:         "apply-" + entry.ID,
			Timestamp:  now(),
			EffectType: policy.FilesystemWrite,
			Source:     policy.SourceAgent,
			Payload: policy.EffectPayload{
				Path:      entry.OriginalPath,
				Operation: string(entry.Patch.Operation),
			},
		}
		outcome := d.engine.Evaluate(synthetic)
		d.logAudit(audit.RequestEvent(synthetic, outcome))

		switch outcome.Decision {
		case policy.DecisionDenied:
			return &patchResult{Success: false, FilePath: entry.OriginalPath, Error: outcome.DenialReason}

		case policy.DecisionRequiresConfirmation:
			if d.memory == nil || !d.memory.Matches(sessionOf(synthetic), synthetic) {
				// Same path as request_effect: park it with the broker
				// and let the user answer; the agent retries the apply.
				d.broker.Enqueue(synthetic, outcome)
				return &patchResult{Success: false, FilePath: entry.OriginalPath, Error: "awaiting_confirmation"}
			}
		}
	}

	createBackup := true
	if request.CreateBackup != nil {
		createBackup = *request.CreateBackup
	}

	result, err := d.shadow.Apply(request.PatchID, createBackup)
	if err != nil {
		d.logAudit(audit.Event{
			ID:        "audit-apply-" + request.PatchID,
			Timestamp: now(),
			EventType: "patch_apply_failed",
			Note:      err.Error(),
		})
		return errorResult(err.Error())
	}

	d.logAudit(audit.Event{
		ID:        "audit-apply-" + request.PatchID,
		Timestamp: now(),
		EventType: "patch_applied",
		Note:      fmt.Sprintf("Applied %s to %s (success: %v)", request.PatchID, result.FilePath, result.Success),
	})

	return &patchResult{
		Success:    result.Success,
		PatchID:    request.PatchID,
		FilePath:   result.FilePath,
		BackupPath: result.BackupPath,
		Error:      result.Error,
	}
}

func (d *Dispatcher) handleRejectPatch(msg *sidecar.Message) interface{} {
	var request struct {
		PatchID string `json:"patchId"`
	}
	if err := json.Unmarshal(msg.Payload, &request); err != nil {
		return errorResult(fmt.Sprintf("invalid reject request: %v", err))
	}

	if err := d.shadow.Reject(request.PatchID); err != nil {
		return errorResult(err.Error())
	}

	d.logAudit(audit.Event{
		ID:        "audit-reject-" + request.PatchID,
		Timestamp: now(),
		EventType: "patch_rejected",
		Note:      fmt.Sprintf("Rejected %s", request.PatchID),
	})

	return &patchResult{Success: true, PatchID: request.PatchID}
}

func (d *Dispatcher) handleRegisterIdentity(msg *sidecar.Message) interface{} {
	var identity policy.AgentIdentity
	if err := json.Unmarshal(msg.Payload, &identity); err != nil {
		return errorResult(fmt.Sprintf("invalid identity: %v", err))
	}
	if identity.SessionID == "" {
		return errorResult("identity is missing sessionId")
	}
	d.registry.RegisterIdentity(identity)
	return okResult()
}

func (d *Dispatcher) handleRecordDelegation(msg *sidecar.Message) interface{} {
	var delegation policy.AgentDelegation
	if err := json.Unmarshal(msg.Payload, &delegation); err != nil {
		return errorResult(fmt.Sprintf("invalid delegation: %v", err))
	}
	d.registry.RecordDelegation(delegation)
	return okResult()
}

func (d *Dispatcher) handleMcpDecision(msg *sidecar.Message) interface{} {
	var decision policy.McpGatewayDecision
	if err := json.Unmarshal(msg.Payload, &decision); err != nil {
		return errorResult(fmt.Sprintf("invalid gateway decision: %v", err))
	}
	d.registry.RecordMcpDecision(decision)
	return okResult()
}

func (d *Dispatcher) handleSecurityAlert(msg *sidecar.Message) interface{} {
	var alert policy.RuntimeSecurityAlert
	if err := json.Unmarshal(msg.Payload, &alert); err != nil {
		return errorResult(fmt.Sprintf("invalid security alert: %v", err))
	}
	d.registry.RecordAlert(alert)
	d.log.Warn("Runtime security alert: %s (score %d, action %s)", alert.ThreatType, alert.Score, alert.Action)
	return okResult()
}

func (d *Dispatcher) logAudit(event audit.Event) {
	if d.sink == nil {
		return
	}
	if err := d.sink.Log(event); err != nil {
		d.log.Warn("Audit write failed: %v", err)
	}
}

func sessionOf(request *policy.EffectRequest) string {
	if request.Context != nil {
		return request.Context.TaskID
	}
	return ""
}

func errorResult(message string) map[string]interface{} {
	return map[string]interface{}{"success": false, "error": message}
}

func okResult() map[string]interface{} {
	return map[string]interface{}{"success": true}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
