package policy

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Decision is the three-way result of a policy evaluation.
type Decision string

const (
	DecisionApproved             Decision = "approved"
	DecisionRequiresConfirmation Decision = "requires_confirmation"
	DecisionDenied               Decision = "denied"
)

// Outcome carries the decision for one request together with everything
// needed to build the wire response.
type Outcome struct {
	RequestID     string
	Timestamp     string
	Decision      Decision
	Policy        ConfirmationPolicy // approval type or the policy asking for confirmation
	ModifiedScope *EffectScope
	DenialReason  string
	DenialCode    string
}

// Engine evaluates effect requests against a Config. Evaluate is a pure
// function of the config and the request; the mutex only guards config
// replacement at runtime.
type Engine struct {
	mu     sync.RWMutex
	config *Config
}

func NewEngine(config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{config: config}
}

// SetConfig replaces the active configuration.
func (e *Engine) SetConfig(config *Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = config
}

// Config returns the active configuration.
func (e *Engine) Config() *Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// Evaluate decides what to do with a request. Order: unconditional effect
// denials, then blocklists, then the per-effect default policy. A never
// policy approves silently; everything else escalates to the user.
func (e *Engine) Evaluate(request *EffectRequest) *Outcome {
	e.mu.RLock()
	cfg := e.config
	e.mu.RUnlock()

	outcome := &Outcome{
		RequestID: request.ID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	for _, denied := range cfg.DeniedEffects {
		if request.EffectType == denied {
			outcome.Decision = DecisionDenied
			outcome.DenialReason = "effect type denied by policy"
			outcome.DenialCode = "policy_blocked"
			return outcome
		}
	}

	if blocklisted(cfg, request) {
		outcome.Decision = DecisionDenied
		outcome.DenialReason = "request blocked by policy lists"
		outcome.DenialCode = "policy_blocked"
		return outcome
	}

	policy, ok := cfg.DefaultPolicies[request.EffectType]
	if !ok {
		score := RiskScore(request, WriteDirect)
		if score >= RiskDenyThreshold {
			outcome.Decision = DecisionDenied
			outcome.DenialReason = fmt.Sprintf("composite risk score %d exceeds deny threshold", score)
			outcome.DenialCode = "risk_blocked"
			return outcome
		}
		policy = PolicyAlways
	}

	outcome.Policy = policy
	outcome.ModifiedScope = applyAllowlists(cfg, request)

	if policy == PolicyNever {
		outcome.Decision = DecisionApproved
	} else {
		outcome.Decision = DecisionRequiresConfirmation
	}
	return outcome
}

// ToResponse shapes an outcome into the wire response form.
func (e *Engine) ToResponse(outcome *Outcome, approved bool) *EffectResponse {
	response := &EffectResponse{
		RequestID: outcome.RequestID,
		Timestamp: outcome.Timestamp,
		Approved:  approved,
	}

	switch outcome.Decision {
	case DecisionApproved, DecisionRequiresConfirmation:
		response.ApprovalType = outcome.Policy
		response.ModifiedScope = outcome.ModifiedScope
	case DecisionDenied:
		response.DenialReason = outcome.DenialReason
		response.DenialCode = outcome.DenialCode
	}

	return response
}

// blocklisted matches commands by prefix, domains by substring on the raw
// URL, and paths by string prefix.
func blocklisted(cfg *Config, request *EffectRequest) bool {
	if request.Payload.Command != "" {
		for _, blocked := range cfg.Blocklists.Commands {
			if strings.HasPrefix(request.Payload.Command, blocked) {
				return true
			}
		}
	}
	if request.Payload.URL != "" {
		for _, blocked := range cfg.Blocklists.Domains {
			if strings.Contains(request.Payload.URL, blocked) {
				return true
			}
		}
	}
	if request.Payload.Path != "" {
		for _, blocked := range cfg.Blocklists.Paths {
			if strings.HasPrefix(request.Payload.Path, blocked) {
				return true
			}
		}
	}
	return false
}

// applyAllowlists narrows the request's scope: where the request left a
// list unset and the config carries a non-empty allowlist of that kind,
// the allowlist is injected.
func applyAllowlists(cfg *Config, request *EffectRequest) *EffectScope {
	scope := &EffectScope{}
	if request.Scope != nil {
		copied := *request.Scope
		scope = &copied
	}

	if len(cfg.Allowlists.Commands) > 0 && scope.CommandAllowlist == nil {
		scope.CommandAllowlist = append([]string(nil), cfg.Allowlists.Commands...)
	}
	if len(cfg.Allowlists.Domains) > 0 && scope.DomainAllowlist == nil {
		scope.DomainAllowlist = append([]string(nil), cfg.Allowlists.Domains...)
	}
	if len(cfg.Allowlists.Paths) > 0 && scope.WorkspacePaths == nil {
		scope.WorkspacePaths = append([]string(nil), cfg.Allowlists.Paths...)
	}

	return scope
}
