package policy

import "sync"

// AgentIdentity is a sidecar session announcing itself and its declared
// capabilities.
type AgentIdentity struct {
	SessionID       string   `json:"sessionId"`
	ParentSessionID string   `json:"parentSessionId,omitempty"`
	UserID          string   `json:"userId,omitempty"`
	Capabilities    []string `json:"capabilities"`
	Ephemeral       bool     `json:"ephemeral"`
}

// AgentDelegation records one session spawning another.
type AgentDelegation struct {
	ParentSessionID string `json:"parentSessionId"`
	ChildSessionID  string `json:"childSessionId"`
	Reason          string `json:"reason,omitempty"`
}

// McpGatewayDecision is a decision the sidecar's MCP gateway already
// made, reported for correlation.
type McpGatewayDecision struct {
	ServerID   string `json:"serverId"`
	ToolName   string `json:"toolName"`
	ToolID     string `json:"toolId,omitempty"`
	Decision   string `json:"decision"`
	RiskScore  *int   `json:"riskScore,omitempty"`
	Reason     string `json:"reason,omitempty"`
	PolicyID   string `json:"policyId,omitempty"`
	DurationMs uint64 `json:"durationMs,omitempty"`
}

// RuntimeSecurityAlert is a threat signal raised inside the sidecar.
type RuntimeSecurityAlert struct {
	ThreatType       string `json:"threatType"`
	Score            int    `json:"score"`
	Action           string `json:"action"`
	Detail           string `json:"detail,omitempty"`
	RedactionApplied *bool  `json:"redactionApplied,omitempty"`
}

// Registry is the append-only store for identity and telemetry records.
// Entries do not change policy behavior; they are retained for audit
// correlation and export.
type Registry struct {
	mu          sync.Mutex
	identities  map[string]AgentIdentity
	delegations []AgentDelegation
	decisions   []McpGatewayDecision
	alerts      []RuntimeSecurityAlert
}

func NewRegistry() *Registry {
	return &Registry{identities: make(map[string]AgentIdentity)}
}

func (r *Registry) RegisterIdentity(identity AgentIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[identity.SessionID] = identity
}

func (r *Registry) RecordDelegation(delegation AgentDelegation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegations = append(r.delegations, delegation)
}

func (r *Registry) RecordMcpDecision(decision McpGatewayDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, decision)
}

func (r *Registry) RecordAlert(alert RuntimeSecurityAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

// Identity looks up a registered session.
func (r *Registry) Identity(sessionID string) (AgentIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.identities[sessionID]
	return identity, ok
}

// Snapshot exports a copy of all registries for audit correlation.
func (r *Registry) Snapshot() (map[string]AgentIdentity, []AgentDelegation, []McpGatewayDecision, []RuntimeSecurityAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identities := make(map[string]AgentIdentity, len(r.identities))
	for k, v := range r.identities {
		identities[k] = v
	}
	return identities,
		append([]AgentDelegation(nil), r.delegations...),
		append([]McpGatewayDecision(nil), r.decisions...),
		append([]RuntimeSecurityAlert(nil), r.alerts...)
}
