// Package policy evaluates effect requests from the sidecar agent against
// the user's policy configuration. Evaluation is pure over (config,
// request); the session approval memory and telemetry registries live in
// separate types owned by the same package.
package policy

// EffectType is the closed set of externally observable side effects an
// agent may request.
type EffectType string

const (
	FilesystemRead  EffectType = "filesystem:read"
	FilesystemWrite EffectType = "filesystem:write"
	ShellRead       EffectType = "shell:read"
	ShellWrite      EffectType = "shell:write"
	NetworkOutbound EffectType = "network:outbound"
	SecretsRead     EffectType = "secrets:read"
	ScreenCapture   EffectType = "screen:capture"
	UIControl       EffectType = "ui:control"
)

// EffectSource identifies where a request originated inside the sidecar.
type EffectSource string

const (
	SourceAgent       EffectSource = "agent"
	SourceToolpack    EffectSource = "toolpack"
	SourceClaudeSkill EffectSource = "claude_skill"
)

// ConfirmationPolicy controls how often the user is asked about an effect
// type. never auto-approves, once re-asks every time after approving,
// session remembers until restart, permanent remembers across restarts,
// always asks every time.
type ConfirmationPolicy string

const (
	PolicyNever     ConfirmationPolicy = "never"
	PolicyOnce      ConfirmationPolicy = "once"
	PolicySession   ConfirmationPolicy = "session"
	PolicyPermanent ConfirmationPolicy = "permanent"
	PolicyAlways    ConfirmationPolicy = "always"
)

// EffectScope narrows what an approved effect may touch.
type EffectScope struct {
	WorkspacePaths    []string `json:"workspacePaths,omitempty"`
	AllowedExtensions []string `json:"allowedExtensions,omitempty"`
	ExcludedPaths     []string `json:"excludedPaths,omitempty"`
	CommandAllowlist  []string `json:"commandAllowlist,omitempty"`
	CommandBlocklist  []string `json:"commandBlocklist,omitempty"`
	DomainAllowlist   []string `json:"domainAllowlist,omitempty"`
	DomainBlocklist   []string `json:"domainBlocklist,omitempty"`
	MaxFileSizeBytes  uint64   `json:"maxFileSizeBytes,omitempty"`
	TimeoutMs         uint64   `json:"timeoutMs,omitempty"`
}

// EffectPayload carries the effect-type-specific fields of a request.
// Only the fields relevant to the effect type are populated.
type EffectPayload struct {
	Path        string            `json:"path,omitempty"`
	Content     string            `json:"content,omitempty"`
	Operation   string            `json:"operation,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	URL         string            `json:"url,omitempty"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Description string            `json:"description,omitempty"`
}

// EffectContext is optional provenance attached by the agent.
type EffectContext struct {
	TaskID    string `json:"taskId,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// EffectRequest is an immutable record describing one proposed effect.
type EffectRequest struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	EffectType EffectType     `json:"effectType"`
	Source     EffectSource   `json:"source"`
	SourceID   string         `json:"sourceId,omitempty"`
	Payload    EffectPayload  `json:"payload"`
	Context    *EffectContext `json:"context,omitempty"`
	Scope      *EffectScope   `json:"scope,omitempty"`
	RiskScore  *int           `json:"riskScore,omitempty"`
}

// EffectResponse is the host's answer to an effect request, sent back
// over the wire.
type EffectResponse struct {
	RequestID     string             `json:"requestId"`
	Timestamp     string             `json:"timestamp"`
	Approved      bool               `json:"approved"`
	ApprovalType  ConfirmationPolicy `json:"approvalType,omitempty"`
	ExpiresAt     string             `json:"expiresAt,omitempty"`
	DenialReason  string             `json:"denialReason,omitempty"`
	DenialCode    string             `json:"denialCode,omitempty"`
	ModifiedScope *EffectScope       `json:"modifiedScope,omitempty"`
}

// Lists holds the three allow/block list kinds.
type Lists struct {
	Commands []string `json:"commands"`
	Domains  []string `json:"domains"`
	Paths    []string `json:"paths"`
}

// Config is the user's policy configuration.
type Config struct {
	DefaultPolicies map[EffectType]ConfirmationPolicy `json:"defaultPolicies"`
	Allowlists      Lists                             `json:"allowlists"`
	Blocklists      Lists                             `json:"blocklists"`
	DeniedEffects   []EffectType                      `json:"deniedEffects"`
}

// DefaultConfig encodes the conservative default posture: reads are
// silent, writes and capture ask every time, shell reads and network
// calls ask once, secrets and UI control are denied outright.
func DefaultConfig() *Config {
	return &Config{
		DefaultPolicies: map[EffectType]ConfirmationPolicy{
			FilesystemRead:  PolicyNever,
			FilesystemWrite: PolicyAlways,
			ShellRead:       PolicyOnce,
			ShellWrite:      PolicyAlways,
			NetworkOutbound: PolicyOnce,
			SecretsRead:     PolicyAlways,
			ScreenCapture:   PolicyAlways,
			UIControl:       PolicyAlways,
		},
		Allowlists:    Lists{Commands: []string{}, Domains: []string{}, Paths: []string{}},
		Blocklists:    Lists{Commands: []string{}, Domains: []string{}, Paths: []string{}},
		DeniedEffects: []EffectType{SecretsRead, UIControl},
	}
}
