package policy

// RiskLevel is the advisory per-effect-type score shown next to a
// confirmation prompt, on a 1-100 scale.
func RiskLevel(effectType EffectType) int {
	switch effectType {
	case FilesystemRead:
		return 20
	case FilesystemWrite:
		return 70
	case ShellRead:
		return 30
	case ShellWrite:
		return 90
	case NetworkOutbound:
		return 50
	case SecretsRead:
		return 100
	case ScreenCapture:
		return 60
	case UIControl:
		return 100
	default:
		return 100
	}
}

// WriteMode distinguishes how a filesystem write reaches the disk.
type WriteMode string

const (
	WriteShadow WriteMode = "shadow"
	WritePatch  WriteMode = "patch"
	WriteDirect WriteMode = "direct"
)

// RiskScore computes the composite score consulted when no explicit
// policy entry covers a request: a base by effect kind, a small additive
// by source, plus half the agent-declared score, clamped to 0-100.
// Scores at or above RiskDenyThreshold deny outright; everything else
// without a policy entry still escalates to the user.
func RiskScore(request *EffectRequest, mode WriteMode) int {
	base := 0
	switch request.EffectType {
	case FilesystemWrite:
		switch mode {
		case WriteShadow:
			base = 30
		case WritePatch:
			base = 50
		default:
			base = 70
		}
	case ShellWrite:
		base = 80
	case NetworkOutbound:
		base = 40
	case ScreenCapture:
		base = 30
	}

	switch request.Source {
	case SourceToolpack:
		base += 10
	case SourceClaudeSkill:
		base += 5
	}

	if request.RiskScore != nil {
		base += *request.RiskScore / 2
	}

	if base > 100 {
		return 100
	}
	if base < 0 {
		return 0
	}
	return base
}

// RiskDenyThreshold is the composite score at which a request with no
// covering policy entry is denied without asking.
const RiskDenyThreshold = 80
