package policy

import (
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ApprovalPattern is a time-bounded auto-approve rule promoted from a
// user confirmation with remember=true.
type ApprovalPattern struct {
	EffectType EffectType `json:"effectType"`
	Pattern    string     `json:"pattern"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}

// SessionMemory holds approval patterns per sidecar session. Matching is
// by path glob for filesystem writes, command prefix for shell writes,
// and host suffix for network calls. Expiry is checked on every lookup.
type SessionMemory struct {
	mu       sync.Mutex
	patterns map[string][]ApprovalPattern // session id -> patterns
	ttl      time.Duration
}

const defaultApprovalTTL = time.Hour

func NewSessionMemory() *SessionMemory {
	return &SessionMemory{
		patterns: make(map[string][]ApprovalPattern),
		ttl:      defaultApprovalTTL,
	}
}

// Remember stores an auto-approve pattern for sessionID. The pattern's
// meaning depends on the effect type; see Matches.
func (m *SessionMemory) Remember(sessionID string, effectType EffectType, pattern string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.patterns[sessionID] = append(m.patterns[sessionID], ApprovalPattern{
		EffectType: effectType,
		Pattern:    pattern,
		ExpiresAt:  time.Now().Add(m.ttl),
	})
}

// RememberRequest derives the pattern from the request itself: the write
// path, the command's first word, or the URL host.
func (m *SessionMemory) RememberRequest(sessionID string, request *EffectRequest) {
	pattern := ""
	switch request.EffectType {
	case FilesystemWrite:
		pattern = request.Payload.Path
	case ShellWrite:
		fields := strings.Fields(request.Payload.Command)
		if len(fields) > 0 {
			pattern = fields[0]
		}
	case NetworkOutbound:
		if u, err := url.Parse(request.Payload.URL); err == nil {
			pattern = u.Hostname()
		}
	}
	if pattern == "" {
		return
	}
	m.Remember(sessionID, request.EffectType, pattern)
}

// Matches reports whether a live pattern auto-approves the request.
// Expired patterns are pruned as a side effect.
func (m *SessionMemory) Matches(sessionID string, request *EffectRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	patterns := m.patterns[sessionID]
	now := time.Now()
	live := patterns[:0]
	matched := false

	for _, p := range patterns {
		if !p.ExpiresAt.After(now) {
			continue
		}
		live = append(live, p)
		if p.EffectType == request.EffectType && patternMatches(p, request) {
			matched = true
		}
	}

	if len(live) == 0 {
		delete(m.patterns, sessionID)
	} else {
		m.patterns[sessionID] = live
	}
	return matched
}

// Drop discards all patterns for a session.
func (m *SessionMemory) Drop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.patterns, sessionID)
}

func patternMatches(p ApprovalPattern, request *EffectRequest) bool {
	switch p.EffectType {
	case FilesystemWrite:
		if ok, err := filepath.Match(p.Pattern, request.Payload.Path); err == nil && ok {
			return true
		}
		// Globs like **/*.go need a basename comparison too since
		// filepath.Match treats / literally.
		if ok, err := filepath.Match(filepath.Base(p.Pattern), filepath.Base(request.Payload.Path)); err == nil && ok {
			return true
		}
		return p.Pattern == request.Payload.Path
	case ShellWrite:
		return strings.HasPrefix(request.Payload.Command, p.Pattern)
	case NetworkOutbound:
		u, err := url.Parse(request.Payload.URL)
		if err != nil {
			return false
		}
		return strings.HasSuffix(u.Hostname(), p.Pattern)
	default:
		return false
	}
}
