package job

import "time"

// EventType classifies a SecurityEvent
type EventType string

// Security event types
const (
	EventPermissionDenied   EventType = "permission_denied"
	EventResourceExceeded   EventType = "resource_exceeded"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventPolicyViolation    EventType = "policy_violation"
)

// Severity ranks how serious a security event is
type Severity string

// Severity levels, lowest to highest
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for comparison
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is as severe as min
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Action records what the engine did about the event
type Action string

// Event actions
const (
	ActionBlocked Action = "blocked"
	ActionAllowed Action = "allowed"
	ActionLogged  Action = "logged"
)

// SecurityEvent is an append-only audit record of a policy-relevant
// occurrence.
type SecurityEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Details   string    `json:"details"`
	Action    Action    `json:"action"`
}
