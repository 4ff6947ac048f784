package domain

import "time"

// Security event types. The recorder is append-only; nothing edits an event
// after the fact.
const (
	EventLoginSuccess       = "login-success"
	EventLoginFailure       = "login-failure"
	EventTokenIssued        = "token-issued"
	EventTokenRevoked       = "token-revoked"
	EventRateLimitExceeded  = "rate-limit-exceeded"
	EventUnauthorizedAccess = "unauthorized-access"
	EventSuspiciousActivity = "suspicious-activity"
	EventMFASuccess         = "mfa-success"
	EventMFAFailure         = "mfa-failure"
	EventBruteForceDetected = "brute-force-detected"
	EventAccountLocked      = "account-locked"
)

// Event severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SecurityEvent is one row in the append-only audit log. RiskScore is derived
// at record time from the trailing failure history of the subject and source
// IP, clamped to [0, 10].
type SecurityEvent struct {
	ID        string // ULID
	Type      string
	SubjectID string
	ClientID  string
	IPAddress string
	UserAgent string
	Success   bool
	ErrorCode string
	Severity  string
	RiskScore int
	Details   string
	CreatedAt time.Time
}
