package models

import "time"

type SecurityEventType string

const (
	EventUserRegistered       SecurityEventType = "user_registered"
	EventLoginSucceeded       SecurityEventType = "login_succeeded"
	EventLoginFailed          SecurityEventType = "login_failed"
	EventRateLimited          SecurityEventType = "rate_limited"
	EventOTPExhausted         SecurityEventType = "otp_exhausted"
	EventRefreshReuseDetected SecurityEventType = "refresh_reuse_detected"
	EventLogout               SecurityEventType = "logout"
)

type SecurityEvent struct {
	ID         string            `json:"id" ch:"id"`
	Type       SecurityEventType `json:"type" ch:"event_type"`
	UserID     string            `json:"userId,omitempty" ch:"user_id"`
	Email      string            `json:"email,omitempty" ch:"email"`
	IPAddress  string            `json:"ipAddress,omitempty" ch:"ip_address"`
	SessionID  string            `json:"sessionId,omitempty" ch:"session_id"`
	Details    string            `json:"details,omitempty" ch:"details"`
	OccurredAt time.Time         `json:"occurredAt" ch:"occurred_at"`
}
