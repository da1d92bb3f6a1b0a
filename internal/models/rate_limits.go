package models

import "time"

// RateLimitEntry tracks one (rule, identifier) pair.
type RateLimitEntry struct {
	Attempts     []time.Time `json:"attempts"`
	FirstAttempt time.Time   `json:"firstAttempt"`
	LastAttempt  time.Time   `json:"lastAttempt"`
	Blocked      bool        `json:"blocked"`
	BlockExpiry  time.Time   `json:"blockExpiry,omitempty"`
	// Violations counts blocks imposed since the entry was created.
	Violations int `json:"violations"`
}
