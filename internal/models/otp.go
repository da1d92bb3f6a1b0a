package models

import "time"

// OTPRecord is the single pending code for an email.
type OTPRecord struct {
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"createdAt"`
}

func (o *OTPRecord) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}
