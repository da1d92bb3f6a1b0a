package ratelimit

import "time"

type RuleType string

const (
	RuleOTPGeneration    RuleType = "otp_generation"
	RuleOTPVerification  RuleType = "otp_verification"
	RuleLoginEmail       RuleType = "login_email"
	RuleLoginIP          RuleType = "login_ip"
	RuleRegistrationIP   RuleType = "registration_ip"
	RulePasswordReset    RuleType = "password_reset"
	RuleAPIGeneral       RuleType = "api_general"
	RuleAPIAuthenticated RuleType = "api_authenticated"
)

// MaxBlock caps every backoff block.
const MaxBlock = 24 * time.Hour

type Rule struct {
	Window         time.Duration
	MaxRequests    int
	SkipSuccessful bool
	SkipFailed     bool
}

// DefaultRules returns a fresh copy of the built-in rule table.
func DefaultRules() map[RuleType]Rule {
	return map[RuleType]Rule{
		RuleOTPGeneration:    {Window: time.Hour, MaxRequests: 10},
		RuleOTPVerification:  {Window: 15 * time.Minute, MaxRequests: 5, SkipSuccessful: true},
		RuleLoginEmail:       {Window: 30 * time.Minute, MaxRequests: 5, SkipSuccessful: true},
		RuleLoginIP:          {Window: 15 * time.Minute, MaxRequests: 10, SkipSuccessful: true},
		RuleRegistrationIP:   {Window: time.Hour, MaxRequests: 20},
		RulePasswordReset:    {Window: time.Hour, MaxRequests: 3},
		RuleAPIGeneral:       {Window: time.Minute, MaxRequests: 60},
		RuleAPIAuthenticated: {Window: time.Minute, MaxRequests: 120},
	}
}

// Outcome tells Check whether the guarded action succeeded.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

// counts applies the rule's skip flags. An unknown outcome is treated like a
// failure, so it is skipped only by SkipFailed rules.
func (r Rule) counts(o Outcome) bool {
	if o == OutcomeSuccess && r.SkipSuccessful {
		return false
	}
	if o != OutcomeSuccess && r.SkipFailed {
		return false
	}
	return true
}

// blockDuration is min(2^(level-1) * window, MaxBlock) for level >= 1.
func blockDuration(level int, window time.Duration) time.Duration {
	if window <= 0 {
		return MaxBlock
	}
	d := window
	for i := 1; i < level; i++ {
		// doubling stops at the cap, so d never overflows
		if d >= MaxBlock {
			return MaxBlock
		}
		d *= 2
	}
	return min(d, MaxBlock)
}
