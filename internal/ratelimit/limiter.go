// Package ratelimit implements per-(rule, identifier) request windows with
// exponential-backoff blocking. State is process-local; run one limiter per
// process and front multi-instance deployments with sticky routing.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"wace-auth/internal/bucketing"
	"wace-auth/internal/models"
	"wace-auth/internal/util"

	"go.uber.org/zap"
)

const (
	defaultShards        = 32
	defaultIdleTTL       = 24 * time.Hour
	defaultSweepInterval = time.Minute
	activeWindow         = time.Hour
)

type Result struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"resetAt"`
	RetryAfter int       `json:"retryAfter,omitempty"` // seconds
}

// LoginResult combines the per-email and per-IP login buckets.
type LoginResult struct {
	Allowed bool
	Email   Result
	IP      Result
}

// RetryAfter returns the longer of the two retry hints.
func (r LoginResult) RetryAfter() int {
	if r.Email.RetryAfter > r.IP.RetryAfter {
		return r.Email.RetryAfter
	}
	return r.IP.RetryAfter
}

type Stats struct {
	TotalEntries   int `json:"totalEntries"`
	BlockedEntries int `json:"blockedEntries"`
	ActiveWindows  int `json:"activeWindows"`
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*models.RateLimitEntry
}

type Limiter struct {
	rules         map[RuleType]Rule
	shards        []*shard
	bucketing     *bucketing.BucketingManager
	idleTTL       time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *zap.Logger

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

type Option func(*Limiter)

// WithRules overrides or adds rules on top of DefaultRules.
func WithRules(rules map[RuleType]Rule) Option {
	return func(l *Limiter) {
		for k, v := range rules {
			l.rules[k] = v
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithBucketing(bm *bucketing.BucketingManager) Option {
	return func(l *Limiter) { l.bucketing = bm }
}

func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.idleTTL = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.sweepInterval = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		rules:         DefaultRules(),
		idleTTL:       defaultIdleTTL,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.bucketing == nil {
		l.bucketing = bucketing.NewBucketingManager(defaultShards)
	}
	if l.logger == nil {
		l.logger = util.Named("ratelimit")
	}

	l.shards = make([]*shard, l.bucketing.Buckets())
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[string]*models.RateLimitEntry)}
	}
	return l
}

// Rule returns the rule for t, falling back to api_general for unknown types.
func (l *Limiter) Rule(t RuleType) Rule {
	if r, ok := l.rules[t]; ok {
		return r
	}
	return l.rules[RuleAPIGeneral]
}

func entryKey(t RuleType, identifier string) string {
	return string(t) + ":" + identifier
}

func (l *Limiter) shardFor(key string) *shard {
	return l.shards[l.bucketing.Bucket(key)]
}

// Check charges one request against (t, identifier) and reports whether it may proceed.
func (l *Limiter) Check(t RuleType, identifier string, outcome Outcome) Result {
	rule := l.Rule(t)
	key := entryKey(t, identifier)
	now := l.now()

	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		e = &models.RateLimitEntry{FirstAttempt: now, LastAttempt: now}
		sh.entries[key] = e
	}

	if e.Blocked {
		if e.BlockExpiry.After(now) {
			return blockedResult(rule, e, now)
		}
		e.Blocked = false
		e.BlockExpiry = time.Time{}
	}

	if now.Sub(e.FirstAttempt) > rule.Window {
		e.Attempts = e.Attempts[:0]
		e.FirstAttempt = now
	}

	if rule.counts(outcome) {
		e.Attempts = append(e.Attempts, now)
	}
	e.LastAttempt = now

	count := len(e.Attempts)
	if count > rule.MaxRequests {
		// Violations survive window resets, so each repeat offence escalates.
		e.Violations++
		level := count - rule.MaxRequests + e.Violations - 1
		d := blockDuration(level, rule.Window)
		e.Blocked = true
		e.BlockExpiry = now.Add(d)

		l.logger.Warn("Rate limit exceeded",
			zap.String("rule", string(t)),
			zap.String("identifier", identifier),
			zap.Int("attempts", count),
			zap.Int("violations", e.Violations),
			zap.Duration("block", d),
		)

		return Result{
			Allowed:    false,
			Limit:      rule.MaxRequests,
			Remaining:  0,
			ResetAt:    e.BlockExpiry,
			RetryAfter: ceilSeconds(d),
		}
	}

	return Result{
		Allowed:   true,
		Limit:     rule.MaxRequests,
		Remaining: max(0, rule.MaxRequests-count),
		ResetAt:   e.FirstAttempt.Add(rule.Window),
	}
}

// CheckLogin charges both login buckets; the request passes only if both allow it.
func (l *Limiter) CheckLogin(email, ip string, outcome Outcome) LoginResult {
	emailRes := l.Check(RuleLoginEmail, email, outcome)
	ipRes := l.Check(RuleLoginIP, ip, outcome)
	return LoginResult{
		Allowed: emailRes.Allowed && ipRes.Allowed,
		Email:   emailRes,
		IP:      ipRes,
	}
}

// Refund takes back the latest counted attempt for (t, identifier) on rules
// that skip successful requests. Callers that charge a guess as a failure
// before evaluating it refund once it turns out to be a success.
func (l *Limiter) Refund(t RuleType, identifier string) {
	if !l.Rule(t).SkipSuccessful {
		return
	}
	key := entryKey(t, identifier)

	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok && len(e.Attempts) > 0 {
		e.Attempts = e.Attempts[:len(e.Attempts)-1]
	}
}

// RefundLogin refunds both login buckets.
func (l *Limiter) RefundLogin(email, ip string) {
	l.Refund(RuleLoginEmail, email)
	l.Refund(RuleLoginIP, ip)
}

// GetStatus reports the current state without charging a request.
func (l *Limiter) GetStatus(t RuleType, identifier string) Result {
	rule := l.Rule(t)
	key := entryKey(t, identifier)
	now := l.now()

	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return Result{Allowed: true, Limit: rule.MaxRequests, Remaining: rule.MaxRequests, ResetAt: now.Add(rule.Window)}
	}
	if e.Blocked && e.BlockExpiry.After(now) {
		return blockedResult(rule, e, now)
	}
	if now.Sub(e.FirstAttempt) > rule.Window {
		return Result{Allowed: true, Limit: rule.MaxRequests, Remaining: rule.MaxRequests, ResetAt: now.Add(rule.Window)}
	}

	remaining := max(0, rule.MaxRequests-len(e.Attempts))
	return Result{
		Allowed:   remaining > 0,
		Limit:     rule.MaxRequests,
		Remaining: remaining,
		ResetAt:   e.FirstAttempt.Add(rule.Window),
	}
}

func (l *Limiter) IsBlocked(t RuleType, identifier string) bool {
	key := entryKey(t, identifier)
	now := l.now()

	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	return ok && e.Blocked && e.BlockExpiry.After(now)
}

// Block imposes a manual block of duration d, replacing any existing entry state.
func (l *Limiter) Block(t RuleType, identifier string, d time.Duration) {
	key := entryKey(t, identifier)
	now := l.now()

	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	violations := 1
	if e, ok := sh.entries[key]; ok {
		violations = e.Violations + 1
	}
	sh.entries[key] = &models.RateLimitEntry{
		FirstAttempt: now,
		LastAttempt:  now,
		Blocked:      true,
		BlockExpiry:  now.Add(d),
		Violations:   violations,
	}
}

// Reset drops all state for (t, identifier).
func (l *Limiter) Reset(t RuleType, identifier string) {
	key := entryKey(t, identifier)
	sh := l.shardFor(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
}

// Cleanup removes entries idle for longer than the idle TTL and returns how many it removed.
func (l *Limiter) Cleanup() int {
	now := l.now()
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			idle := now.Sub(e.LastAttempt) > l.idleTTL
			staleBlock := e.Blocked && e.BlockExpiry.Before(now) && now.Sub(e.FirstAttempt) > l.idleTTL
			if idle || staleBlock {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (l *Limiter) Stats() Stats {
	now := l.now()
	var s Stats
	for _, sh := range l.shards {
		sh.mu.Lock()
		s.TotalEntries += len(sh.entries)
		for _, e := range sh.entries {
			if e.Blocked && e.BlockExpiry.After(now) {
				s.BlockedEntries++
			}
			if now.Sub(e.LastAttempt) < activeWindow {
				s.ActiveWindows++
			}
		}
		sh.mu.Unlock()
	}
	return s
}

// Start runs Cleanup on the sweep interval until ctx is done or Stop is called.
func (l *Limiter) Start(ctx context.Context) {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()
	if l.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(l.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.Cleanup(); n > 0 {
					l.logger.Debug("Rate limit sweep", zap.Int("removed", n))
				}
			}
		}
	}(l.done)
}

func (l *Limiter) Stop() {
	l.lifecycleMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func blockedResult(rule Rule, e *models.RateLimitEntry, now time.Time) Result {
	return Result{
		Allowed:    false,
		Limit:      rule.MaxRequests,
		Remaining:  0,
		ResetAt:    e.BlockExpiry,
		RetryAfter: ceilSeconds(e.BlockExpiry.Sub(now)),
	}
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
