package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Event classifies a security-relevant occurrence for the audit log.
type Event string

const (
	EventOriginDenied     Event = "origin_denied"
	EventRateLimited      Event = "rate_limited"
	EventInvalidToken     Event = "invalid_token"
	EventCodeReplayed     Event = "code_replayed"
	EventPKCEFailed       Event = "pkce_failed"
	EventProviderError    Event = "provider_error"
	EventClientRegistered Event = "client_registered"
	EventClientAuthFailed Event = "client_auth_failed"
	EventTokenIssued      Event = "token_issued"
)

// Auditor emits structured security audit events. Per-event token buckets
// damp log floods: a scanner hammering the token endpoint produces a bounded
// stream of audit lines instead of drowning the log.
type Auditor struct {
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[Event]*rate.Limiter
	perEvent rate.Limit
	burst    int
}

// NewAuditor creates an auditor writing to logger. Each event kind is capped
// at perSecond entries per second with the given burst.
func NewAuditor(logger *slog.Logger, perSecond float64, burst int) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &Auditor{
		logger:   logger,
		limiters: make(map[Event]*rate.Limiter),
		perEvent: rate.Limit(perSecond),
		burst:    burst,
	}
}

// Record emits an audit event with the given attributes, subject to damping.
func (a *Auditor) Record(event Event, attrs ...any) {
	if a == nil {
		return
	}
	if !a.limiter(event).Allow() {
		return
	}

	args := make([]any, 0, len(attrs)+2)
	args = append(args, "event", string(event))
	args = append(args, attrs...)
	a.logger.Warn("Security event", args...)
}

func (a *Auditor) limiter(event Event) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.limiters[event]
	if !ok {
		l = rate.NewLimiter(a.perEvent, a.burst)
		a.limiters[event] = l
	}
	return l
}

// HashForLogging produces a short stable digest of a secret so audit lines
// can correlate occurrences without exposing the value itself.
func HashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}
