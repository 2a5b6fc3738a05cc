package sync

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/kestrelmail/kestrel/internal/auth"
	"github.com/kestrelmail/kestrel/internal/provider"
)

// Kind classifies a sync failure for retry decisions and user reporting.
type Kind int

const (
	// KindUnknown covers failures with no better classification. Not
	// retried automatically; the next scheduled attempt may recover.
	KindUnknown Kind = iota

	// KindTransient covers network failures and upstream 5xx responses.
	KindTransient

	// KindRateLimited covers quota rejections, optionally carrying a
	// server-suggested retry delay.
	KindRateLimited

	// KindAuthExpired means the account needs re-authentication. Never
	// retried automatically.
	KindAuthExpired

	// KindValidation covers malformed requests. Terminal.
	KindValidation

	// KindNotFound covers missing resources, including expired history
	// cursors. Terminal at the operation level.
	KindNotFound
)

// String returns the taxonomy name used in logs and events.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient-network"
	case KindRateLimited:
		return "rate-limited"
	case KindAuthExpired:
		return "authentication-expired"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this kind may be retried with
// backoff.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Classify maps an error to its failure kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, auth.ErrReauthRequired) {
		return KindAuthExpired
	}

	var authErr *provider.AuthError
	if errors.As(err, &authErr) {
		return KindAuthExpired
	}

	var rateErr *provider.RateLimitError
	if errors.As(err, &rateErr) {
		return KindRateLimited
	}

	var notFound *provider.NotFoundError
	if errors.As(err, &notFound) {
		return KindNotFound
	}

	var validation *provider.ValidationError
	if errors.As(err, &validation) {
		return KindValidation
	}

	var serverErr *provider.ServerError
	if errors.As(err, &serverErr) {
		return KindTransient
	}

	var transportErr *provider.TransportError
	if errors.As(err, &transportErr) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	return KindUnknown
}

// RetryAfter extracts a server-suggested retry delay, or zero.
func RetryAfter(err error) time.Duration {
	var rateErr *provider.RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter
	}
	return 0
}

// RetryPolicy computes backoff delays for retryable sync failures.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	MaxRetries int
}

// DefaultRetryPolicy returns the policy used when config doesn't override.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  2 * time.Second,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2.0,
		MaxRetries: 5,
	}
}

// Delay returns the backoff before retry number attempt (0-based). A
// server-provided retryAfter overrides the computed delay.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}

	delay := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.Multiplier
		if time.Duration(delay) >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	d := time.Duration(delay)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
