// internal/judge/quota.go
package judge

import (
	"errors"
	"fmt"
	"strings"
)

// ErrQuota marks a judge call rejected for rate or quota reasons.
var ErrQuota = errors.New("judge quota exceeded")

// QuotaError carries the transport detail of a quota rejection. It unwraps to ErrQuota.
type QuotaError struct {
	StatusCode int
	Message    string
}

func (e *QuotaError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("quota rejection (status %d): %s", e.StatusCode, e.Message)
	}
	return "quota rejection: " + e.Message
}

func (e *QuotaError) Unwrap() error { return ErrQuota }

var quotaPatterns = []string{
	"429",
	"quota",
	"rate limit",
	"ratelimit",
	"resource_exhausted",
	"resource exhausted",
	"too many requests",
}

// IsQuotaError reports whether err is a quota rejection, either typed or recognised
// from its message.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuota) {
		return true
	}
	return matchesQuota(err.Error())
}

func matchesQuota(msg string) bool {
	msg = strings.ToLower(msg)
	for _, p := range quotaPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
