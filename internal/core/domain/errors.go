package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the failure taxonomy. Wrap with fmt.Errorf("...: %w")
// and check with errors.Is.
var (
	// ErrStorage marks read/write failures against the persistent store
	// (quota exceeded, backend unavailable). Retried per strategy after
	// local remediation.
	ErrStorage = errors.New("storage failure")

	// ErrCorruptEntry marks an entry that is present but not decodable.
	// Handled locally: the entry is removed and the read reports a miss.
	ErrCorruptEntry = errors.New("corrupt cache entry")

	// ErrTransientNetwork marks caller errors whose shape indicates a
	// network or timeout problem. Retried per strategy.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrPermission marks authorization failures. Never retried.
	ErrPermission = errors.New("permission denied")

	// ErrBreakerOpen is returned when a circuit breaker rejects a call
	// without invoking the wrapped function. Distinguishable from the
	// wrapped function's own errors so callers can render different UI.
	ErrBreakerOpen = errors.New("circuit breaker open")
)

// FailureCategory classifies an error for retry decisions.
type FailureCategory string

const (
	CategoryTransient  FailureCategory = "transient"
	CategoryStorage    FailureCategory = "storage"
	CategoryPermission FailureCategory = "permission"
	CategoryCorrupt    FailureCategory = "corrupt"
	CategoryUnknown    FailureCategory = "unknown"
)

// Classify buckets an error by its wrapped sentinel first, then by message
// heuristics. Injected fetchers throw plain errors, so the message is often
// all there is to go on.
func Classify(err error) FailureCategory {
	if err == nil {
		return CategoryUnknown
	}

	switch {
	case errors.Is(err, ErrStorage):
		return CategoryStorage
	case errors.Is(err, ErrCorruptEntry):
		return CategoryCorrupt
	case errors.Is(err, ErrTransientNetwork):
		return CategoryTransient
	case errors.Is(err, ErrPermission):
		return CategoryPermission
	}

	s := strings.ToLower(err.Error())

	// Permission first: these must never be retried, even when the message
	// also mentions a request failing.
	if strings.Contains(s, "permission") || strings.Contains(s, "unauthorized") ||
		strings.Contains(s, "forbidden") || strings.Contains(s, "401") ||
		strings.Contains(s, "403") || strings.Contains(s, "auth") {
		return CategoryPermission
	}

	if strings.Contains(s, "quota") || strings.Contains(s, "storage") ||
		strings.Contains(s, "disk full") || strings.Contains(s, "no space") {
		return CategoryStorage
	}

	if strings.Contains(s, "unmarshal") || strings.Contains(s, "invalid character") ||
		strings.Contains(s, "corrupt") || strings.Contains(s, "unexpected end of json") {
		return CategoryCorrupt
	}

	if strings.Contains(s, "network") || strings.Contains(s, "timeout") ||
		strings.Contains(s, "timed out") || strings.Contains(s, "connection") ||
		strings.Contains(s, "temporarily unavailable") || strings.Contains(s, "deadline exceeded") ||
		strings.Contains(s, "429") || strings.Contains(s, "too many requests") ||
		strings.Contains(s, "rate limit") || strings.Contains(s, "502") ||
		strings.Contains(s, "503") || strings.Contains(s, "504") {
		return CategoryTransient
	}

	return CategoryUnknown
}

// Retryable reports whether an error of the given category may be retried at
// all. Permission failures propagate on first occurrence.
func (c FailureCategory) Retryable() bool {
	return c != CategoryPermission
}

// StorageErrorf wraps ErrStorage with context.
func StorageErrorf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrStorage)...)
}
