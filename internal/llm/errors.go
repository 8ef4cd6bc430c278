package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRateLimitRetry   = 60 * time.Minute
	DefaultUnavailableRetry = 5 * time.Minute
)

var ErrNoToolCall = errors.New("model returned no tool call")

type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindRateLimited
	KindUnavailable
	KindUnsupportedTools
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	case KindUnsupportedTools:
		return "unsupported_tools"
	case KindTransient:
		return "transient"
	default:
		return "other"
	}
}

// BackendError is what backends return for classified provider failures.
type BackendError struct {
	Model      string
	Kind       ErrorKind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("model %s: %s (status %d): %v", e.Model, e.Kind, e.Status, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// AllModelsUnavailableError means every backend is cooling down.
type AllModelsUnavailableError struct {
	RetryAfter time.Duration
}

func (e *AllModelsUnavailableError) Error() string {
	return fmt.Sprintf("all models unavailable, retry in %s", e.RetryAfter.Round(time.Second))
}

// RateLimitedError reaches callers only for pinned-model requests.
type RateLimitedError struct {
	Model      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("model %s rate limited, retry in %s", e.Model, e.RetryAfter.Round(time.Second))
}

type ServiceUnavailableError struct {
	Model      string
	RetryAfter time.Duration
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("model %s unavailable, retry in %s", e.Model, e.RetryAfter.Round(time.Second))
}

// IsExhausted reports whether err is one of the gateway failures that must
// reach the end user.
func IsExhausted(err error) bool {
	var all *AllModelsUnavailableError
	var rl *RateLimitedError
	var su *ServiceUnavailableError
	return errors.As(err, &all) || errors.As(err, &rl) || errors.As(err, &su)
}

// RetryAfter extracts the retry estimate from an exhaustion error.
func RetryAfter(err error) (time.Duration, bool) {
	var all *AllModelsUnavailableError
	if errors.As(err, &all) {
		return all.RetryAfter, true
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	var su *ServiceUnavailableError
	if errors.As(err, &su) {
		return su.RetryAfter, true
	}
	return 0, false
}

var retryDelayPattern = regexp.MustCompile(`(?i)(?:retry[ _-]?(?:delay|after)?|try again)[^0-9]{0,16}(\d+(?:\.\d+)?)\s*(ms|s|m|h)?`)

// parseRetryDelay pulls a retry hint such as `"retryDelay": "37s"` or
// "Please try again in 1.5m" out of a provider error message.
func parseRetryDelay(msg string) time.Duration {
	m := retryDelayPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n <= 0 {
		return 0
	}
	unit := time.Second
	switch m[2] {
	case "ms":
		unit = time.Millisecond
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	}
	return time.Duration(n * float64(unit))
}

var unsupportedToolMarkers = []string{
	"does not support tools",
	"tool use is not supported",
	"tools are not supported",
	"function calling is not enabled",
	"incompatible tool format",
	"tool_choice",
}

// classifyStatus maps an HTTP status and provider message onto an ErrorKind.
func classifyStatus(model string, status int, msg string, err error) *BackendError {
	lower := strings.ToLower(msg)
	be := &BackendError{Model: model, Status: status, Err: err}

	switch {
	case status == 429 || strings.Contains(lower, "resource_exhausted") || strings.Contains(lower, "rate limit"):
		be.Kind = KindRateLimited
		be.RetryAfter = parseRetryDelay(msg)
	case status == 503 || strings.Contains(lower, "overloaded"):
		be.Kind = KindUnavailable
	case status == 500 || status == 502 || status == 504 || status == 0:
		be.Kind = KindTransient
	default:
		be.Kind = KindOther
		for _, marker := range unsupportedToolMarkers {
			if strings.Contains(lower, marker) {
				be.Kind = KindUnsupportedTools
				break
			}
		}
	}
	return be
}
