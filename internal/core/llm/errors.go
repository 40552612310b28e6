package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
)

var (
	ErrRateLimited         = errors.New("provider rate limited")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// ErrorKind groups provider failures by how callers should react.
type ErrorKind string

const (
	KindRateLimited ErrorKind = "rate_limited"
	KindUnavailable ErrorKind = "unavailable"
	KindCanceled    ErrorKind = "canceled"
	KindPermanent   ErrorKind = "permanent"
)

// ProviderError is an HTTP-level failure from a provider API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrProviderUnavailable
	}
	return nil
}

// ClassifyError maps an error from any provider (typed HTTP errors, gRPC
// status text from the Gemini SDK, breaker rejections) onto an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return KindUnavailable
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return KindPermanent
	}

	e := strings.ToLower(err.Error())
	switch {
	case strings.Contains(e, "429"),
		strings.Contains(e, "resource_exhausted"),
		strings.Contains(e, "resource exhausted"),
		strings.Contains(e, "rate limit"),
		strings.Contains(e, "rate_limit"),
		strings.Contains(e, "quota"):
		return KindRateLimited
	case strings.Contains(e, "timeout"),
		strings.Contains(e, "temporarily"),
		strings.Contains(e, "unavailable"),
		strings.Contains(e, "internal error"),
		strings.Contains(e, "503"),
		strings.Contains(e, "502"):
		return KindUnavailable
	}
	return KindPermanent
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	return ClassifyError(err) == KindRateLimited
}

// IsTransient reports whether retrying err later may succeed.
func IsTransient(err error) bool {
	k := ClassifyError(err)
	return k == KindRateLimited || k == KindUnavailable
}
