package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Failure is the typed error every workflow boundary classifies on.
// Retryable failures propagate so the runner re-executes the step;
// terminal failures are recorded and never retried.
type Failure struct {
	Retryable bool
	Reason    string
	Err       error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Reason
	}
	if f.Reason == "" {
		return f.Err.Error()
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

// Unwrap exposes the wrapped cause.
func (f *Failure) Unwrap() error { return f.Err }

// Retry wraps err as a retryable failure.
func Retry(reason string, err error) error {
	return &Failure{Retryable: true, Reason: reason, Err: err}
}

// Terminal wraps err as a non-retryable failure.
func Terminal(reason string, err error) error {
	return &Failure{Retryable: false, Reason: reason, Err: err}
}

// IsRetryable reports whether err should be handed back to the durable
// engine for retry. Ambiguous errors default to non-retryable so a bad
// payload cannot spin forever; only failures explicitly classified as
// transient, context deadlines, and network timeouts retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// ClassifyStatus converts an upstream HTTP status into a Failure.
// 429 and 5xx are transient; payment-required and client errors are
// permanent.
func ClassifyStatus(status int, url string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return Retry("rate limited", fmt.Errorf("status %d from %s", status, url))
	case status >= 500:
		return Retry("upstream error", fmt.Errorf("status %d from %s", status, url))
	case status == http.StatusPaymentRequired:
		return Terminal("payment required", fmt.Errorf("status %d from %s", status, url))
	case status >= 400:
		return Terminal("rejected", fmt.Errorf("status %d from %s", status, url))
	default:
		return nil
	}
}
