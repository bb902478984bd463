package payment

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSignatureVerification is returned when a webhook fails its authenticity check.
	ErrSignatureVerification = errors.New("payment: webhook signature verification failed")
	// ErrMalformedPayload is returned when a verified webhook body cannot be decoded.
	ErrMalformedPayload = errors.New("payment: malformed webhook payload")
)

// ValidationError reports malformed caller input. It never reaches a provider.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "payment: invalid request: " + e.Reason
	}
	return fmt.Sprintf("payment: invalid %s: %s", e.Field, e.Reason)
}

// UnsupportedProviderError is returned when an explicitly requested provider is unknown or disabled.
type UnsupportedProviderError struct {
	Provider ProviderID
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("payment: gateway %q is not enabled", string(e.Provider))
}

// ProviderRequestError wraps a failure reported by, or while talking to, a provider.
// Detail is the raw provider message and is meant for operators only.
type ProviderRequestError struct {
	Provider   ProviderID
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

func (e *ProviderRequestError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "payment: %s %s failed", e.Provider, e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderRequestError) Unwrap() error { return e.Err }

// Transient reports whether the failure looks like a network or provider-side outage.
func (e *ProviderRequestError) Transient() bool {
	if e.StatusCode >= 500 {
		return true
	}
	return e.StatusCode == 0 && e.Err != nil
}

func wrapProviderError(provider ProviderID, op string, err error) error {
	if err == nil {
		return nil
	}
	var pre *ProviderRequestError
	if errors.As(err, &pre) {
		return err
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &ProviderRequestError{Provider: provider, Op: op, Err: err}
}
