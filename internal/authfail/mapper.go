// Package authfail translates low-level provider/transport errors into the
// user-facing categories the rest of the platform emits consistently.
//
// Callers are expected to attach a structured Kind at the point of failure
// via WithKind; Map dispatches on that kind and falls back to substring
// classification only for unstructured legacy error strings.
package authfail

import (
	"errors"
	"strings"
)

// Kind is a stable machine-readable failure category.
type Kind string

// Failure categories, in classification priority order.
const (
	KindCancelled        Kind = "cancelled"
	KindExpiredGrant     Kind = "expired_grant"
	KindStateMismatch    Kind = "state_mismatch"
	KindNetwork          Kind = "network"
	KindConsentRevoked   Kind = "consent_revoked"
	KindRelayEmailBounce Kind = "relay_email_bounce"
	KindAlreadyLinked    Kind = "already_linked"
	KindEmailConflict    Kind = "email_conflict"
	KindRateLimited      Kind = "rate_limited"
	KindInvalidSession   Kind = "invalid_session"
	KindReplayDetected   Kind = "replay_detected"
	KindUnknown          Kind = "unknown"
)

// Classified is the user-facing rendering of a failure.
type Classified struct {
	Kind            Kind
	Title           string
	Message         string
	ActionHint      string
	CanRetry        bool
	RequiresSupport bool
}

// kindError carries a Kind alongside the wrapped cause.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return string(e.kind) + ": " + e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// WithKind attaches a structured failure category to err.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf extracts the structured category from err, or KindUnknown.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// renderings maps each category to its user-facing presentation.
var renderings = map[Kind]Classified{
	KindCancelled: {
		Title:      "Sign-in cancelled",
		Message:    "You closed the sign-in window before finishing.",
		ActionHint: "Try signing in again when you're ready.",
		CanRetry:   true,
	},
	KindExpiredGrant: {
		Title:      "Sign-in expired",
		Message:    "The sign-in attempt took too long or was already used.",
		ActionHint: "Start the sign-in again from the beginning.",
		CanRetry:   true,
	},
	KindStateMismatch: {
		Title:      "Sign-in could not be verified",
		Message:    "The response from the identity provider failed verification.",
		ActionHint: "Try again. If this keeps happening, clear your browser cookies.",
		CanRetry:   true,
	},
	KindNetwork: {
		Title:      "Connection problem",
		Message:    "We couldn't reach the sign-in service.",
		ActionHint: "Check your connection and try again.",
		CanRetry:   true,
	},
	KindConsentRevoked: {
		Title:      "Access revoked",
		Message:    "You revoked this app's access at your identity provider.",
		ActionHint: "Sign in again and grant access to continue.",
		CanRetry:   true,
	},
	KindRelayEmailBounce: {
		Title:           "Email delivery problem",
		Message:         "Mail sent to your private relay address is bouncing.",
		ActionHint:      "Update your relay settings at your identity provider.",
		RequiresSupport: true,
	},
	KindAlreadyLinked: {
		Title:      "Account already linked",
		Message:    "That sign-in method is already attached to a different account.",
		ActionHint: "Sign in to the other account, or unlink it there first.",
	},
	KindEmailConflict: {
		Title:      "Email already in use",
		Message:    "Another account already uses this email address.",
		ActionHint: "Sign in with your original method, then link this one.",
	},
	KindRateLimited: {
		Title:      "Too many attempts",
		Message:    "You've tried too many times in a short period.",
		ActionHint: "Wait a minute and try again.",
		CanRetry:   true,
	},
	KindInvalidSession: {
		Title:      "Session expired",
		Message:    "Your session is no longer valid.",
		ActionHint: "Please sign in again.",
		CanRetry:   true,
	},
	KindReplayDetected: {
		Title:           "Security alert",
		Message:         "A sign-in credential for your account was reused. All of your sessions have been signed out.",
		ActionHint:      "Sign in again, and change your password if you didn't do this.",
		RequiresSupport: true,
	},
	KindUnknown: {
		Title:      "Something went wrong",
		Message:    "An unexpected error occurred during sign-in.",
		ActionHint: "Try again. If the problem persists, contact support.",
		CanRetry:   true,
	},
}

// substringRules classify unstructured legacy error text. Order matters:
// first match wins.
var substringRules = []struct {
	kind    Kind
	needles []string
}{
	{KindCancelled, []string{"user cancelled", "user canceled", "access_denied", "popup closed"}},
	{KindExpiredGrant, []string{"code expired", "authorization code", "invalid_grant"}},
	{KindStateMismatch, []string{"state mismatch", "nonce", "csrf"}},
	{KindNetwork, []string{"network", "timeout", "connection refused", "deadline exceeded"}},
	{KindConsentRevoked, []string{"consent revoked", "token revoked by user"}},
	{KindRelayEmailBounce, []string{"relay", "email bounce", "undeliverable"}},
	{KindAlreadyLinked, []string{"already linked"}},
	{KindEmailConflict, []string{"email already", "duplicate email"}},
	{KindRateLimited, []string{"rate limit", "too many requests"}},
	{KindInvalidSession, []string{"invalid session", "session expired", "token invalid or expired"}},
	{KindReplayDetected, []string{"replay detected"}},
}

// Map classifies err. Structured kinds win; otherwise the error text is
// scanned against the substring rules in priority order; anything else gets
// the generic fallback.
func Map(err error) Classified {
	if err == nil {
		return renderings[KindUnknown].withKind(KindUnknown)
	}
	if k := KindOf(err); k != KindUnknown {
		return renderings[k].withKind(k)
	}

	text := strings.ToLower(err.Error())
	for _, rule := range substringRules {
		for _, needle := range rule.needles {
			if strings.Contains(text, needle) {
				return renderings[rule.kind].withKind(rule.kind)
			}
		}
	}
	return renderings[KindUnknown].withKind(KindUnknown)
}

func (c Classified) withKind(k Kind) Classified {
	c.Kind = k
	return c
}
