package secrets

import (
	"fmt"
	"time"
)

// UnregisteredSecretError is returned for a secret name with no registry entry.
type UnregisteredSecretError struct {
	Name string
}

func (e *UnregisteredSecretError) Error() string {
	return fmt.Sprintf("secret %q is not registered", e.Name)
}

// ProxyError is the base token failure: unknown token, invalid state.
type ProxyError struct {
	Reason string
}

func (e *ProxyError) Error() string {
	return "secrets proxy: " + e.Reason
}

// TokenExpiredError is returned when a token is redeemed after expires_at.
// It unwraps to a *ProxyError.
type TokenExpiredError struct {
	SecretName string
	ExpiresAt  time.Time
}

func (e *TokenExpiredError) Error() string {
	return fmt.Sprintf("secrets proxy: token for %q expired at %s", e.SecretName, e.ExpiresAt.Format(time.RFC3339))
}

func (e *TokenExpiredError) Unwrap() error {
	return &ProxyError{Reason: "token expired"}
}

// TokenUsedError is returned on a second redemption when strict single use
// is enabled. It unwraps to a *ProxyError.
type TokenUsedError struct {
	SecretName string
	UsedAt     time.Time
}

func (e *TokenUsedError) Error() string {
	return fmt.Sprintf("secrets proxy: token for %q already redeemed at %s", e.SecretName, e.UsedAt.Format(time.RFC3339))
}

func (e *TokenUsedError) Unwrap() error {
	return &ProxyError{Reason: "token already used"}
}

// ScopeNotAllowedError is returned when a token is requested for a scope the
// registry entry does not list.
type ScopeNotAllowedError struct {
	Name    string
	Scope   string
	Allowed []string
}

func (e *ScopeNotAllowedError) Error() string {
	return fmt.Sprintf("secret %q may not be used for scope %q (allowed: %v)", e.Name, e.Scope, e.Allowed)
}
