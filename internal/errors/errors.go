package errors

import (
	"errors"
	"fmt"
)

// Config errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error {
	return e.Err
}

// ErrMissingSecret means the long-term encryption secret is not
// configured. The process must not start in a degraded mode without it.
type ErrMissingSecret struct {
	Source string
}

func (e *ErrMissingSecret) Error() string {
	return fmt.Sprintf("encryption secret is not set (%s); refusing to start without it", e.Source)
}

// Credential lifecycle errors

// ErrNoCredential means the tenant has never completed authentication.
type ErrNoCredential struct {
	TenantID string
}

func (e *ErrNoCredential) Error() string {
	if e.TenantID == "" {
		return "no authenticated tenant: authenticate first"
	}
	return fmt.Sprintf("no credential for tenant %s: authenticate first", e.TenantID)
}

// ErrReauthRequired means the stored credential is unusable and a new
// authorization flow is needed. Deleted reports whether the credential
// was removed from the store as part of classifying the failure.
type ErrReauthRequired struct {
	TenantID string
	Reason   string
	Deleted  bool
}

func (e *ErrReauthRequired) Error() string {
	return fmt.Sprintf("re-authentication required for tenant %s: %s", e.TenantID, e.Reason)
}

// ErrNoRefreshToken means the credential expired and carries no refresh
// token, so it cannot be recovered without a new authorization flow.
type ErrNoRefreshToken struct {
	TenantID string
}

func (e *ErrNoRefreshToken) Error() string {
	return fmt.Sprintf("no refresh token available for tenant %s", e.TenantID)
}

// Refresh errors

// ErrRefreshTransient is a refresh failure that does not condemn the
// stored credential: network errors, timeouts, unexpected response
// shapes. The caller may retry later.
type ErrRefreshTransient struct {
	TenantID string
	Err      error
}

func (e *ErrRefreshTransient) Error() string {
	return fmt.Sprintf("token refresh failed for tenant %s (retryable): %v", e.TenantID, e.Err)
}

func (e *ErrRefreshTransient) Unwrap() error {
	return e.Err
}

// ErrRefreshFatal is a refresh rejection from the authorization server.
// Code is the OAuth error code ("invalid_grant", "invalid_client").
type ErrRefreshFatal struct {
	TenantID    string
	Code        string
	Description string
}

func (e *ErrRefreshFatal) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token refresh rejected for tenant %s: %s (%s)", e.TenantID, e.Code, e.Description)
	}
	return fmt.Sprintf("token refresh rejected for tenant %s: %s", e.TenantID, e.Code)
}

// OAuth error codes that condemn the credential.
const (
	OAuthInvalidGrant  = "invalid_grant"
	OAuthInvalidClient = "invalid_client"
)

// ErrRetryGuard means a request failed with 401 again after an already
// successful refresh-and-retry cycle. Distinct from a first-attempt 401
// so callers never loop.
type ErrRetryGuard struct {
	TenantID string
	Path     string
}

func (e *ErrRetryGuard) Error() string {
	return fmt.Sprintf("authentication failed after refresh for tenant %s on %s", e.TenantID, e.Path)
}

// ErrRemoteAPI is a non-auth error from the accounting service, passed
// through with the remote message and never reclassified.
type ErrRemoteAPI struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *ErrRemoteAPI) Error() string {
	return fmt.Sprintf("remote API error %d on %s %s: %s", e.StatusCode, e.Method, e.Path, e.Message)
}

// Store errors

type ErrStoreWrite struct {
	Path string
	Err  error
}

func (e *ErrStoreWrite) Error() string {
	return fmt.Sprintf("failed to persist credential store %s: %v", e.Path, e.Err)
}

func (e *ErrStoreWrite) Unwrap() error {
	return e.Err
}

type ErrDirectoryCreate struct {
	Path string
	Err  error
}

func (e *ErrDirectoryCreate) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *ErrDirectoryCreate) Unwrap() error {
	return e.Err
}

type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error {
	return e.Err
}

// Database errors

type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error {
	return e.Err
}

type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database query failed for operation %s: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error {
	return e.Err
}

// Server errors

type ErrServerStart struct {
	Addr string
	Err  error
}

func (e *ErrServerStart) Error() string {
	return fmt.Sprintf("failed to start server on %s: %v", e.Addr, e.Err)
}

func (e *ErrServerStart) Unwrap() error {
	return e.Err
}

type ErrServerShutdown struct {
	Err error
}

func (e *ErrServerShutdown) Error() string {
	return fmt.Sprintf("server shutdown failed: %v", e.Err)
}

func (e *ErrServerShutdown) Unwrap() error {
	return e.Err
}

// Predicates

// IsRetryable reports whether the error is a transient refresh failure
// that preserves the stored credential.
func IsRetryable(err error) bool {
	var transient *ErrRefreshTransient
	return errors.As(err, &transient)
}

// IsReauthRequired reports whether the error means the caller must run
// a new authorization flow before further calls can succeed.
func IsReauthRequired(err error) bool {
	var reauth *ErrReauthRequired
	if errors.As(err, &reauth) {
		return true
	}
	var noCred *ErrNoCredential
	if errors.As(err, &noCred) {
		return true
	}
	var noRefresh *ErrNoRefreshToken
	return errors.As(err, &noRefresh)
}
