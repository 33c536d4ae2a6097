package models

import "time"

// CredentialRecord stores the OAuth material for one tenant (company).
// This is persisted encrypted at rest and mutated in place on every
// successful refresh.
type CredentialRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IssuedAt     int64  `json:"issued_at"`  // unix seconds
	ExpiresIn    int64  `json:"expires_in"` // seconds
	ExpiresAt    int64  `json:"expires_at"` // unix seconds, derived once at write time
}

// Refreshable reports whether the record carries a refresh token.
// A record without one cannot be recovered once it expires.
func (r *CredentialRecord) Refreshable() bool {
	return r.RefreshToken != ""
}

// ExpiresAtTime returns the expiry as a wall-clock time.
func (r *CredentialRecord) ExpiresAtTime() time.Time {
	return time.Unix(r.ExpiresAt, 0)
}

// Equal reports whether two records hold the same token material.
// Used by the reactive recovery path to detect a sibling refresh that
// already replaced the record.
func (r *CredentialRecord) Equal(other *CredentialRecord) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.AccessToken == other.AccessToken && r.RefreshToken == other.RefreshToken
}

// TokenResponse is the OAuth token endpoint response for both the
// authorization_code and refresh_token grants.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	CreatedAt    int64  `json:"created_at,omitempty"`
}

// NewCredentialRecord builds a record from a token response. If the
// response omits created_at the current time is used; if it omits the
// refresh token the previous one is carried over, matching the common
// provider behavior of returning refresh responses without one.
func NewCredentialRecord(resp *TokenResponse, previousRefreshToken string, now time.Time) *CredentialRecord {
	issuedAt := resp.CreatedAt
	if issuedAt == 0 {
		issuedAt = now.Unix()
	}
	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = previousRefreshToken
	}
	return &CredentialRecord{
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
		IssuedAt:     issuedAt,
		ExpiresIn:    resp.ExpiresIn,
		ExpiresAt:    issuedAt + resp.ExpiresIn,
	}
}
