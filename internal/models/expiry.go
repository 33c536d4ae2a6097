package models

import "time"

// ExpiryState classifies how close a credential is to expiring.
type ExpiryState string

const (
	// ExpiryValid means the token is comfortably live.
	ExpiryValid ExpiryState = "valid"
	// ExpiryNearExpiry means the token is inside the soft threshold and
	// should be refreshed in the background.
	ExpiryNearExpiry ExpiryState = "near_expiry"
	// ExpiryExpired means the token is inside the hard buffer and must
	// be refreshed before use.
	ExpiryExpired ExpiryState = "expired"
)

// Classification is the derived expiry state of a credential record
// plus the wall-clock minutes until it actually expires (negative once
// past expiry).
type Classification struct {
	State            ExpiryState `json:"state"`
	RemainingMinutes int         `json:"remaining_minutes"`
}

// Classify derives the expiry state of a record at the given instant.
// softThreshold is the window before expiry that warrants a background
// refresh; hardBuffer is the window inside which the token is treated
// as already dead. As time advances for a fixed record the state only
// ever moves valid -> near_expiry -> expired.
func Classify(r *CredentialRecord, now time.Time, softThreshold, hardBuffer time.Duration) Classification {
	remaining := time.Unix(r.ExpiresAt, 0).Sub(now)
	c := Classification{RemainingMinutes: int(remaining.Minutes())}

	switch {
	case remaining <= hardBuffer:
		c.State = ExpiryExpired
	case remaining <= softThreshold:
		c.State = ExpiryNearExpiry
	default:
		c.State = ExpiryValid
	}
	return c
}
