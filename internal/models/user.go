package models

import "time"

// KYC statuses as issued by the identity service.
const (
	KYCStatusUnverified = "unverified"
	KYCStatusPending    = "pending"
	KYCStatusVerified   = "verified"
)

// AuthUser is the identity the auth middleware resolves from a bearer
// token. The engine itself only needs ID; withdraw additionally checks
// KYCStatus and the anti-fraud layer uses CreatedAt for new-account caps.
type AuthUser struct {
	ID        string    `json:"id"`
	KYCStatus string    `json:"kyc_status"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}
