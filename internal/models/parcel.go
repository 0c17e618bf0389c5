package models

import (
	"time"
)

// Parcel is the ownable unit. Geometry and map attributes live in the
// parcels service; this core only reads and mutates owner_id and
// price_cents, always under a row lock. A nil OwnerID means the parcel
// is unclaimed; a nil or non-positive PriceCents means not for sale.
type Parcel struct {
	ParcelID      string    `json:"parcel_id" db:"parcel_id"`
	OwnerID       *string   `json:"owner_id,omitempty" db:"owner_id"`
	PriceCents    *int64    `json:"price_cents,omitempty" db:"price_cents"`
	RentAvailable bool      `json:"rent_available" db:"rent_available"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// ForSale reports whether the parcel currently carries a sale price.
func (p *Parcel) ForSale() bool {
	return p.PriceCents != nil && *p.PriceCents > 0
}

// OwnedBy reports whether userID is the current owner.
func (p *Parcel) OwnedBy(userID string) bool {
	return p.OwnerID != nil && *p.OwnerID == userID
}
