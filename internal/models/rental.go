package models

import (
	"time"
)

// RentListing is a per-parcel rental offer. At most one active listing
// exists per parcel: creating a new one deactivates the previous one in
// the same unit of work (supersede, not delete).
type RentListing struct {
	ListingID         string    `json:"listing_id" db:"listing_id"`
	ParcelID          string    `json:"parcel_id" db:"parcel_id"`
	OwnerID           string    `json:"owner_id" db:"owner_id"`
	PricePerHourCents int64     `json:"price_per_hour_cents" db:"price_per_hour_cents"`
	MinSeconds        int64     `json:"min_seconds" db:"min_seconds"`
	MaxSeconds        int64     `json:"max_seconds" db:"max_seconds"`
	Active            bool      `json:"active" db:"active"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// RentalStatusActive is the only lifecycle state this core models;
// expiry and termination are handled elsewhere.
const RentalStatusActive = "active"

// RentalAgreement is immutable once created.
type RentalAgreement struct {
	RentalID   string    `json:"rental_id" db:"rental_id"`
	ParcelID   string    `json:"parcel_id" db:"parcel_id"`
	OwnerID    string    `json:"owner_id" db:"owner_id"`
	RenterID   string    `json:"renter_id" db:"renter_id"`
	StartTs    time.Time `json:"start_ts" db:"start_ts"`
	EndTs      time.Time `json:"end_ts" db:"end_ts"`
	TotalCents int64     `json:"total_cents" db:"total_cents"`
	Status     string    `json:"status" db:"status"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
