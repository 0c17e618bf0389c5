package models

import (
	"time"
)

// Marketplace transaction types.
const (
	MarketTxTypeBuy  = "buy"
	MarketTxTypeList = "list"
)

// MarketTxStatusCompleted is the only status the engine records; a
// marketplace transaction is written after the money has moved, inside
// the same unit of work.
const MarketTxStatusCompleted = "completed"

// MarketplaceTransaction is the immutable audit record of a completed
// buy or list action. List records carry zero fee and zero
// seller-receives; they document price-setting, not a funds movement.
type MarketplaceTransaction struct {
	TxID                string    `json:"tx_id" db:"tx_id"`
	ParcelID            string    `json:"parcel_id" db:"parcel_id"`
	BuyerID             string    `json:"buyer_id" db:"buyer_id"`
	SellerID            *string   `json:"seller_id,omitempty" db:"seller_id"`
	PriceCents          int64     `json:"price_cents" db:"price_cents"`
	FeeCents            int64     `json:"fee_cents" db:"fee_cents"`
	SellerReceivesCents int64     `json:"seller_receives_cents" db:"seller_receives_cents"`
	Type                string    `json:"type" db:"type"`
	Status              string    `json:"status" db:"status"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}
