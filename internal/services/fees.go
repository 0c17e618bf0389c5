package services

import (
	"math"

	"github.com/spf13/viper"
)

// FeeCalculator owns the marketplace fee rate. The rate is read once at
// construction so concurrent requests within a process always agree on
// the split.
type FeeCalculator struct {
	feeRate float64
}

// NewFeeCalculator reads MARKETPLACE_FEE_PERCENT (default 5) and stores
// it as a decimal rate.
func NewFeeCalculator() *FeeCalculator {
	viper.SetDefault("marketplace.fee_percent", 5.0)
	return &FeeCalculator{
		feeRate: viper.GetFloat64("marketplace.fee_percent") / 100,
	}
}

// CalculateFee returns the platform's cut, rounded half-up to whole cents.
func (fc *FeeCalculator) CalculateFee(amountCents int64) int64 {
	return int64(math.Round(float64(amountCents) * fc.feeRate))
}

// CalculateSellerReceives returns price minus fee.
func (fc *FeeCalculator) CalculateSellerReceives(amountCents int64) int64 {
	return amountCents - fc.CalculateFee(amountCents)
}

// CalculateRentalTotal converts an hourly price and a duration in
// seconds into a total, rounded half-up to whole cents.
func (fc *FeeCalculator) CalculateRentalTotal(pricePerHourCents, durationSeconds int64) int64 {
	return int64(math.Round(float64(pricePerHourCents) * float64(durationSeconds) / 3600))
}
