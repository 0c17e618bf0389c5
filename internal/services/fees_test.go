package services

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestFeeCalculator_CalculateFee(t *testing.T) {
	viper.Set("marketplace.fee_percent", 5.0)
	defer viper.Set("marketplace.fee_percent", nil)

	fc := NewFeeCalculator()

	t.Run("five percent of round amount", func(t *testing.T) {
		assert.Equal(t, int64(5000), fc.CalculateFee(100000))
	})

	t.Run("rounds half up", func(t *testing.T) {
		// 5% of 1050 is 52.5, rounds to 53
		assert.Equal(t, int64(53), fc.CalculateFee(1050))
	})

	t.Run("rounds down below half", func(t *testing.T) {
		// 5% of 1040 is 52.0
		assert.Equal(t, int64(52), fc.CalculateFee(1040))
	})

	t.Run("zero amount", func(t *testing.T) {
		assert.Equal(t, int64(0), fc.CalculateFee(0))
	})
}

func TestFeeCalculator_CalculateSellerReceives(t *testing.T) {
	viper.Set("marketplace.fee_percent", 5.0)
	defer viper.Set("marketplace.fee_percent", nil)

	fc := NewFeeCalculator()

	t.Run("price splits exactly into fee and proceeds", func(t *testing.T) {
		price := int64(100000)
		fee := fc.CalculateFee(price)
		receives := fc.CalculateSellerReceives(price)
		assert.Equal(t, price, fee+receives)
		assert.Equal(t, int64(95000), receives)
	})

	t.Run("conservation holds for odd amounts", func(t *testing.T) {
		for _, price := range []int64{1, 99, 1050, 333333, 999999999} {
			fee := fc.CalculateFee(price)
			receives := fc.CalculateSellerReceives(price)
			assert.Equal(t, price, fee+receives, "price %d", price)
		}
	})
}

func TestFeeCalculator_CalculateRentalTotal(t *testing.T) {
	viper.Set("marketplace.fee_percent", 5.0)
	defer viper.Set("marketplace.fee_percent", nil)

	fc := NewFeeCalculator()

	t.Run("two hours at hourly rate", func(t *testing.T) {
		assert.Equal(t, int64(20000), fc.CalculateRentalTotal(10000, 7200))
	})

	t.Run("fractional hour rounds to whole cents", func(t *testing.T) {
		// 10000 * 1800/3600 = 5000
		assert.Equal(t, int64(5000), fc.CalculateRentalTotal(10000, 1800))
		// 100 * 60/3600 = 1.666..., rounds to 2
		assert.Equal(t, int64(2), fc.CalculateRentalTotal(100, 60))
	})
}

func TestFeeCalculator_ConfiguredRate(t *testing.T) {
	viper.Set("marketplace.fee_percent", 10.0)
	defer viper.Set("marketplace.fee_percent", nil)

	fc := NewFeeCalculator()
	assert.Equal(t, int64(10000), fc.CalculateFee(100000))
}
