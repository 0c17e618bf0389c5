package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAntiFraudConfig() AntiFraudConfig {
	return AntiFraudConfig{
		MaxAttemptsPerMinute: 3,
		BuyCooldown:          5 * time.Second,
		NewUserMaxBuys:       3,
		NewUserWindow:        24 * time.Hour,
	}
}

func TestRateLimiter_Check(t *testing.T) {
	rl := NewRateLimiter()
	defer rl.Close()

	t.Run("allows up to the limit", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			allowed, _, _ := rl.Check("user:a", 3, time.Minute)
			assert.True(t, allowed, "attempt %d", i+1)
		}
		allowed, remaining, resetAt := rl.Check("user:a", 3, time.Minute)
		assert.False(t, allowed)
		assert.Equal(t, 0, remaining)
		assert.True(t, resetAt.After(time.Now()))
	})

	t.Run("keys are independent", func(t *testing.T) {
		allowed, _, _ := rl.Check("user:b", 3, time.Minute)
		assert.True(t, allowed)
	})

	t.Run("reset clears the window", func(t *testing.T) {
		rl.Reset("user:a")
		allowed, remaining, _ := rl.Check("user:a", 3, time.Minute)
		assert.True(t, allowed)
		assert.Equal(t, 2, remaining)
	})
}

func TestBuyAttemptTracker(t *testing.T) {
	bt := NewBuyAttemptTracker()
	defer bt.Close()

	t.Run("cooldown after an attempt", func(t *testing.T) {
		bt.Record("user1", "parcel1")
		remaining := bt.CooldownRemaining("user1", "parcel1", 5*time.Second)
		assert.Greater(t, remaining, time.Duration(0))
		assert.LessOrEqual(t, remaining, 5*time.Second)
	})

	t.Run("no cooldown for other parcels", func(t *testing.T) {
		assert.Equal(t, time.Duration(0),
			bt.CooldownRemaining("user1", "parcel2", 5*time.Second))
	})

	t.Run("counts attempts in window", func(t *testing.T) {
		bt.Record("user1", "parcel1")
		bt.Record("user1", "parcel1")
		assert.Equal(t, 3, bt.CountSince("user1", "parcel1", time.Hour))
		assert.Equal(t, 0, bt.CountSince("user2", "parcel1", time.Hour))
	})

	t.Run("clear drops everything", func(t *testing.T) {
		bt.Clear()
		assert.Equal(t, 0, bt.CountSince("user1", "parcel1", time.Hour))
	})
}

func TestAntiFraud_CheckBuyAttempt(t *testing.T) {
	oldAccount := time.Now().Add(-30 * 24 * time.Hour)

	t.Run("admits a clean attempt", func(t *testing.T) {
		af := NewAntiFraud(testAntiFraudConfig())
		defer af.Close()

		assert.NoError(t, af.CheckBuyAttempt("user1", "parcel1", oldAccount))
	})

	t.Run("rate limit rejection carries retry hint", func(t *testing.T) {
		af := NewAntiFraud(testAntiFraudConfig())
		defer af.Close()

		for i := 0; i < 3; i++ {
			require.NoError(t, af.CheckBuyAttempt("user1", "parcel-distinct", oldAccount))
		}

		err := af.CheckBuyAttempt("user1", "parcel-distinct", oldAccount)
		var admission *AdmissionError
		require.ErrorAs(t, err, &admission)
		assert.Contains(t, admission.Reason, "Rate limit exceeded")
		assert.Greater(t, admission.RetryAfter, time.Duration(0))
	})

	t.Run("per-parcel cooldown after a recorded attempt", func(t *testing.T) {
		af := NewAntiFraud(testAntiFraudConfig())
		defer af.Close()

		require.NoError(t, af.CheckBuyAttempt("user1", "parcel1", oldAccount))
		af.RecordBuyAttempt("user1", "parcel1")

		err := af.CheckBuyAttempt("user1", "parcel1", oldAccount)
		var admission *AdmissionError
		require.ErrorAs(t, err, &admission)
		assert.Contains(t, admission.Reason, "wait")

		// A different parcel is unaffected.
		assert.NoError(t, af.CheckBuyAttempt("user1", "parcel2", oldAccount))
	})

	t.Run("new accounts hit the per-parcel cap", func(t *testing.T) {
		cfg := testAntiFraudConfig()
		cfg.BuyCooldown = 0
		cfg.MaxAttemptsPerMinute = 100
		af := NewAntiFraud(cfg)
		defer af.Close()

		freshAccount := time.Now().Add(-time.Hour)
		for i := 0; i < 3; i++ {
			require.NoError(t, af.CheckBuyAttempt("newbie", "parcel1", freshAccount))
			af.RecordBuyAttempt("newbie", "parcel1")
		}

		err := af.CheckBuyAttempt("newbie", "parcel1", freshAccount)
		var admission *AdmissionError
		require.ErrorAs(t, err, &admission)
		assert.Contains(t, admission.Reason, "New user limit reached")

		// The same history does not block a seasoned account.
		af.attempts.Clear()
		for i := 0; i < 3; i++ {
			require.NoError(t, af.CheckBuyAttempt("veteran", "parcel1", oldAccount))
			af.RecordBuyAttempt("veteran", "parcel1")
		}
		assert.NoError(t, af.CheckBuyAttempt("veteran", "parcel1", oldAccount))
	})

	t.Run("zero created-at skips the new-account check", func(t *testing.T) {
		cfg := testAntiFraudConfig()
		cfg.BuyCooldown = 0
		af := NewAntiFraud(cfg)
		defer af.Close()

		assert.NoError(t, af.CheckBuyAttempt("user1", "parcel1", time.Time{}))
	})
}
