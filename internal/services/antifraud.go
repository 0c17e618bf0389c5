package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// AntiFraudConfig holds the advisory limits gating buy attempts.
type AntiFraudConfig struct {
	MaxAttemptsPerMinute int
	BuyCooldown          time.Duration
	NewUserMaxBuys       int
	NewUserWindow        time.Duration
}

// GetAntiFraudConfig reads the limits with defaults matching the
// production gateway (10 attempts/minute, 5s per-parcel cooldown,
// 3 attempts per parcel in a new account's first 24h).
func GetAntiFraudConfig() AntiFraudConfig {
	viper.SetDefault("antifraud.max_attempts_per_minute", 10)
	viper.SetDefault("antifraud.buy_cooldown", 5*time.Second)
	viper.SetDefault("antifraud.new_user_max_buys", 3)
	viper.SetDefault("antifraud.new_user_window", 24*time.Hour)

	return AntiFraudConfig{
		MaxAttemptsPerMinute: viper.GetInt("antifraud.max_attempts_per_minute"),
		BuyCooldown:          viper.GetDuration("antifraud.buy_cooldown"),
		NewUserMaxBuys:       viper.GetInt("antifraud.new_user_max_buys"),
		NewUserWindow:        viper.GetDuration("antifraud.new_user_window"),
	}
}

// AntiFraud is the admission-control layer in front of the ownership
// transfer engine. Its state is process-local and advisory: it reduces
// abusive load but the engine's locking and balance checks remain the
// sole correctness guarantee.
type AntiFraud struct {
	cfg      AntiFraudConfig
	limiter  *RateLimiter
	attempts *BuyAttemptTracker
}

func NewAntiFraud(cfg AntiFraudConfig) *AntiFraud {
	return &AntiFraud{
		cfg:      cfg,
		limiter:  NewRateLimiter(),
		attempts: NewBuyAttemptTracker(),
	}
}

// CheckBuyAttempt runs the three admission checks in order: sliding-
// window rate limit per user, per-parcel cooldown, new-account cap.
// The first failing check wins; nil means admitted.
func (af *AntiFraud) CheckBuyAttempt(userID, parcelID string, userCreatedAt time.Time) error {
	allowed, _, resetAt := af.limiter.Check("user:"+userID, af.cfg.MaxAttemptsPerMinute, time.Minute)
	if !allowed {
		return &AdmissionError{
			Reason: fmt.Sprintf("Rate limit exceeded. Maximum %d buy attempts per minute.",
				af.cfg.MaxAttemptsPerMinute),
			RetryAfter: time.Until(resetAt),
		}
	}

	if remaining := af.attempts.CooldownRemaining(userID, parcelID, af.cfg.BuyCooldown); remaining > 0 {
		return &AdmissionError{
			Reason: fmt.Sprintf("Too many buy attempts for this parcel. Please wait %d seconds.",
				int(remaining.Seconds())+1),
			RetryAfter: remaining,
		}
	}

	// New-account cap is tracked per (user, parcel), matching the
	// gateway's behaviour.
	if !userCreatedAt.IsZero() && time.Since(userCreatedAt) < af.cfg.NewUserWindow {
		if af.attempts.CountSince(userID, parcelID, af.cfg.NewUserWindow) >= af.cfg.NewUserMaxBuys {
			return &AdmissionError{
				Reason: fmt.Sprintf("New user limit reached. Maximum %d buy attempts in first %d hours.",
					af.cfg.NewUserMaxBuys, int(af.cfg.NewUserWindow.Hours())),
				RetryAfter: af.cfg.NewUserWindow - time.Since(userCreatedAt),
			}
		}
	}

	return nil
}

// RecordBuyAttempt registers an admitted attempt for cooldown and
// new-account accounting.
func (af *AntiFraud) RecordBuyAttempt(userID, parcelID string) {
	af.attempts.Record(userID, parcelID)
}

// Close stops the background pruning goroutines.
func (af *AntiFraud) Close() {
	af.limiter.Close()
	af.attempts.Close()
}

// maxEntryAge bounds how long idle rate-limit keys survive between
// prunes. Buy attempts are retained longer because the new-account
// check counts across a 24h window.
const (
	maxEntryAge      = time.Hour
	attemptRetention = 25 * time.Hour
)

// RateLimiter is a sliding-window counter keyed by an arbitrary string.
// Expired timestamps are pruned on every check and a background sweep
// drops idle keys.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	done     chan struct{}
	once     sync.Once
}

func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		done:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Check reports whether another request is allowed for key within the
// window, recording it when allowed. resetAt is when the oldest counted
// request leaves the window.
func (rl *RateLimiter) Check(key string, maxRequests int, window time.Duration) (allowed bool, remaining int, resetAt time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)

	timestamps := pruneBefore(rl.requests[key], cutoff)
	count := len(timestamps)
	allowed = count < maxRequests

	if allowed {
		timestamps = append(timestamps, now)
	}
	rl.requests[key] = timestamps

	if len(timestamps) > 0 {
		resetAt = timestamps[0].Add(window)
	} else {
		resetAt = now.Add(window)
	}

	remaining = maxRequests - len(timestamps)
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, resetAt
}

// Reset clears the window for a key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.requests, key)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.done:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxEntryAge)
	for key, timestamps := range rl.requests {
		pruned := pruneBefore(timestamps, cutoff)
		if len(pruned) == 0 {
			delete(rl.requests, key)
		} else {
			rl.requests[key] = pruned
		}
	}
}

func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.done) })
}

// BuyAttemptTracker remembers buy attempts per (user, parcel) pair for
// cooldown and windowed-count checks.
type BuyAttemptTracker struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	done     chan struct{}
	once     sync.Once
}

func NewBuyAttemptTracker() *BuyAttemptTracker {
	bt := &BuyAttemptTracker{
		attempts: make(map[string][]time.Time),
		done:     make(chan struct{}),
	}
	go bt.cleanupLoop()
	return bt
}

func attemptKey(userID, parcelID string) string {
	return userID + ":" + parcelID
}

// Record registers an attempt now.
func (bt *BuyAttemptTracker) Record(userID, parcelID string) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	key := attemptKey(userID, parcelID)
	bt.attempts[key] = append(bt.attempts[key], time.Now())
}

// CooldownRemaining returns how long until the pair may attempt again,
// or zero when no recent attempt blocks it.
func (bt *BuyAttemptTracker) CooldownRemaining(userID, parcelID string, cooldown time.Duration) time.Duration {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	timestamps := bt.attempts[attemptKey(userID, parcelID)]
	if len(timestamps) == 0 {
		return 0
	}

	last := timestamps[len(timestamps)-1]
	if remaining := cooldown - time.Since(last); remaining > 0 {
		return remaining
	}
	return 0
}

// CountSince returns the number of attempts for the pair within the
// trailing window.
func (bt *BuyAttemptTracker) CountSince(userID, parcelID string, window time.Duration) int {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	cutoff := time.Now().Add(-window)
	count := 0
	for _, ts := range bt.attempts[attemptKey(userID, parcelID)] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

// Clear drops all recorded attempts.
func (bt *BuyAttemptTracker) Clear() {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.attempts = make(map[string][]time.Time)
}

func (bt *BuyAttemptTracker) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			bt.cleanup()
		case <-bt.done:
			return
		}
	}
}

func (bt *BuyAttemptTracker) cleanup() {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	cutoff := time.Now().Add(-attemptRetention)
	for key, timestamps := range bt.attempts {
		pruned := pruneBefore(timestamps, cutoff)
		if len(pruned) == 0 {
			delete(bt.attempts, key)
		} else {
			bt.attempts[key] = pruned
		}
	}
}

func (bt *BuyAttemptTracker) Close() {
	bt.once.Do(func() { close(bt.done) })
}

func pruneBefore(timestamps []time.Time, cutoff time.Time) []time.Time {
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
