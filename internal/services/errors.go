package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Sentinel errors for business-rule violations discovered under lock.
// Handlers map these to HTTP statuses in one place (WriteServiceError).
var (
	ErrParcelNotFound      = errors.New("parcel not found")
	ErrNotForSale          = errors.New("parcel is not for sale")
	ErrSelfTrade           = errors.New("cannot buy a parcel you already own")
	ErrNotOwner            = errors.New("you do not own this parcel")
	ErrNotListed           = errors.New("parcel is not listed for rent")
	ErrLedgerEntryNotFound = errors.New("transaction not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoTransaction       = errors.New("operation requires an active database transaction")
)

// InsufficientFundsError carries the amounts a client needs to decide
// whether to top up and retry.
type InsufficientFundsError struct {
	RequiredCents  int64
	AvailableCents int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d",
		e.RequiredCents, e.AvailableCents)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientBalance
}

// DurationOutOfRangeError carries the listing's bounds alongside the
// rejected value.
type DurationOutOfRangeError struct {
	MinSeconds      int64
	MaxSeconds      int64
	ProvidedSeconds int64
}

func (e *DurationOutOfRangeError) Error() string {
	return fmt.Sprintf("duration must be between %d and %d seconds, got %d",
		e.MinSeconds, e.MaxSeconds, e.ProvidedSeconds)
}

// InvalidTransitionError is returned when a terminal ledger entry is
// targeted with a different terminal status.
type InvalidTransitionError struct {
	TxID string
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot update transaction %s from status %q to %q",
		e.TxID, e.From, e.To)
}

// AdmissionError is an advisory rejection from the anti-fraud layer.
// It never reaches the transactional engine.
type AdmissionError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	return e.Reason
}

// IsBusy reports whether err is a lock-wait or serialization failure
// from Postgres. These are safe to retry and are surfaced as 409 rather
// than 500.
func IsBusy(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "55P03", // lock_not_available
		"40001", // serialization_failure
		"40P01": // deadlock_detected
		return true
	}
	return false
}
