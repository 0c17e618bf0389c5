package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parcelmarket/backend/internal/middleware"
	"github.com/parcelmarket/backend/internal/models"
)

// RentalService owns rent listings and rental agreements. Listings
// follow a supersede-on-write rule: at most one active listing exists
// per parcel, enforced by deactivating the previous one in the same
// unit of work as the insert.
type RentalService struct {
	db        *sql.DB
	wallets   *WalletService
	fees      *FeeCalculator
	events    *ParcelEventPublisher
	validator *ValidationHelper
}

func NewRentalService(db *sql.DB, wallets *WalletService, fees *FeeCalculator, events *ParcelEventPublisher) *RentalService {
	return &RentalService{
		db:        db,
		wallets:   wallets,
		fees:      fees,
		events:    events,
		validator: NewValidationHelper(),
	}
}

// ListForRentTx creates a new active listing for a parcel the caller
// owns, deactivating any prior active listing. Ownership is verified
// under the parcel row lock so a concurrent sale cannot race the
// listing.
func (rs *RentalService) ListForRentTx(tx *sql.Tx, ownerID, parcelID string, pricePerHourCents, minSeconds, maxSeconds int64) (*models.RentListing, error) {
	if tx == nil {
		return nil, ErrNoTransaction
	}
	if pricePerHourCents <= 0 {
		return nil, fmt.Errorf("price_per_hour_cents must be a positive integer, got %d", pricePerHourCents)
	}
	if minSeconds <= 0 || maxSeconds <= 0 {
		return nil, fmt.Errorf("duration bounds must be positive integers")
	}
	if maxSeconds < minSeconds {
		return nil, fmt.Errorf("max_seconds must be >= min_seconds")
	}

	var currentOwner sql.NullString
	err := tx.QueryRow(`
		SELECT owner_id FROM parcels WHERE parcel_id = $1 FOR UPDATE`, parcelID).
		Scan(&currentOwner)
	if err == sql.ErrNoRows {
		return nil, ErrParcelNotFound
	}
	if err != nil {
		return nil, err
	}
	if !currentOwner.Valid || currentOwner.String != ownerID {
		return nil, ErrNotOwner
	}

	// Supersede: the old listing is deactivated, never deleted.
	if _, err := tx.Exec(`
		UPDATE rent_listings SET active = false
		WHERE parcel_id = $1 AND active = true`, parcelID); err != nil {
		return nil, fmt.Errorf("failed to deactivate prior listing: %w", err)
	}

	listing := &models.RentListing{
		ListingID:         uuid.NewString(),
		ParcelID:          parcelID,
		OwnerID:           ownerID,
		PricePerHourCents: pricePerHourCents,
		MinSeconds:        minSeconds,
		MaxSeconds:        maxSeconds,
		Active:            true,
		CreatedAt:         time.Now().UTC(),
	}

	if _, err := tx.Exec(`
		INSERT INTO rent_listings (listing_id, parcel_id, owner_id, price_per_hour_cents, min_seconds, max_seconds, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		listing.ListingID, listing.ParcelID, listing.OwnerID,
		listing.PricePerHourCents, listing.MinSeconds, listing.MaxSeconds,
		listing.Active, listing.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create listing: %w", err)
	}

	return listing, nil
}

// lockListingTx locks the parcel's active listing. Rental starts are
// serialized on this lock; a second renter observes the first rental's
// committed state before being evaluated.
func (rs *RentalService) lockListingTx(tx *sql.Tx, parcelID string) (*models.RentListing, error) {
	if tx == nil {
		return nil, ErrNoTransaction
	}

	var listing models.RentListing
	err := tx.QueryRow(`
		SELECT listing_id, parcel_id, owner_id, price_per_hour_cents, min_seconds, max_seconds, active
		FROM rent_listings
		WHERE parcel_id = $1 AND active = true
		FOR UPDATE`, parcelID).
		Scan(&listing.ListingID, &listing.ParcelID, &listing.OwnerID,
			&listing.PricePerHourCents, &listing.MinSeconds, &listing.MaxSeconds,
			&listing.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotListed
	}
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

// StartRentalTx rents a listed parcel for the requested duration:
// lock the listing, validate bounds, debit the renter, credit the
// owner minus fee, insert the immutable agreement.
func (rs *RentalService) StartRentalTx(tx *sql.Tx, renterID, parcelID string, durationSeconds int64) (*models.RentalAgreement, int64, int64, error) {
	if durationSeconds <= 0 {
		return nil, 0, 0, fmt.Errorf("duration_seconds must be a positive integer, got %d", durationSeconds)
	}

	listing, err := rs.lockListingTx(tx, parcelID)
	if err != nil {
		return nil, 0, 0, err
	}

	if durationSeconds < listing.MinSeconds || durationSeconds > listing.MaxSeconds {
		return nil, 0, 0, &DurationOutOfRangeError{
			MinSeconds:      listing.MinSeconds,
			MaxSeconds:      listing.MaxSeconds,
			ProvidedSeconds: durationSeconds,
		}
	}

	totalCents := rs.fees.CalculateRentalTotal(listing.PricePerHourCents, durationSeconds)
	feeCents := rs.fees.CalculateFee(totalCents)
	ownerReceivesCents := totalCents - feeCents

	renterWallet, err := rs.wallets.InitializeWalletTx(tx, renterID)
	if err != nil {
		return nil, 0, 0, err
	}
	if available := renterWallet.AvailableCents(); available < totalCents {
		return nil, 0, 0, &InsufficientFundsError{
			RequiredCents:  totalCents,
			AvailableCents: available,
		}
	}

	if _, err := rs.wallets.UpdateBalanceTx(tx, renterID, -totalCents, 0); err != nil {
		return nil, 0, 0, err
	}
	if _, err := rs.wallets.UpdateBalanceTx(tx, listing.OwnerID, ownerReceivesCents, 0); err != nil {
		return nil, 0, 0, err
	}

	start := time.Now().UTC()
	agreement := &models.RentalAgreement{
		RentalID:   uuid.NewString(),
		ParcelID:   parcelID,
		OwnerID:    listing.OwnerID,
		RenterID:   renterID,
		StartTs:    start,
		EndTs:      start.Add(time.Duration(durationSeconds) * time.Second),
		TotalCents: totalCents,
		Status:     models.RentalStatusActive,
		CreatedAt:  start,
	}

	if _, err := tx.Exec(`
		INSERT INTO rental_agreements (rental_id, parcel_id, owner_id, renter_id, start_ts, end_ts, total_cents, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		agreement.RentalID, agreement.ParcelID, agreement.OwnerID,
		agreement.RenterID, agreement.StartTs, agreement.EndTs,
		agreement.TotalCents, agreement.Status, agreement.CreatedAt); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to create rental agreement: %w", err)
	}

	return agreement, feeCents, ownerReceivesCents, nil
}

// HTTP handlers

// ListForRentRequest is the body of POST /rent/list/{parcelID}.
type ListForRentRequest struct {
	PricePerHourCents int64 `json:"price_per_hour_cents" validate:"required,gt=0"`
	MinSeconds        int64 `json:"min_seconds" validate:"required,gt=0"`
	MaxSeconds        int64 `json:"max_seconds" validate:"required,gt=0,gtefield=MinSeconds"`
}

// ListForRent handles a rental listing request
// @Summary List a parcel for rent
// @Description Creates an active rental listing, superseding any prior active listing for the parcel
// @Tags rentals
// @Accept json
// @Produce json
// @Param parcelID path string true "Parcel ID"
// @Param listing body ListForRentRequest true "Rental terms"
// @Success 200 {object} models.RentListing
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /rent/list/{parcelID} [post]
func (rs *RentalService) ListForRent(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value(middleware.UserIDKey).(string)
	if !ok || ownerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	parcelID := chi.URLParam(r, "parcelID")
	if parcelID == "" {
		SendErrorResponse(w, "Parcel ID is required", http.StatusBadRequest, nil)
		return
	}

	var req ListForRentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := rs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tx, err := rs.db.Begin()
	if err != nil {
		log.Printf("[RENTAL] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to list parcel for rent", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	listing, err := rs.ListForRentTx(tx, ownerID, parcelID,
		req.PricePerHourCents, req.MinSeconds, req.MaxSeconds)
	if err != nil {
		log.Printf("[RENTAL] Rent listing of %s by %s failed: %v", parcelID, ownerID, err)
		WriteServiceError(w, err)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[RENTAL] Failed to commit rent listing of %s: %v", parcelID, err)
		WriteServiceError(w, err)
		return
	}

	log.Printf("[RENTAL] Parcel %s listed for rent by %s at %d cents/hour",
		parcelID, ownerID, listing.PricePerHourCents)
	rs.events.PublishParcelUpdate(r.Context(), parcelID)

	writeJSON(w, http.StatusOK, listing)
}

// StartRentalRequest is the body of POST /rent/start/{parcelID}.
type StartRentalRequest struct {
	DurationSeconds int64 `json:"duration_seconds" validate:"required,gt=0"`
}

// StartRental handles a rental start request
// @Summary Start a rental
// @Description Rents a listed parcel for the requested duration, debiting the renter and crediting the owner minus the fee
// @Tags rentals
// @Accept json
// @Produce json
// @Param parcelID path string true "Parcel ID"
// @Param rental body StartRentalRequest true "Rental duration"
// @Success 201 {object} models.RentalAgreement
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /rent/start/{parcelID} [post]
func (rs *RentalService) StartRental(w http.ResponseWriter, r *http.Request) {
	renterID, ok := r.Context().Value(middleware.UserIDKey).(string)
	if !ok || renterID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	parcelID := chi.URLParam(r, "parcelID")
	if parcelID == "" {
		SendErrorResponse(w, "Parcel ID is required", http.StatusBadRequest, nil)
		return
	}

	var req StartRentalRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := rs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tx, err := rs.db.Begin()
	if err != nil {
		log.Printf("[RENTAL] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to start rental", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	agreement, feeCents, ownerReceivesCents, err := rs.StartRentalTx(tx, renterID, parcelID, req.DurationSeconds)
	if err != nil {
		log.Printf("[RENTAL] Rental of %s by %s failed: %v", parcelID, renterID, err)
		WriteServiceError(w, err)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[RENTAL] Failed to commit rental of %s: %v", parcelID, err)
		WriteServiceError(w, err)
		return
	}

	log.Printf("[RENTAL] Parcel %s rented by %s for %d cents (fee %d)",
		parcelID, renterID, agreement.TotalCents, feeCents)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rental_id":            agreement.RentalID,
		"parcel_id":            agreement.ParcelID,
		"owner_id":             agreement.OwnerID,
		"renter_id":            agreement.RenterID,
		"start_ts":             agreement.StartTs,
		"end_ts":               agreement.EndTs,
		"total_cents":          agreement.TotalCents,
		"fee_cents":            feeCents,
		"owner_receives_cents": ownerReceivesCents,
		"status":               agreement.Status,
		"created_at":           agreement.CreatedAt,
	})
}

// GetMyRentals lists the caller's active rentals
// @Summary List my rentals
// @Description Returns the caller's active rental agreements, newest first
// @Tags rentals
// @Produce json
// @Success 200 {object} object{rentals=[]models.RentalAgreement}
// @Router /rent/my [get]
func (rs *RentalService) GetMyRentals(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := rs.db.Query(`
		SELECT rental_id, parcel_id, owner_id, renter_id, start_ts, end_ts, total_cents, status, created_at
		FROM rental_agreements
		WHERE renter_id = $1 AND status = $2
		ORDER BY created_at DESC`, userID, models.RentalStatusActive)
	if err != nil {
		log.Printf("[RENTAL] Failed to fetch rentals for %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch rentals", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	rentals := []models.RentalAgreement{}
	for rows.Next() {
		var ra models.RentalAgreement
		if err := rows.Scan(&ra.RentalID, &ra.ParcelID, &ra.OwnerID, &ra.RenterID,
			&ra.StartTs, &ra.EndTs, &ra.TotalCents, &ra.Status, &ra.CreatedAt); err != nil {
			log.Printf("[RENTAL] Failed to scan rental row: %v", err)
			SendErrorResponse(w, "Failed to fetch rentals", http.StatusInternalServerError, nil)
			return
		}
		rentals = append(rentals, ra)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rentals": rentals,
	})
}
