package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parcelmarket/backend/internal/middleware"
	"github.com/parcelmarket/backend/internal/models"
)

// MarketplaceService is the ownership transfer engine: buy and list
// operations that move money and parcel ownership atomically. Every
// mutation starts by taking an exclusive row lock on the target parcel,
// so concurrent requests against the same parcel are strictly
// serialized and the loser is re-evaluated against committed state.
type MarketplaceService struct {
	db        *sql.DB
	wallets   *WalletService
	fees      *FeeCalculator
	antifraud *AntiFraud
	events    *ParcelEventPublisher
	validator *ValidationHelper
}

func NewMarketplaceService(db *sql.DB, wallets *WalletService, fees *FeeCalculator, antifraud *AntiFraud, events *ParcelEventPublisher) *MarketplaceService {
	return &MarketplaceService{
		db:        db,
		wallets:   wallets,
		fees:      fees,
		antifraud: antifraud,
		events:    events,
		validator: NewValidationHelper(),
	}
}

// lockParcelTx acquires the exclusive row lock that serializes all
// mutations of a parcel. Ownership and price must only be read after
// this lock is held.
func (ms *MarketplaceService) lockParcelTx(tx *sql.Tx, parcelID string) (*models.Parcel, error) {
	if tx == nil {
		return nil, ErrNoTransaction
	}

	var parcel models.Parcel
	var ownerID sql.NullString
	var priceCents sql.NullInt64
	err := tx.QueryRow(`
		SELECT parcel_id, owner_id, price_cents, rent_available
		FROM parcels
		WHERE parcel_id = $1
		FOR UPDATE`, parcelID).
		Scan(&parcel.ParcelID, &ownerID, &priceCents, &parcel.RentAvailable)
	if err == sql.ErrNoRows {
		return nil, ErrParcelNotFound
	}
	if err != nil {
		return nil, err
	}

	if ownerID.Valid {
		parcel.OwnerID = &ownerID.String
	}
	if priceCents.Valid {
		parcel.PriceCents = &priceCents.Int64
	}
	return &parcel, nil
}

// BuyParcelTx executes a purchase inside the caller's transaction:
// lock, validate, debit buyer, credit seller, transfer ownership,
// record the marketplace transaction. Any error aborts the whole unit
// of work; the caller must not commit on error.
func (ms *MarketplaceService) BuyParcelTx(tx *sql.Tx, buyerID, parcelID string) (*models.MarketplaceTransaction, error) {
	parcel, err := ms.lockParcelTx(tx, parcelID)
	if err != nil {
		return nil, err
	}

	if !parcel.ForSale() {
		return nil, ErrNotForSale
	}
	if parcel.OwnedBy(buyerID) {
		return nil, ErrSelfTrade
	}

	priceCents := *parcel.PriceCents
	feeCents := ms.fees.CalculateFee(priceCents)
	sellerReceivesCents := priceCents - feeCents

	buyerWallet, err := ms.wallets.InitializeWalletTx(tx, buyerID)
	if err != nil {
		return nil, err
	}
	if available := buyerWallet.AvailableCents(); available < priceCents {
		return nil, &InsufficientFundsError{
			RequiredCents:  priceCents,
			AvailableCents: available,
		}
	}

	if _, err := ms.wallets.UpdateBalanceTx(tx, buyerID, -priceCents, 0); err != nil {
		return nil, err
	}

	// Unowned parcels are sold by the system; nobody is credited.
	if parcel.OwnerID != nil {
		if _, err := ms.wallets.UpdateBalanceTx(tx, *parcel.OwnerID, sellerReceivesCents, 0); err != nil {
			return nil, err
		}
	}

	// A buy changes only the owner; the sale price stays on the parcel
	// until the new owner relists.
	if _, err := tx.Exec(`
		UPDATE parcels
		SET owner_id = $2, updated_at = $3
		WHERE parcel_id = $1`,
		parcelID, buyerID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to transfer ownership: %w", err)
	}

	return ms.createTransactionTx(tx, &models.MarketplaceTransaction{
		TxID:                uuid.NewString(),
		ParcelID:            parcelID,
		BuyerID:             buyerID,
		SellerID:            parcel.OwnerID,
		PriceCents:          priceCents,
		FeeCents:            feeCents,
		SellerReceivesCents: sellerReceivesCents,
		Type:                models.MarketTxTypeBuy,
		Status:              models.MarketTxStatusCompleted,
		CreatedAt:           time.Now().UTC(),
	})
}

// ListParcelTx sets the parcel's sale price under lock and records a
// zero-fee audit transaction. List records never move funds.
func (ms *MarketplaceService) ListParcelTx(tx *sql.Tx, ownerID, parcelID string, priceCents int64) (*models.MarketplaceTransaction, error) {
	if priceCents <= 0 {
		return nil, fmt.Errorf("price_cents must be a positive integer, got %d", priceCents)
	}

	parcel, err := ms.lockParcelTx(tx, parcelID)
	if err != nil {
		return nil, err
	}
	if !parcel.OwnedBy(ownerID) {
		return nil, ErrNotOwner
	}

	if _, err := tx.Exec(`
		UPDATE parcels
		SET price_cents = $2, updated_at = $3
		WHERE parcel_id = $1`,
		parcelID, priceCents, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to update parcel price: %w", err)
	}

	return ms.createTransactionTx(tx, &models.MarketplaceTransaction{
		TxID:       uuid.NewString(),
		ParcelID:   parcelID,
		BuyerID:    ownerID,
		SellerID:   &ownerID,
		PriceCents: priceCents,
		Type:       models.MarketTxTypeList,
		Status:     models.MarketTxStatusCompleted,
		CreatedAt:  time.Now().UTC(),
	})
}

func (ms *MarketplaceService) createTransactionTx(tx *sql.Tx, mt *models.MarketplaceTransaction) (*models.MarketplaceTransaction, error) {
	var sellerID sql.NullString
	if mt.SellerID != nil {
		sellerID = sql.NullString{String: *mt.SellerID, Valid: true}
	}

	_, err := tx.Exec(`
		INSERT INTO marketplace_transactions
		(tx_id, parcel_id, buyer_id, seller_id, price_cents, fee_cents, seller_receives_cents, type, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		mt.TxID, mt.ParcelID, mt.BuyerID, sellerID, mt.PriceCents,
		mt.FeeCents, mt.SellerReceivesCents, mt.Type, mt.Status, mt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record marketplace transaction: %w", err)
	}
	return mt, nil
}

// HTTP handlers

// BuyParcel handles a purchase request
// @Summary Buy a parcel
// @Description Transfers parcel ownership to the caller, debiting the price and crediting the seller minus the marketplace fee
// @Tags marketplace
// @Produce json
// @Param parcelID path string true "Parcel ID"
// @Success 200 {object} models.MarketplaceTransaction
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /market/buy/{parcelID} [post]
func (ms *MarketplaceService) BuyParcel(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := r.Context().Value(middleware.UserIDKey).(string)
	if !ok || buyerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	parcelID := chi.URLParam(r, "parcelID")
	if parcelID == "" {
		SendErrorResponse(w, "Parcel ID is required", http.StatusBadRequest, nil)
		return
	}

	// Advisory admission control. A rejection here never reaches the
	// engine; correctness rests on the row locks below, not on this.
	createdAt, _ := r.Context().Value(middleware.CreatedAtKey).(time.Time)
	if err := ms.antifraud.CheckBuyAttempt(buyerID, parcelID, createdAt); err != nil {
		log.Printf("[MARKET] Buy attempt by %s on %s rejected: %v", buyerID, parcelID, err)
		WriteServiceError(w, err)
		return
	}
	ms.antifraud.RecordBuyAttempt(buyerID, parcelID)

	tx, err := ms.db.Begin()
	if err != nil {
		log.Printf("[MARKET] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to process purchase", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	transaction, err := ms.BuyParcelTx(tx, buyerID, parcelID)
	if err != nil {
		log.Printf("[MARKET] Buy of %s by %s failed: %v", parcelID, buyerID, err)
		WriteServiceError(w, err)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[MARKET] Failed to commit purchase of %s: %v", parcelID, err)
		WriteServiceError(w, err)
		return
	}

	log.Printf("[MARKET] Parcel %s sold to %s for %d cents (fee %d)",
		parcelID, buyerID, transaction.PriceCents, transaction.FeeCents)
	ms.events.PublishParcelUpdate(r.Context(), parcelID)

	writeJSON(w, http.StatusOK, transaction)
}

// ListParcelRequest is the body of POST /market/list/{parcelID}.
type ListParcelRequest struct {
	PriceCents int64 `json:"price_cents" validate:"required,gt=0"`
}

// ListParcel handles a sale listing request
// @Summary List a parcel for sale
// @Description Sets the sale price of a parcel the caller owns and records an audit transaction
// @Tags marketplace
// @Accept json
// @Produce json
// @Param parcelID path string true "Parcel ID"
// @Param listing body ListParcelRequest true "Listing price"
// @Success 200 {object} models.MarketplaceTransaction
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /market/list/{parcelID} [post]
func (ms *MarketplaceService) ListParcel(w http.ResponseWriter, r *http.Request) {
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

	var req ListParcelRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := ms.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tx, err := ms.db.Begin()
	if err != nil {
		log.Printf("[MARKET] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to list parcel", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	transaction, err := ms.ListParcelTx(tx, ownerID, parcelID, req.PriceCents)
	if err != nil {
		log.Printf("[MARKET] Listing of %s by %s failed: %v", parcelID, ownerID, err)
		WriteServiceError(w, err)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[MARKET] Failed to commit listing of %s: %v", parcelID, err)
		WriteServiceError(w, err)
		return
	}

	log.Printf("[MARKET] Parcel %s listed by %s at %d cents", parcelID, ownerID, transaction.PriceCents)
	ms.events.PublishParcelUpdate(r.Context(), parcelID)

	writeJSON(w, http.StatusOK, transaction)
}

// GetTransactions lists marketplace transactions involving the caller
// @Summary List marketplace transactions
// @Description Returns buy and list records where the caller is buyer or seller, newest first
// @Tags marketplace
// @Produce json
// @Param limit query int false "Max records to return (default 50)"
// @Success 200 {object} object{transactions=[]models.MarketplaceTransaction,count=int}
// @Router /market/transactions [get]
func (ms *MarketplaceService) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	transactions, err := ms.fetchTransactions(userID, limit)
	if err != nil {
		log.Printf("[MARKET] Failed to fetch transactions for %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

func (ms *MarketplaceService) fetchTransactions(userID string, limit int) ([]models.MarketplaceTransaction, error) {
	rows, err := ms.db.Query(`
		SELECT tx_id, parcel_id, buyer_id, seller_id, price_cents, fee_cents, seller_receives_cents, type, status, created_at
		FROM marketplace_transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.MarketplaceTransaction{}
	for rows.Next() {
		var mt models.MarketplaceTransaction
		var sellerID sql.NullString
		if err := rows.Scan(&mt.TxID, &mt.ParcelID, &mt.BuyerID, &sellerID,
			&mt.PriceCents, &mt.FeeCents, &mt.SellerReceivesCents,
			&mt.Type, &mt.Status, &mt.CreatedAt); err != nil {
			return nil, err
		}
		if sellerID.Valid {
			mt.SellerID = &sellerID.String
		}
		transactions = append(transactions, mt)
	}
	return transactions, rows.Err()
}
