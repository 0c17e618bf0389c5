package services

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/viper"

	"github.com/parcelmarket/backend/internal/middleware"
	"github.com/parcelmarket/backend/internal/models"
)

// PaymentService is the sandbox payment connector: deposits create a
// pending ledger entry and a simulated payment URL; the provider later
// confirms via webhook. Confirmations are delivered at least once, so
// the webhook is idempotent: re-delivery of a confirmation the entry
// already reflects is a no-op success and never re-credits.
type PaymentService struct {
	db         *sql.DB
	wallets    *WalletService
	validator  *ValidationHelper
	sandboxURL string
}

func NewPaymentService(db *sql.DB, wallets *WalletService) *PaymentService {
	viper.SetDefault("payments.sandbox_url", "https://sandbox-payment.example.com")
	return &PaymentService{
		db:         db,
		wallets:    wallets,
		validator:  NewValidationHelper(),
		sandboxURL: viper.GetString("payments.sandbox_url"),
	}
}

// ConfirmTx applies an external settlement confirmation inside the
// caller's transaction. Exactly one of three things happens:
//   - the entry already has the requested status: returned unchanged,
//     alreadySettled=true, no balance effect;
//   - the entry is pending: transitioned, with the wallet credited
//     (deposit) or debited (withdraw) in the same unit of work when the
//     confirmation is "completed";
//   - the entry is terminal with a different status: InvalidTransitionError.
func (ps *PaymentService) ConfirmTx(tx *sql.Tx, txID, status string) (entry *models.LedgerEntry, alreadySettled bool, err error) {
	if status != models.LedgerStatusCompleted && status != models.LedgerStatusFailed {
		return nil, false, fmt.Errorf("invalid confirmation status %q", status)
	}

	entry, err = ps.wallets.GetLedgerEntryForUpdateTx(tx, txID)
	if err != nil {
		return nil, false, err
	}

	if entry.Status == status {
		return entry, true, nil
	}

	if entry.Status != models.LedgerStatusPending {
		return nil, false, &InvalidTransitionError{TxID: txID, From: entry.Status, To: status}
	}

	entry, err = ps.wallets.UpdateLedgerStatusTx(tx, txID, status)
	if err != nil {
		return nil, false, err
	}

	// A failed confirmation changes only the status. Money moves once,
	// on the single pending -> completed transition.
	if status == models.LedgerStatusCompleted {
		delta := entry.AmountCents
		if entry.Type == models.LedgerTypeWithdraw {
			delta = -entry.AmountCents
		}
		if _, err := ps.wallets.UpdateBalanceTx(tx, entry.UserID, delta, 0); err != nil {
			return nil, false, err
		}
	}

	return entry, false, nil
}

// HTTP handlers

// DepositRequest is the body of POST /payments/deposit.
type DepositRequest struct {
	AmountCents int64 `json:"amount_cents" validate:"required,gt=0"`
}

// Deposit creates a pending deposit and returns a sandbox payment URL
// @Summary Start a deposit
// @Description Creates a pending deposit ledger entry and returns the sandbox payment URL; the balance is credited only when the provider confirms
// @Tags payments
// @Accept json
// @Produce json
// @Param deposit body DepositRequest true "Deposit amount"
// @Success 201 {object} object{tx_id=string,payment_url=string,amount_cents=int64,status=string}
// @Failure 400 {object} ErrorResponse
// @Router /payments/deposit [post]
func (ps *PaymentService) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req DepositRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tx, err := ps.db.Begin()
	if err != nil {
		log.Printf("[PAYMENT] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to process deposit", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	if _, err := ps.wallets.InitializeWalletTx(tx, userID); err != nil {
		log.Printf("[PAYMENT] Failed to initialize wallet for %s: %v", userID, err)
		SendErrorResponse(w, "Failed to process deposit", http.StatusInternalServerError, nil)
		return
	}

	entry, err := ps.wallets.CreateLedgerEntryTx(tx, userID, req.AmountCents,
		models.LedgerTypeDeposit, "", models.LedgerStatusPending)
	if err != nil {
		log.Printf("[PAYMENT] Failed to create deposit entry for %s: %v", userID, err)
		SendErrorResponse(w, "Failed to process deposit", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[PAYMENT] Failed to commit deposit: %v", err)
		SendErrorResponse(w, "Failed to process deposit", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PAYMENT] Deposit %s created for user %s: %d cents pending", entry.TxID, userID, entry.AmountCents)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"tx_id":        entry.TxID,
		"payment_url":  ps.paymentURL(entry.TxID),
		"amount_cents": entry.AmountCents,
		"status":       entry.Status,
	})
}

// WebhookRequest is the body the sandbox provider posts back.
type WebhookRequest struct {
	TxID   string `json:"tx_id" validate:"required"`
	Status string `json:"status" validate:"required,oneof=completed failed"`
}

// Webhook applies a settlement confirmation
// @Summary Payment provider webhook
// @Description Transitions a pending ledger entry to completed or failed; completed deposits credit the wallet exactly once regardless of re-delivery
// @Tags payments
// @Accept json
// @Produce json
// @Param confirmation body WebhookRequest true "Settlement confirmation"
// @Success 200 {object} object{success=bool,tx_id=string,status=string}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /payments/webhook [post]
func (ps *PaymentService) Webhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tx, err := ps.db.Begin()
	if err != nil {
		log.Printf("[PAYMENT] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to process confirmation", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	entry, alreadySettled, err := ps.ConfirmTx(tx, req.TxID, req.Status)
	if err != nil {
		log.Printf("[PAYMENT] Confirmation of %s as %s failed: %v", req.TxID, req.Status, err)
		WriteServiceError(w, err)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[PAYMENT] Failed to commit confirmation of %s: %v", req.TxID, err)
		WriteServiceError(w, err)
		return
	}

	response := map[string]interface{}{
		"success": true,
		"tx_id":   entry.TxID,
		"status":  entry.Status,
	}
	if alreadySettled {
		log.Printf("[PAYMENT] Duplicate confirmation for %s ignored (already %s)", entry.TxID, entry.Status)
		response["message"] = "Transaction already in this status"
	} else {
		log.Printf("[PAYMENT] Transaction %s settled as %s", entry.TxID, entry.Status)
	}

	writeJSON(w, http.StatusOK, response)
}

// PaymentQR renders the sandbox payment URL as a QR code
// @Summary Payment QR code
// @Description Returns a PNG QR code for the pending deposit's sandbox payment URL
// @Tags payments
// @Produce png
// @Param txID path string true "Ledger transaction ID"
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Router /payments/{txID}/qr [get]
func (ps *PaymentService) PaymentQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	txID := chi.URLParam(r, "txID")

	var entryUserID, status string
	err := ps.db.QueryRow(`
		SELECT user_id, status FROM wallet_ledger WHERE tx_id = $1`, txID).
		Scan(&entryUserID, &status)
	if err == sql.ErrNoRows || (err == nil && entryUserID != userID) {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[PAYMENT] Failed to fetch entry %s: %v", txID, err)
		SendErrorResponse(w, "Failed to generate QR code", http.StatusInternalServerError, nil)
		return
	}
	if status != models.LedgerStatusPending {
		SendErrorResponse(w, "Transaction is not awaiting payment", http.StatusBadRequest, nil)
		return
	}

	png, err := qrcode.Encode(ps.paymentURL(txID), qrcode.Medium, 256)
	if err != nil {
		log.Printf("[PAYMENT] Failed to encode QR for %s: %v", txID, err)
		SendErrorResponse(w, "Failed to generate QR code", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (ps *PaymentService) paymentURL(txID string) string {
	return fmt.Sprintf("%s/pay/%s", ps.sandboxURL, txID)
}
