package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/parcelmarket/backend/internal/middleware"
	"github.com/parcelmarket/backend/internal/models"
)

// WalletService owns the wallets and wallet_ledger tables. Every
// balance change in the system goes through UpdateBalanceTx inside an
// active *sql.Tx; there is no other mutation path.
type WalletService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewWalletService(db *sql.DB) *WalletService {
	return &WalletService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// InitializeWalletTx creates a zero-balance wallet if none exists.
// Concurrent callers converge on the single existing row via
// ON CONFLICT DO NOTHING plus a follow-up read.
func (ws *WalletService) InitializeWalletTx(tx *sql.Tx, userID string) (*models.Wallet, error) {
	if tx == nil {
		return nil, ErrNoTransaction
	}

	var w models.Wallet
	err := tx.QueryRow(`
		INSERT INTO wallets (user_id, balance_cents, reserved_cents)
		VALUES ($1, 0, 0)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING user_id, balance_cents, reserved_cents`, userID).
		Scan(&w.UserID, &w.BalanceCents, &w.ReservedCents)

	if err == sql.ErrNoRows {
		// Insert skipped: the wallet already exists.
		return ws.getWalletTx(tx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize wallet: %w", err)
	}
	return &w, nil
}

// GetWallet returns the wallet or nil if the user has never had a
// financial interaction.
func (ws *WalletService) GetWallet(userID string) (*models.Wallet, error) {
	var w models.Wallet
	err := ws.db.QueryRow(`
		SELECT user_id, balance_cents, reserved_cents
		FROM wallets
		WHERE user_id = $1`, userID).
		Scan(&w.UserID, &w.BalanceCents, &w.ReservedCents)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (ws *WalletService) getWalletTx(tx *sql.Tx, userID string) (*models.Wallet, error) {
	var w models.Wallet
	err := tx.QueryRow(`
		SELECT user_id, balance_cents, reserved_cents
		FROM wallets
		WHERE user_id = $1`, userID).
		Scan(&w.UserID, &w.BalanceCents, &w.ReservedCents)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateBalanceTx applies both deltas atomically and enforces the
// wallet invariant 0 <= reserved <= balance. A violation returns
// ErrInsufficientBalance so the caller aborts the whole unit of work;
// no partial credit or debit ever persists.
func (ws *WalletService) UpdateBalanceTx(tx *sql.Tx, userID string, amountDelta, reservedDelta int64) (*models.Wallet, error) {
	if tx == nil {
		return nil, ErrNoTransaction
	}

	if _, err := ws.InitializeWalletTx(tx, userID); err != nil {
		return nil, err
	}

	var w models.Wallet
	err := tx.QueryRow(`
		UPDATE wallets
		SET balance_cents = balance_cents + $2,
		    reserved_cents = reserved_cents + $3
		WHERE user_id = $1
		RETURNING user_id, balance_cents, reserved_cents`,
		userID, amountDelta, reservedDelta).
		Scan(&w.UserID, &w.BalanceCents, &w.ReservedCents)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	if w.BalanceCents < 0 || w.ReservedCents < 0 || w.ReservedCents > w.BalanceCents {
		return nil, ErrInsufficientBalance
	}

	return &w, nil
}

// CreateLedgerEntryTx appends an immutable ledger row. Amounts are
// always stored positive; the type carries the intent.
func (ws *WalletService) CreateLedgerEntryTx(tx *sql.Tx, userID string, amountCents int64, entryType, ref, status string) (*models.LedgerEntry, error) {
	if tx == nil {
		return nil, ErrNoTransaction
	}
	if entryType != models.LedgerTypeDeposit && entryType != models.LedgerTypeWithdraw {
		return nil, fmt.Errorf("invalid ledger type %q", entryType)
	}
	if !validLedgerStatus(status) {
		return nil, fmt.Errorf("invalid ledger status %q", status)
	}
	if amountCents <= 0 {
		return nil, fmt.Errorf("ledger amount must be positive, got %d", amountCents)
	}

	entry := &models.LedgerEntry{
		TxID:        uuid.NewString(),
		UserID:      userID,
		AmountCents: amountCents,
		Type:        entryType,
		Ref:         ref,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := tx.Exec(`
		INSERT INTO wallet_ledger (tx_id, user_id, amount_cents, type, ref, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.TxID, entry.UserID, entry.AmountCents, entry.Type,
		sql.NullString{String: entry.Ref, Valid: entry.Ref != ""},
		entry.Status, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger entry: %w", err)
	}

	return entry, nil
}

// GetLedgerEntryForUpdateTx locks the ledger row so concurrent
// confirmations of the same external payment are strictly serialized.
func (ws *WalletService) GetLedgerEntryForUpdateTx(tx *sql.Tx, txID string) (*models.LedgerEntry, error) {
	if tx == nil {
		return nil, ErrNoTransaction
	}

	var entry models.LedgerEntry
	var ref sql.NullString
	err := tx.QueryRow(`
		SELECT tx_id, user_id, amount_cents, type, ref, status, created_at
		FROM wallet_ledger
		WHERE tx_id = $1
		FOR UPDATE`, txID).
		Scan(&entry.TxID, &entry.UserID, &entry.AmountCents, &entry.Type,
			&ref, &entry.Status, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrLedgerEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.Ref = ref.String
	return &entry, nil
}

// UpdateLedgerStatusTx performs the single allowed in-place mutation on
// a ledger entry. Status validity is checked here; transition legality
// is the settlement handler's responsibility.
func (ws *WalletService) UpdateLedgerStatusTx(tx *sql.Tx, txID, newStatus string) (*models.LedgerEntry, error) {
	if tx == nil {
		return nil, ErrNoTransaction
	}
	if !validLedgerStatus(newStatus) {
		return nil, fmt.Errorf("invalid ledger status %q", newStatus)
	}

	var entry models.LedgerEntry
	var ref sql.NullString
	err := tx.QueryRow(`
		UPDATE wallet_ledger
		SET status = $2
		WHERE tx_id = $1
		RETURNING tx_id, user_id, amount_cents, type, ref, status, created_at`,
		txID, newStatus).
		Scan(&entry.TxID, &entry.UserID, &entry.AmountCents, &entry.Type,
			&ref, &entry.Status, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrLedgerEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update ledger status: %w", err)
	}
	entry.Ref = ref.String
	return &entry, nil
}

func validLedgerStatus(status string) bool {
	switch status {
	case models.LedgerStatusPending, models.LedgerStatusCompleted, models.LedgerStatusFailed:
		return true
	}
	return false
}

// HTTP handlers

// GetWalletHandler returns the caller's balance snapshot
// @Summary Get wallet balance
// @Description Returns balance, reserved and available amounts in cents
// @Tags wallet
// @Produce json
// @Success 200 {object} object{balance_cents=int64,reserved_cents=int64,available_cents=int64}
// @Router /wallet [get]
func (ws *WalletService) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	wallet, err := ws.GetWallet(userID)
	if err != nil {
		log.Printf("[WALLET] Failed to fetch wallet for %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch wallet", http.StatusInternalServerError, nil)
		return
	}
	if wallet == nil {
		// No financial interaction yet; report a zero snapshot without
		// creating the row.
		wallet = &models.Wallet{UserID: userID}
	}

	writeJSON(w, http.StatusOK, map[string]int64{
		"balance_cents":   wallet.BalanceCents,
		"reserved_cents":  wallet.ReservedCents,
		"available_cents": wallet.AvailableCents(),
	})
}

// WithdrawRequest is the body of POST /wallet/withdraw.
type WithdrawRequest struct {
	AmountCents int64  `json:"amount_cents" validate:"required,gt=0"`
	Ref         string `json:"ref" validate:"omitempty,max=200"`
}

// Withdraw creates a pending withdraw ledger entry
// @Summary Request a withdrawal
// @Description Creates a pending withdraw ledger entry; the balance changes only when the settlement confirmation arrives. Requires verified KYC.
// @Tags wallet
// @Accept json
// @Produce json
// @Param withdrawal body WithdrawRequest true "Withdrawal request"
// @Success 201 {object} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /wallet/withdraw [post]
func (ws *WalletService) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req WithdrawRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tx, err := ws.db.Begin()
	if err != nil {
		log.Printf("[WALLET] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to process withdrawal", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	wallet, err := ws.InitializeWalletTx(tx, userID)
	if err != nil {
		log.Printf("[WALLET] Failed to initialize wallet for %s: %v", userID, err)
		SendErrorResponse(w, "Failed to process withdrawal", http.StatusInternalServerError, nil)
		return
	}

	if available := wallet.AvailableCents(); available < req.AmountCents {
		WriteServiceError(w, &InsufficientFundsError{
			RequiredCents:  req.AmountCents,
			AvailableCents: available,
		})
		return
	}

	entry, err := ws.CreateLedgerEntryTx(tx, userID, req.AmountCents,
		models.LedgerTypeWithdraw, req.Ref, models.LedgerStatusPending)
	if err != nil {
		log.Printf("[WALLET] Failed to create withdraw entry for %s: %v", userID, err)
		SendErrorResponse(w, "Failed to process withdrawal", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[WALLET] Failed to commit withdrawal: %v", err)
		SendErrorResponse(w, "Failed to process withdrawal", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[WALLET] Withdrawal %s created for user %s: %d cents pending", entry.TxID, userID, entry.AmountCents)
	writeJSON(w, http.StatusCreated, entry)
}

// GetLedger lists the caller's ledger entries
// @Summary List ledger entries
// @Description Returns the caller's cash-movement history, newest first
// @Tags wallet
// @Produce json
// @Param type query string false "Filter by type (deposit|withdraw)"
// @Param status query string false "Filter by status (pending|completed|failed)"
// @Param limit query int false "Max entries to return (default 50)"
// @Success 200 {object} object{entries=[]models.LedgerEntry,count=int}
// @Router /wallet/ledger [get]
func (ws *WalletService) GetLedger(w http.ResponseWriter, r *http.Request) {
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

	entries, err := ws.fetchLedgerEntries(userID,
		r.URL.Query().Get("type"), r.URL.Query().Get("status"), limit)
	if err != nil {
		log.Printf("[WALLET] Failed to fetch ledger for %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch ledger", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (ws *WalletService) fetchLedgerEntries(userID, entryType, status string, limit int) ([]models.LedgerEntry, error) {
	query := `
		SELECT tx_id, user_id, amount_cents, type, ref, status, created_at
		FROM wallet_ledger
		WHERE user_id = $1`
	args := []interface{}{userID}
	argIndex := 2

	if entryType != "" {
		query += fmt.Sprintf(" AND type = $%d", argIndex)
		args = append(args, entryType)
		argIndex++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := ws.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var entry models.LedgerEntry
		var ref sql.NullString
		if err := rows.Scan(&entry.TxID, &entry.UserID, &entry.AmountCents,
			&entry.Type, &ref, &entry.Status, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Ref = ref.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
