package services

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelmarket/backend/internal/models"
)

func TestWalletService_InitializeWalletTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db)

	t.Run("creates a new wallet", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("INSERT INTO wallets").
			WithArgs("user1").
			WillReturnRows(sqlmock.NewRows(walletCols).AddRow("user1", 0, 0))

		wallet, err := service.InitializeWalletTx(tx, "user1")
		assert.NoError(t, err)
		assert.Equal(t, "user1", wallet.UserID)
		assert.Equal(t, int64(0), wallet.BalanceCents)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns existing wallet on conflict", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("INSERT INTO wallets").
			WithArgs("user1").
			WillReturnRows(sqlmock.NewRows(walletCols))
		mock.ExpectQuery("SELECT user_id, balance_cents, reserved_cents FROM wallets").
			WithArgs("user1").
			WillReturnRows(sqlmock.NewRows(walletCols).AddRow("user1", 7500, 500))

		wallet, err := service.InitializeWalletTx(tx, "user1")
		assert.NoError(t, err)
		assert.Equal(t, int64(7500), wallet.BalanceCents)
		assert.Equal(t, int64(500), wallet.ReservedCents)
		assert.Equal(t, int64(7000), wallet.AvailableCents())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("requires an active transaction", func(t *testing.T) {
		_, err := service.InitializeWalletTx(nil, "user1")
		assert.ErrorIs(t, err, ErrNoTransaction)
	})
}

func TestWalletService_UpdateBalanceTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db)

	t.Run("applies credit", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		expectBalanceUpdate(mock, "user1", 5000, 0, 15000, 0, true)

		wallet, err := service.UpdateBalanceTx(tx, "user1", 5000, 0)
		assert.NoError(t, err)
		assert.Equal(t, int64(15000), wallet.BalanceCents)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects balance going negative", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		expectWalletUpsert(mock, "user1", 1000, 0, true)
		mock.ExpectQuery("UPDATE wallets SET balance_cents").
			WithArgs("user1", int64(-5000), int64(0)).
			WillReturnRows(sqlmock.NewRows(walletCols).AddRow("user1", -4000, 0))

		_, err := service.UpdateBalanceTx(tx, "user1", -5000, 0)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects reserve exceeding balance", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		expectWalletUpsert(mock, "user1", 1000, 0, true)
		mock.ExpectQuery("UPDATE wallets SET balance_cents").
			WithArgs("user1", int64(0), int64(2000)).
			WillReturnRows(sqlmock.NewRows(walletCols).AddRow("user1", 1000, 2000))

		_, err := service.UpdateBalanceTx(tx, "user1", 0, 2000)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_CreateLedgerEntryTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db)

	t.Run("creates a pending deposit entry", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("INSERT INTO wallet_ledger").
			WithArgs(sqlmock.AnyArg(), "user1", int64(2500), models.LedgerTypeDeposit,
				nil, models.LedgerStatusPending, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		entry, err := service.CreateLedgerEntryTx(tx, "user1", 2500,
			models.LedgerTypeDeposit, "", models.LedgerStatusPending)
		assert.NoError(t, err)
		assert.NotEmpty(t, entry.TxID)
		assert.Equal(t, models.LedgerStatusPending, entry.Status)
		assert.False(t, entry.IsTerminal())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stores the reference when provided", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("INSERT INTO wallet_ledger").
			WithArgs(sqlmock.AnyArg(), "user1", int64(100), models.LedgerTypeWithdraw,
				"bank:NL91", models.LedgerStatusPending, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		entry, err := service.CreateLedgerEntryTx(tx, "user1", 100,
			models.LedgerTypeWithdraw, "bank:NL91", models.LedgerStatusPending)
		assert.NoError(t, err)
		assert.Equal(t, "bank:NL91", entry.Ref)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		_, err := service.CreateLedgerEntryTx(tx, "user1", 100, "transfer", "", models.LedgerStatusPending)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid ledger type")
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		_, err := service.CreateLedgerEntryTx(tx, "user1", 0, models.LedgerTypeDeposit, "", models.LedgerStatusPending)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must be positive")

		_, err = service.CreateLedgerEntryTx(tx, "user1", -50, models.LedgerTypeDeposit, "", models.LedgerStatusPending)
		assert.Error(t, err)
	})
}

func TestWalletService_GetLedgerEntryForUpdateTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db)

	t.Run("locks and returns the entry", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT tx_id, user_id, amount_cents, type, ref, status, created_at FROM wallet_ledger WHERE tx_id = \\$1 FOR UPDATE").
			WithArgs("tx1").
			WillReturnRows(sqlmock.NewRows(ledgerCols).
				AddRow("tx1", "user1", 2500, models.LedgerTypeDeposit, nil, models.LedgerStatusPending, time.Now()))

		entry, err := service.GetLedgerEntryForUpdateTx(tx, "tx1")
		assert.NoError(t, err)
		assert.Equal(t, "tx1", entry.TxID)
		assert.Equal(t, int64(2500), entry.AmountCents)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown id", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT tx_id, user_id, amount_cents, type, ref, status, created_at FROM wallet_ledger WHERE tx_id = \\$1 FOR UPDATE").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(ledgerCols))

		_, err := service.GetLedgerEntryForUpdateTx(tx, "missing")
		assert.ErrorIs(t, err, ErrLedgerEntryNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_GetWalletHandler(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db)

	t.Run("returns balance snapshot", func(t *testing.T) {
		mock.ExpectQuery("SELECT user_id, balance_cents, reserved_cents FROM wallets").
			WithArgs("user1").
			WillReturnRows(sqlmock.NewRows(walletCols).AddRow("user1", 10000, 1500))

		req := authedRequest(httptest.NewRequest("GET", "/wallet", nil), "user1")
		rec := httptest.NewRecorder()
		service.GetWalletHandler(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body map[string]int64
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, int64(10000), body["balance_cents"])
		assert.Equal(t, int64(1500), body["reserved_cents"])
		assert.Equal(t, int64(8500), body["available_cents"])
	})

	t.Run("zero snapshot before first interaction", func(t *testing.T) {
		mock.ExpectQuery("SELECT user_id, balance_cents, reserved_cents FROM wallets").
			WithArgs("newuser").
			WillReturnRows(sqlmock.NewRows(walletCols))

		req := authedRequest(httptest.NewRequest("GET", "/wallet", nil), "newuser")
		rec := httptest.NewRecorder()
		service.GetWalletHandler(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body map[string]int64
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, int64(0), body["balance_cents"])
		assert.Equal(t, int64(0), body["available_cents"])
	})

	t.Run("unauthorized without identity", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/wallet", nil)
		rec := httptest.NewRecorder()
		service.GetWalletHandler(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestWalletService_Withdraw(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db)

	t.Run("creates pending withdrawal", func(t *testing.T) {
		mock.ExpectBegin()
		expectWalletUpsert(mock, "user1", 10000, 0, true)
		mock.ExpectExec("INSERT INTO wallet_ledger").
			WithArgs(sqlmock.AnyArg(), "user1", int64(4000), models.LedgerTypeWithdraw,
				nil, models.LedgerStatusPending, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		req := authedRequest(httptest.NewRequest("POST", "/wallet/withdraw",
			strings.NewReader(`{"amount_cents":4000}`)), "user1")
		rec := httptest.NewRecorder()
		service.Withdraw(rec, req)

		assert.Equal(t, http.StatusCreated, rec.Code)
		var entry models.LedgerEntry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
		assert.Equal(t, models.LedgerTypeWithdraw, entry.Type)
		assert.Equal(t, models.LedgerStatusPending, entry.Status)
		assert.Equal(t, int64(4000), entry.AmountCents)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient available balance", func(t *testing.T) {
		mock.ExpectBegin()
		expectWalletUpsert(mock, "user1", 5000, 4000, true)
		mock.ExpectRollback()

		req := authedRequest(httptest.NewRequest("POST", "/wallet/withdraw",
			strings.NewReader(`{"amount_cents":4000}`)), "user1")
		rec := httptest.NewRecorder()
		service.Withdraw(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.RequiredCents)
		require.NotNil(t, resp.AvailableCents)
		assert.Equal(t, int64(4000), *resp.RequiredCents)
		assert.Equal(t, int64(1000), *resp.AvailableCents)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		req := authedRequest(httptest.NewRequest("POST", "/wallet/withdraw",
			strings.NewReader(`{"amount_cents":-100}`)), "user1")
		rec := httptest.NewRecorder()
		service.Withdraw(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestWalletService_GetLedger(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db)

	t.Run("returns entries newest first", func(t *testing.T) {
		mock.ExpectQuery("SELECT tx_id, user_id, amount_cents, type, ref, status, created_at FROM wallet_ledger WHERE user_id = \\$1").
			WithArgs("user1", 50).
			WillReturnRows(sqlmock.NewRows(ledgerCols).
				AddRow("tx2", "user1", 3000, models.LedgerTypeDeposit, nil, models.LedgerStatusCompleted, time.Now()).
				AddRow("tx1", "user1", 1000, models.LedgerTypeWithdraw, "bank:NL91", models.LedgerStatusPending, time.Now().Add(-time.Hour)))

		req := authedRequest(httptest.NewRequest("GET", "/wallet/ledger", nil), "user1")
		rec := httptest.NewRecorder()
		service.GetLedger(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Entries []models.LedgerEntry `json:"entries"`
			Count   int                  `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 2, body.Count)
		assert.Equal(t, "tx2", body.Entries[0].TxID)
		assert.Equal(t, "bank:NL91", body.Entries[1].Ref)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("applies type and status filters", func(t *testing.T) {
		mock.ExpectQuery("SELECT tx_id, user_id, amount_cents, type, ref, status, created_at FROM wallet_ledger WHERE user_id = \\$1 AND type = \\$2 AND status = \\$3").
			WithArgs("user1", "deposit", "pending", 10).
			WillReturnRows(sqlmock.NewRows(ledgerCols))

		req := authedRequest(httptest.NewRequest("GET",
			"/wallet/ledger?type=deposit&status=pending&limit=10", nil), "user1")
		rec := httptest.NewRecorder()
		service.GetLedger(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_GetWallet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db)

	t.Run("nil for unknown user", func(t *testing.T) {
		mock.ExpectQuery("SELECT user_id, balance_cents, reserved_cents FROM wallets").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows(walletCols))

		wallet, err := service.GetWallet("ghost")
		assert.NoError(t, err)
		assert.Nil(t, wallet)
	})

	t.Run("propagates query errors", func(t *testing.T) {
		mock.ExpectQuery("SELECT user_id, balance_cents, reserved_cents FROM wallets").
			WithArgs("user1").
			WillReturnError(errors.New("connection reset"))

		_, err := service.GetWallet("user1")
		assert.Error(t, err)
	})
}
