package services

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"

	"github.com/parcelmarket/backend/internal/middleware"
)

var (
	walletCols = []string{"user_id", "balance_cents", "reserved_cents"}
	ledgerCols = []string{"tx_id", "user_id", "amount_cents", "type", "ref", "status", "created_at"}
	parcelCols = []string{"parcel_id", "owner_id", "price_cents", "rent_available"}
)

// expectWalletUpsert queues the insert-or-fetch sequence produced by
// InitializeWalletTx. For an existing wallet the insert returns no rows
// and is followed by a select.
func expectWalletUpsert(mock sqlmock.Sqlmock, userID string, balanceCents, reservedCents int64, exists bool) {
	insert := mock.ExpectQuery("INSERT INTO wallets").WithArgs(userID)
	if !exists {
		insert.WillReturnRows(sqlmock.NewRows(walletCols).AddRow(userID, 0, 0))
		return
	}
	insert.WillReturnRows(sqlmock.NewRows(walletCols))
	mock.ExpectQuery("SELECT user_id, balance_cents, reserved_cents FROM wallets").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(walletCols).AddRow(userID, balanceCents, reservedCents))
}

// expectBalanceUpdate queues the full UpdateBalanceTx sequence: wallet
// upsert followed by the balance update returning the new amounts.
func expectBalanceUpdate(mock sqlmock.Sqlmock, userID string, amountDelta, reservedDelta, newBalance, newReserved int64, exists bool) {
	expectWalletUpsert(mock, userID, newBalance-amountDelta, newReserved-reservedDelta, exists)
	mock.ExpectQuery("UPDATE wallets SET balance_cents").
		WithArgs(userID, amountDelta, reservedDelta).
		WillReturnRows(sqlmock.NewRows(walletCols).AddRow(userID, newBalance, newReserved))
}

// authedRequest attaches the identity fields AuthMiddleware would set.
func authedRequest(r *http.Request, userID string) *http.Request {
	ctx := context.WithValue(r.Context(), middleware.UserIDKey, userID)
	return r.WithContext(ctx)
}

// newTxRequest builds an authenticated request carrying the txID chi
// URL param.
func newTxRequest(txID, userID string) *http.Request {
	req := httptest.NewRequest("GET", "/payments/"+txID+"/qr", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("txID", txID)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	ctx = context.WithValue(ctx, middleware.UserIDKey, userID)
	return req.WithContext(ctx)
}

// newParcelRequest builds an authenticated request carrying the
// parcelID chi URL param.
func newParcelRequest(method, target, parcelID, userID string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("parcelID", parcelID)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	ctx = context.WithValue(ctx, middleware.UserIDKey, userID)
	return req.WithContext(ctx)
}
