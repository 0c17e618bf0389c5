package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"

	"github.com/parcelmarket/backend/internal/models"
)

// Context keys used by handlers downstream of AuthMiddleware.
const (
	UserIDKey    = "userID"
	KYCStatusKey = "kycStatus"
	IsAdminKey   = "isAdmin"
	CreatedAtKey = "userCreatedAt"
)

// AuthMiddleware resolves the bearer token to the identity fields the
// core needs: user id, KYC status, admin flag and account age. Token
// issuance lives in the identity service; this layer only verifies.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		user, err := validateToken(parts[1])
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, user.ID)
		ctx = context.WithValue(ctx, KYCStatusKey, user.KYCStatus)
		ctx = context.WithValue(ctx, IsAdminKey, user.IsAdmin)
		ctx = context.WithValue(ctx, CreatedAtKey, user.CreatedAt)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireKYC gates endpoints that move money out of the system.
func RequireKYC(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kycStatus, _ := r.Context().Value(KYCStatusKey).(string)
		if kycStatus != models.KYCStatusVerified {
			http.Error(w, "KYC verification required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validateToken(tokenString string) (*models.AuthUser, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(viper.GetString("jwt.secret_key")), nil
	})

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return nil, fmt.Errorf("token missing user_id claim")
	}

	user := &models.AuthUser{ID: userID}
	user.KYCStatus, _ = claims["kyc_status"].(string)
	user.IsAdmin, _ = claims["is_admin"].(bool)
	if createdAt, ok := claims["created_at"].(float64); ok {
		user.CreatedAt = time.Unix(int64(createdAt), 0)
	}

	return user, nil
}
