package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error          string            `json:"error"`                     // Error message
	Details        map[string]string `json:"details,omitempty"`         // Validation details
	RequiredCents  *int64            `json:"required_cents,omitempty"`  // Amount needed for the operation
	AvailableCents *int64            `json:"available_cents,omitempty"` // Amount currently spendable
	MinSeconds     *int64            `json:"min_seconds,omitempty"`     // Listing lower duration bound
	MaxSeconds     *int64            `json:"max_seconds,omitempty"`     // Listing upper duration bound
	Provided       *int64            `json:"provided,omitempty"`        // Rejected duration value
	RetryAfter     *int64            `json:"retry_after_seconds,omitempty"`
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	if validationErr != nil {
		var verrs validator.ValidationErrors
		if errors.As(validationErr, &verrs) {
			errorResp.Details = make(map[string]string)
			for _, err := range verrs {
				errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
			}
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// WriteServiceError maps the error taxonomy to HTTP responses. Every
// business failure carries enough structured context for a caller to
// decide whether to retry, top up, or correct input.
func WriteServiceError(w http.ResponseWriter, err error) {
	var insufficient *InsufficientFundsError
	var outOfRange *DurationOutOfRangeError
	var invalidTransition *InvalidTransitionError
	var admission *AdmissionError

	switch {
	case errors.Is(err, ErrParcelNotFound), errors.Is(err, ErrLedgerEntryNotFound):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, ErrNotOwner):
		SendErrorResponse(w, err.Error(), http.StatusForbidden, nil)
	case errors.Is(err, ErrNotForSale), errors.Is(err, ErrSelfTrade), errors.Is(err, ErrNotListed):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:          "Insufficient balance",
			RequiredCents:  &insufficient.RequiredCents,
			AvailableCents: &insufficient.AvailableCents,
		})
	case errors.Is(err, ErrInsufficientBalance):
		SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.As(err, &outOfRange):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:      "Duration must be between min_seconds and max_seconds",
			MinSeconds: &outOfRange.MinSeconds,
			MaxSeconds: &outOfRange.MaxSeconds,
			Provided:   &outOfRange.ProvidedSeconds,
		})
	case errors.As(err, &invalidTransition):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.As(err, &admission):
		retryAfter := int64(admission.RetryAfter.Seconds())
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:      admission.Reason,
			RetryAfter: &retryAfter,
		})
	case IsBusy(err):
		SendErrorResponse(w, "Resource busy, please retry", http.StatusConflict, nil)
	default:
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}

// decodeJSONBody decodes a single JSON object from the request body,
// rejecting unknown fields, trailing data and bodies over 1 MB. It
// writes the error response itself and reports whether decoding
// succeeded.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
