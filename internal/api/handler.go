// Package api provides HTTP handlers for the ad studio API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"

	"github.com/ashureev/adstudio/internal/domain"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error            string   `json:"error"`
	Code             string   `json:"code"`
	Retryable        bool     `json:"retryable"`
	RemainingBudget  *float64 `json:"remaining_budget,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorResponse{Error: message, Code: code})
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	var budgetErr *domain.BudgetExhaustedError
	switch {
	case errors.As(err, &budgetErr):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsAlreadyExists(err), errdefs.IsConflict(err), errdefs.IsFailedPrecondition(err):
		return http.StatusConflict
	case errdefs.IsInvalidArgument(err):
		return http.StatusUnprocessableEntity
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errdefs.IsDataLoss(err):
		return http.StatusInternalServerError
	default:
		return errhttp.ToHTTP(err)
	}
}

// NewErrorResponse builds the wire form of err. Internal failures keep
// their details out of the body.
func NewErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      domain.ErrorCode(err),
		Retryable: domain.IsRetryable(err),
	}
	if resp.Code == "internal" {
		resp.Error = "internal error"
	}
	var budgetErr *domain.BudgetExhaustedError
	if errors.As(err, &budgetErr) {
		remaining := budgetErr.Remaining
		resp.RemainingBudget = &remaining
	}
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		resp.ValidationErrors = validationErr.Errors
	}
	return resp
}

// WriteError writes err with its mapped status and logs server-side failures.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	JSON(w, status, NewErrorResponse(err))
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return nil
}
