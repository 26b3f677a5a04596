package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/swiftcab/dispatch/internal/dispatch"
	"github.com/swiftcab/dispatch/internal/domain/order"
	"github.com/swiftcab/dispatch/internal/store"
	apperrors "github.com/swiftcab/dispatch/pkg/errors"
)

// TestToAppError_DomainErrorMapping pins the HTTP status each domain
// sentinel maps to. A losing claim is a recoverable 409, never a 500:
// clients decide whether to re-fetch based on this distinction.
func TestToAppError_DomainErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"wrapped not found", fmt.Errorf("get order: %w", store.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"already claimed", fmt.Errorf("%w: order o1", dispatch.ErrAlreadyClaimed), http.StatusConflict, "CONFLICT"},
		{"driver profile missing", fmt.Errorf("%w: driver d1", dispatch.ErrDriverProfileMissing), http.StatusUnprocessableEntity, "UNPROCESSABLE_ENTITY"},
		{"invalid transition", fmt.Errorf("%w: accepted -> waiting", order.ErrInvalidTransition), http.StatusUnprocessableEntity, "UNPROCESSABLE_ENTITY"},
		{"store unavailable", fmt.Errorf("%w: scan index: timeout", store.ErrUnavailable), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := toAppError(tt.err)
			assert.Equal(t, tt.status, appErr.Status)
			assert.Equal(t, tt.code, appErr.Code)
		})
	}
}

func TestToAppError_PassesThroughAppErrors(t *testing.T) {
	orig := apperrors.BadRequest("bad payload", nil)
	assert.Same(t, orig, toAppError(orig))

	wrapped := fmt.Errorf("handler: %w", orig)
	assert.Same(t, orig, toAppError(wrapped))
}
