package app

import (
	"errors"
	"fmt"
	"net/http"

	"galaxydocs/api/internal/comments"
	"galaxydocs/api/internal/gateway"
	"galaxydocs/api/internal/rbac"
	"galaxydocs/api/internal/relay"
	"galaxydocs/api/internal/room"
	"galaxydocs/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, gateway.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, rbac.ErrAccessDenied):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, room.ErrNotJoined):
		return http.StatusNotFound, "NOT_JOINED", "Not joined", nil
	case errors.Is(err, relay.ErrModeConflict):
		return http.StatusConflict, "MODE_CONFLICT", "Document is edited in collaborative mode", nil
	case errors.Is(err, comments.ErrResolved):
		return http.StatusConflict, "COMMENT_RESOLVED", "Comment is resolved", nil
	case errors.Is(err, comments.ErrValidation):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, relay.ErrPersistence):
		return http.StatusInternalServerError, "SAVE_FAILED", "Change applied but not saved", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
