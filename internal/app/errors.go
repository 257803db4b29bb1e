package app

import (
	"fmt"
	"net/http"
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

func errUnauthorized() *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", nil)
}

func errForbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func errNotFound(entity string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", entity+" not found", nil)
}

func errValidation(field, message string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, map[string]string{"field": field})
}

func errInvalidReplyTarget() *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_REPLY_TARGET", "Reply target not found in this topic", nil)
}

func errConflict(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}
