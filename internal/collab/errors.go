package collab

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeNotFound       = "NOT_FOUND"
	CodeExpired        = "EXPIRED"
	CodeInvalidChange  = "INVALID_CHANGE"
	CodeConflictResync = "CONFLICT_RESYNC"
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

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, message, nil)
}

func expired(message string) *DomainError {
	return domainError(http.StatusGone, CodeExpired, message, nil)
}

func invalidChange(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, CodeInvalidChange, message, details)
}

func conflictResync(message string) *DomainError {
	return domainError(http.StatusConflict, CodeConflictResync, message, nil)
}

// IsCode reports whether err is a DomainError carrying the given code.
func IsCode(err error, code string) bool {
	var domain *DomainError
	return errors.As(err, &domain) && domain.Code == code
}

// StructuralError reports a change log whose replay no longer matches its
// stored deletedContent. It signals a resolver bug, not a user mistake, and
// halts further appends for the document until the log is inspected.
type StructuralError struct {
	DocumentID string
	Version    int
	Reason     string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural inconsistency in document %s at version %d: %s", e.DocumentID, e.Version, e.Reason)
}
