package app

import (
	"errors"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
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

// validationFailed converts an ozzo-validation result into a 422 carrying a
// field -> message map. Internal validator errors pass through unchanged.
func validationFailed(err error) error {
	if err == nil {
		return nil
	}
	var internal validation.InternalError
	if errors.As(err, &internal) {
		return err
	}
	fields := map[string]string{}
	var errs validation.Errors
	if errors.As(err, &errs) {
		flattenErrors("", errs, fields)
	} else {
		fields["_"] = err.Error()
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Validation failed", map[string]any{"fields": fields})
}

func flattenErrors(prefix string, errs validation.Errors, into map[string]string) {
	for field, fieldErr := range errs {
		key := field
		if prefix != "" {
			key = prefix + "." + field
		}
		var nested validation.Errors
		if errors.As(fieldErr, &nested) {
			flattenErrors(key, nested, into)
			continue
		}
		into[key] = fieldErr.Error()
	}
}

func fieldError(field, message string) error {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Validation failed", map[string]any{
		"fields": map[string]string{field: message},
	})
}
