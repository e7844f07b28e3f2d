package app

import "fmt"

type DomainError struct {
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

func domainError(code, message string, details any) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: details,
	}
}
