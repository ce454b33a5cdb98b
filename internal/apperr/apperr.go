// Package apperr carries error categories across the service boundary so
// callers can map failures to transport status codes without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies an error for caller-visible reporting.
type Category string

const (
	CategoryNotFound Category = "not_found"
	CategoryInvalid  Category = "invalid"
	CategoryTool     Category = "tool"
	CategoryInternal Category = "internal"
)

// Error wraps an underlying error with a Category.
type Error struct {
	Category Category
	Err      error
}

func (e Error) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return e.Err.Error()
}

func (e Error) Unwrap() error { return e.Err }

// E wraps err with the given category. A nil err stays nil.
func E(cat Category, err error) error {
	if err == nil {
		return nil
	}
	return Error{Category: cat, Err: err}
}

// Errorf is shorthand for E(cat, fmt.Errorf(...)).
func Errorf(cat Category, format string, args ...any) error {
	return Error{Category: cat, Err: fmt.Errorf(format, args...)}
}

// CategoryOf returns the category of err, defaulting to CategoryInternal.
func CategoryOf(err error) Category {
	var ce Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryInternal
}

// HTTPStatus maps an error category to an HTTP status code.
func HTTPStatus(err error) int {
	switch CategoryOf(err) {
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryInvalid:
		return http.StatusBadRequest
	case CategoryTool:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
