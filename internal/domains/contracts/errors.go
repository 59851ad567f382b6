package contracts

import (
	"errors"
	"strings"
)

const (
	ErrorCategoryAPI     = "api"
	ErrorCategoryStorage = "storage"
	ErrorCategoryEngine  = "engine"
	ErrorCategoryArchive = "archive"
)

// CategorizedError tags an error with the subsystem it came from so metrics
// and logs can group failures without string matching.
type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func normalizeErrorCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case ErrorCategoryStorage:
		return ErrorCategoryStorage
	case ErrorCategoryEngine:
		return ErrorCategoryEngine
	case ErrorCategoryArchive:
		return ErrorCategoryArchive
	default:
		return ErrorCategoryAPI
	}
}

// WrapCategorizedError tags err. An already categorized error keeps its
// original category.
func WrapCategorizedError(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return err
	}
	return &CategorizedError{
		Category: normalizeErrorCategory(category),
		Err:      err,
	}
}

func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorCategory(classified.Category)
	}
	return ErrorCategoryAPI
}
