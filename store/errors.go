package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DuplicateContentError reports that a signal with the same content hash is
// already persisted. Ingestion treats it as a soft skip, never a failure.
type DuplicateContentError struct {
	Hash string
}

func (e *DuplicateContentError) Error() string {
	return fmt.Sprintf("duplicate content hash %s", e.Hash)
}

// IsDuplicateContent reports whether err is a duplicate-content conflict.
func IsDuplicateContent(err error) bool {
	var dup *DuplicateContentError
	return errors.As(err, &dup)
}

// isUniqueViolation reports whether err is a translated unique-constraint
// violation from the underlying driver.
func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
