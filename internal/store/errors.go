package store

import (
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStatusConflict is returned when a conditional status update matched no row.
	ErrStatusConflict = errors.New("task status changed concurrently")
)

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
