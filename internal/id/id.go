package id

import "github.com/google/uuid"

// New returns a fresh job identifier.
func New() string {
	return uuid.NewString()
}
