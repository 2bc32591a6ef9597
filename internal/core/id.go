package core

import "github.com/google/uuid"

// NewID returns a UUIDv7 string. Rows keyed by it sort in creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
