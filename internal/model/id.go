package model

import "github.com/google/uuid"

// NewID returns a time-ordered identifier, so rows that share a created_at
// still sort in write order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
