// Package uuid generates identifiers for jobs, snapshots and notifications.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID v7 string. v7 ids sort by creation time, which keeps
// snapshot and job keys roughly chronological.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
