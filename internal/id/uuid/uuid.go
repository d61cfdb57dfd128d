// Package uuid provides job and batch ID generation.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/JakeFAU/resilient-extractor/internal/jobs"
)

// Generator creates UUID v7 strings.
type Generator struct{}

var _ jobs.IDGenerator = Generator{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewBatchID returns a UUID7 with the dashes removed so it is a single
// token in the batch ID alphabet and task IDs split cleanly.
func (g Generator) NewBatchID() (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id, "-", ""), nil
}

// NewRawID returns a UUID7.
func (Generator) NewRawID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}
