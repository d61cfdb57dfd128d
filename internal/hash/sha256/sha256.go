// Package sha256 digests page snapshots for content-addressed blob paths.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/resilient-extractor/internal/jobs"
)

// Option configures a Hasher.
type Option func(*Hasher)

// WithCollapsedWhitespace folds every whitespace run to a single space and
// trims the ends before hashing. Snapshots that differ only in layout then
// share a digest and a blob path.
func WithCollapsedWhitespace() Option {
	return func(h *Hasher) { h.collapse = true }
}

// Hasher implements jobs.Hasher.
type Hasher struct {
	collapse bool
}

var _ jobs.Hasher = (*Hasher)(nil)

// New returns a Hasher.
func New(opts ...Option) *Hasher {
	h := &Hasher{}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash returns the lowercase hex digest of the snapshot.
func (h *Hasher) Hash(snapshot []byte) (string, error) {
	if h.collapse {
		snapshot = bytes.Join(bytes.Fields(snapshot), []byte{' '})
	}
	return Sum(snapshot), nil
}

// Sum returns the hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
