package storage

import (
	"errors"
	"fmt"

	"github.com/scrypster/citegraph/pkg/types"
)

var (
	// ErrSessionNotFound indicates the session does not exist or is not
	// owned by the requesting user. Callers cannot tell the two apart.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidSnapshot indicates a stored graph snapshot could not be decoded.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// Session list limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ListOptions provides pagination for session listings.
type ListOptions struct {
	// Limit is the number of sessions to return (default: 50, max: 200).
	Limit int

	// Offset is the number of sessions to skip.
	Offset int
}

// Normalize applies defaults and limits.
func (o *ListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// ValidateSession checks the fields every backend requires on Create.
func ValidateSession(s *types.Session) error {
	if s == nil {
		return ErrInvalidInput
	}
	if s.ID == "" {
		return fmt.Errorf("%w: session ID is required", ErrInvalidInput)
	}
	if s.UserID == "" {
		return fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}
	if s.SeedPaperID == "" {
		return fmt.Errorf("%w: seed paper ID is required", ErrInvalidInput)
	}
	if !s.Mode.IsValid() {
		return fmt.Errorf("%w: invalid mode %q", ErrInvalidInput, s.Mode)
	}
	if len(s.Snapshot) == 0 {
		return fmt.Errorf("%w: snapshot is required", ErrInvalidInput)
	}
	return nil
}
