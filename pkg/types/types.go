// Package types defines the core data structures for citegraph: papers fetched
// from the metadata source, the citation graph built around a seed paper, and
// the persisted sessions that snapshot such graphs.
package types

import (
	"fmt"
	"strings"
)

// TraversalMode selects which citation direction the graph builder follows.
type TraversalMode string

const (
	// ModeReferences follows a paper's own reference list (the seed cites these papers).
	ModeReferences TraversalMode = "references"

	// ModeCitations follows incoming citations (these papers cite the seed).
	ModeCitations TraversalMode = "citations"
)

// ValidModes lists every traversal mode the builder supports.
var ValidModes = []TraversalMode{ModeReferences, ModeCitations}

// IsValid reports whether m is a supported traversal mode.
func (m TraversalMode) IsValid() bool {
	for _, v := range ValidModes {
		if m == v {
			return true
		}
	}
	return false
}

// ParseMode converts a user-supplied mode string into a TraversalMode.
// An empty string yields ModeReferences.
func ParseMode(s string) (TraversalMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ModeReferences, nil
	}
	m := TraversalMode(s)
	if !m.IsValid() {
		return "", fmt.Errorf("%w: unknown traversal mode %q", ErrInvalidOptions, s)
	}
	return m, nil
}

// Build option defaults and hard caps.
const (
	DefaultMaxDepth = 1
	MaxAllowedDepth = 5
	DefaultMaxNodes = 50
	MaxAllowedNodes = 500
)

// BuildOptions bounds a single graph build.
type BuildOptions struct {
	MaxDepth int           `json:"max_depth"` // Reference-following hops from the seed (default: 1)
	MaxNodes int           `json:"max_nodes"` // Upper bound on nodes including the seed (default: 50)
	Mode     TraversalMode `json:"mode"`      // Traversal direction (default: references)
}

// Normalize applies defaults and caps to the options.
func (o *BuildOptions) Normalize() {
	if o.MaxDepth < 1 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxDepth > MaxAllowedDepth {
		o.MaxDepth = MaxAllowedDepth
	}
	if o.MaxNodes < 1 {
		o.MaxNodes = DefaultMaxNodes
	}
	if o.MaxNodes > MaxAllowedNodes {
		o.MaxNodes = MaxAllowedNodes
	}
	if o.Mode == "" {
		o.Mode = ModeReferences
	}
}

// Key renders the normalized options as a stable cache-key fragment.
func (o BuildOptions) Key() string {
	o.Normalize()
	return fmt.Sprintf("d=%d|n=%d|m=%s", o.MaxDepth, o.MaxNodes, o.Mode)
}

// Validate rejects options that defaults cannot repair. Zero values are
// accepted and filled in by Normalize.
func (o BuildOptions) Validate() error {
	if o.MaxDepth < 0 {
		return fmt.Errorf("%w: max_depth must not be negative", ErrInvalidOptions)
	}
	if o.MaxNodes < 0 {
		return fmt.Errorf("%w: max_nodes must not be negative", ErrInvalidOptions)
	}
	if o.Mode != "" && !o.Mode.IsValid() {
		return fmt.Errorf("%w: unknown traversal mode %q", ErrInvalidOptions, o.Mode)
	}
	return nil
}
