package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/citegraph/pkg/types"
)

var (
	// errDepthReached stops expansion once the frontier sits at MaxDepth.
	errDepthReached = errors.New("max depth reached")

	// errNodeCapReached stops expansion once the graph holds MaxNodes nodes.
	errNodeCapReached = errors.New("max nodes reached")
)

// BoundsChecker tracks a single build against its BuildOptions.
//
// It monitors:
//   - Number of nodes accepted into the graph
//   - Deepest level that contributed a node
//   - Time elapsed since the build started
//
// A BoundsChecker belongs to the orchestrating goroutine and is not safe for
// concurrent use.
type BoundsChecker struct {
	opts         types.BuildOptions
	nodes        int
	depthReached int
	startTime    time.Time
}

// BoundsStats contains statistics about build progress.
type BoundsStats struct {
	Nodes        int
	DepthReached int
	Elapsed      time.Duration
}

// NewBoundsChecker creates a checker for the given options after applying
// their defaults and caps.
func NewBoundsChecker(opts types.BuildOptions) *BoundsChecker {
	opts.Normalize()
	return &BoundsChecker{
		opts:      opts,
		startTime: time.Now(),
	}
}

// Remaining returns how many more nodes the graph may accept.
func (b *BoundsChecker) Remaining() int {
	if r := b.opts.MaxNodes - b.nodes; r > 0 {
		return r
	}
	return 0
}

// CanExpand reports whether the frontier at depth may be expanded.
//
// Returns:
//   - nil if expansion can continue
//   - errDepthReached or errNodeCapReached when a bound stops the build
//   - the context error if ctx is done
func (b *BoundsChecker) CanExpand(ctx context.Context, depth int) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("build interrupted at depth %d: %w", depth, ctx.Err())
	default:
	}

	if depth >= b.opts.MaxDepth {
		return fmt.Errorf("%w: %d", errDepthReached, b.opts.MaxDepth)
	}
	if b.Remaining() == 0 {
		return fmt.Errorf("%w: %d", errNodeCapReached, b.opts.MaxNodes)
	}
	return nil
}

// RecordNode counts a node accepted at depth.
func (b *BoundsChecker) RecordNode(depth int) {
	b.nodes++
	if depth > b.depthReached {
		b.depthReached = depth
	}
}

// Stats returns current build statistics.
func (b *BoundsChecker) Stats() BoundsStats {
	return BoundsStats{
		Nodes:        b.nodes,
		DepthReached: b.depthReached,
		Elapsed:      time.Since(b.startTime),
	}
}
