package core

import "context"

// AllocationLister is the scheduler API boundary.
type AllocationLister interface {
	// Name returns the provider's identifier (e.g., "nomad").
	Name() string

	// ListAllocations returns the allocations currently placed on this node.
	// Network failures wrap ErrTransientIO; a missing node wraps ErrNotFound.
	ListAllocations(ctx context.Context) ([]Allocation, error)
}

// Sink delivers batches to the remote log store.
type Sink interface {
	// Name returns the sink's identifier (e.g., "http", "archive").
	Name() string

	// Deliver attempts to store b. It must honour ctx cancellation.
	Deliver(ctx context.Context, b *Batch) Result
}
