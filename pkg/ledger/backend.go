package ledger

import "context"

// Backend is an append-only store of completed session rows.
// Implementations must be safe for concurrent use.
type Backend interface {
	Name() string
	// Probe is a cheap liveness check on an existing handle.
	Probe(ctx context.Context) error
	// Append adds one row in Columns order.
	Append(ctx context.Context, values []any) error
	// Rows returns the header row followed by every data row.
	Rows(ctx context.Context) ([][]string, error)
	Close() error
}

// Connector opens a fresh, validated Backend.
type Connector func(ctx context.Context) (Backend, error)
