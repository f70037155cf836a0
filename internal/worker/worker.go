// Package worker hosts the gateway's long-running background tasks: the
// usage recorder, the health prober, and the database backup job.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Name returns the worker identifier for logs.
	Name() string
	// Run blocks until ctx is cancelled or a fatal error occurs.
	Run(ctx context.Context) error
}
