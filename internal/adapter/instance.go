// Package adapter implements the adapter subsystem: the instance contract,
// the class factory table, the thread-safe registry, and the lifecycle
// manager that every adapter invocation goes through.
package adapter

import (
	"context"

	"skillhub/internal/api"
)

// Adapter is the plugin contract. Implementations own their internal state;
// the manager never reaches past this interface.
//
// Lifecycle order is Initialize, Start, any number of Process calls, Stop,
// Cleanup. Initialize receives the persisted configuration map. All methods
// take a context and must honor cancellation on blocking work.
type Adapter interface {
	Initialize(ctx context.Context, config map[string]interface{}) error
	Start(ctx context.Context) error
	Process(ctx context.Context, input map[string]interface{}, ec *api.ExecutionContext) (map[string]interface{}, error)
	Stop(ctx context.Context) error
	Cleanup(ctx context.Context) error
	HealthCheck(ctx context.Context) (*api.HealthReport, error)
}

// NonReentrant marks an adapter whose Process calls must be serialized. The
// manager checks for this interface on the live instance; adapters that do
// not implement it run Process calls in parallel.
type NonReentrant interface {
	NonReentrant()
}

func isNonReentrant(a Adapter) bool {
	_, ok := a.(NonReentrant)
	return ok
}
