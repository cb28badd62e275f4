// Package execution defines the venue contract consumed by the order manager
// and a live wrapper around a venue collaborator.
package execution

import (
	"context"

	"github.com/coachpo/meltica-trader/internal/schema"
)

// Health is the connectivity status surfaced by an adapter.
type Health string

const (
	// HealthConnected means requests and reports flow normally.
	HealthConnected Health = "connected"
	// HealthDegraded means requests are failing transiently.
	HealthDegraded Health = "degraded"
	// HealthDisconnected means the venue is unreachable.
	HealthDisconnected Health = "disconnected"
)

// Adapter is the order-action contract shared by live, paper, and simulated venues.
//
// Reports carry cumulative fill quantities and a per-order UpdateSeq that
// increases with every state change.
type Adapter interface {
	Submit(ctx context.Context, order schema.Order) (schema.Report, error)
	Cancel(ctx context.Context, clientID string) (schema.Report, error)
	QueryStatus(ctx context.Context, clientID string) (schema.Report, error)
	OpenOrders(ctx context.Context) ([]schema.Report, error)
	Account(ctx context.Context) (schema.AccountSnapshot, error)
	// Reports streams asynchronous transitions. Adapters that only answer synchronously return nil.
	Reports() <-chan schema.Report
	Health() Health
}
