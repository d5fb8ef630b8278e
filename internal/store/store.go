// Package store defines the persistence interface for the vault engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/atmx/vault-engine/internal/model"
)

// Store is the persistence interface. The engine stages every mutation on
// in-memory copies and calls SavePosition only after all solvency checks
// pass, so implementations never see an insolvent position.
type Store interface {
	// --- Positions ---

	// GetPosition retrieves a user's position. Absent users get an empty
	// position, not an error — a never-used account and a fully unwound one
	// are the same thing.
	GetPosition(ctx context.Context, userID string) (*model.Position, error)

	// SavePosition persists a position whole. The write must be atomic:
	// partially updated collateral balances must never be observable.
	SavePosition(ctx context.Context, position *model.Position) error

	// ListPositions returns every position with nonzero debt or collateral.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// --- Immutable event ledger ---

	// InsertEvent appends an immutable operation record.
	InsertEvent(ctx context.Context, event *model.Event) error

	// GetEventsByUser returns all events for a user, oldest first.
	GetEventsByUser(ctx context.Context, userID string) ([]model.Event, error)

	// ListEvents returns the most recent events, newest first, up to limit.
	ListEvents(ctx context.Context, limit int) ([]model.Event, error)
}
