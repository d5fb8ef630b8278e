package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/vault-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact integer precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// bigFromText parses a NUMERIC column scanned as TEXT.
func bigFromText(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID string) (*model.Position, error) {
	position := model.NewPosition(userID)

	var debt string
	err := s.pool.QueryRow(ctx,
		`SELECT debt::TEXT, updated_at FROM positions WHERE user_id = $1`, userID).
		Scan(&debt, &position.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return position, nil
	case err != nil:
		return nil, fmt.Errorf("get position %s: %w", userID, err)
	}
	position.Debt = bigFromText(debt)

	rows, err := s.pool.Query(ctx,
		`SELECT asset, amount::TEXT FROM collateral_balances WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("get collateral %s: %w", userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var asset, amount string
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, err
		}
		position.Collateral[asset] = bigFromText(amount)
	}
	return position, rows.Err()
}

// SavePosition writes the position inside one transaction so a crash can
// never leave collateral and debt out of step.
func (s *PostgresStore) SavePosition(ctx context.Context, position *model.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO positions (user_id, debt, updated_at)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (user_id) DO UPDATE SET debt = $2::NUMERIC, updated_at = $3`,
		position.UserID, position.Debt.String(), position.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM collateral_balances WHERE user_id = $1`, position.UserID); err != nil {
		return err
	}
	for asset, amount := range position.Collateral {
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO collateral_balances (user_id, asset, amount)
			 VALUES ($1, $2, $3::NUMERIC)`,
			position.UserID, asset, amount.String()); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.user_id, p.debt::TEXT, p.updated_at,
		        COALESCE(cb.asset, ''), COALESCE(cb.amount, 0)::TEXT
		 FROM positions p
		 LEFT JOIN collateral_balances cb ON cb.user_id = p.user_id
		 ORDER BY p.user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byUser := make(map[string]*model.Position)
	var order []string
	for rows.Next() {
		var userID, debt, asset, amount string
		var position model.Position
		if err := rows.Scan(&userID, &debt, &position.UpdatedAt, &asset, &amount); err != nil {
			return nil, err
		}
		p, ok := byUser[userID]
		if !ok {
			p = model.NewPosition(userID)
			p.Debt = bigFromText(debt)
			p.UpdatedAt = position.UpdatedAt
			byUser[userID] = p
			order = append(order, userID)
		}
		if asset != "" {
			p.Collateral[asset] = bigFromText(amount)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	positions := make([]model.Position, 0, len(order))
	for _, userID := range order {
		positions = append(positions, *byUser[userID])
	}
	return positions, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vault_events (id, user_id, op, asset, amount, counterparty, health_factor, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8)`,
		e.ID, e.UserID, e.Op, e.Asset,
		e.Amount.String(), e.Counterparty, e.HealthFactor.String(),
		e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetEventsByUser(ctx context.Context, userID string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, op, asset, amount::TEXT, counterparty, health_factor::TEXT, timestamp
		 FROM vault_events WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) ListEvents(ctx context.Context, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, op, asset, amount::TEXT, counterparty, health_factor::TEXT, timestamp
		 FROM vault_events ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// scanEvents reads pgx rows into Event slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var amountS, factorS string

		if err := rows.Scan(&e.ID, &e.UserID, &e.Op, &e.Asset,
			&amountS, &e.Counterparty, &factorS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Amount = bigFromText(amountS)
		e.HealthFactor = bigFromText(factorS)

		events = append(events, e)
	}
	return events, rows.Err()
}
