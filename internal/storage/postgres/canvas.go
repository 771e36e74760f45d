package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sharediary/diary3d/internal/canvas"
)

// CanvasRepository appends every saved canvas to canvas_states; the newest
// row is the current drawing.
type CanvasRepository struct {
	db *pgxpool.Pool
}

// NewCanvasRepository creates a CanvasRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool with migrations applied.
func NewCanvasRepository(db *pgxpool.Pool) *CanvasRepository {
	return &CanvasRepository{db: db}
}

// Save inserts state as a new row.
//
// Precondition: state must be valid JSON.
func (r *CanvasRepository) Save(ctx context.Context, state json.RawMessage) error {
	if _, err := r.db.Exec(ctx,
		`INSERT INTO canvas_states (state) VALUES ($1::jsonb)`,
		string(state),
	); err != nil {
		return fmt.Errorf("inserting canvas state: %w", err)
	}
	return nil
}

// Latest returns the newest row's state, or canvas.ErrNoState when the table is empty.
func (r *CanvasRepository) Latest(ctx context.Context) (json.RawMessage, error) {
	var state string
	err := r.db.QueryRow(ctx,
		`SELECT state::text FROM canvas_states ORDER BY id DESC LIMIT 1`,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, canvas.ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest canvas state: %w", err)
	}
	return json.RawMessage(state), nil
}
