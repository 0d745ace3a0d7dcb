package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/poolmux/poolmux/internal/core/domain"
)

// PolicyRepository persists the policy document in a single row.
type PolicyRepository struct {
	db *sql.DB
}

func NewPolicyRepository(db *sql.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

func (r *PolicyRepository) LoadPolicy(ctx context.Context) (*domain.Policy, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT doc FROM policy WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite select policy: %w", err)
	}

	var p domain.Policy
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("sqlite decode policy: %w", err)
	}
	return &p, nil
}

func (r *PolicyRepository) SavePolicy(ctx context.Context, p domain.Policy) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("sqlite encode policy: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO policy (id, doc) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
		string(doc))
	if err != nil {
		return fmt.Errorf("sqlite save policy: %w", err)
	}
	return nil
}
