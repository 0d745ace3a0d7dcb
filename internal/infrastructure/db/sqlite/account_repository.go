package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/poolmux/poolmux/internal/core/domain"
)

// AccountRepository persists the account pool as one JSON document per
// row. Saves replace the table inside a transaction, so readers never see
// a half-written pool.
type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) LoadAccounts(ctx context.Context) ([]domain.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT doc FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite select accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("sqlite scan account: %w", err)
		}
		var acc domain.Account
		if err := json.Unmarshal([]byte(doc), &acc); err != nil {
			return nil, fmt.Errorf("sqlite decode account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func (r *AccountRepository) SaveAccounts(ctx context.Context, accounts []domain.Account) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts`); err != nil {
		return fmt.Errorf("sqlite clear accounts: %w", err)
	}
	for _, acc := range accounts {
		doc, err := json.Marshal(acc)
		if err != nil {
			return fmt.Errorf("sqlite encode account %s: %w", acc.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO accounts (id, doc) VALUES (?, ?)`, acc.ID, string(doc)); err != nil {
			return fmt.Errorf("sqlite insert account %s: %w", acc.ID, err)
		}
	}
	return tx.Commit()
}
