package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/poolmux/poolmux/internal/core/domain"
)

const accountsFile = "accounts.json"
const policyFile = "policy.json"

// Store keeps the account pool and the policy document as JSON files.
// Saves go through a temp file and rename, so a crash mid-write leaves
// the previous version intact. The files are human-editable; the policy
// file additionally supports live reload through WatchPolicy.
type Store struct {
	accountsPath string
	policyPath   string
	logger       zerolog.Logger
}

func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{
		accountsPath: filepath.Join(dir, accountsFile),
		policyPath:   filepath.Join(dir, policyFile),
		logger:       logger,
	}, nil
}

// LoadAccounts returns the persisted pool. A missing file is an empty
// pool, not an error.
func (s *Store) LoadAccounts(ctx context.Context) ([]domain.Account, error) {
	data, err := os.ReadFile(s.accountsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.accountsPath, err)
	}
	var accounts []domain.Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.accountsPath, err)
	}
	return accounts, nil
}

func (s *Store) SaveAccounts(ctx context.Context, accounts []domain.Account) error {
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	return writeAtomic(s.accountsPath, data)
}

func (s *Store) LoadPolicy(ctx context.Context) (*domain.Policy, error) {
	data, err := os.ReadFile(s.policyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrPolicyNotFound
		}
		return nil, fmt.Errorf("read %s: %w", s.policyPath, err)
	}
	var p domain.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.policyPath, err)
	}
	return &p, nil
}

func (s *Store) SavePolicy(ctx context.Context, p domain.Policy) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	return writeAtomic(s.policyPath, data)
}

// Ping reports whether the store directory is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := os.Stat(filepath.Dir(s.accountsPath))
	return err
}

// writeAtomic writes data next to path and renames it into place. The
// temp file carries 0600 permissions; account files hold credentials.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
