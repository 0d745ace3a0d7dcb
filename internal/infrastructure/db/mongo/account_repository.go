package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/poolmux/poolmux/internal/core/domain"
)

const collectionPool = "account_pool"
const poolDocID = "pool"

// poolDocument holds the whole account set in one document, so a save is
// a single atomic replace. Pools are small; the 16MB document ceiling is
// nowhere near.
type poolDocument struct {
	ID        string           `bson:"_id"`
	Accounts  []domain.Account `bson:"accounts"`
	UpdatedAt time.Time        `bson:"updated_at"`
}

// AccountRepository persists the account pool in MongoDB.
type AccountRepository struct {
	col *mongo.Collection
}

func NewAccountRepository(db *mongo.Database) *AccountRepository {
	return &AccountRepository{col: db.Collection(collectionPool)}
}

// LoadAccounts returns the persisted pool. A missing document is an empty
// pool, not an error.
func (r *AccountRepository) LoadAccounts(ctx context.Context) ([]domain.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var doc poolDocument
	err := r.col.FindOne(ctx, bson.M{"_id": poolDocID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return doc.Accounts, nil
}

// SaveAccounts replaces the persisted pool wholesale.
func (r *AccountRepository) SaveAccounts(ctx context.Context, accounts []domain.Account) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	doc := poolDocument{
		ID:        poolDocID,
		Accounts:  accounts,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := r.col.ReplaceOne(ctx, bson.M{"_id": poolDocID}, doc, options.Replace().SetUpsert(true))
	return err
}
