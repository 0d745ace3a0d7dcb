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

const collectionPolicy = "policy"
const policyDocID = "current"

type policyDocument struct {
	ID        string        `bson:"_id"`
	Policy    domain.Policy `bson:"policy"`
	UpdatedAt time.Time     `bson:"updated_at"`
}

// PolicyRepository persists the orchestration policy in MongoDB.
type PolicyRepository struct {
	col *mongo.Collection
}

func NewPolicyRepository(db *mongo.Database) *PolicyRepository {
	return &PolicyRepository{col: db.Collection(collectionPolicy)}
}

func (r *PolicyRepository) LoadPolicy(ctx context.Context) (*domain.Policy, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var doc policyDocument
	err := r.col.FindOne(ctx, bson.M{"_id": policyDocID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrPolicyNotFound
		}
		return nil, err
	}
	return &doc.Policy, nil
}

func (r *PolicyRepository) SavePolicy(ctx context.Context, p domain.Policy) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	doc := policyDocument{
		ID:        policyDocID,
		Policy:    p,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := r.col.ReplaceOne(ctx, bson.M{"_id": policyDocID}, doc, options.Replace().SetUpsert(true))
	return err
}
