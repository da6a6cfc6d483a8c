// Package mongo provides a MongoDB AccountStore using optimistic concurrency on a version field.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/iho/minibank/internal/domain"
	"github.com/iho/minibank/internal/usecase"
)

const (
	// AccountCollectionName is the name of the accounts collection.
	AccountCollectionName = "accounts"

	maxConflictRetries      = 20
	conflictInitialInterval = 2 * time.Millisecond
	conflictMaxInterval     = 100 * time.Millisecond
)

var errVersionConflict = errors.New("account version changed concurrently")

type collection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

type entryDocument struct {
	ID           string    `bson:"id"`
	Kind         string    `bson:"kind"`
	Counterparty string    `bson:"counterparty,omitempty"`
	Amount       int64     `bson:"amount"`
	CreatedAt    time.Time `bson:"created_at"`
}

type accountDocument struct {
	ID        string          `bson:"_id"`
	Name      string          `bson:"name"`
	PINHash   string          `bson:"pin_hash"`
	Balance   int64           `bson:"balance"`
	Entries   []entryDocument `bson:"entries"`
	Version   int64           `bson:"version"`
	CreatedAt time.Time       `bson:"created_at"`
	UpdatedAt time.Time       `bson:"updated_at"`
}

// AccountStore implements usecase.AccountStore on a MongoDB collection.
type AccountStore struct {
	coll collection
}

var _ usecase.AccountStore = (*AccountStore)(nil)

// NewAccountStore creates a store on the accounts collection of db.
func NewAccountStore(db *mongo.Database) *AccountStore {
	return &AccountStore{coll: db.Collection(AccountCollectionName)}
}

// Get retrieves an account by ID.
func (s *AccountStore) Get(ctx context.Context, id string) (*domain.Account, error) {
	doc, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.toDomain(), nil
}

// CompareAndApply reads the document, evaluates pre and writes the mutated state
// only if the version is still the one that was read. Lost races are retried.
func (s *AccountStore) CompareAndApply(
	ctx context.Context,
	id string,
	pre usecase.Precondition,
	mut usecase.Mutation,
) (*domain.Account, error) {
	var result *domain.Account

	op := func() error {
		doc, err := s.find(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}

		account := doc.toDomain()
		if pre != nil && !pre(account) {
			return backoff.Permanent(domain.ErrPreconditionFailed)
		}

		expected := account.Version
		mut(account)
		account.Version++
		account.UpdatedAt = time.Now().UTC()
		next := fromDomain(account)

		res, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": id, "version": expected},
			bson.M{"$set": bson.M{
				"balance":    next.Balance,
				"entries":    next.Entries,
				"version":    next.Version,
				"updated_at": next.UpdatedAt,
			}},
		)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to update account %s: %w", id, err))
		}
		if res.MatchedCount == 0 {
			return errVersionConflict
		}

		result = account
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = conflictInitialInterval
	b.MaxInterval = conflictMaxInterval
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, maxConflictRetries), ctx)); err != nil {
		return nil, err
	}

	return result, nil
}

// Create inserts a new account.
func (s *AccountStore) Create(ctx context.Context, account *domain.Account) error {
	if _, err := s.coll.InsertOne(ctx, fromDomain(account)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// Delete removes an account.
func (s *AccountStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if res.DeletedCount == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// List returns accounts ordered by ID.
func (s *AccountStore) List(ctx context.Context, limit, offset int) ([]*domain.Account, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []accountDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}

	accounts := make([]*domain.Account, 0, len(docs))
	for i := range docs {
		accounts = append(accounts, docs[i].toDomain())
	}
	return accounts, nil
}

func (s *AccountStore) find(ctx context.Context, id string) (*accountDocument, error) {
	var doc accountDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	return &doc, nil
}

func (d *accountDocument) toDomain() *domain.Account {
	entries := make([]domain.Entry, 0, len(d.Entries))
	for _, e := range d.Entries {
		entries = append(entries, domain.Entry{
			ID:           e.ID,
			Kind:         domain.EntryKind(e.Kind),
			Counterparty: e.Counterparty,
			Amount:       e.Amount,
			CreatedAt:    e.CreatedAt,
		})
	}

	return &domain.Account{
		ID:        d.ID,
		Name:      d.Name,
		PINHash:   d.PINHash,
		Balance:   d.Balance,
		Entries:   entries,
		Version:   d.Version,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func fromDomain(a *domain.Account) accountDocument {
	entries := make([]entryDocument, 0, len(a.Entries))
	for _, e := range a.Entries {
		entries = append(entries, entryDocument{
			ID:           e.ID,
			Kind:         string(e.Kind),
			Counterparty: e.Counterparty,
			Amount:       e.Amount,
			CreatedAt:    e.CreatedAt,
		})
	}

	return accountDocument{
		ID:        a.ID,
		Name:      a.Name,
		PINHash:   a.PINHash,
		Balance:   a.Balance,
		Entries:   entries,
		Version:   a.Version,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}
