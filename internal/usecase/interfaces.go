package usecase

import (
	"context"
	"time"

	"github.com/iho/minibank/internal/domain"
)

// Precondition is evaluated against the latest stored state of an account.
// A nil Precondition always holds.
type Precondition func(account *domain.Account) bool

// Mutation changes an account in place. It must not perform I/O.
type Mutation func(account *domain.Account)

// AccountStore defines durable, concurrency-safe storage of accounts.
//
// CompareAndApply is the only path that changes a balance or the transaction log.
// It reads the current record, evaluates the precondition and applies the mutation
// as one indivisible step per record, bumping Version. It returns the post-mutation
// record, domain.ErrPreconditionFailed if the precondition did not hold, or
// domain.ErrAccountNotFound. Any other error is a backend failure.
type AccountStore interface {
	Get(ctx context.Context, id string) (*domain.Account, error)
	CompareAndApply(ctx context.Context, id string, pre Precondition, mut Mutation) (*domain.Account, error)
	Create(ctx context.Context, account *domain.Account) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit, offset int) ([]*domain.Account, error)
}

// EventPublisher receives committed ledger events. Implementations must not block
// the caller for long and must not fail the operation that produced the event.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.LedgerEvent) error
}

// IDGenerator generates unique IDs.
type IDGenerator interface {
	Generate() string
}

// IdempotencyStore handles idempotency key storage.
type IdempotencyStore interface {
	// CheckAndSet atomically checks if key exists, sets if not.
	// Returns (exists, existingValue, error).
	CheckAndSet(ctx context.Context, key string, response []byte, ttl time.Duration) (bool, []byte, error)
	// Update updates an existing key with the final response.
	Update(ctx context.Context, key string, response []byte, ttl time.Duration) error
	// Release drops a key so the request can be retried.
	Release(ctx context.Context, key string) error
}

// LedgerMetrics records ledger operation outcomes.
type LedgerMetrics interface {
	ObserveOperation(operation string, err error, duration time.Duration)
	ObserveCompensation(compensated bool)
}
