// Package memory provides an in-process AccountStore.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iho/minibank/internal/domain"
	"github.com/iho/minibank/internal/usecase"
)

type record struct {
	mu      sync.Mutex
	account *domain.Account
	deleted bool
}

// AccountStore keeps accounts in a map. Each record has its own lock, held across
// the precondition check and the mutation, so different accounts never contend.
type AccountStore struct {
	mu      sync.RWMutex
	records map[string]*record
}

var _ usecase.AccountStore = (*AccountStore)(nil)

// NewAccountStore creates an empty AccountStore.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		records: make(map[string]*record),
	}
}

func (s *AccountStore) lookup(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	return rec, ok
}

// Get returns a copy of the account.
func (s *AccountStore) Get(ctx context.Context, id string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, ok := s.lookup(id)
	if !ok {
		return nil, domain.ErrAccountNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.deleted {
		return nil, domain.ErrAccountNotFound
	}
	return rec.account.Clone(), nil
}

// CompareAndApply applies mut if pre holds, under the record lock.
func (s *AccountStore) CompareAndApply(
	ctx context.Context,
	id string,
	pre usecase.Precondition,
	mut usecase.Mutation,
) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, ok := s.lookup(id)
	if !ok {
		return nil, domain.ErrAccountNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.deleted {
		return nil, domain.ErrAccountNotFound
	}

	next := rec.account.Clone()
	if pre != nil && !pre(next) {
		return nil, domain.ErrPreconditionFailed
	}

	mut(next)
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	rec.account = next

	return next.Clone(), nil
}

// Create stores a new account.
func (s *AccountStore) Create(ctx context.Context, account *domain.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[account.ID]; ok {
		return domain.ErrAccountExists
	}
	s.records[account.ID] = &record{account: account.Clone()}
	return nil
}

// Delete removes an account. In-flight operations on it fail with ErrAccountNotFound.
func (s *AccountStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	rec, ok := s.records[id]
	delete(s.records, id)
	s.mu.Unlock()

	if !ok {
		return domain.ErrAccountNotFound
	}

	rec.mu.Lock()
	rec.deleted = true
	rec.mu.Unlock()
	return nil
}

// List returns accounts ordered by ID.
func (s *AccountStore) List(ctx context.Context, limit, offset int) ([]*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	if offset >= len(ids) {
		return []*domain.Account{}, nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	accounts := make([]*domain.Account, 0, len(ids))
	for _, id := range ids {
		account, err := s.Get(ctx, id)
		if err != nil {
			// deleted since the snapshot
			continue
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// Ping always succeeds.
func (s *AccountStore) Ping(context.Context) error {
	return nil
}
