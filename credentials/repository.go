package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRepository is an in-process AccountRepository
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	nextID   int64
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{accounts: make(map[string]*Account)}
}

// Add stores a copy of account, assigning an ID when it has none
func (r *MemoryRepository) Add(account Account) (*Account, error) {
	if account.Username == "" {
		return nil, fmt.Errorf("username is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.accounts[account.Username]; exists {
		return nil, fmt.Errorf("account %q already exists", account.Username)
	}
	if account.ID == nil {
		r.nextID++
		id := r.nextID
		account.ID = &id
	}
	stored := account
	r.accounts[account.Username] = &stored
	return copyAccount(&stored), nil
}

func (r *MemoryRepository) GetByUsername(_ context.Context, username string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[username]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(a), nil
}

func (r *MemoryRepository) UpdateLastLogin(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.ID != nil && *a.ID == id {
			t := at
			a.LastLoginAt = &t
			return nil
		}
	}
	return ErrAccountNotFound
}

func copyAccount(a *Account) *Account {
	c := *a
	if a.ID != nil {
		v := *a.ID
		c.ID = &v
	}
	if a.TenantID != nil {
		v := *a.TenantID
		c.TenantID = &v
	}
	if a.LastLoginAt != nil {
		v := *a.LastLoginAt
		c.LastLoginAt = &v
	}
	return &c
}
