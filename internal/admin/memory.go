package admin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory implements Store, UserDirectory and StatsSource in process. It backs
// tests and DSN-less runs; durable deployments use the store/pg package.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	users    map[string]*User
	pages    int
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*Account),
		users:    make(map[string]*User),
		now:      time.Now,
	}
}

var (
	_ Store         = (*Memory)(nil)
	_ UserDirectory = (*Memory)(nil)
	_ StatsSource   = (*Memory)(nil)
)

// SetClock overrides the time source. Only intended for test use.
func (m *Memory) SetClock(fn func() time.Time) {
	if fn != nil {
		m.now = fn
	}
}

func (m *Memory) FindByID(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(acct), nil
}

func (m *Memory) FindByEmail(ctx context.Context, email string) (*Account, error) {
	email = NormalizeEmail(email)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, acct := range m.accounts {
		if acct.Email == email {
			return cloneAccount(acct), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Create(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.ID]; ok {
		return fmt.Errorf("%w: account %s already exists", ErrConflict, acct.ID)
	}
	for _, existing := range m.accounts {
		if existing.Email == acct.Email {
			return fmt.Errorf("%w: email already registered", ErrConflict)
		}
	}
	m.accounts[acct.ID] = cloneAccount(acct)
	return nil
}

// Save persists the account document last-write-wins, matching the
// best-effort guarantee documented for concurrent updates.
func (m *Memory) Save(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.ID]; !ok {
		return ErrNotFound
	}
	m.accounts[acct.ID] = cloneAccount(acct)
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(m.accounts, id)
	return nil
}

func (m *Memory) List(ctx context.Context, offset, limit int) ([]*Account, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		all = append(all, acct)
	}
	sortAccounts(all)
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]*Account, 0, end-offset)
	for _, acct := range all[offset:end] {
		out = append(out, cloneAccount(acct))
	}
	return out, total, nil
}

func (m *Memory) RecordLoginFailure(ctx context.Context, id string, threshold int, lockFor time.Duration) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return 0, nil, ErrNotFound
	}
	acct.FailedAttempts++
	if acct.FailedAttempts >= threshold && (acct.LockUntil == nil || acct.LockUntil.Before(m.now())) {
		until := m.now().Add(lockFor)
		acct.LockUntil = &until
	}
	acct.UpdatedAt = m.now()
	var lockCopy *time.Time
	if acct.LockUntil != nil {
		t := *acct.LockUntil
		lockCopy = &t
	}
	return acct.FailedAttempts, lockCopy, nil
}

func (m *Memory) ResetLoginFailures(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acct.FailedAttempts = 0
	acct.LockUntil = nil
	acct.UpdatedAt = m.now()
	return nil
}

// PutUser seeds an ordinary user record.
func (m *Memory) PutUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *u
	m.users[u.ID] = &copied
}

// SetPageCount seeds the page total reported by Counts.
func (m *Memory) SetPageCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = n
}

func (m *Memory) FindUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *Memory) SetBanned(ctx context.Context, id string, banned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Banned = banned
	return nil
}

func (m *Memory) Counts(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Users:  len(m.users),
		Pages:  m.pages,
		Admins: len(m.accounts),
	}
	for _, u := range m.users {
		if u.Banned {
			stats.BannedUsers++
		}
	}
	return stats, nil
}

func cloneAccount(acct *Account) *Account {
	copied := *acct
	if acct.LockUntil != nil {
		t := *acct.LockUntil
		copied.LockUntil = &t
	}
	if acct.LastLoginAt != nil {
		t := *acct.LastLoginAt
		copied.LastLoginAt = &t
	}
	if acct.Permissions != nil {
		copied.Permissions = make(map[string]bool, len(acct.Permissions))
		for k, v := range acct.Permissions {
			copied.Permissions[k] = v
		}
	}
	copied.AllowedIPs = append([]string(nil), acct.AllowedIPs...)
	copied.AuditLog = append([]AuditEntry(nil), acct.AuditLog...)
	return &copied
}

func sortAccounts(accounts []*Account) {
	// ULIDs sort lexicographically by creation time.
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
}
