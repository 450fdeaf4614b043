package accounts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTxDone is returned when a finished transaction is used.
var ErrTxDone = errors.New("transaction already finished")

// MemoryStore is an in-memory Store that counts commits and rollbacks.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[int64]Account
	nextID    int64
	commits   int
	rollbacks int

	// FailCommit, when set, is consulted on every commit with the account
	// IDs the transaction touched.
	FailCommit func(ids []int64) error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[int64]Account)}
}

func (m *MemoryStore) Create(_ context.Context, a Account) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	m.accounts[a.ID] = a
	return a.ID, nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Account
	for _, a := range m.accounts {
		if a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Begin(context.Context) (Tx, error) {
	return &memoryTx{m: m}, nil
}

func (m *MemoryStore) Close() error { return nil }

// Commits returns how many transactions committed successfully.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Rollbacks returns how many transactions were rolled back.
func (m *MemoryStore) Rollbacks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbacks
}

type pendingUpdate struct {
	id       int64
	status   Status
	lastAuth time.Time
}

type memoryTx struct {
	m       *MemoryStore
	updates []pendingUpdate
	done    bool
}

func (t *memoryTx) UpdateStatus(_ context.Context, id int64, status Status, lastAuth time.Time) error {
	if t.done {
		return ErrTxDone
	}
	t.m.mu.Lock()
	_, ok := t.m.accounts[id]
	t.m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	t.updates = append(t.updates, pendingUpdate{id: id, status: status, lastAuth: lastAuth})
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if t.m.FailCommit != nil {
		ids := make([]int64, 0, len(t.updates))
		for _, u := range t.updates {
			ids = append(ids, u.id)
		}
		if err := t.m.FailCommit(ids); err != nil {
			return err
		}
	}
	for _, u := range t.updates {
		a := t.m.accounts[u.id]
		a.Status = u.status
		if !u.lastAuth.IsZero() {
			la := u.lastAuth
			a.LastAuthTime = &la
		}
		t.m.accounts[u.id] = a
	}
	t.done = true
	t.m.commits++
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.m.mu.Lock()
	t.m.rollbacks++
	t.m.mu.Unlock()
	return nil
}
