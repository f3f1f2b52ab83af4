package credstore

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store for single-node runs and tests.
type Memory struct {
	mu    sync.RWMutex
	byAcc map[string]Credential
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{byAcc: make(map[string]Credential)}
}

func (m *Memory) Save(_ context.Context, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A fresh token keeps the account's usage tally.
	if prev, ok := m.byAcc[cred.AccountID]; ok {
		cred.UseCount = prev.UseCount
	}
	m.byAcc[cred.AccountID] = cred
	return nil
}

func (m *Memory) GetByAccountID(_ context.Context, accountID string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.byAcc[accountID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

func (m *Memory) List(_ context.Context) ([]Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Credential, 0, len(m.byAcc))
	for _, cred := range m.byAcc {
		out = append(out, cred)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

func (m *Memory) Close() {}
