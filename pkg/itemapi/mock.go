package itemapi

import (
	"context"
	"sync"

	"encore.app/pkg/cachekey"
)

// MockAPI is a hand-rolled test double for API, matching the teacher's
// MockOriginFetcher/MockRemoteCache style: a mutex-guarded map plus call counters, no
// mocking framework.
type MockAPI struct {
	mu        sync.Mutex
	items     map[string]Item
	GetCalls  int
	AllCalls  int
	CreateErr error
	GetErr    error
}

func NewMockAPI() *MockAPI {
	return &MockAPI{items: make(map[string]Item)}
}

// Seed installs an item directly, bypassing Create, for test setup.
func (m *MockAPI) Seed(key cachekey.Key, item Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[cachekey.Normalize(key)] = item
}

func (m *MockAPI) Get(ctx context.Context, key cachekey.Key) (Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if m.GetErr != nil {
		return nil, false, m.GetErr
	}
	item, ok := m.items[cachekey.Normalize(key)]
	return item, ok, nil
}

func (m *MockAPI) All(ctx context.Context, query Query, opts Options, loc []cachekey.LocPart) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AllCalls++
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	return out, nil
}

func (m *MockAPI) One(ctx context.Context, query Query, opts Options, loc []cachekey.LocPart) (Item, bool, error) {
	items, err := m.All(ctx, query, opts, loc)
	if err != nil || len(items) == 0 {
		return nil, false, err
	}
	return items[0], true, nil
}

func (m *MockAPI) Find(ctx context.Context, name string, params map[string]interface{}, opts Options, loc []cachekey.LocPart) ([]Item, error) {
	return m.All(ctx, nil, opts, loc)
}

func (m *MockAPI) Create(ctx context.Context, partial Item, opts Options, loc []cachekey.LocPart) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	return partial, nil
}

func (m *MockAPI) Update(ctx context.Context, key cachekey.Key, partial Item, opts Options) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	norm := cachekey.Normalize(key)
	existing, ok := m.items[norm]
	if !ok {
		existing = Item{}
	}
	for k, v := range partial {
		existing[k] = v
	}
	m.items[norm] = existing
	return existing, nil
}

func (m *MockAPI) Remove(ctx context.Context, key cachekey.Key, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, cachekey.Normalize(key))
	return nil
}

func (m *MockAPI) Action(ctx context.Context, key cachekey.Key, name string, body Item, opts Options) (Item, error) {
	return m.Update(ctx, key, body, opts)
}

func (m *MockAPI) AllAction(ctx context.Context, name string, body Item, opts Options, loc []cachekey.LocPart) ([]Item, error) {
	return m.All(ctx, nil, opts, loc)
}
