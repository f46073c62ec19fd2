package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/configstore"
	"github.com/af-corp/aegis-router/internal/types"
)

type memPersister struct {
	mu  sync.Mutex
	doc *config.Document
}

func (m *memPersister) Load(context.Context) (*config.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return nil, configstore.ErrNoDocument
	}
	return m.doc.Clone(), nil
}

func (m *memPersister) Save(_ context.Context, doc *config.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = doc.Clone()
	return nil
}

func newStore(t *testing.T, doc *config.Document) *configstore.Store {
	t.Helper()
	s := configstore.New(&memPersister{doc: doc}, nil)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func provider(id string, priority int, tier config.CostTier) config.ProviderConfig {
	return config.ProviderConfig{
		ID:          id,
		Name:        id,
		Family:      config.FamilyOpenAI,
		Credentials: "key-" + id,
		Weight:      1,
		Priority:    priority,
		CostTier:    tier,
		Enabled:     true,
	}
}

func clusterDoc(strategy config.Strategy, maxConcurrent int, providers ...config.ProviderConfig) *config.Document {
	ids := make([]string, 0, len(providers))
	for _, p := range providers {
		ids = append(ids, p.ID)
	}
	return &config.Document{
		Providers: providers,
		Clusters: []config.ClusterConfig{{
			Name:                  "test",
			Strategy:              strategy,
			MaxConcurrentRequests: maxConcurrent,
			RequestTimeoutMs:      2000,
			ProviderIDs:           ids,
		}},
	}
}

// fakeAdapter answers for the openai family. Behaviour is chosen per
// provider id; the default is an immediate success.
type fakeAdapter struct {
	family config.Family

	mu       sync.Mutex
	calls    []string
	behavior map[string]func(ctx context.Context) (*types.Response, error)

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		family:   config.FamilyOpenAI,
		behavior: make(map[string]func(ctx context.Context) (*types.Response, error)),
	}
}

func (f *fakeAdapter) Family() config.Family { return f.family }

func (f *fakeAdapter) on(id string, fn func(ctx context.Context) (*types.Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behavior[id] = fn
}

func (f *fakeAdapter) fail(id string) {
	f.on(id, func(context.Context) (*types.Response, error) {
		return nil, errors.New("upstream 503")
	})
}

func (f *fakeAdapter) Invoke(ctx context.Context, p config.ProviderConfig, _ *types.Request) (*types.Response, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, p.ID)
	fn := f.behavior[p.ID]
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return &types.Response{
		Content: "ok from " + p.ID,
		Usage:   types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeAdapter) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func registryWith(a *fakeAdapter) *Registry {
	r := NewRegistry()
	r.Register(a)
	return r
}

type recordingObserver struct {
	mu      sync.Mutex
	records []types.AttemptRecord
}

func (o *recordingObserver) Observe(_ context.Context, rec types.AttemptRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, rec)
}

func (o *recordingObserver) all() []types.AttemptRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]types.AttemptRecord(nil), o.records...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
