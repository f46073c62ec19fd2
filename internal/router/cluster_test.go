package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/types"
)

var testReq = &types.Request{Prompt: "parse this resume"}

func TestProcessRequest_Success(t *testing.T) {
	adapter := newFakeAdapter()
	obs := &recordingObserver{}
	store := newStore(t, clusterDoc(config.StrategyWeightedRoundRobin, 2, provider("a", 1, config.CostFree)))
	m := NewManager(store, registryWith(adapter), WithObserver(obs))

	res, err := m.ProcessRequest(context.Background(), "test", testReq)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if res.Node != "a" || res.Data.Content != "ok from a" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.RequestID == "" {
		t.Error("expected a generated request id")
	}
	recs := obs.all()
	if len(recs) != 1 || !recs[0].Success || recs[0].Cluster != "test" {
		t.Errorf("expected one successful record for cluster test, got %+v", recs)
	}
}

func TestProcessRequest_ClusterNotFound(t *testing.T) {
	store := newStore(t, clusterDoc(config.StrategyWeightedRoundRobin, 1, provider("a", 1, config.CostFree)))
	m := NewManager(store, registryWith(newFakeAdapter()))

	_, err := m.ProcessRequest(context.Background(), "missing", testReq)
	if !errors.Is(err, ErrClusterNotFound) {
		t.Fatalf("expected ErrClusterNotFound, got %v", err)
	}
}

func TestProcessRequest_NoAvailableNode(t *testing.T) {
	off := provider("off", 1, config.CostFree)
	off.Enabled = false
	noKey := provider("nokey", 2, config.CostFree)
	noKey.Credentials = "${ROUTER_TEST_UNSET_KEY}"
	store := newStore(t, clusterDoc(config.StrategyLeastConnections, 1, off, noKey))
	adapter := newFakeAdapter()
	m := NewManager(store, registryWith(adapter))

	_, err := m.ProcessRequest(context.Background(), "test", testReq)
	if !errors.Is(err, ErrNoAvailableNode) {
		t.Fatalf("expected ErrNoAvailableNode, got %v", err)
	}
	if len(adapter.callLog()) != 0 {
		t.Error("no provider should have been called")
	}
}

func TestProcessRequest_TransportErrorNotRetried(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.fail("a")
	obs := &recordingObserver{}
	store := newStore(t, clusterDoc(config.StrategyWeightedRoundRobin, 2,
		provider("a", 1, config.CostFree), provider("b", 2, config.CostFree)))
	m := NewManager(store, registryWith(adapter), WithObserver(obs))

	// WRR with equal weights starts with the first in priority order
	_, err := m.ProcessRequest(context.Background(), "test", testReq)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if terr.Provider != "a" {
		t.Errorf("expected failure from a, got %s", terr.Provider)
	}
	if calls := adapter.callLog(); len(calls) != 1 {
		t.Errorf("clusters must not retry, got calls %v", calls)
	}
	if recs := obs.all(); len(recs) != 1 || recs[0].Success {
		t.Errorf("expected one failed attempt record, got %+v", recs)
	}
}

func TestProcessRequest_UnknownFamily(t *testing.T) {
	p := provider("g", 1, config.CostFree)
	p.Family = config.FamilyGemini
	store := newStore(t, clusterDoc(config.StrategyWeightedRoundRobin, 1, p))
	// only openai is registered
	m := NewManager(store, registryWith(newFakeAdapter()))

	_, err := m.ProcessRequest(context.Background(), "test", testReq)
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if !errors.Is(err, ErrUnknownFamily) {
		t.Errorf("expected ErrUnknownFamily in chain, got %v", err)
	}
}

func TestProcessRequest_InFlightNeverExceedsMax(t *testing.T) {
	adapter := newFakeAdapter()
	slow := func(ctx context.Context) (*types.Response, error) {
		time.Sleep(10 * time.Millisecond)
		return &types.Response{Content: "ok"}, nil
	}
	adapter.on("a", slow)
	adapter.on("b", slow)
	adapter.on("c", slow)

	store := newStore(t, clusterDoc(config.StrategyLeastConnections, 2,
		provider("a", 1, config.CostFree), provider("b", 1, config.CostFree), provider("c", 1, config.CostFree)))
	m := NewManager(store, registryWith(adapter))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.ProcessRequest(context.Background(), "test", testReq); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	if got := adapter.maxActive.Load(); got > 2 {
		t.Errorf("in-flight exceeded max: saw %d concurrent calls", got)
	}
	if st := m.Status()[0]; st.InFlight != 0 || st.Admitted != 20 {
		t.Errorf("expected all slots released and 20 admitted, got %+v", st)
	}
}

func TestProcessRequest_AdmissionTimeout(t *testing.T) {
	adapter := newFakeAdapter()
	release := make(chan struct{})
	adapter.on("a", func(context.Context) (*types.Response, error) {
		<-release
		return &types.Response{Content: "late"}, nil
	})

	doc := clusterDoc(config.StrategyWeightedRoundRobin, 1, provider("a", 1, config.CostFree))
	doc.Clusters[0].RequestTimeoutMs = 50
	store := newStore(t, doc)
	m := NewManager(store, registryWith(adapter))

	done := make(chan error, 1)
	go func() {
		_, err := m.ProcessRequest(context.Background(), "test", testReq)
		done <- err
	}()
	waitFor(t, func() bool { return adapter.active.Load() == 1 })

	_, err := m.ProcessRequest(context.Background(), "test", testReq)
	if !errors.Is(err, ErrConcurrencyExceeded) {
		t.Fatalf("expected ErrConcurrencyExceeded, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first call should complete, got %v", err)
	}
	if st := m.Status()[0]; st.Rejected != 1 || st.InFlight != 0 {
		t.Errorf("expected 1 rejection and no slot held, got %+v", st)
	}
}

func TestProcessRequest_WaiterAdmittedWhenSlotFrees(t *testing.T) {
	adapter := newFakeAdapter()
	release := make(chan struct{})
	var once sync.Once
	adapter.on("a", func(context.Context) (*types.Response, error) {
		blocked := false
		once.Do(func() { blocked = true })
		if blocked {
			<-release
		}
		return &types.Response{Content: "ok"}, nil
	})
	store := newStore(t, clusterDoc(config.StrategyWeightedRoundRobin, 1, provider("a", 1, config.CostFree)))
	m := NewManager(store, registryWith(adapter))

	first := make(chan error, 1)
	go func() {
		_, err := m.ProcessRequest(context.Background(), "test", testReq)
		first <- err
	}()
	waitFor(t, func() bool { return adapter.active.Load() == 1 })

	second := make(chan error, 1)
	go func() {
		_, err := m.ProcessRequest(context.Background(), "test", testReq)
		second <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-first; err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second should be admitted once the slot frees: %v", err)
	}
}

func TestProcessRequest_DisabledNeverSelected(t *testing.T) {
	strategies := []config.Strategy{
		config.StrategyWeightedRoundRobin,
		config.StrategyLeastConnections,
		config.StrategyPerformanceBased,
	}
	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			heavy := provider("heavy", 0, config.CostFree)
			heavy.Weight = 100
			heavy.Enabled = false
			store := newStore(t, clusterDoc(strategy, 4, heavy,
				provider("a", 1, config.CostFree), provider("b", 2, config.CostFree)))
			adapter := newFakeAdapter()
			m := NewManager(store, registryWith(adapter))

			for i := 0; i < 50; i++ {
				if _, err := m.ProcessRequest(context.Background(), "test", testReq); err != nil {
					t.Fatalf("ProcessRequest: %v", err)
				}
			}
			for _, id := range adapter.callLog() {
				if id == "heavy" {
					t.Fatal("disabled provider was selected")
				}
			}
		})
	}
}

func TestProcessRequest_DisableTakesEffectImmediately(t *testing.T) {
	store := newStore(t, clusterDoc(config.StrategyWeightedRoundRobin, 2,
		provider("a", 1, config.CostFree), provider("b", 2, config.CostFree)))
	adapter := newFakeAdapter()
	m := NewManager(store, registryWith(adapter))
	ctx := context.Background()

	if _, err := m.ProcessRequest(ctx, "test", testReq); err != nil {
		t.Fatal(err)
	}
	if err := store.SetProviderEnabled(ctx, "b", false); err != nil {
		t.Fatal(err)
	}
	before := len(adapter.callLog())
	for i := 0; i < 10; i++ {
		if _, err := m.ProcessRequest(ctx, "test", testReq); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range adapter.callLog()[before:] {
		if id == "b" {
			t.Fatal("provider b was selected after being disabled")
		}
	}
}

func TestProcessRequest_LeastConnectionsPicksIdleNode(t *testing.T) {
	adapter := newFakeAdapter()
	release := make(chan struct{})
	adapter.on("a", func(context.Context) (*types.Response, error) {
		<-release
		return &types.Response{Content: "a"}, nil
	})
	store := newStore(t, clusterDoc(config.StrategyLeastConnections, 4,
		provider("a", 1, config.CostFree), provider("b", 2, config.CostFree)))
	m := NewManager(store, registryWith(adapter))

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.ProcessRequest(context.Background(), "test", testReq)
	}()
	waitFor(t, func() bool { return adapter.active.Load() == 1 })

	res, err := m.ProcessRequest(context.Background(), "test", testReq)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if res.Node != "b" {
		t.Errorf("expected idle node b while a is busy, got %s", res.Node)
	}
	close(release)
	<-done
}

func TestProcessRequest_HotReloadMaxConcurrent(t *testing.T) {
	adapter := newFakeAdapter()
	release := make(chan struct{})
	adapter.on("a", func(ctx context.Context) (*types.Response, error) {
		select {
		case <-release:
			return &types.Response{Content: "a"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	store := newStore(t, clusterDoc(config.StrategyLeastConnections, 1,
		provider("a", 1, config.CostFree), provider("b", 2, config.CostFree)))
	m := NewManager(store, registryWith(adapter))
	store.OnChange(m.Wake)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := m.ProcessRequest(ctx, "test", testReq)
		first <- err
	}()
	waitFor(t, func() bool { return adapter.active.Load() == 1 })

	second := make(chan *ClusterResult, 1)
	go func() {
		res, _ := m.ProcessRequest(ctx, "test", testReq)
		second <- res
	}()

	cc, _ := store.GetCluster("test")
	cc.MaxConcurrentRequests = 2
	if _, err := store.UpdateCluster(ctx, "test", cc); err != nil {
		t.Fatalf("UpdateCluster: %v", err)
	}

	select {
	case res := <-second:
		if res == nil || res.Node != "b" {
			t.Errorf("expected waiter admitted to b, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not admitted after raising the limit")
	}

	close(release)
	if err := <-first; err != nil {
		t.Errorf("admitted call must not be cancelled by the reload: %v", err)
	}
}

func TestProcessRequest_CallerCancelReleasesSlot(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.on("a", func(ctx context.Context) (*types.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	obs := &recordingObserver{}
	store := newStore(t, clusterDoc(config.StrategyWeightedRoundRobin, 1, provider("a", 1, config.CostFree)))
	m := NewManager(store, registryWith(adapter), WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.ProcessRequest(ctx, "test", testReq)
		errc <- err
	}()
	waitFor(t, func() bool { return adapter.active.Load() == 1 })
	cancel()

	err := <-errc
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation in error chain, got %v", err)
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		t.Errorf("caller cancellation reported as provider failure: %v", err)
	}
	if recs := obs.all(); len(recs) != 0 {
		t.Errorf("abandoned call must not be observed, got %+v", recs)
	}
	if st := m.Status()[0]; st.InFlight != 0 {
		t.Errorf("slot not released after cancellation: %+v", st)
	}
}

func TestStatus_ReportsNodes(t *testing.T) {
	off := provider("off", 2, config.CostPaid)
	off.Enabled = false
	store := newStore(t, clusterDoc(config.StrategyPerformanceBased, 3, provider("a", 1, config.CostFree), off))
	m := NewManager(store, registryWith(newFakeAdapter()))

	st := m.Status()
	if len(st) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(st))
	}
	if st[0].MaxConcurrentRequests != 3 || len(st[0].Nodes) != 2 {
		t.Fatalf("unexpected status: %+v", st[0])
	}
	if st[0].Nodes[1].Usable {
		t.Error("disabled node reported usable")
	}
}
