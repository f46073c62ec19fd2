package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/configstore"
	"github.com/af-corp/aegis-router/internal/types"
)

// ClusterResult is a successful cluster call.
type ClusterResult struct {
	Data           *types.Response `json:"data"`
	Node           string          `json:"node"`
	ResponseTimeMs int64           `json:"response_time_ms"`
	RequestID      string          `json:"request_id"`
}

// clusterState is the mutable routing state of one cluster. Every field is
// guarded by mu.
type clusterState struct {
	mu           sync.Mutex
	inFlight     int
	nodeInFlight map[string]int
	wrr          map[string]float64
	// released is closed and replaced whenever a slot frees up or the
	// configuration changes, waking every waiting caller.
	released chan struct{}

	admitted uint64
	rejected uint64
}

func newClusterState() *clusterState {
	return &clusterState{
		nodeInFlight: make(map[string]int),
		wrr:          make(map[string]float64),
		released:     make(chan struct{}),
	}
}

// broadcast must be called with mu held.
func (s *clusterState) broadcast() {
	close(s.released)
	s.released = make(chan struct{})
}

func (s *clusterState) release(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if s.nodeInFlight[id] <= 1 {
		delete(s.nodeInFlight, id)
	} else {
		s.nodeInFlight[id]--
	}
	s.broadcast()
	return s.inFlight
}

// Manager routes calls into named clusters. Each cluster admits at most
// max_concurrent_requests calls at once; callers over the limit wait for a
// free slot until the cluster's request timeout.
type Manager struct {
	deps
	store SnapshotSource

	mu       sync.Mutex
	clusters map[string]*clusterState
}

func NewManager(store SnapshotSource, registry *Registry, opts ...Option) *Manager {
	return &Manager{
		deps:     newDeps(registry, opts),
		store:    store,
		clusters: make(map[string]*clusterState),
	}
}

func (m *Manager) state(name string) *clusterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.clusters[name]
	if !ok {
		st = newClusterState()
		m.clusters[name] = st
	}
	return st
}

// Wake re-evaluates every waiting caller against the latest configuration.
// Register it with the store so a raised limit admits waiters at once.
func (m *Manager) Wake(*configstore.Snapshot) {
	m.mu.Lock()
	states := make([]*clusterState, 0, len(m.clusters))
	for _, st := range m.clusters {
		states = append(states, st)
	}
	m.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		st.broadcast()
		st.mu.Unlock()
	}
}

// ProcessRequest sends req to one node of the named cluster. Clusters do not
// retry: a failed call is returned to the caller as a *TransportError.
func (m *Manager) ProcessRequest(ctx context.Context, clusterName string, req *types.Request) (*ClusterResult, error) {
	cc, ok := m.store.Snapshot().Cluster(clusterName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, clusterName)
	}

	r := *req
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	timeout := cc.RequestTimeout(m.defaultTimeout())
	st := m.state(clusterName)

	admitCtx, cancel := context.WithTimeout(ctx, timeout)
	node, err := m.admit(admitCtx, clusterName, st)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			st.mu.Lock()
			st.rejected++
			st.mu.Unlock()
			m.metrics.RecordAdmissionRejected(clusterName)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrConcurrencyExceeded, ctx.Err())
			}
			return nil, fmt.Errorf("%w: no slot in cluster %s within %s", ErrConcurrencyExceeded, clusterName, timeout)
		}
		return nil, err
	}
	defer func() {
		m.metrics.SetInFlight(clusterName, st.release(node.ID))
	}()

	callTimeout := timeout
	if pt := node.Timeout(0); pt > 0 && pt < callTimeout {
		callTimeout = pt
	}

	m.logger.Debug("cluster node selected",
		"request_id", r.RequestID,
		"cluster", clusterName,
		"provider", node.ID,
	)

	resp, rec, err := m.invoke(ctx, node, &r, clusterName, callTimeout)
	if err != nil {
		m.logger.Warn("cluster call failed",
			"request_id", r.RequestID,
			"cluster", clusterName,
			"provider", node.ID,
			"latency_ms", rec.Latency.Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	return &ClusterResult{
		Data:           resp,
		Node:           node.ID,
		ResponseTimeMs: rec.Latency.Milliseconds(),
		RequestID:      r.RequestID,
	}, nil
}

// admit waits for a free slot, then selects a node and counts it in flight in
// the same critical section. The configuration is re-read on every wake-up so
// disabled providers and changed limits apply to waiting callers.
func (m *Manager) admit(ctx context.Context, name string, st *clusterState) (config.ProviderConfig, error) {
	for {
		snap := m.store.Snapshot()
		cc, ok := snap.Cluster(name)
		if !ok {
			return config.ProviderConfig{}, fmt.Errorf("%w: %s", ErrClusterNotFound, name)
		}
		cands := usableCandidates(snap, snap.ClusterProviders(name))
		if len(cands) == 0 {
			return config.ProviderConfig{}, fmt.Errorf("%w in cluster %s", ErrNoAvailableNode, name)
		}

		st.mu.Lock()
		if st.inFlight < cc.MaxConcurrentRequests {
			node := selectNode(cc.Strategy, cands, st, m.latency.EWMALatency, m.rnd)
			st.inFlight++
			st.nodeInFlight[node.cfg.ID]++
			st.admitted++
			inFlight := st.inFlight
			st.mu.Unlock()
			m.metrics.SetInFlight(name, inFlight)
			return node.cfg, nil
		}
		wait := st.released
		st.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return config.ProviderConfig{}, ctx.Err()
		}
	}
}

// NodeStatus describes one provider as seen by a cluster.
type NodeStatus struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Family       string  `json:"family"`
	CostTier     string  `json:"cost_tier"`
	Priority     int     `json:"priority"`
	Weight       float64 `json:"weight"`
	Enabled      bool    `json:"enabled"`
	Usable       bool    `json:"usable"`
	InFlight     int     `json:"in_flight"`
	AvgLatencyMs float64 `json:"avg_latency_ms,omitempty"`
}

type ClusterStatus struct {
	Name                  string       `json:"name"`
	Strategy              string       `json:"strategy"`
	MaxConcurrentRequests int          `json:"max_concurrent_requests"`
	RequestTimeoutMs      int64        `json:"request_timeout_ms"`
	InFlight              int          `json:"in_flight"`
	Admitted              uint64       `json:"admitted"`
	Rejected              uint64       `json:"rejected"`
	Nodes                 []NodeStatus `json:"nodes"`
}

// Status reports every configured cluster in document order.
func (m *Manager) Status() []ClusterStatus {
	snap := m.store.Snapshot()
	clusters := snap.Clusters()
	out := make([]ClusterStatus, 0, len(clusters))
	for _, cc := range clusters {
		st := m.state(cc.Name)
		st.mu.Lock()
		cs := ClusterStatus{
			Name:                  cc.Name,
			Strategy:              string(cc.Strategy),
			MaxConcurrentRequests: cc.MaxConcurrentRequests,
			RequestTimeoutMs:      cc.RequestTimeout(m.defaultTimeout()).Milliseconds(),
			InFlight:              st.inFlight,
			Admitted:              st.admitted,
			Rejected:              st.rejected,
		}
		nodeInFlight := make(map[string]int, len(st.nodeInFlight))
		for k, v := range st.nodeInFlight {
			nodeInFlight[k] = v
		}
		st.mu.Unlock()

		for _, p := range snap.ClusterProviders(cc.Name) {
			ns := NodeStatus{
				ID:       p.ID,
				Name:     p.Name,
				Family:   string(p.Family),
				CostTier: string(p.CostTier),
				Priority: p.Priority,
				Weight:   p.Weight,
				Enabled:  p.Enabled,
				Usable:   p.Usable(),
				InFlight: nodeInFlight[p.ID],
			}
			if l, ok := m.latency.EWMALatency(p.ID); ok {
				ns.AvgLatencyMs = float64(l) / float64(time.Millisecond)
			}
			cs.Nodes = append(cs.Nodes, ns)
		}
		out = append(out, cs)
	}
	return out
}
