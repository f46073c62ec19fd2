package configstore

import (
	"time"

	"github.com/af-corp/aegis-router/internal/config"
)

// Snapshot is one committed version of the routing document. It is never
// mutated after publication; accessors return copies.
type Snapshot struct {
	doc         *config.Document
	providerIdx map[string]int
	clusterIdx  map[string]int

	Version  uint64
	LoadedAt time.Time
}

func newSnapshot(doc *config.Document, version uint64, at time.Time) *Snapshot {
	s := &Snapshot{
		doc:         doc,
		providerIdx: make(map[string]int, len(doc.Providers)),
		clusterIdx:  make(map[string]int, len(doc.Clusters)),
		Version:     version,
		LoadedAt:    at,
	}
	for i, p := range doc.Providers {
		s.providerIdx[p.ID] = i
	}
	for i, c := range doc.Clusters {
		s.clusterIdx[c.Name] = i
	}
	return s
}

// Providers returns every provider in registration order.
func (s *Snapshot) Providers() []config.ProviderConfig {
	return s.doc.Clone().Providers
}

func (s *Snapshot) Provider(id string) (config.ProviderConfig, bool) {
	i, ok := s.providerIdx[id]
	if !ok {
		return config.ProviderConfig{}, false
	}
	return cloneProvider(s.doc.Providers[i]), true
}

// RegistrationIndex is the provider's position in the document, or -1.
func (s *Snapshot) RegistrationIndex(id string) int {
	if i, ok := s.providerIdx[id]; ok {
		return i
	}
	return -1
}

func (s *Snapshot) Clusters() []config.ClusterConfig {
	return s.doc.Clone().Clusters
}

func (s *Snapshot) Cluster(name string) (config.ClusterConfig, bool) {
	i, ok := s.clusterIdx[name]
	if !ok {
		return config.ClusterConfig{}, false
	}
	c := s.doc.Clusters[i]
	c.ProviderIDs = append([]string(nil), c.ProviderIDs...)
	return c, true
}

// ClusterProviders resolves the cluster's provider references in cluster order.
// Dangling references are skipped.
func (s *Snapshot) ClusterProviders(name string) []config.ProviderConfig {
	i, ok := s.clusterIdx[name]
	if !ok {
		return nil
	}
	ids := s.doc.Clusters[i].ProviderIDs
	out := make([]config.ProviderConfig, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.Provider(id); ok {
			out = append(out, p)
		}
	}
	return out
}

// Document returns a deep copy of the whole document.
func (s *Snapshot) Document() *config.Document {
	return s.doc.Clone()
}

func cloneProvider(p config.ProviderConfig) config.ProviderConfig {
	d := config.Document{Providers: []config.ProviderConfig{p}}
	return d.Clone().Providers[0]
}
