package configstore

import (
	"context"
	"slices"

	"github.com/af-corp/aegis-router/internal/config"
)

func (s *Store) ListClusters() []config.ClusterConfig {
	return s.Snapshot().Clusters()
}

func (s *Store) GetCluster(name string) (config.ClusterConfig, error) {
	c, ok := s.Snapshot().Cluster(name)
	if !ok {
		return config.ClusterConfig{}, notFound("cluster", name)
	}
	return c, nil
}

func (s *Store) AddCluster(ctx context.Context, c config.ClusterConfig) (config.ClusterConfig, error) {
	_, err := s.Update(ctx, func(doc *config.Document) error {
		if clusterIndex(doc, c.Name) >= 0 {
			return conflict("cluster", c.Name)
		}
		doc.Clusters = append(doc.Clusters, c)
		return nil
	})
	if err != nil {
		return config.ClusterConfig{}, err
	}
	return s.GetCluster(c.Name)
}

// UpdateCluster replaces the cluster definition. Calls already admitted keep
// running; the new limits apply from the next admission.
func (s *Store) UpdateCluster(ctx context.Context, name string, c config.ClusterConfig) (config.ClusterConfig, error) {
	_, err := s.Update(ctx, func(doc *config.Document) error {
		i := clusterIndex(doc, name)
		if i < 0 {
			return notFound("cluster", name)
		}
		c.Name = name
		doc.Clusters[i] = c
		return nil
	})
	if err != nil {
		return config.ClusterConfig{}, err
	}
	return s.GetCluster(name)
}

func (s *Store) DeleteCluster(ctx context.Context, name string) error {
	_, err := s.Update(ctx, func(doc *config.Document) error {
		i := clusterIndex(doc, name)
		if i < 0 {
			return notFound("cluster", name)
		}
		doc.Clusters = append(doc.Clusters[:i], doc.Clusters[i+1:]...)
		return nil
	})
	return err
}

// ListClusterProviders returns the cluster's providers in cluster order.
func (s *Store) ListClusterProviders(name string) ([]config.ProviderConfig, error) {
	snap := s.Snapshot()
	if _, ok := snap.Cluster(name); !ok {
		return nil, notFound("cluster", name)
	}
	return snap.ClusterProviders(name), nil
}

func (s *Store) GetClusterProvider(name, id string) (config.ProviderConfig, error) {
	snap := s.Snapshot()
	c, ok := snap.Cluster(name)
	if !ok {
		return config.ProviderConfig{}, notFound("cluster", name)
	}
	if !slices.Contains(c.ProviderIDs, id) {
		return config.ProviderConfig{}, notFound("provider", id)
	}
	p, ok := snap.Provider(id)
	if !ok {
		return config.ProviderConfig{}, notFound("provider", id)
	}
	return p, nil
}

// AddClusterProvider registers a new provider and appends it to the cluster.
// An id that is already registered is a conflict; use AttachProvider to
// reference an existing provider.
func (s *Store) AddClusterProvider(ctx context.Context, name string, p config.ProviderConfig) (config.ProviderConfig, error) {
	_, err := s.Update(ctx, func(doc *config.Document) error {
		ci := clusterIndex(doc, name)
		if ci < 0 {
			return notFound("cluster", name)
		}
		if providerIndex(doc, p.ID) >= 0 {
			return conflict("provider", p.ID)
		}
		doc.Providers = append(doc.Providers, p)
		doc.Clusters[ci].ProviderIDs = append(doc.Clusters[ci].ProviderIDs, p.ID)
		return nil
	})
	if err != nil {
		return config.ProviderConfig{}, err
	}
	return s.GetProvider(p.ID)
}

// AttachProvider adds a reference to an already registered provider.
func (s *Store) AttachProvider(ctx context.Context, name, id string) error {
	_, err := s.Update(ctx, func(doc *config.Document) error {
		ci := clusterIndex(doc, name)
		if ci < 0 {
			return notFound("cluster", name)
		}
		if providerIndex(doc, id) < 0 {
			return notFound("provider", id)
		}
		if slices.Contains(doc.Clusters[ci].ProviderIDs, id) {
			return conflict("cluster provider", id)
		}
		doc.Clusters[ci].ProviderIDs = append(doc.Clusters[ci].ProviderIDs, id)
		return nil
	})
	return err
}

// UpdateClusterProvider replaces a provider that the cluster references. The
// change is visible to every cluster sharing the provider.
func (s *Store) UpdateClusterProvider(ctx context.Context, name, id string, p config.ProviderConfig) (config.ProviderConfig, error) {
	_, err := s.Update(ctx, func(doc *config.Document) error {
		ci := clusterIndex(doc, name)
		if ci < 0 {
			return notFound("cluster", name)
		}
		if !slices.Contains(doc.Clusters[ci].ProviderIDs, id) {
			return notFound("provider", id)
		}
		pi := providerIndex(doc, id)
		if pi < 0 {
			return notFound("provider", id)
		}
		p.ID = id
		p.Credentials = keepCredentials(doc.Providers[pi].Credentials, p.Credentials)
		doc.Providers[pi] = p
		return nil
	})
	if err != nil {
		return config.ProviderConfig{}, err
	}
	return s.GetProvider(id)
}

// DeleteClusterProvider removes the reference only; the provider stays registered.
func (s *Store) DeleteClusterProvider(ctx context.Context, name, id string) error {
	_, err := s.Update(ctx, func(doc *config.Document) error {
		ci := clusterIndex(doc, name)
		if ci < 0 {
			return notFound("cluster", name)
		}
		if !slices.Contains(doc.Clusters[ci].ProviderIDs, id) {
			return notFound("provider", id)
		}
		doc.Clusters[ci].ProviderIDs = removeString(doc.Clusters[ci].ProviderIDs, id)
		return nil
	})
	return err
}

func clusterIndex(doc *config.Document, name string) int {
	for i, c := range doc.Clusters {
		if c.Name == name {
			return i
		}
	}
	return -1
}
