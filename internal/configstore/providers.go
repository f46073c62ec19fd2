package configstore

import (
	"context"
	"regexp"

	"github.com/af-corp/aegis-router/internal/config"
)

// envPlaceholder matches a credential that is a single ${VAR} or
// ${VAR:default} reference.
var envPlaceholder = regexp.MustCompile(`^\$\{([^}:]+)(?::([^}]*))?\}$`)

func (s *Store) ListProviders() []config.ProviderConfig {
	return s.Snapshot().Providers()
}

func (s *Store) GetProvider(id string) (config.ProviderConfig, error) {
	p, ok := s.Snapshot().Provider(id)
	if !ok {
		return config.ProviderConfig{}, notFound("provider", id)
	}
	return p, nil
}

// AddProvider registers a new provider at the end of the registration order.
func (s *Store) AddProvider(ctx context.Context, p config.ProviderConfig) (config.ProviderConfig, error) {
	_, err := s.Update(ctx, func(doc *config.Document) error {
		if providerIndex(doc, p.ID) >= 0 {
			return conflict("provider", p.ID)
		}
		doc.Providers = append(doc.Providers, p)
		return nil
	})
	if err != nil {
		return config.ProviderConfig{}, err
	}
	return s.GetProvider(p.ID)
}

// UpdateProvider replaces the provider with the given id, keeping its
// registration position. The id itself cannot change.
func (s *Store) UpdateProvider(ctx context.Context, id string, p config.ProviderConfig) (config.ProviderConfig, error) {
	_, err := s.Update(ctx, func(doc *config.Document) error {
		i := providerIndex(doc, id)
		if i < 0 {
			return notFound("provider", id)
		}
		p.ID = id
		p.Credentials = keepCredentials(doc.Providers[i].Credentials, p.Credentials)
		doc.Providers[i] = p
		return nil
	})
	if err != nil {
		return config.ProviderConfig{}, err
	}
	return s.GetProvider(id)
}

// SetProviderEnabled flips a single provider's enabled flag.
func (s *Store) SetProviderEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.Update(ctx, func(doc *config.Document) error {
		i := providerIndex(doc, id)
		if i < 0 {
			return notFound("provider", id)
		}
		doc.Providers[i].Enabled = enabled
		return nil
	})
	return err
}

// DeleteProvider removes the provider and every cluster reference to it.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	_, err := s.Update(ctx, func(doc *config.Document) error {
		i := providerIndex(doc, id)
		if i < 0 {
			return notFound("provider", id)
		}
		doc.Providers = append(doc.Providers[:i], doc.Providers[i+1:]...)
		for c := range doc.Clusters {
			doc.Clusters[c].ProviderIDs = removeString(doc.Clusters[c].ProviderIDs, id)
		}
		return nil
	})
	return err
}

func providerIndex(doc *config.Document, id string) int {
	for i, p := range doc.Providers {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// keepCredentials returns the credentials to store when a provider record is
// replaced. An empty value or the masked form of the stored value, as handed
// out by admin reads, keeps the stored credentials.
func keepCredentials(existing, incoming string) string {
	if incoming == "" || incoming == MaskCredentials(existing) {
		return existing
	}
	return incoming
}
