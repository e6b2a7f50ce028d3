package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/rdmount/rdmount/internal/api"
	s3backend "github.com/rdmount/rdmount/internal/storage/s3"
	"github.com/rdmount/rdmount/internal/storage/waterbutler"
)

// Registry selects the backend variant serving each advertised provider.
// Providers named in the direct-S3 configuration get the s3 variant;
// everything else goes through the bridge. Variants are constructed once
// and reused.
type Registry struct {
	client *api.Client
	direct map[string]s3backend.Config

	mu    sync.Mutex
	cache map[string]Provider
}

// NewRegistry creates a registry over the given API client and direct-S3
// provider configuration.
func NewRegistry(client *api.Client, direct map[string]s3backend.Config) *Registry {
	return &Registry{
		client: client,
		direct: direct,
		cache:  make(map[string]Provider),
	}
}

// kindFor returns the variant tag for a provider name.
func (r *Registry) kindFor(name string) string {
	if _, ok := r.direct[name]; ok {
		return "s3"
	}
	return "waterbutler"
}

// ForProvider returns the variant serving the named provider.
func (r *Registry) ForProvider(ctx context.Context, name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache[name]; ok {
		return p, nil
	}

	var p Provider
	switch kind := r.kindFor(name); kind {
	case "s3":
		backend, err := s3backend.New(ctx, name, r.direct[name])
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		p = backend
	case "waterbutler":
		p = waterbutler.New(r.client)
	default:
		return nil, fmt.Errorf("unknown backend kind: %s", kind)
	}

	r.cache[name] = p
	return p, nil
}
