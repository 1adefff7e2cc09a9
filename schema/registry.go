// SPDX-License-Identifier: MIT

package schema

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lightbus/lightbus/api"
	"github.com/lightbus/lightbus/internal/log"
	"github.com/lightbus/lightbus/internal/metrics"
	"github.com/lightbus/lightbus/transport"
)

// Registry owns the local schemas of registered APIs and a cache of
// remote schemas read from the bus. Local schemas are (re)published on
// start and refreshed at TTL/2; the remote cache is refreshed by the
// same background pass with an atomic per-API swap.
type Registry struct {
	transport transport.SchemaTransport
	ttl       time.Duration
	logger    zerolog.Logger

	mu     sync.RWMutex
	local  map[string]*Definition
	remote map[string]*Definition
}

// NewRegistry builds a schema registry over the given transport.
func NewRegistry(st transport.SchemaTransport, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Registry{
		transport: st,
		ttl:       ttl,
		logger:    log.WithComponent("schema"),
		local:     map[string]*Definition{},
		remote:    map[string]*Definition{},
	}
}

// AddLocal derives and stores the schema for a locally registered API,
// enforcing additive-only evolution against any prior registration.
func (r *Registry) AddLocal(a *api.API) error {
	next := Derive(a)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.local[a.Name]; ok {
		if err := CheckCompatible(a.Name, prev, next); err != nil {
			return err
		}
		next.Version = prev.Version + 1
	}
	r.local[a.Name] = next
	return nil
}

// Local returns the locally derived schema of apiName, or nil.
func (r *Registry) Local(apiName string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local[apiName]
}

// Known returns the best known schema for apiName: the remote schema if
// cached, else the local one, else nil.
func (r *Registry) Known(apiName string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.remote[apiName]; ok {
		return def
	}
	return r.local[apiName]
}

// RemoteNames lists APIs with a cached remote schema, for inspection.
func (r *Registry) RemoteNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.remote))
	for name := range r.remote {
		names = append(names, name)
	}
	return names
}

// PublishAll stores every local schema on the bus.
func (r *Registry) PublishAll(ctx context.Context) error {
	r.mu.RLock()
	local := make(map[string]*Definition, len(r.local))
	for name, def := range r.local {
		local[name] = def
	}
	r.mu.RUnlock()

	for name, def := range local {
		raw, err := MarshalDefinition(def)
		if err != nil {
			return err
		}
		if err := r.transport.Store(ctx, name, raw, r.ttl); err != nil {
			metrics.SchemaRefreshTotal.WithLabelValues(metrics.OutcomeError).Inc()
			return err
		}
		r.logger.Debug().Str(log.FieldAPI, name).Str("event", "schema.published").Msg("schema published")
	}
	metrics.SchemaRefreshTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	return nil
}

// RefreshRemote replaces the remote cache from the bus.
func (r *Registry) RefreshRemote(ctx context.Context) error {
	all, err := r.transport.LoadAll(ctx)
	if err != nil {
		return err
	}
	fresh := make(map[string]*Definition, len(all))
	for name, raw := range all {
		def, err := UnmarshalDefinition(raw)
		if err != nil {
			r.logger.Warn().Err(err).Str(log.FieldAPI, name).Msg("ignoring undecodable remote schema")
			continue
		}
		fresh[name] = def
	}
	r.mu.Lock()
	r.remote = fresh
	r.mu.Unlock()
	return nil
}

// Monitor republishes local schemas and refreshes the remote cache until
// ctx is cancelled. Run as a background task by the bus client.
func (r *Registry) Monitor(ctx context.Context) error {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.PublishAll(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Str("event", "schema.refresh_failed").Msg("schema publish failed")
			}
			if err := r.RefreshRemote(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Str("event", "schema.refresh_failed").Msg("remote schema refresh failed")
			}
		}
	}
}
