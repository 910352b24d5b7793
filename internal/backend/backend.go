// Package backend implements C1: Backend, a pluggable, independent
// source of Provider discovery events for one transport family (spec.md
// §4.6). Each backend exposes only start/stop and two signals; callers
// never need to know which concrete backend produced a given Provider.
package backend

import (
	"context"

	"tracehost/internal/broadcast"
	"tracehost/internal/provider"
)

// Backend discovers Providers for one transport family and is otherwise
// opaque (spec.md §4.6).
type Backend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ProviderAvailable() <-chan *provider.Provider
	ProviderUnavailable() <-chan *provider.Provider
}

// events bundles the two signals every Backend exposes, so concrete
// backends can embed it instead of re-wiring two hubs by hand.
type events struct {
	available   *broadcast.Hub[*provider.Provider]
	unavailable *broadcast.Hub[*provider.Provider]
}

func newEvents() events {
	return events{
		available:   broadcast.New[*provider.Provider](8),
		unavailable: broadcast.New[*provider.Provider](8),
	}
}

func (e *events) ProviderAvailable() <-chan *provider.Provider   { return e.available.Subscribe() }
func (e *events) ProviderUnavailable() <-chan *provider.Provider { return e.unavailable.Subscribe() }
