// Package control implements C6: Service, the aggregator that owns an
// ordered collection of backends and fans their provider events out to
// subscribers without deduplication (spec.md §3 "Service", §4.1).
package control

import (
	"context"
	"runtime"
	"sync"

	"tracehost/internal/backend"
	"tracehost/internal/broadcast"
	"tracehost/internal/provider"
)

// Service owns an ordered collection of Backends. Subscribers see the
// union of all backends' provider events in registration order; the
// service performs no deduplication (spec.md §3).
type Service struct {
	mu       sync.Mutex
	backends []backend.Backend
	forwards []func()
	known    map[*provider.Provider]struct{}

	available   *broadcast.Hub[*provider.Provider]
	unavailable *broadcast.Hub[*provider.Provider]
}

// New constructs an empty Service.
func New() *Service {
	return &Service{
		known:       make(map[*provider.Provider]struct{}),
		available:   broadcast.New[*provider.Provider](16),
		unavailable: broadcast.New[*provider.Provider](16),
	}
}

// Providers returns the providers currently known to be available,
// satisfying internal/statusapi's Registry interface.
func (s *Service) Providers() []*provider.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*provider.Provider, 0, len(s.known))
	for p := range s.known {
		out = append(out, p)
	}
	return out
}

// Provider returns the first known provider whose Name matches, or nil.
// Convenience lookup for CLI tools driving this library; the protocol
// itself never needs name-based lookup.
func (s *Service) Provider(name string) *provider.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.known {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// ProviderAvailable subscribes to the aggregated provider_available
// stream.
func (s *Service) ProviderAvailable() <-chan *provider.Provider { return s.available.Subscribe() }

// ProviderUnavailable subscribes to the aggregated provider_unavailable
// stream.
func (s *Service) ProviderUnavailable() <-chan *provider.Provider { return s.unavailable.Subscribe() }

// AddBackend appends b and wires its provider_available/unavailable
// signals to the service's own signals of the same name. Events received
// after this call are forwarded unchanged (spec.md §4.1).
func (s *Service) AddBackend(b backend.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backends = append(s.backends, b)

	availableCh := b.ProviderAvailable()
	unavailableCh := b.ProviderUnavailable()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case p, ok := <-availableCh:
				if !ok {
					return
				}
				s.mu.Lock()
				s.known[p] = struct{}{}
				s.mu.Unlock()
				s.available.Publish(p)
			case <-stop:
				return
			}
		}
	}()
	go func() {
		for {
			select {
			case p, ok := <-unavailableCh:
				if !ok {
					return
				}
				s.mu.Lock()
				delete(s.known, p)
				s.mu.Unlock()
				s.unavailable.Publish(p)
			case <-stop:
				return
			}
		}
	}()

	s.forwards = append(s.forwards, func() { close(stop) })
}

// RemoveBackend removes b. It does not synthesise unavailable events for
// providers b exposed; callers should Stop a backend before removal if
// they want tidy teardown (spec.md §4.1).
func (s *Service) RemoveBackend(b backend.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.backends {
		if existing == b {
			s.forwards[i]()
			s.backends = append(s.backends[:i], s.backends[i+1:]...)
			s.forwards = append(s.forwards[:i], s.forwards[i+1:]...)
			return
		}
	}
}

// Start awaits start of each backend in insertion order; a failure is
// surfaced and stops the sequence (spec.md §4.1).
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	backends := make([]backend.Backend, len(s.backends))
	copy(backends, s.backends)
	s.mu.Unlock()

	for _, b := range backends {
		if err := b.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop awaits stop of each backend in insertion order; failures are
// surfaced but do not prevent later backends from also being stopped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	backends := make([]backend.Backend, len(s.backends))
	copy(backends, s.backends)
	s.mu.Unlock()

	var firstErr error
	for _, b := range backends {
		if err := b.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Default builds the "default" preset (spec.md §4.1): local, plus a
// USB-tether backend when not running on Linux, plus always-available
// TCP.
func Default(dataDir, tetherWatchDir string, tcpAddresses []string, forwardAgentSessions bool) *Service {
	s := New()
	s.AddBackend(backend.NewLocalBackend(dataDir, forwardAgentSessions))
	if runtime.GOOS != "linux" {
		s.AddBackend(backend.NewTetherBackend(tetherWatchDir, dataDir, forwardAgentSessions))
	}
	s.AddBackend(backend.NewTCPBackend(tcpAddresses))
	return s
}

// LocalOnly builds the "local-only" preset.
func LocalOnly(dataDir string, forwardAgentSessions bool) *Service {
	s := New()
	s.AddBackend(backend.NewLocalBackend(dataDir, forwardAgentSessions))
	return s
}

// TCPOnly builds the "tcp-only" preset.
func TCPOnly(tcpAddresses []string) *Service {
	s := New()
	s.AddBackend(backend.NewTCPBackend(tcpAddresses))
	return s
}
