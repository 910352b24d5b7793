package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracehost/internal/backend"
	"tracehost/internal/ids"
	"tracehost/internal/provider"
	"tracehost/internal/session"
)

type fakeBackend struct {
	started     bool
	stopped     bool
	available   chan *provider.Provider
	unavailable chan *provider.Provider
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		available:   make(chan *provider.Provider, 4),
		unavailable: make(chan *provider.Provider, 4),
	}
}

func (b *fakeBackend) Start(ctx context.Context) error                         { b.started = true; return nil }
func (b *fakeBackend) Stop(ctx context.Context) error                          { b.stopped = true; return nil }
func (b *fakeBackend) ProviderAvailable() <-chan *provider.Provider            { return b.available }
func (b *fakeBackend) ProviderUnavailable() <-chan *provider.Provider          { return b.unavailable }

func fakeProvider(name string) *provider.Provider {
	return provider.New(name, nil, ids.LocalSystem, func() (session.HostSession, error) { return nil, nil })
}

func TestServiceForwardsProviderEventsInRegistrationOrder(t *testing.T) {
	s := New()
	b := newFakeBackend()
	s.AddBackend(b)

	sub := s.ProviderAvailable()

	p1, p2 := fakeProvider("a"), fakeProvider("b")
	b.available <- p1
	b.available <- p2

	for _, want := range []*provider.Provider{p1, p2} {
		select {
		case got := <-sub:
			assert.Same(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for provider event")
		}
	}
}

func TestServiceStartStopAwaitsEachBackend(t *testing.T) {
	s := New()
	b1, b2 := newFakeBackend(), newFakeBackend()
	s.AddBackend(b1)
	s.AddBackend(b2)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, b1.started)
	assert.True(t, b2.started)

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, b1.stopped)
	assert.True(t, b2.stopped)
}

var _ backend.Backend = (*fakeBackend)(nil)
