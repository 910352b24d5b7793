// Package provider implements C2: Provider, the discoverable-target
// handle a Backend publishes and a caller turns into a HostSession.
package provider

import (
	"context"
	"sync"

	"tracehost/internal/broadcast"
	"tracehost/internal/ids"
	"tracehost/internal/rpc"
	"tracehost/internal/session"
)

// Icon is the opaque image-bytes-plus-metadata attribute spec.md §3
// assigns to Provider.
type Icon struct {
	Data   []byte
	Format string // e.g. "png"
	Width  int
	Height int
}

// Factory builds the HostSession a Provider represents. Create calls it
// until it first succeeds; that result is cached and returned from then on.
type Factory func() (session.HostSession, error)

// Provider represents one reachable target system (spec.md §3). Created
// by its owning Backend when the target becomes reachable, retracted
// when it becomes unreachable.
type Provider struct {
	Name string
	Icon *Icon
	Kind ids.ProviderKind

	factory Factory

	mu          sync.Mutex
	hostSession session.HostSession
	forwardDone chan struct{}

	agentSessionClosed *broadcast.Hub[session.AgentSessionClosedEvent]
}

// New constructs a Provider. factory is invoked lazily, on first Create.
func New(name string, icon *Icon, kind ids.ProviderKind, factory Factory) *Provider {
	return &Provider{
		Name:               name,
		Icon:               icon,
		Kind:               kind,
		factory:            factory,
		agentSessionClosed: broadcast.New[session.AgentSessionClosedEvent](16),
	}
}

// Create returns this provider's HostSession, constructing it on first
// use via the factory supplied at New.
func (p *Provider) Create() (session.HostSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hostSession != nil {
		return p.hostSession, nil
	}

	hs, err := p.factory()
	if err != nil {
		return nil, err
	}
	p.hostSession = hs

	if am, ok := hs.(interface {
		OnAgentSessionClosed() <-chan session.AgentSessionClosedEvent
	}); ok {
		sub := am.OnAgentSessionClosed()
		p.forwardDone = make(chan struct{})
		done := p.forwardDone
		go func() {
			for {
				select {
				case evt := <-sub:
					p.agentSessionClosed.Publish(evt)
				case <-done:
					return
				}
			}
		}()
	}

	return hs, nil
}

// ObtainAgentSession is the convenience passthrough spec.md §4.6 gives
// Provider directly, without requiring the caller to hold onto the
// HostSession returned by Create.
func (p *Provider) ObtainAgentSession(id ids.AgentSessionId) (*rpc.AgentSession, error) {
	hs, err := p.Create()
	if err != nil {
		return nil, err
	}
	return hs.ObtainAgentSession(id)
}

// AgentSessionClosed subscribes to this provider's agent_session_closed
// stream.
func (p *Provider) AgentSessionClosed() <-chan session.AgentSessionClosedEvent {
	return p.agentSessionClosed.Subscribe()
}

// Close releases the underlying HostSession if one was ever created, and
// stops the agent_session_closed forwarding goroutine Create may have
// started (the upstream AttachManager's events hub is never closed, so
// without this the goroutine would otherwise outlive the Provider).
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	hs := p.hostSession
	done := p.forwardDone
	p.forwardDone = nil
	p.mu.Unlock()

	if done != nil {
		close(done)
	}
	if hs == nil {
		return nil
	}
	return hs.Close()
}
