package backend

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracehost/internal/provider"
)

func TestTCPBackendPublishesOnceAddressBecomesReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	b := NewTCPBackend([]string{ln.Addr().String()})
	require.NoError(t, b.Start(context.Background()))
	defer func() { _ = b.Stop(context.Background()) }()

	var p *provider.Provider
	select {
	case p = <-b.ProviderAvailable():
	case <-time.After(3 * time.Second):
		t.Fatal("expected a provider_available event once the address is reachable")
	}
	assert.Equal(t, ln.Addr().String(), p.Name)
}

func TestTCPBackendStopRetractsTrackedProviders(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	b := NewTCPBackend([]string{ln.Addr().String()})
	require.NoError(t, b.Start(context.Background()))

	select {
	case <-b.ProviderAvailable():
	case <-time.After(3 * time.Second):
		t.Fatal("expected a provider_available event")
	}

	// Subscribe before Stop: each ProviderUnavailable call is a fresh
	// subscription that sees only events published after it.
	unavailable := b.ProviderUnavailable()
	require.NoError(t, b.Stop(context.Background()))

	select {
	case <-unavailable:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Stop to retract the tracked provider")
	}
}
