package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracehost/internal/provider"
)

func TestTetherBackendPublishesOnMarkerFileAndRetractsOnRemoval(t *testing.T) {
	watchDir := t.TempDir()
	dataDir := t.TempDir()

	b := NewTetherBackend(watchDir, dataDir, false)
	require.NoError(t, b.Start(context.Background()))
	defer func() { _ = b.Stop(context.Background()) }()

	markerPath := filepath.Join(watchDir, "device-1.tether")
	require.NoError(t, os.WriteFile(markerPath, []byte{}, 0o644))

	var p *provider.Provider
	select {
	case p = <-b.ProviderAvailable():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a provider_available event after marker file creation")
	}
	assert.Equal(t, "device-1", p.Name)

	require.NoError(t, os.Remove(markerPath))

	select {
	case unavailable := <-b.ProviderUnavailable():
		assert.Same(t, p, unavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a provider_unavailable event after marker file removal")
	}
}

func TestTetherHostSessionProcessControlIsUnsupported(t *testing.T) {
	hs := newTetherHostSession(nil, false)

	_, err := hs.EnumerateProcesses(context.Background())
	assert.Error(t, err)

	_, err = hs.Spawn(context.Background(), "/bin/true", nil)
	assert.Error(t, err)

	assert.Error(t, hs.Resume(context.Background(), 1))
	assert.Error(t, hs.Kill(context.Background(), 1))
}
