package loader

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackHandshakeRoundTrip(t *testing.T) {
	dataDir := t.TempDir()

	listener, err := ListenCallback(dataDir)
	require.NoError(t, err)
	defer listener.Close()

	pipeLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pipeLn.Close()
	pipeAddress := pipeLn.Addr().String()

	const pid = 4242
	listener.ExpectLoader(pid, pipeAddress)

	fake := &FakeLoader{Pid: pid}
	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		addr, err := fake.Run(filepath.Join(dataDir, "callback"))
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- addr
	}()

	// Simulate the host completing RPC bring-up over the pipe before
	// granting resume permission.
	time.Sleep(20 * time.Millisecond)
	listener.GrantResume(pid)

	select {
	case addr := <-resultCh:
		assert.Equal(t, pipeAddress, addr)
	case err := <-errCh:
		t.Fatalf("fake loader handshake failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

func TestListenCallbackRemovesStaleSocket(t *testing.T) {
	dataDir := t.TempDir()
	stalePath := filepath.Join(dataDir, "callback")
	require.NoError(t, os.WriteFile(stalePath, []byte("stale"), 0o600))

	listener, err := ListenCallback(dataDir)
	require.NoError(t, err)
	defer listener.Close()
}
