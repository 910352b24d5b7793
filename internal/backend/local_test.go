package backend

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracehost/internal/loader"
)

func TestLoaderTransportAcquirerGrantsResumeBeforeAgentConnects(t *testing.T) {
	dataDir := t.TempDir()
	cb, err := loader.ListenCallback(dataDir)
	require.NoError(t, err)
	defer cb.Close()

	acquirer := NewLoaderTransportAcquirer(cb)

	const pid = 4242
	type acquireResult struct {
		conn io.ReadWriteCloser
		err  error
	}
	resultCh := make(chan acquireResult, 1)
	go func() {
		conn, _, err := acquirer.AcquireTransport(context.Background(), pid)
		resultCh <- acquireResult{conn, err}
	}()

	// Give AcquireTransport time to register pid with the callback
	// listener; a loader that connects before that is turned away.
	time.Sleep(20 * time.Millisecond)

	fl := &loader.FakeLoader{Pid: pid}
	socketPath := filepath.Join(dataDir, "callback")
	pipeAddrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		addr, err := fl.Run(socketPath)
		if err != nil {
			errCh <- err
			return
		}
		pipeAddrCh <- addr
	}()

	var pipeAddr string
	select {
	case pipeAddr = <-pipeAddrCh:
	case err := <-errCh:
		t.Fatalf("FakeLoader.Run failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("FakeLoader.Run did not complete the handshake")
	}

	// FakeLoader received its resume grant above with nothing connected
	// to the pipe yet; now play the agent and connect.
	agent, err := net.Dial("tcp", pipeAddr)
	require.NoError(t, err)
	defer agent.Close()

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		defer res.conn.Close()
		assert.NotNil(t, res.conn)
	case <-time.After(2 * time.Second):
		t.Fatal("AcquireTransport did not complete")
	}
}
