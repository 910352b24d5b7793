package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracehost/internal/herror"
	"tracehost/internal/rpc"
)

type fakeTransport struct{ closed bool }

func (t *fakeTransport) Close() error { t.closed = true; return nil }

// respondingPerformAttachTo hands back a net.Pipe whose far end answers
// the handshake immediately, letting bring-up succeed.
func respondingPerformAttachTo(t *testing.T) PerformAttachToFunc {
	return func(ctx context.Context, pid int) (io.ReadWriteCloser, io.Closer, error) {
		client, agentSide := net.Pipe()
		agentConn := rpc.New(agentSide)
		rpc.RegisterHandshakeHandler(agentConn)
		t.Cleanup(func() { agentConn.Close() })
		return client, &fakeTransport{}, nil
	}
}

func silentPerformAttachTo(t *testing.T) PerformAttachToFunc {
	return func(ctx context.Context, pid int) (io.ReadWriteCloser, io.Closer, error) {
		client, _ := net.Pipe() // far end never answers
		return client, &fakeTransport{}, nil
	}
}

func newTestManager(t *testing.T, perform func(t *testing.T) PerformAttachToFunc) *AttachManager {
	return NewAttachManager(false, perform(t), nil)
}

func TestAttachToDedupesSamePid(t *testing.T) {
	am := newTestManager(t, respondingPerformAttachTo)

	id1, err := am.AttachTo(context.Background(), 100)
	require.NoError(t, err)

	id2, err := am.AttachTo(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	am.mu.Lock()
	assert.Len(t, am.entries, 1)
	am.mu.Unlock()
}

func TestAttachToAllocatesIncreasingIds(t *testing.T) {
	am := newTestManager(t, respondingPerformAttachTo)

	id1, err := am.AttachTo(context.Background(), 1)
	require.NoError(t, err)
	id2, err := am.AttachTo(context.Background(), 2)
	require.NoError(t, err)

	assert.Less(t, uint32(id1), uint32(id2))
}

func TestAttachToTimesOutWhenHandshakeNeverAnswers(t *testing.T) {
	am := newTestManager(t, silentPerformAttachTo)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := am.AttachTo(ctx, 999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, herror.TimedOut))

	am.mu.Lock()
	assert.Len(t, am.entries, 0)
	am.mu.Unlock()
}

func TestObtainAgentSessionNotFoundAfterClose(t *testing.T) {
	am := newTestManager(t, respondingPerformAttachTo)

	id, err := am.AttachTo(context.Background(), 42)
	require.NoError(t, err)

	_, err = am.ObtainAgentSession(id)
	require.NoError(t, err)

	require.NoError(t, am.Close())

	_, err = am.ObtainAgentSession(id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, herror.NotFound))
}

func TestCloseIsIdempotentAcrossConcurrentCallers(t *testing.T) {
	am := newTestManager(t, respondingPerformAttachTo)
	_, err := am.AttachTo(context.Background(), 7)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, am.Close())
		}()
	}
	wg.Wait()
}
