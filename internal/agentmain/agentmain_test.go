package agentmain

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tracehost/internal/rpc"
	"tracehost/internal/scriptengine"
)

type pushingScript struct {
	handler func(message string, data []byte)
}

func (s *pushingScript) ExcludeOwnMemory() error { return nil }
func (s *pushingScript) Load() error             { return nil }
func (s *pushingScript) Unload() error           { return nil }
func (s *pushingScript) PostMessage(message string) error {
	if s.handler != nil {
		s.handler(message, nil)
	}
	return nil
}
func (s *pushingScript) SetMessageHandler(h func(string, []byte)) { s.handler = h }

type passthroughCompiler struct{ last *pushingScript }

func (c *passthroughCompiler) Compile(source string) (scriptengine.Script, error) {
	c.last = &pushingScript{}
	return c.last, nil
}

type noopTracer struct{}

func (noopTracer) GC() (bool, error) { return false, nil }

func TestServeHandlesHandshakeAndForwardsScriptMessages(t *testing.T) {
	hostSide, agentSide := net.Pipe()
	t.Cleanup(func() { _ = hostSide.Close() })

	engine := scriptengine.NewEngine(&passthroughCompiler{}, noopTracer{})
	agentConn := rpc.New(agentSide)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go Serve(ctx, agentConn, engine)
	// Serve registers its handlers on agentConn from its own goroutine;
	// give it time to do so before the first request arrives.
	time.Sleep(20 * time.Millisecond)

	host := rpc.New(hostSide)
	agent := rpc.NewAgentSession(host)

	handshakeCtx, handshakeCancel := context.WithTimeout(context.Background(), time.Second)
	defer handshakeCancel()
	require.NoError(t, rpc.Handshake(handshakeCtx, host))

	received := make(chan rpc.ScriptMessageEvent, 1)
	agent.OnMessageFromScript(func(evt rpc.ScriptMessageEvent) { received <- evt })

	sid, err := agent.CreateScript(context.Background(), "", "source")
	require.NoError(t, err)

	require.NoError(t, agent.PostMessageToScript(context.Background(), sid, "ping"))

	select {
	case evt := <-received:
		require.Equal(t, sid, evt.ScriptId)
		require.Equal(t, "ping", evt.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("script message was not forwarded to the host")
	}
}
