package reexport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracehost/internal/ids"
	"tracehost/internal/rpc"
)

type fakeEngine struct{}

func (fakeEngine) CreateScript(ctx context.Context, name, source string) (ids.AgentScriptId, error) {
	return 1, nil
}
func (fakeEngine) DestroyScript(ctx context.Context, sid ids.AgentScriptId) error       { return nil }
func (fakeEngine) LoadScript(ctx context.Context, sid ids.AgentScriptId) error          { return nil }
func (fakeEngine) PostMessageToScript(ctx context.Context, sid ids.AgentScriptId, m string) error {
	return nil
}
func (fakeEngine) EnableDebugger(ctx context.Context) error           { return nil }
func (fakeEngine) DisableDebugger(ctx context.Context) error          { return nil }
func (fakeEngine) PostMessageToDebugger(ctx context.Context, m string) error { return nil }

func TestReexportedClientReachesUpstreamEngine(t *testing.T) {
	upstreamClient, upstreamServer := net.Pipe()
	upstreamServerConn := rpc.New(upstreamServer)
	rpc.RegisterAgentSessionServer(upstreamServerConn, fakeEngine{})
	defer upstreamServerConn.Close()

	agent := rpc.NewAgentSession(rpc.New(upstreamClient))

	srv := NewServer(agent)
	require.NoError(t, srv.Serve("127.0.0.1:0", "test-guid"))
	defer srv.Stop()

	addr := srv.listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	client := rpc.New(conn)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var result rpc.CreateScriptResult
	err = client.Call(ctx, rpc.MethodCreateScript, rpc.CreateScriptParams{Source: "console.log(1)"}, &result)
	require.NoError(t, err)
	assert.Equal(t, ids.AgentScriptId(1), result.ScriptId)
}
