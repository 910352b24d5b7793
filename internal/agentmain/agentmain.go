// Package agentmain wires the agent side of one attach session: the
// handshake responder, a scriptengine.Engine, and the plumbing that
// forwards the engine's outgoing message/debugger-message signals over
// the same Connection the host drives via rpc.AgentSession. This is the
// counterpart that runs inside a target process once attached (spec.md
// §4.5's "agent side" of the bring-up sequence); nothing in the control
// plane itself depends on this package, since a real injected agent is
// a separate binary/address space, but it is what internal/loader's
// FakeLoader and any real agent would both ultimately call into.
package agentmain

import (
	"context"

	"tracehost/internal/rpc"
	"tracehost/internal/scriptengine"
)

// Serve binds engine's lifecycle to conn: answers the bring-up
// handshake, dispatches incoming agent_session requests to engine, and
// forwards engine's MessageFromScript/MessageFromDebugger streams back
// to the host as notifications. Blocks until ctx is done or conn closes.
func Serve(ctx context.Context, conn *rpc.Connection, engine *scriptengine.Engine) {
	rpc.RegisterHandshakeHandler(conn)
	rpc.RegisterAgentSessionServer(conn, engine)

	scriptMessages := engine.MessageFromScript.Subscribe()
	debuggerMessages := engine.MessageFromDebugger.Subscribe()

	done := make(chan struct{})
	conn.SetClosedHandler(func(remotePeerVanished bool, cause error) {
		close(done)
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case msg, ok := <-scriptMessages:
			if !ok {
				continue
			}
			_ = rpc.PushScriptMessage(conn, msg.ScriptId, msg.Message, msg.Data)
		case msg, ok := <-debuggerMessages:
			if !ok {
				continue
			}
			_ = rpc.PushDebuggerMessage(conn, msg)
		}
	}
}
