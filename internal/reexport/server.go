// Package reexport implements the loopback re-export listener spec.md
// §4.5/§6 describes: a "DBus-style" TCP server, anonymous authentication,
// through which additional clients can reach the same agent_session
// object a SessionEntry already holds a connection to.
//
// The corpus carries no D-Bus binding, so the wire protocol is the same
// CBOR-framed Connection internal/rpc already speaks rather than the real
// D-Bus byte protocol — see DESIGN.md for the tradeoff. What's preserved
// is the contract that matters to callers: anonymous loopback-only TCP,
// a fresh GUID per session, and every accepted client reaching the exact
// same agent_session methods and message stream as the in-process proxy.
package reexport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"tracehost/internal/broadcast"
	"tracehost/internal/ids"
	"tracehost/internal/rpc"
	"tracehost/pkg/logging"
)

// Server re-exports one SessionEntry's AgentSession to TCP clients. All
// clients share the same upstream message stream: the agent-level
// OnMessageFromScript/OnMessageFromDebugger handlers are installed exactly
// once, here, and fanned out to every accepted client via a broadcast.Hub
// — installing one handler per client would silently clobber the
// previous client's, since Connection.OnNotify keeps only the latest
// registration per method.
type Server struct {
	agent *rpc.AgentSession

	scriptEvents   *broadcast.Hub[rpc.ScriptMessageEvent]
	debuggerEvents *broadcast.Hub[rpc.DebuggerMessageEvent]

	mu       sync.Mutex
	guid     string
	listener net.Listener
	clients  map[*rpc.Connection]struct{}
}

// NewServer builds a re-export server bound to a single upstream
// AgentSession. Construct one per SessionEntry.
func NewServer(agent *rpc.AgentSession) *Server {
	s := &Server{
		agent:          agent,
		scriptEvents:   broadcast.New[rpc.ScriptMessageEvent](32),
		debuggerEvents: broadcast.New[rpc.DebuggerMessageEvent](32),
		clients:        make(map[*rpc.Connection]struct{}),
	}
	agent.OnMessageFromScript(s.scriptEvents.Publish)
	agent.OnMessageFromDebugger(s.debuggerEvents.Publish)
	return s
}

// Serve implements session.Reexporter. It starts a listener on address
// (always 127.0.0.1:<port> per spec.md §6) and accepts connections in a
// background goroutine until Stop is called.
func (s *Server) Serve(address string, guid string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.guid = guid
	s.mu.Unlock()

	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed by Stop
		}
		s.handleClient(conn)
	}
}

// handleClient registers the agent_session object on a fresh Connection
// wrapping conn, bridging every incoming call to s.agent and forwarding
// every message_from_script/message_from_debugger push back out to it —
// the "register against the same agent_session object at the well-known
// path" behaviour of spec.md §4.2 step 6 and §4.5.
func (s *Server) handleClient(conn net.Conn) {
	clientConn := rpc.New(conn)

	rpc.RegisterAgentSessionServer(clientConn, &bridge{upstream: s.agent})

	stop := s.forwardPushes(clientConn)

	clientConn.SetClosedHandler(func(remotePeerVanished bool, cause error) {
		stop()
		s.mu.Lock()
		delete(s.clients, clientConn)
		s.mu.Unlock()
	})

	s.mu.Lock()
	s.clients[clientConn] = struct{}{}
	s.mu.Unlock()
}

// forwardPushes relays already-fanned-out upstream notifications to one
// re-exported client connection, returning a function that stops
// forwarding once the client disconnects.
func (s *Server) forwardPushes(client *rpc.Connection) func() {
	scriptSub := s.scriptEvents.Subscribe()
	debuggerSub := s.debuggerEvents.Subscribe()
	done := make(chan struct{})

	go func() {
		for {
			select {
			case evt := <-scriptSub:
				if err := rpc.PushScriptMessage(client, evt.ScriptId, evt.Message, evt.Data); err != nil {
					logging.Debug("Reexport", "forwarding script message to client: %v", err)
				}
			case evt := <-debuggerSub:
				if err := rpc.PushDebuggerMessage(client, evt.Message); err != nil {
					logging.Debug("Reexport", "forwarding debugger message to client: %v", err)
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			s.scriptEvents.Unsubscribe(scriptSub)
			s.debuggerEvents.Unsubscribe(debuggerSub)
		})
	}
}

// Stop closes the listener and every accepted client connection,
// matching spec.md §4.4 step 1-2.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	clients := make([]*rpc.Connection, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*rpc.Connection]struct{})
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range clients {
		_ = c.Close()
	}
	return nil
}

// bridge adapts an upstream *rpc.AgentSession proxy to the
// rpc.ScriptEngineServer interface so a re-exported client's requests can
// be dispatched straight through to the original agent.
type bridge struct {
	upstream *rpc.AgentSession
}

func (b *bridge) CreateScript(ctx context.Context, name, source string) (ids.AgentScriptId, error) {
	return b.upstream.CreateScript(ctx, name, source)
}

func (b *bridge) DestroyScript(ctx context.Context, sid ids.AgentScriptId) error {
	return b.upstream.DestroyScript(ctx, sid)
}

func (b *bridge) LoadScript(ctx context.Context, sid ids.AgentScriptId) error {
	return b.upstream.LoadScript(ctx, sid)
}

func (b *bridge) PostMessageToScript(ctx context.Context, sid ids.AgentScriptId, message string) error {
	return b.upstream.PostMessageToScript(ctx, sid, message)
}

func (b *bridge) EnableDebugger(ctx context.Context) error {
	return b.upstream.EnableDebugger(ctx)
}

func (b *bridge) DisableDebugger(ctx context.Context) error {
	return b.upstream.DisableDebugger(ctx)
}

func (b *bridge) PostMessageToDebugger(ctx context.Context, message string) error {
	return b.upstream.PostMessageToDebugger(ctx, message)
}
