package session

import (
	"io"
	"sync"

	"tracehost/internal/ids"
	"tracehost/internal/rpc"
	"tracehost/pkg/logging"
)

// Reexporter is the loopback re-export listener a SessionEntry starts
// when forwarding is enabled. Implemented concretely by internal/reexport;
// declared here as an interface so this package does not import it (the
// dependency runs the other way: reexport depends on rpc, not session).
type Reexporter interface {
	// Serve starts accepting connections on address, registering the
	// given AgentSession at the well-known object path for each one.
	Serve(address string, guid string) error
	// Stop closes the listener and every accepted client connection.
	Stop() error
}

// SessionEntry owns everything one attached target needs for the life of
// its connection (spec.md §3 "SessionEntry"): the opaque transport, the
// RPC connection, the typed proxy bound to it, and — if forwarding is
// enabled — the re-export server and its accepted clients.
type SessionEntry struct {
	Id         ids.AgentSessionId
	Pid        int
	transport  io.Closer
	conn       *rpc.Connection
	agent      *rpc.AgentSession
	server     Reexporter
	closeOnce  sync.Once
	closeDone  chan struct{}
	closeErr   error
}

func newSessionEntry(id ids.AgentSessionId, pid int, transport io.Closer, conn *rpc.Connection, agent *rpc.AgentSession) *SessionEntry {
	return &SessionEntry{
		Id:        id,
		Pid:       pid,
		transport: transport,
		conn:      conn,
		agent:     agent,
		closeDone: make(chan struct{}),
	}
}

// AgentSession returns the typed proxy bound to this entry's connection.
func (e *SessionEntry) AgentSession() *rpc.AgentSession { return e.agent }

// setServer attaches the re-export server once bring-up has started it.
func (e *SessionEntry) setServer(s Reexporter) { e.server = s }

// Close tears the entry down idempotently (spec.md §4.4). The first
// caller performs the real work; every caller, including the first,
// blocks until it is complete.
func (e *SessionEntry) Close() error {
	e.closeOnce.Do(func() {
		defer close(e.closeDone)

		// 1. Stop the re-export server if any.
		if e.server != nil {
			if err := e.server.Stop(); err != nil {
				logging.Warn("Session", "stopping re-export server for session %s: %v", e.Id, err)
			}
		}

		// 2-3. Client connections and the registration-token map are
		// owned by the Reexporter and dropped along with it; the typed
		// proxy has no separate resource to release beyond the
		// underlying connection closed in step 4.
		e.agent = nil

		// 4. Close the RPC connection to the agent (ignoring errors).
		if e.conn != nil {
			_ = e.conn.Close()
		}

		// Drop the transport only after the RPC connection is closed.
		if e.transport != nil {
			_ = e.transport.Close()
		}
	})
	<-e.closeDone
	return e.closeErr
}

// Done returns a channel closed once Close has fully completed, letting
// callers await an in-flight close without racing closeOnce themselves.
func (e *SessionEntry) Done() <-chan struct{} { return e.closeDone }
