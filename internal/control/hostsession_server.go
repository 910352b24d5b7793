package control

import (
	"context"
	"net"

	"tracehost/internal/ids"
	"tracehost/internal/rpc"
	"tracehost/internal/session"
)

// hostSessionAdapter adapts a session.HostSession to rpc.HostSessionServer,
// translating between this module's ProcessInfo and the wire type
// host_session.go defines for the host_session RPC surface (spec.md §4.6's
// RemoteSystem provider, server side).
type hostSessionAdapter struct {
	hs session.HostSession
}

func (a hostSessionAdapter) EnumerateProcesses(ctx context.Context) ([]rpc.ProcessInfo, error) {
	procs, err := a.hs.EnumerateProcesses(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]rpc.ProcessInfo, len(procs))
	for i, p := range procs {
		out[i] = rpc.ProcessInfo{Pid: p.Pid, Name: p.Name}
	}
	return out, nil
}

func (a hostSessionAdapter) Spawn(ctx context.Context, path string, argv []string) (int, error) {
	return a.hs.Spawn(ctx, path, argv)
}

func (a hostSessionAdapter) Resume(ctx context.Context, pid int) error {
	return a.hs.Resume(ctx, pid)
}

func (a hostSessionAdapter) Kill(ctx context.Context, pid int) error {
	return a.hs.Kill(ctx, pid)
}

func (a hostSessionAdapter) AttachTo(ctx context.Context, pid int) (ids.AgentSessionId, error) {
	return a.hs.AttachTo(ctx, pid)
}

// ServeHostSession accepts connections on ln and answers host_session RPCs
// against hs, the server side a TCPBackend peer's remoteHostSession dials
// into (spec.md §4.6's RemoteSystem provider). Blocks until ctx is done or
// ln.Accept fails; closing ln (via ctx cancellation) is what unblocks the
// accept loop.
func ServeHostSession(ctx context.Context, ln net.Listener, hs session.HostSession) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	adapter := hostSessionAdapter{hs: hs}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		rpcConn := rpc.New(conn)
		rpc.RegisterHostSessionServer(rpcConn, adapter)
	}
}
