package rpc

import (
	"context"

	"tracehost/internal/ids"
)

// Method names for the host_session RPC interface exposed by a remote
// tracehost daemon over a TCPBackend connection (spec.md §4.6's
// "RemoteSystem" provider kind; the host-level equivalent of
// agent_session.go's in-target surface).
const (
	MethodEnumerateProcesses = "enumerate_processes"
	MethodSpawn              = "spawn"
	MethodResume             = "resume"
	MethodKill               = "kill"
	MethodAttachTo           = "attach_to"
)

// ProcessInfo mirrors session.ProcessInfo on the wire; kept separate to
// avoid this package importing internal/session.
type ProcessInfo struct {
	Pid  int    `cbor:"pid"`
	Name string `cbor:"name"`
}

type SpawnParams struct {
	Path string   `cbor:"path"`
	Argv []string `cbor:"argv,omitempty"`
}

type SpawnResult struct {
	Pid int `cbor:"pid"`
}

type AttachToResult struct {
	SessionId ids.AgentSessionId `cbor:"session_id"`
}

// HostSessionClient is the host-level RPC proxy a TCPBackend uses to
// talk to a remote tracehost daemon.
type HostSessionClient struct {
	conn *Connection
}

// NewHostSessionClient wraps conn in a typed host_session proxy.
func NewHostSessionClient(conn *Connection) *HostSessionClient {
	return &HostSessionClient{conn: conn}
}

func (c *HostSessionClient) EnumerateProcesses(ctx context.Context) ([]ProcessInfo, error) {
	var result []ProcessInfo
	if err := c.conn.Call(ctx, MethodEnumerateProcesses, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *HostSessionClient) Spawn(ctx context.Context, path string, argv []string) (int, error) {
	var result SpawnResult
	if err := c.conn.Call(ctx, MethodSpawn, SpawnParams{Path: path, Argv: argv}, &result); err != nil {
		return 0, err
	}
	return result.Pid, nil
}

func (c *HostSessionClient) Resume(ctx context.Context, pid int) error {
	return c.conn.Call(ctx, MethodResume, pid, nil)
}

func (c *HostSessionClient) Kill(ctx context.Context, pid int) error {
	return c.conn.Call(ctx, MethodKill, pid, nil)
}

func (c *HostSessionClient) AttachTo(ctx context.Context, pid int) (ids.AgentSessionId, error) {
	var result AttachToResult
	if err := c.conn.Call(ctx, MethodAttachTo, pid, &result); err != nil {
		return 0, err
	}
	return result.SessionId, nil
}

// HostSessionServer is implemented by a concrete HostSession to answer a
// remote TCPBackend peer's host_session calls.
type HostSessionServer interface {
	EnumerateProcesses(ctx context.Context) ([]ProcessInfo, error)
	Spawn(ctx context.Context, path string, argv []string) (int, error)
	Resume(ctx context.Context, pid int) error
	Kill(ctx context.Context, pid int) error
	AttachTo(ctx context.Context, pid int) (ids.AgentSessionId, error)
}

// RegisterHostSessionServer wires every host_session method on conn to
// server, the counterpart to NewHostSessionClient.
func RegisterHostSessionServer(conn *Connection, server HostSessionServer) {
	conn.Handle(MethodEnumerateProcesses, func(ctx context.Context, params RawMessage) (interface{}, error) {
		return server.EnumerateProcesses(ctx)
	})

	conn.Handle(MethodSpawn, func(ctx context.Context, params RawMessage) (interface{}, error) {
		var p SpawnParams
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		pid, err := server.Spawn(ctx, p.Path, p.Argv)
		if err != nil {
			return nil, err
		}
		return SpawnResult{Pid: pid}, nil
	})

	conn.Handle(MethodResume, func(ctx context.Context, params RawMessage) (interface{}, error) {
		var pid int
		if err := unmarshal(params, &pid); err != nil {
			return nil, err
		}
		return nil, server.Resume(ctx, pid)
	})

	conn.Handle(MethodKill, func(ctx context.Context, params RawMessage) (interface{}, error) {
		var pid int
		if err := unmarshal(params, &pid); err != nil {
			return nil, err
		}
		return nil, server.Kill(ctx, pid)
	})

	conn.Handle(MethodAttachTo, func(ctx context.Context, params RawMessage) (interface{}, error) {
		var pid int
		if err := unmarshal(params, &pid); err != nil {
			return nil, err
		}
		id, err := server.AttachTo(ctx, pid)
		if err != nil {
			return nil, err
		}
		return AttachToResult{SessionId: id}, nil
	})
}
