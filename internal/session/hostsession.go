// Package session implements C3-C5 of the control plane: the HostSession
// capability, the reusable AttachManager state machine, and SessionEntry,
// the record each attached target owns for the life of its connection.
package session

import (
	"context"

	"tracehost/internal/ids"
	"tracehost/internal/rpc"
)

// ProcessInfo describes one process as returned by EnumerateProcesses.
type ProcessInfo struct {
	Pid  int
	Name string
}

// HostSession is the capability-shaped interface spec.md §9 describes:
// {enumerate_processes, spawn, resume, kill, attach_to, obtain_agent_session}.
// Concrete providers embed *AttachManager to get attach_to/obtain_agent_session/
// close for free and implement only the process-control methods themselves.
type HostSession interface {
	EnumerateProcesses(ctx context.Context) ([]ProcessInfo, error)
	Spawn(ctx context.Context, path string, argv []string) (pid int, err error)
	Resume(ctx context.Context, pid int) error
	Kill(ctx context.Context, pid int) error
	AttachTo(ctx context.Context, pid int) (ids.AgentSessionId, error)
	ObtainAgentSession(id ids.AgentSessionId) (*rpc.AgentSession, error)
	Close() error
}
