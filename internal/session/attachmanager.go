package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"tracehost/internal/broadcast"
	"tracehost/internal/herror"
	"tracehost/internal/ids"
	"tracehost/internal/rpc"
	"tracehost/pkg/logging"
)

// bringUpTimeout bounds RPC bring-up per spec.md §4.2 step 3.
const bringUpTimeout = 2000 * time.Millisecond

// pollInterval mirrors scriptengine's 50ms gcDrainInterval (spec.md §4.7);
// nothing in this package uses it.
const pollInterval = 50 * time.Millisecond

// PerformAttachToFunc is the one hook a concrete HostSession supplies:
// given a pid, acquire a bidirectional byte stream to the in-target agent
// and an opaque owner object whose lifetime must equal or exceed the
// stream's (spec.md §4.2 step 2).
type PerformAttachToFunc func(ctx context.Context, pid int) (stream io.ReadWriteCloser, transport io.Closer, err error)

// ReexportFactory builds the loopback re-export server for one entry once
// its AgentSession proxy exists. Supplied so this package need not import
// internal/reexport directly.
type ReexportFactory func(agent *rpc.AgentSession) Reexporter

// AgentSessionClosedEvent is published whenever a tracked session's
// connection closes for any reason other than a local, deliberate close
// (spec.md §4.3, §3 "Provider... emits agent_session_closed").
type AgentSessionClosedEvent struct {
	Id  ids.AgentSessionId
	Err error
}

// AttachManager is the reusable implementation of the attach/obtain/close
// trio spec.md §9 assigns to C4. Concrete HostSessions embed it and
// supply only PerformAttachTo; everything else — dedup, transport and RPC
// bring-up, id allocation, entry bookkeeping, optional re-export, and
// teardown routing — lives here.
//
// The source assumes a single cooperative event loop and needs no lock
// around the session table (spec.md §5 "Shared-resource policy"). Go has
// no such loop, so table mutations are serialised with a mutex instead,
// per the "Cooperative single-loop assumption" design note's own
// multi-threaded-runtime guidance.
type AttachManager struct {
	mu                   sync.Mutex
	entries              map[ids.AgentSessionId]*SessionEntry
	pidIndex             map[int]ids.AgentSessionId
	attachGroup          singleflight.Group
	lastAgentPort        ids.AgentSessionId
	forwardAgentSessions bool

	performAttachTo PerformAttachToFunc
	reexportFactory ReexportFactory

	events *broadcast.Hub[AgentSessionClosedEvent]
}

// NewAttachManager constructs an AttachManager. forwardAgentSessions is
// read once per spec.md §6's "Open Questions" guidance (dynamic flips
// don't affect already-attached entries).
func NewAttachManager(forwardAgentSessions bool, performAttachTo PerformAttachToFunc, reexportFactory ReexportFactory) *AttachManager {
	return &AttachManager{
		entries:              make(map[ids.AgentSessionId]*SessionEntry),
		pidIndex:             make(map[int]ids.AgentSessionId),
		forwardAgentSessions: forwardAgentSessions,
		performAttachTo:      performAttachTo,
		reexportFactory: reexportFactory,
		events:          broadcast.New[AgentSessionClosedEvent](16),
	}
}

// OnAgentSessionClosed subscribes to this manager's agent_session_closed
// stream.
func (am *AttachManager) OnAgentSessionClosed() <-chan AgentSessionClosedEvent {
	return am.events.Subscribe()
}

// AttachTo implements spec.md §4.2. Two concurrent calls for the same pid
// are funnelled through a single in-flight attempt (§5 ordering guarantee)
// via singleflight, keyed on the pid.
func (am *AttachManager) AttachTo(ctx context.Context, pid int) (ids.AgentSessionId, error) {
	am.mu.Lock()
	if id, ok := am.pidIndex[pid]; ok {
		am.mu.Unlock()
		return id, nil
	}
	am.mu.Unlock()

	key := strconv.Itoa(pid)
	v, err, _ := am.attachGroup.Do(key, func() (interface{}, error) {
		return am.attachOne(ctx, pid)
	})
	if err != nil {
		return 0, err
	}
	return v.(ids.AgentSessionId), nil
}

// earlyClose records a ClosedHandler firing before attachOne has published
// its entry into am.entries — the window rpc.New's readLoop opens between
// stream acquisition and bring-up completing. am.mu guards it the same as
// the entry tables, so a close landing in that window reliably aborts the
// publish below instead of leaving a stale entry for a dead connection.
type earlyClose struct {
	closed bool
	cause  error
}

func (am *AttachManager) attachOne(ctx context.Context, pid int) (ids.AgentSessionId, error) {
	stream, transport, err := am.performAttachTo(ctx, pid)
	if err != nil {
		return 0, herror.Wrap(herror.KindFailed, err, "acquiring transport")
	}

	conn := rpc.New(stream)

	// Registered before the handshake touches the connection at all, so a
	// close during bring-up (not just after the entry is published) is
	// always observed rather than silently missed.
	ec := &earlyClose{}
	conn.SetClosedHandler(func(remotePeerVanished bool, cause error) {
		am.onConnectionClosed(conn, ec, remotePeerVanished, cause)
	})

	bringUpCtx, cancel := context.WithTimeout(ctx, bringUpTimeout)
	defer cancel()

	if err := rpc.Handshake(bringUpCtx, conn); err != nil {
		_ = conn.Close()
		_ = transport.Close()
		if errors.Is(bringUpCtx.Err(), context.DeadlineExceeded) {
			return 0, herror.New(herror.KindTimedOut, "RPC bring-up exceeded 2000ms")
		}
		return 0, herror.Wrap(herror.KindFailed, err, "RPC bring-up")
	}

	agent := rpc.NewAgentSession(conn)

	am.mu.Lock()
	if ec.closed {
		am.mu.Unlock()
		_ = conn.Close()
		_ = transport.Close()
		return 0, herror.Wrap(herror.KindFailed, ec.cause, "connection closed during RPC bring-up")
	}

	id := am.allocateId()
	entry := newSessionEntry(id, pid, transport, conn, agent)

	if am.forwardAgentSessions {
		server := am.reexportFactory(agent)
		address := fmt.Sprintf("127.0.0.1:%d", id)
		if err := server.Serve(address, uuid.NewString()); err != nil {
			am.mu.Unlock()
			_ = conn.Close()
			_ = transport.Close()
			return 0, herror.Wrap(herror.KindFailed, err, "starting re-export server")
		}
		entry.setServer(server)
	}

	am.entries[id] = entry
	am.pidIndex[pid] = id
	am.mu.Unlock()

	return id, nil
}

// allocateId implements step 4 of spec.md §4.2. Callers must hold am.mu.
func (am *AttachManager) allocateId() ids.AgentSessionId {
	if !am.forwardAgentSessions {
		if am.lastAgentPort == 0 {
			am.lastAgentPort = ids.DefaultAgentPort
		}
		id := am.lastAgentPort
		am.lastAgentPort++
		return id
	}

	port := ids.DefaultAgentPort
	for {
		if _, taken := am.entries[port]; !taken {
			ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", uint32(port)))
			if err == nil {
				_ = ln.Close()
				return port
			}
			if !isAddrInUse(err) {
				// Open question in spec.md §9: a non-AddressInUse probe
				// error is treated as "available" rather than advancing
				// or surfacing. Preserved for source parity.
				return port
			}
		}
		port++
	}
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// ObtainAgentSession implements spec.md §4.2's obtain_agent_session.
func (am *AttachManager) ObtainAgentSession(id ids.AgentSessionId) (*rpc.AgentSession, error) {
	am.mu.Lock()
	defer am.mu.Unlock()
	entry, ok := am.entries[id]
	if !ok {
		return nil, herror.New(herror.KindNotFound, fmt.Sprintf("no session with id %s", id))
	}
	return entry.AgentSession(), nil
}

// onConnectionClosed implements spec.md §4.3's routing. ec is non-nil only
// for the attachOne call that owns conn; it lets a close landing before
// that entry is published (still possible since SetClosedHandler is now
// registered ahead of the handshake, per spec.md §4.2's bring-up window)
// abort the publish instead of leaving an unreachable entry behind.
func (am *AttachManager) onConnectionClosed(conn *rpc.Connection, ec *earlyClose, remotePeerVanished bool, cause error) {
	if !remotePeerVanished && cause == nil {
		// Closed by us; the initiating Close() path already owns cleanup.
		return
	}

	am.mu.Lock()
	var found *SessionEntry
	for id, e := range am.entries {
		if e.conn == conn {
			found = e
			delete(am.entries, id)
			delete(am.pidIndex, e.Pid)
			break
		}
	}
	if found == nil {
		ec.closed = true
		ec.cause = cause
	}
	am.mu.Unlock()

	if found == nil {
		// Not published yet — attachOne's own bring-up path observes
		// ec.closed under am.mu and aborts before this entry ever exists.
		return
	}

	go func() {
		if err := found.Close(); err != nil {
			logging.Warn("Session", "closing vanished session %s: %v", found.Id, err)
		}
	}()

	am.events.Publish(AgentSessionClosedEvent{Id: found.Id, Err: cause})
}

// Close closes every tracked entry and clears the table. Concurrency
// across entries is permitted; order is unspecified (spec.md §4.2).
func (am *AttachManager) Close() error {
	am.mu.Lock()
	entries := make([]*SessionEntry, 0, len(am.entries))
	for _, e := range am.entries {
		entries = append(entries, e)
	}
	am.entries = make(map[ids.AgentSessionId]*SessionEntry)
	am.pidIndex = make(map[int]ids.AgentSessionId)
	am.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			return e.Close()
		})
	}
	_ = g.Wait()
	return nil
}
