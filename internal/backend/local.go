package backend

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"tracehost/internal/herror"
	"tracehost/internal/ids"
	"tracehost/internal/loader"
	"tracehost/internal/provider"
	"tracehost/internal/reexport"
	"tracehost/internal/rpc"
	"tracehost/internal/session"
)

// LocalBackend publishes exactly one Provider representing the machine
// tracehost itself runs on (spec.md §4.6's "local OS family" backend).
// Start publishes that provider and only Stop retracts it.
type LocalBackend struct {
	events
	dataDir              string
	forwardAgentSessions bool

	callback *loader.CallbackListener
	p        *provider.Provider
}

// NewLocalBackend constructs the local-system backend. dataDir is where
// the loader callback socket lives (spec.md §6).
func NewLocalBackend(dataDir string, forwardAgentSessions bool) *LocalBackend {
	return &LocalBackend{events: newEvents(), dataDir: dataDir, forwardAgentSessions: forwardAgentSessions}
}

func (b *LocalBackend) Start(ctx context.Context) error {
	cb, err := loader.ListenCallback(b.dataDir)
	if err != nil {
		return herror.Wrap(herror.KindFailed, err, "starting loader callback listener")
	}
	b.callback = cb

	acquirer := NewLoaderTransportAcquirer(cb)
	hostSession := newLocalHostSession(acquirer, b.forwardAgentSessions)

	b.p = provider.New("Local System", nil, ids.LocalSystem, func() (session.HostSession, error) {
		return hostSession, nil
	})
	b.available.Publish(b.p)
	return nil
}

func (b *LocalBackend) Stop(ctx context.Context) error {
	if b.p != nil {
		b.unavailable.Publish(b.p)
		_ = b.p.Close(ctx)
	}
	if b.callback != nil {
		return b.callback.Close()
	}
	return nil
}

// localHostSession is the concrete HostSession for LocalBackend: real
// /proc-backed process enumeration and os/exec-backed spawn/resume/kill,
// composed with AttachManager for the attach/obtain/close trio (spec.md
// §9 "prefer composition... over subtype inheritance").
type localHostSession struct {
	*session.AttachManager
	acquirer *LoaderTransportAcquirer
}

func newLocalHostSession(acquirer *LoaderTransportAcquirer, forward bool) *localHostSession {
	hs := &localHostSession{acquirer: acquirer}
	hs.AttachManager = session.NewAttachManager(forward, hs.performAttachTo, newReexportServer)
	return hs
}

// newReexportServer is the session.ReexportFactory shared by every
// HostSession that supports loopback TCP re-export (spec.md §6).
func newReexportServer(agent *rpc.AgentSession) session.Reexporter {
	return reexport.NewServer(agent)
}

func (hs *localHostSession) performAttachTo(ctx context.Context, pid int) (io.ReadWriteCloser, io.Closer, error) {
	if err := checkProcessAlive(pid); err != nil {
		return nil, nil, err
	}
	return hs.acquirer.AcquireTransport(ctx, pid)
}

// checkProcessAlive probes pid with a signal-0 kill (no signal delivered,
// only the existence/permission check happens), so attaching to an
// already-dead pid fails fast with NotFound instead of waiting out the
// full loader handshake timeout. EPERM means the process exists but is
// owned by someone else, which isn't this check's concern.
func checkProcessAlive(pid int) error {
	err := unix.Kill(pid, 0)
	if err == nil || err == unix.EPERM {
		return nil
	}
	if err == unix.ESRCH {
		return herror.New(herror.KindNotFound, fmt.Sprintf("no such process: %d", pid))
	}
	return nil
}

// EnumerateProcesses reads /proc directly. No third-party process
// enumeration library (gopsutil or similar) appears anywhere in the
// example corpus this module was built from; see DESIGN.md for the
// stdlib justification.
func (hs *localHostSession) EnumerateProcesses(ctx context.Context) ([]session.ProcessInfo, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, herror.Wrap(herror.KindFailed, err, "reading /proc")
	}

	processes := make([]session.ProcessInfo, 0, len(entries))
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		name, err := readProcessName(pid)
		if err != nil {
			continue
		}
		processes = append(processes, session.ProcessInfo{Pid: pid, Name: name})
	}

	sort.Slice(processes, func(i, j int) bool { return processes[i].Pid < processes[j].Pid })
	return processes, nil
}

func readProcessName(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Spawn starts path in a suspended state (SIGSTOP immediately after
// start) so a subsequent Resume releases it only once the caller has had
// a chance to attach.
func (hs *localHostSession) Spawn(ctx context.Context, path string, argv []string) (int, error) {
	cmd := exec.Command(path, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return 0, herror.Wrap(herror.KindFailed, err, "spawning process")
	}
	pid := cmd.Process.Pid
	if err := unix.Kill(pid, unix.SIGSTOP); err != nil {
		return 0, herror.Wrap(herror.KindFailed, err, "suspending spawned process")
	}
	return pid, nil
}

func (hs *localHostSession) Resume(ctx context.Context, pid int) error {
	if err := unix.Kill(pid, unix.SIGCONT); err != nil {
		return herror.Wrap(herror.KindFailed, err, "resuming process")
	}
	return nil
}

func (hs *localHostSession) Kill(ctx context.Context, pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		return herror.Wrap(herror.KindFailed, err, "killing process")
	}
	return nil
}

// LoaderTransportAcquirer implements the host side of spec.md §4.2 step
// 2 ("acquire transport") for the local backend, using the loader
// callback handshake (spec.md §6) to hand the injected loader a pipe
// address and then accepting the agent's connection on it.
type LoaderTransportAcquirer struct {
	callback *loader.CallbackListener
}

// NewLoaderTransportAcquirer builds an acquirer bound to a running
// callback listener.
func NewLoaderTransportAcquirer(cb *loader.CallbackListener) *LoaderTransportAcquirer {
	return &LoaderTransportAcquirer{callback: cb}
}

// AcquireTransport opens a loopback listener to serve as the
// host<->agent pipe, registers its address with the loader's next
// callback for pid, grants resume permission immediately (mirroring
// loader.c, which signals resume right after spawning its dlopen worker
// thread rather than waiting for the agent to finish initialising), and
// then waits for the agent's connection.
func (a *LoaderTransportAcquirer) AcquireTransport(ctx context.Context, pid int) (io.ReadWriteCloser, io.Closer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, herror.Wrap(herror.KindFailed, err, "opening host<->agent pipe listener")
	}

	pipeAddress := ln.Addr().String()
	a.callback.ExpectLoader(pid, pipeAddress)
	a.callback.GrantResume(pid)

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		resultCh <- acceptResult{conn, err}
	}()

	select {
	case res := <-resultCh:
		_ = ln.Close()
		if res.err != nil {
			return nil, nil, herror.Wrap(herror.KindFailed, res.err, "accepting agent pipe connection")
		}
		return res.conn, noopCloser{}, nil
	case <-ctx.Done():
		_ = ln.Close()
		return nil, nil, ctx.Err()
	}
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }
