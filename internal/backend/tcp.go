package backend

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tracehost/internal/herror"
	"tracehost/internal/ids"
	"tracehost/internal/provider"
	"tracehost/internal/rpc"
	"tracehost/internal/session"
	"tracehost/pkg/logging"
)

// TCPBackend discovers remote tracehost daemons reachable over TCP
// (spec.md §4.6's "always-available TCP" backend). Each configured
// address is polled with exponential backoff until reachable, published
// as a Provider, then polled in the background to retract it on loss.
type TCPBackend struct {
	events
	addresses []string

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	tracked  map[string]*provider.Provider
}

// NewTCPBackend polls the given "host:port" addresses.
func NewTCPBackend(addresses []string) *TCPBackend {
	return &TCPBackend{events: newEvents(), addresses: addresses, tracked: make(map[string]*provider.Provider)}
}

func (b *TCPBackend) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	for _, addr := range b.addresses {
		addr := addr
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.watchAddress(loopCtx, addr)
		}()
	}
	return nil
}

func (b *TCPBackend) watchAddress(ctx context.Context, address string) {
	for {
		if ctx.Err() != nil {
			return
		}

		boff := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		err := backoff.Retry(func() error {
			conn, err := net.DialTimeout("tcp", address, 2*time.Second)
			if err != nil {
				return err
			}
			return conn.Close()
		}, boff)
		if err != nil {
			return // context cancelled
		}

		b.publish(address)
		b.waitForLoss(ctx, address)
		b.retract(address)
	}
}

// waitForLoss polls address every 2s until it stops accepting
// connections or ctx is cancelled.
func (b *TCPBackend) waitForLoss(ctx context.Context, address string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", address, 2*time.Second)
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}
}

func (b *TCPBackend) publish(address string) {
	b.mu.Lock()
	if _, exists := b.tracked[address]; exists {
		b.mu.Unlock()
		return
	}
	p := provider.New(address, nil, ids.RemoteSystem, func() (session.HostSession, error) {
		return newRemoteHostSession(address), nil
	})
	b.tracked[address] = p
	b.mu.Unlock()

	logging.Info("Backend", "remote provider reachable at %s", address)
	b.available.Publish(p)
}

func (b *TCPBackend) retract(address string) {
	b.mu.Lock()
	p, ok := b.tracked[address]
	if ok {
		delete(b.tracked, address)
	}
	b.mu.Unlock()
	if ok {
		logging.Info("Backend", "remote provider unreachable at %s", address)
		b.unavailable.Publish(p)
		_ = p.Close(context.Background())
	}
}

func (b *TCPBackend) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	b.mu.Lock()
	tracked := make([]*provider.Provider, 0, len(b.tracked))
	for _, p := range b.tracked {
		tracked = append(tracked, p)
	}
	b.tracked = make(map[string]*provider.Provider)
	b.mu.Unlock()

	for _, p := range tracked {
		b.unavailable.Publish(p)
		_ = p.Close(ctx)
	}
	return nil
}

// remoteHostSession is a HostSession backed by an RPC connection to a
// remote tracehost daemon's host_session surface, rather than a local
// AttachManager: attach bring-up itself happens on the remote end.
type remoteHostSession struct {
	address string

	mu     sync.Mutex
	conn   *rpc.Connection
	client *rpc.HostSessionClient
}

func newRemoteHostSession(address string) *remoteHostSession {
	return &remoteHostSession{address: address}
}

func (hs *remoteHostSession) client_() (*rpc.HostSessionClient, error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.client != nil {
		return hs.client, nil
	}
	conn, err := net.Dial("tcp", hs.address)
	if err != nil {
		return nil, herror.Wrap(herror.KindFailed, err, "dialing remote host_session")
	}
	hs.conn = rpc.New(conn)
	hs.client = rpc.NewHostSessionClient(hs.conn)
	return hs.client, nil
}

func (hs *remoteHostSession) EnumerateProcesses(ctx context.Context) ([]session.ProcessInfo, error) {
	client, err := hs.client_()
	if err != nil {
		return nil, err
	}
	remote, err := client.EnumerateProcesses(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]session.ProcessInfo, len(remote))
	for i, p := range remote {
		out[i] = session.ProcessInfo{Pid: p.Pid, Name: p.Name}
	}
	return out, nil
}

func (hs *remoteHostSession) Spawn(ctx context.Context, path string, argv []string) (int, error) {
	client, err := hs.client_()
	if err != nil {
		return 0, err
	}
	return client.Spawn(ctx, path, argv)
}

func (hs *remoteHostSession) Resume(ctx context.Context, pid int) error {
	client, err := hs.client_()
	if err != nil {
		return err
	}
	return client.Resume(ctx, pid)
}

func (hs *remoteHostSession) Kill(ctx context.Context, pid int) error {
	client, err := hs.client_()
	if err != nil {
		return err
	}
	return client.Kill(ctx, pid)
}

func (hs *remoteHostSession) AttachTo(ctx context.Context, pid int) (ids.AgentSessionId, error) {
	client, err := hs.client_()
	if err != nil {
		return 0, err
	}
	return client.AttachTo(ctx, pid)
}

// ObtainAgentSession dials the remote re-export listener at the session
// id's port directly, the same convention a loopback re-export client
// uses (spec.md §6 "port doubles as identifier").
func (hs *remoteHostSession) ObtainAgentSession(id ids.AgentSessionId) (*rpc.AgentSession, error) {
	host, _, err := net.SplitHostPort(hs.address)
	if err != nil {
		return nil, herror.Wrap(herror.KindFailed, err, "parsing remote address")
	}
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, uint32(id)))
	if err != nil {
		return nil, herror.Wrap(herror.KindFailed, err, "dialing remote agent session")
	}
	return rpc.NewAgentSession(rpc.New(conn)), nil
}

func (hs *remoteHostSession) Close() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.conn != nil {
		return hs.conn.Close()
	}
	return nil
}
