package backend

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"tracehost/internal/herror"
	"tracehost/internal/ids"
	"tracehost/internal/loader"
	"tracehost/internal/provider"
	"tracehost/internal/session"
	"tracehost/pkg/logging"
)

// TetherBackend discovers USB-tethered mobile devices (spec.md §4.6's
// "mobile-tether backend on non-Linux hosts"). The corpus carries no
// usbmux/libimobiledevice-equivalent binding, so device presence is
// modelled as files appearing and disappearing under a watched directory
// — an operator-pluggable tether daemon or udev rule is expected to drop
// "<device-id>.tether" marker files there. See DESIGN.md.
type TetherBackend struct {
	events
	watchDir             string
	dataDir              string
	forwardAgentSessions bool

	watcher *fsnotify.Watcher

	mu        sync.Mutex
	providers map[string]*provider.Provider
	callback  *loader.CallbackListener
}

// NewTetherBackend watches watchDir for tether marker files.
func NewTetherBackend(watchDir, dataDir string, forwardAgentSessions bool) *TetherBackend {
	return &TetherBackend{
		events:               newEvents(),
		watchDir:             watchDir,
		dataDir:              dataDir,
		forwardAgentSessions: forwardAgentSessions,
		providers:            make(map[string]*provider.Provider),
	}
}

func (b *TetherBackend) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return herror.Wrap(herror.KindFailed, err, "creating tether directory watcher")
	}
	if err := watcher.Add(b.watchDir); err != nil {
		_ = watcher.Close()
		return herror.Wrap(herror.KindFailed, err, "watching tether directory")
	}
	b.watcher = watcher

	cb, err := loader.ListenCallback(b.dataDir)
	if err != nil {
		_ = watcher.Close()
		return herror.Wrap(herror.KindFailed, err, "starting loader callback listener")
	}
	b.callback = cb

	go b.watch()
	return nil
}

func (b *TetherBackend) watch() {
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".tether") {
				continue
			}
			deviceId := strings.TrimSuffix(filepath.Base(event.Name), ".tether")

			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				b.publish(deviceId)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				b.retract(deviceId)
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Backend", "tether watcher error: %v", err)
		}
	}
}

func (b *TetherBackend) publish(deviceId string) {
	b.mu.Lock()
	if _, exists := b.providers[deviceId]; exists {
		b.mu.Unlock()
		return
	}
	acquirer := NewLoaderTransportAcquirer(b.callback)
	forward := b.forwardAgentSessions
	p := provider.New(deviceId, nil, ids.LocalTether, func() (session.HostSession, error) {
		return newTetherHostSession(acquirer, forward), nil
	})
	b.providers[deviceId] = p
	b.mu.Unlock()

	b.available.Publish(p)
}

func (b *TetherBackend) retract(deviceId string) {
	b.mu.Lock()
	p, ok := b.providers[deviceId]
	if ok {
		delete(b.providers, deviceId)
	}
	b.mu.Unlock()
	if ok {
		b.unavailable.Publish(p)
	}
}

func (b *TetherBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	providers := make([]*provider.Provider, 0, len(b.providers))
	for _, p := range b.providers {
		providers = append(providers, p)
	}
	b.providers = make(map[string]*provider.Provider)
	b.mu.Unlock()

	for _, p := range providers {
		b.unavailable.Publish(p)
		_ = p.Close(ctx)
	}

	if b.watcher != nil {
		_ = b.watcher.Close()
	}
	if b.callback != nil {
		return b.callback.Close()
	}
	return nil
}

// tetherHostSession re-uses the same loader-handshake attach path as the
// local backend; process enumeration/spawn/kill are not meaningful over
// a tether link without a device-side agent, so they surface Failed.
type tetherHostSession struct {
	*session.AttachManager
	acquirer *LoaderTransportAcquirer
}

func newTetherHostSession(acquirer *LoaderTransportAcquirer, forward bool) *tetherHostSession {
	hs := &tetherHostSession{acquirer: acquirer}
	hs.AttachManager = session.NewAttachManager(forward, hs.performAttachTo, newReexportServer)
	return hs
}

func (hs *tetherHostSession) performAttachTo(ctx context.Context, pid int) (io.ReadWriteCloser, io.Closer, error) {
	return hs.acquirer.AcquireTransport(ctx, pid)
}

func (hs *tetherHostSession) EnumerateProcesses(ctx context.Context) ([]session.ProcessInfo, error) {
	return nil, herror.Failedf("process enumeration requires a device-side agent, not implemented for tether targets")
}

func (hs *tetherHostSession) Spawn(ctx context.Context, path string, argv []string) (int, error) {
	return 0, herror.Failedf("spawn requires a device-side agent, not implemented for tether targets")
}

func (hs *tetherHostSession) Resume(ctx context.Context, pid int) error {
	return herror.Failedf("resume requires a device-side agent, not implemented for tether targets")
}

func (hs *tetherHostSession) Kill(ctx context.Context, pid int) error {
	return herror.Failedf("kill requires a device-side agent, not implemented for tether targets")
}
