// Package loader implements the host side of the handshake spec.md §6
// describes between the attach manager and the injected loader stub
// (original_source/lib/loader/loader.c): a length-prefixed exchange over
// a Unix-domain socket at "<data_dir>/callback" through which the loader
// reports its pid, receives the host<->agent pipe address, and later
// receives permission to let the target thread resume.
//
// The native injector/dlopen/frida_agent_main side stays out of scope
// (spec.md §1); FakeLoader in fakeloader.go stands in for it in tests and
// for any backend with no real injector wired up.
package loader

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"tracehost/internal/herror"
	"tracehost/pkg/logging"
)

// maxFrameLength matches the loader's u8 length prefix: every frame is at
// most 255 bytes.
const maxFrameLength = 255

// writeFrame sends one `u8 length || bytes` frame, the wire shape
// loader.c's frida_loader_send_value speaks.
func writeFrame(w io.Writer, payload string) error {
	if len(payload) > maxFrameLength {
		return fmt.Errorf("loader: frame payload too long (%d bytes)", len(payload))
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(len(payload))
	copy(buf[1:], payload)
	_, err := w.Write(buf)
	return err
}

// readFrame receives one `u8 length || bytes` frame.
func readFrame(r io.Reader) (string, error) {
	var size [1]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return "", err
	}
	buf := make([]byte, size[0])
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// permissionToResume is the fixed payload loader.c discards the content
// of; any non-empty value satisfies the handshake.
const permissionToResume = "resume"

// pendingAttach tracks one in-flight injection: the host has promised a
// pipe address for a pid but the loader hasn't connected yet, or has
// connected and is now waiting for resume permission.
type pendingAttach struct {
	pipeAddress string
	granted     chan struct{}
}

// CallbackListener is the host-side Unix-domain socket a data directory's
// injected loaders connect back to.
type CallbackListener struct {
	ln         net.Listener
	socketPath string

	mu      sync.Mutex
	pending map[int]*pendingAttach
}

// ListenCallback opens the callback socket at "<dataDir>/callback",
// removing any stale socket file first (a prior unclean shutdown can
// leave one behind).
func ListenCallback(dataDir string) (*CallbackListener, error) {
	socketPath := filepath.Join(dataDir, "callback")
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, herror.Wrap(herror.KindFailed, err, "listening on loader callback socket")
	}

	l := &CallbackListener{
		ln:         ln,
		socketPath: socketPath,
		pending:    make(map[int]*pendingAttach),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *CallbackListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.handleConn(conn)
	}
}

func (l *CallbackListener) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	pidStr, err := readFrame(reader)
	if err != nil {
		logging.Warn("Loader", "reading pid from loader callback: %v", err)
		return
	}

	var pid int
	if _, err := fmt.Sscanf(pidStr, "%d", &pid); err != nil {
		logging.Warn("Loader", "malformed pid %q from loader callback", pidStr)
		return
	}

	// Advisory only: FakeLoader speaks this handshake on behalf of an
	// arbitrary simulated pid rather than its own, so a mismatch here is
	// logged, not rejected.
	if peerPid, err := peerPid(conn); err == nil && peerPid != pid {
		logging.Warn("Loader", "loader callback claimed pid %d but connecting process is pid %d", pid, peerPid)
	}

	l.mu.Lock()
	attach, ok := l.pending[pid]
	l.mu.Unlock()
	if !ok {
		logging.Warn("Loader", "loader callback for unregistered pid %d", pid)
		return
	}

	if err := writeFrame(conn, attach.pipeAddress); err != nil {
		logging.Warn("Loader", "sending pipe address to loader for pid %d: %v", pid, err)
		return
	}

	<-attach.granted

	if err := writeFrame(conn, permissionToResume); err != nil {
		logging.Warn("Loader", "granting resume permission to loader for pid %d: %v", pid, err)
	}

	l.mu.Lock()
	delete(l.pending, pid)
	l.mu.Unlock()
}

// ExpectLoader registers the pipe address to hand back to pid's loader
// once it connects. Call before spawning/resuming the target process.
func (l *CallbackListener) ExpectLoader(pid int, pipeAddress string) {
	l.mu.Lock()
	l.pending[pid] = &pendingAttach{pipeAddress: pipeAddress, granted: make(chan struct{})}
	l.mu.Unlock()
}

// GrantResume unblocks the loader callback for pid, letting its
// constructor return and the target thread resume. It may be called any
// time after ExpectLoader, before or after the loader connects; a grant
// made early is handed over as soon as the loader asks for it.
// LoaderTransportAcquirer calls it right after ExpectLoader, before the
// agent has connected to the pipe.
func (l *CallbackListener) GrantResume(pid int) {
	l.mu.Lock()
	attach, ok := l.pending[pid]
	l.mu.Unlock()
	if !ok {
		return
	}
	close(attach.granted)
}

// peerPid reads SO_PEERCRED off conn to confirm the pid a loader reports
// over the wire matches the pid of the process actually holding the
// other end of the socket, the same defensive peer-validation the
// corpus's own transport code does before trusting anything a Unix
// socket peer claims about itself.
func peerPid(conn net.Conn) (int, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("loader: callback connection is not a Unix socket")
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var ucred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, credErr
	}
	return int(ucred.Pid), nil
}

// Close stops accepting new loader connections and removes the socket
// file.
func (l *CallbackListener) Close() error {
	err := l.ln.Close()
	_ = os.Remove(l.socketPath)
	return err
}
