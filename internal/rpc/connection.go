// Package rpc implements the bidirectional, typed request/response
// connection that spec.md §6 describes as "a message-bus connection
// carrying a typed session interface registered at a well-known object
// path". Every message — request, response, or asynchronous notification
// — is framed as a single self-delimiting CBOR value, decoded one at a
// time off the underlying stream exactly as bureau-foundation-bureau's
// lib/service/socket.go decodes its own request/response values.
//
// Unlike bureau's one-request-per-connection socket protocol, a
// Connection here is long-lived: many requests and notifications are
// multiplexed over the same stream for the life of an attached session.
package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"

	"tracehost/internal/herror"
	"tracehost/pkg/logging"
)

// frameKind distinguishes the three message shapes a Connection exchanges.
type frameKind uint8

const (
	kindRequest frameKind = iota
	kindResponse
	kindNotification
)

// frame is the one wire envelope every value on the stream is encoded as.
type frame struct {
	Kind   frameKind `cbor:"kind"`
	ID     uint64    `cbor:"id,omitempty"`
	Method string    `cbor:"method,omitempty"`
	Params RawMessage `cbor:"params,omitempty"`
	Result RawMessage `cbor:"result,omitempty"`
	Error  string     `cbor:"error,omitempty"`
}

// RequestHandler answers an incoming request frame for one method. It is
// invoked from the Connection's read loop; handlers must not block on the
// same Connection's Call (no outstanding response can arrive while the
// handler runs) but may otherwise do any work, including calling Notify.
type RequestHandler func(ctx context.Context, params RawMessage) (result interface{}, err error)

// NotificationHandler processes an incoming fire-and-forget notification.
type NotificationHandler func(params RawMessage)

// ClosedHandler is invoked exactly once when a Connection's read loop
// exits, distinguishing a locally-initiated close from a vanished or
// errored peer — the routing spec.md §4.3 describes.
//
// remotePeerVanished is true when the stream reported EOF/error rather
// than Close having been called locally first. cause is non-nil only for
// genuine errors (a plain EOF from a well-behaved peer that simply hung
// up has a nil cause but remotePeerVanished true).
type ClosedHandler func(remotePeerVanished bool, cause error)

// Connection is a duplex, multiplexed RPC channel over an opaque
// bidirectional stream. Both ends can register request handlers (to serve
// incoming calls) and notification handlers (to receive pushed events),
// and both ends can issue Call/Notify. In this system the host side
// issues Call (create_script, destroy_script, ...) and receives
// notifications (message_from_script, message_from_debugger); the agent
// side does the reverse.
type Connection struct {
	stream io.ReadWriteCloser
	enc    *cbor.Encoder
	writeMu sync.Mutex

	reqHandlers  map[string]RequestHandler
	notifHandlers map[string]NotificationHandler
	handlersMu   sync.RWMutex

	pending   map[uint64]chan frame
	pendingMu sync.Mutex
	nextID    uint64

	closedLocally atomic.Bool
	closeOnce     sync.Once
	onClosed      ClosedHandler
	done          chan struct{}
}

// New wraps stream in a Connection and immediately starts its read loop.
// The caller should register handlers with Handle/OnNotify before traffic
// is expected, and must call SetClosedHandler (optional) and eventually
// Close.
func New(stream io.ReadWriteCloser) *Connection {
	c := &Connection{
		stream:        stream,
		enc:           cbor.NewEncoder(stream),
		reqHandlers:   make(map[string]RequestHandler),
		notifHandlers: make(map[string]NotificationHandler),
		pending:       make(map[uint64]chan frame),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Handle registers a handler for an incoming request method. Must be
// called before the peer can send that method; registering twice panics,
// matching the teacher's own SocketServer.Handle duplicate-registration
// guard.
func (c *Connection) Handle(method string, handler RequestHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if _, exists := c.reqHandlers[method]; exists {
		panic(fmt.Sprintf("rpc: duplicate handler for method %q", method))
	}
	c.reqHandlers[method] = handler
}

// OnNotify registers a handler for an incoming notification method.
func (c *Connection) OnNotify(method string, handler NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.notifHandlers[method] = handler
}

// SetClosedHandler installs the callback fired once when the connection's
// read loop exits for any reason. Safe to call at most once; a second
// call replaces the first.
func (c *Connection) SetClosedHandler(h ClosedHandler) {
	c.handlersMu.Lock()
	c.onClosed = h
	c.handlersMu.Unlock()
}

// Call sends a request and blocks for its response, or until ctx is
// cancelled. A cancelled context surfaces as herror.TimedOut, matching
// spec.md §4.2's bring-up deadline semantics (the attach manager wraps
// proxy resolution calls in a 2s context).
func (c *Connection) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	encodedParams, err := marshal(params)
	if err != nil {
		return herror.Wrap(herror.KindFailed, err, "marshaling request params")
	}

	id := atomic.AddUint64(&c.nextID, 1)
	replyCh := make(chan frame, 1)

	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	// The write runs on its own goroutine so that a peer which never reads
	// (a blocking stream such as net.Pipe) cannot hold Call past ctx.
	written := make(chan error, 1)
	go func() {
		written <- c.write(frame{Kind: kindRequest, ID: id, Method: method, Params: encodedParams})
	}()

	select {
	case err := <-written:
		if err != nil {
			cleanup()
			return herror.Wrap(herror.KindFailed, err, "writing request")
		}
	case <-ctx.Done():
		cleanup()
		return herror.New(herror.KindTimedOut, fmt.Sprintf("%s timed out", method))
	}

	select {
	case <-ctx.Done():
		cleanup()
		return herror.New(herror.KindTimedOut, fmt.Sprintf("%s timed out", method))
	case <-c.done:
		cleanup()
		return herror.New(herror.KindFailed, fmt.Sprintf("%s: connection closed before response", method))
	case reply := <-replyCh:
		if reply.Error != "" {
			return herror.New(herror.KindFailed, reply.Error)
		}
		if err := unmarshal(reply.Result, result); err != nil {
			return herror.Wrap(herror.KindFailed, err, "decoding response result")
		}
		return nil
	}
}

// Notify sends a fire-and-forget message; there is no response to wait
// for. Used for message_from_script / message_from_debugger pushes.
func (c *Connection) Notify(method string, params interface{}) error {
	encodedParams, err := marshal(params)
	if err != nil {
		return herror.Wrap(herror.KindFailed, err, "marshaling notification params")
	}
	return c.write(frame{Kind: kindNotification, Method: method, Params: encodedParams})
}

func (c *Connection) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(f)
}

// Close closes the underlying stream. Idempotent. The ClosedHandler, if
// any, observes remotePeerVanished=false for a locally-initiated close,
// matching spec.md §4.3's "closed by us" branch.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closedLocally.Store(true)
		err = c.stream.Close()
	})
	return err
}

func (c *Connection) readLoop() {
	dec := cbor.NewDecoder(c.stream)
	var loopErr error

	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if err != io.EOF && !c.closedLocally.Load() {
				loopErr = err
			}
			break
		}

		switch f.Kind {
		case kindRequest:
			go c.handleRequest(f)
		case kindResponse:
			c.pendingMu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- f
			}
		case kindNotification:
			c.handleNotification(f)
		}
	}

	close(c.done)

	c.handlersMu.RLock()
	onClosed := c.onClosed
	c.handlersMu.RUnlock()

	if onClosed != nil {
		remotePeerVanished := !c.closedLocally.Load()
		onClosed(remotePeerVanished, loopErr)
	}
}

func (c *Connection) handleRequest(f frame) {
	c.handlersMu.RLock()
	handler, ok := c.reqHandlers[f.Method]
	c.handlersMu.RUnlock()

	if !ok {
		c.write(frame{Kind: kindResponse, ID: f.ID, Error: fmt.Sprintf("unknown method %q", f.Method)})
		return
	}

	result, err := handler(context.Background(), f.Params)
	if err != nil {
		c.write(frame{Kind: kindResponse, ID: f.ID, Error: err.Error()})
		return
	}

	encoded, err := marshal(result)
	if err != nil {
		c.write(frame{Kind: kindResponse, ID: f.ID, Error: fmt.Sprintf("marshaling result: %v", err)})
		return
	}
	c.write(frame{Kind: kindResponse, ID: f.ID, Result: encoded})
}

func (c *Connection) handleNotification(f frame) {
	c.handlersMu.RLock()
	handler, ok := c.notifHandlers[f.Method]
	c.handlersMu.RUnlock()

	if !ok {
		logging.Debug("RPC", "no handler registered for notification %q, dropping", f.Method)
		return
	}
	handler(f.Params)
}
