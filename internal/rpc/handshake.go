package rpc

import "context"

// MethodHandshake is the first call issued over a freshly wrapped stream
// during attach bring-up (spec.md §4.2 step 3: "open an RPC connection
// over stream and resolve a typed AgentSession proxy"). The agent side
// must answer within the caller's deadline or bring-up fails with
// TimedOut; a stream that never speaks the protocol at all (§8 boundary
// case S6) simply never answers and the caller's context expires.
const MethodHandshake = "handshake"

// Handshake performs the bring-up round trip a host makes right after
// wrapping a freshly acquired transport in a Connection, before trusting
// the connection enough to resolve an AgentSession proxy on it.
func Handshake(ctx context.Context, conn *Connection) error {
	return conn.Call(ctx, MethodHandshake, nil, nil)
}

// RegisterHandshakeHandler installs the agent-side counterpart to
// Handshake. Real agents answer instantly; it exists mainly so the
// bring-up timeout has something to wait on.
func RegisterHandshakeHandler(conn *Connection) {
	conn.Handle(MethodHandshake, func(ctx context.Context, params RawMessage) (interface{}, error) {
		return nil, nil
	})
}
