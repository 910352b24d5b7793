package rpc

import (
	"context"

	"tracehost/internal/herror"
	"tracehost/internal/ids"
)

// AgentSessionObjectPath is the well-known object path of the
// agent_session interface (spec.md §4.5/§6). Connection dispatches
// requests by method name alone and never consults an object path, so
// nothing in this module routes on this constant; every Connection
// carries exactly one agent_session.
const AgentSessionObjectPath = "/re/frida/AgentSession"

// Method names for the agent_session RPC interface, shared verbatim by
// both the host-side proxy (AgentSession's methods) and the agent-side
// server dispatch (RegisterAgentSessionServer).
const (
	MethodCreateScript        = "create_script"
	MethodDestroyScript       = "destroy_script"
	MethodLoadScript          = "load_script"
	MethodPostMessageToScript = "post_message_to_script"
	MethodEnableDebugger      = "enable_debugger"
	MethodDisableDebugger     = "disable_debugger"
	MethodPostMessageToDebugger = "post_message_to_debugger"

	NotifyMessageFromScript   = "message_from_script"
	NotifyMessageFromDebugger = "message_from_debugger"
)

// CreateScriptParams/Result mirror create_script's (name?, source) ->
// sid contract (spec.md §4.6).
type CreateScriptParams struct {
	Name   string `cbor:"name,omitempty"`
	Source string `cbor:"source"`
}

type CreateScriptResult struct {
	ScriptId ids.AgentScriptId `cbor:"script_id"`
}

// ScriptMessageEvent is the payload of a message_from_script notification.
type ScriptMessageEvent struct {
	ScriptId ids.AgentScriptId `cbor:"script_id"`
	Message  string            `cbor:"message"`
	Data     []byte            `cbor:"data,omitempty"`
}

// DebuggerMessageEvent is the payload of a message_from_debugger
// notification.
type DebuggerMessageEvent struct {
	Message string `cbor:"message"`
}

// AgentSession is the host-side typed proxy bound to a Connection,
// matching the "typed agent_session proxy bound to that connection"
// attribute spec.md §3 assigns to SessionEntry. It is a thin, fully
// generated-feeling wrapper: every method is a one-line Call/Notify over
// the shared Connection, and OnMessageFromScript/OnMessageFromDebugger
// subscribe to the Connection's corresponding notification stream.
type AgentSession struct {
	conn *Connection
}

// NewAgentSession wraps conn in a typed AgentSession proxy.
func NewAgentSession(conn *Connection) *AgentSession {
	return &AgentSession{conn: conn}
}

// Connection returns the underlying RPC connection, mainly so callers can
// register a ClosedHandler or Close it directly.
func (s *AgentSession) Connection() *Connection { return s.conn }

func (s *AgentSession) CreateScript(ctx context.Context, name, source string) (ids.AgentScriptId, error) {
	var result CreateScriptResult
	err := s.conn.Call(ctx, MethodCreateScript, CreateScriptParams{Name: name, Source: source}, &result)
	if err != nil {
		return 0, err
	}
	return result.ScriptId, nil
}

func (s *AgentSession) DestroyScript(ctx context.Context, sid ids.AgentScriptId) error {
	return s.conn.Call(ctx, MethodDestroyScript, sid, nil)
}

func (s *AgentSession) LoadScript(ctx context.Context, sid ids.AgentScriptId) error {
	return s.conn.Call(ctx, MethodLoadScript, sid, nil)
}

func (s *AgentSession) PostMessageToScript(ctx context.Context, sid ids.AgentScriptId, message string) error {
	return s.conn.Call(ctx, MethodPostMessageToScript, struct {
		ScriptId ids.AgentScriptId `cbor:"script_id"`
		Message  string            `cbor:"message"`
	}{sid, message}, nil)
}

func (s *AgentSession) EnableDebugger(ctx context.Context) error {
	return s.conn.Call(ctx, MethodEnableDebugger, nil, nil)
}

func (s *AgentSession) DisableDebugger(ctx context.Context) error {
	return s.conn.Call(ctx, MethodDisableDebugger, nil, nil)
}

func (s *AgentSession) PostMessageToDebugger(ctx context.Context, message string) error {
	return s.conn.Call(ctx, MethodPostMessageToDebugger, DebuggerMessageEvent{Message: message}, nil)
}

// OnMessageFromScript subscribes to script messages pushed by the agent.
func (s *AgentSession) OnMessageFromScript(handler func(ScriptMessageEvent)) {
	s.conn.OnNotify(NotifyMessageFromScript, func(raw RawMessage) {
		var evt ScriptMessageEvent
		if err := unmarshal(raw, &evt); err != nil {
			return
		}
		handler(evt)
	})
}

// OnMessageFromDebugger subscribes to debugger messages pushed by the
// agent, active only between enable_debugger and disable_debugger.
func (s *AgentSession) OnMessageFromDebugger(handler func(DebuggerMessageEvent)) {
	s.conn.OnNotify(NotifyMessageFromDebugger, func(raw RawMessage) {
		var evt DebuggerMessageEvent
		if err := unmarshal(raw, &evt); err != nil {
			return
		}
		handler(evt)
	})
}

// ScriptEngineServer is implemented by the agent-side ScriptEngine and
// registered on a Connection via RegisterAgentSessionServer so that
// incoming RPC requests land on real script-engine logic.
type ScriptEngineServer interface {
	CreateScript(ctx context.Context, name, source string) (ids.AgentScriptId, error)
	DestroyScript(ctx context.Context, sid ids.AgentScriptId) error
	LoadScript(ctx context.Context, sid ids.AgentScriptId) error
	PostMessageToScript(ctx context.Context, sid ids.AgentScriptId, message string) error
	EnableDebugger(ctx context.Context) error
	DisableDebugger(ctx context.Context) error
	PostMessageToDebugger(ctx context.Context, message string) error
}

// RegisterAgentSessionServer wires every agent_session method to the
// given ScriptEngineServer implementation on conn, the server-side
// counterpart to NewAgentSession.
func RegisterAgentSessionServer(conn *Connection, engine ScriptEngineServer) {
	conn.Handle(MethodCreateScript, func(ctx context.Context, params RawMessage) (interface{}, error) {
		var p CreateScriptParams
		if err := unmarshal(params, &p); err != nil {
			return nil, herror.Wrap(herror.KindFailed, err, "decoding create_script params")
		}
		sid, err := engine.CreateScript(ctx, p.Name, p.Source)
		if err != nil {
			return nil, err
		}
		return CreateScriptResult{ScriptId: sid}, nil
	})

	conn.Handle(MethodDestroyScript, func(ctx context.Context, params RawMessage) (interface{}, error) {
		var sid ids.AgentScriptId
		if err := unmarshal(params, &sid); err != nil {
			return nil, herror.Wrap(herror.KindFailed, err, "decoding destroy_script params")
		}
		return nil, engine.DestroyScript(ctx, sid)
	})

	conn.Handle(MethodLoadScript, func(ctx context.Context, params RawMessage) (interface{}, error) {
		var sid ids.AgentScriptId
		if err := unmarshal(params, &sid); err != nil {
			return nil, herror.Wrap(herror.KindFailed, err, "decoding load_script params")
		}
		return nil, engine.LoadScript(ctx, sid)
	})

	conn.Handle(MethodPostMessageToScript, func(ctx context.Context, params RawMessage) (interface{}, error) {
		var p struct {
			ScriptId ids.AgentScriptId `cbor:"script_id"`
			Message  string            `cbor:"message"`
		}
		if err := unmarshal(params, &p); err != nil {
			return nil, herror.Wrap(herror.KindFailed, err, "decoding post_message_to_script params")
		}
		return nil, engine.PostMessageToScript(ctx, p.ScriptId, p.Message)
	})

	conn.Handle(MethodEnableDebugger, func(ctx context.Context, params RawMessage) (interface{}, error) {
		return nil, engine.EnableDebugger(ctx)
	})

	conn.Handle(MethodDisableDebugger, func(ctx context.Context, params RawMessage) (interface{}, error) {
		return nil, engine.DisableDebugger(ctx)
	})

	conn.Handle(MethodPostMessageToDebugger, func(ctx context.Context, params RawMessage) (interface{}, error) {
		var evt DebuggerMessageEvent
		if err := unmarshal(params, &evt); err != nil {
			return nil, herror.Wrap(herror.KindFailed, err, "decoding post_message_to_debugger params")
		}
		return nil, engine.PostMessageToDebugger(ctx, evt.Message)
	})
}

// PushScriptMessage emits a message_from_script notification to the host
// over conn, the mechanism ScriptEngine.create_script's per-script message
// callback uses to forward `(sid, message, data)` (spec.md §4.6).
func PushScriptMessage(conn *Connection, sid ids.AgentScriptId, message string, data []byte) error {
	return conn.Notify(NotifyMessageFromScript, ScriptMessageEvent{ScriptId: sid, Message: message, Data: data})
}

// PushDebuggerMessage emits a message_from_debugger notification.
func PushDebuggerMessage(conn *Connection, message string) error {
	return conn.Notify(NotifyMessageFromDebugger, DebuggerMessageEvent{Message: message})
}
