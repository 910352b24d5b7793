package scriptengine

import (
	"context"
	"fmt"
	"sync"

	"tracehost/internal/broadcast"
	"tracehost/internal/herror"
	"tracehost/internal/ids"
)

// ScriptMessage is published on Engine.MessageFromScript whenever a
// script calls out to the host (spec.md §4.7's engine-level
// message_from_script signal). Transport wiring (pushing this over an
// rpc.Connection) lives outside this package.
type ScriptMessage struct {
	ScriptId ids.AgentScriptId
	Message  string
	Data     []byte
}

// Engine is the agent-side ScriptEngine (C7): a table of ScriptInstances
// keyed by monotonically assigned sid, plus the process-wide debugger
// hook.
type Engine struct {
	mu       sync.Mutex
	scripts  map[ids.AgentScriptId]*ScriptInstance
	counter  ids.AgentScriptId
	compiler Compiler
	tracer   Tracer

	debuggerEnabled bool

	MessageFromScript   *broadcast.Hub[ScriptMessage]
	MessageFromDebugger *broadcast.Hub[string]
}

// NewEngine constructs an empty Engine bound to a compiler and tracer.
func NewEngine(compiler Compiler, tracer Tracer) *Engine {
	return &Engine{
		scripts:             make(map[ids.AgentScriptId]*ScriptInstance),
		compiler:            compiler,
		tracer:              tracer,
		MessageFromScript:   broadcast.New[ScriptMessage](32),
		MessageFromDebugger: broadcast.New[string](32),
	}
}

// CreateScript implements spec.md §4.7's create_script. name, if empty,
// defaults to "script" + sid.
func (e *Engine) CreateScript(ctx context.Context, name, source string) (ids.AgentScriptId, error) {
	script, err := e.compiler.Compile(source)
	if err != nil {
		return 0, herror.Wrap(herror.KindFailed, err, "compiling script")
	}

	if err := script.ExcludeOwnMemory(); err != nil {
		return 0, herror.Wrap(herror.KindFailed, err, "excluding agent memory range")
	}

	e.mu.Lock()
	e.counter++
	sid := e.counter
	if name == "" {
		name = fmt.Sprintf("script%d", sid)
	}
	instance := newScriptInstance(sid, name, script, e.tracer)
	e.scripts[sid] = instance
	e.mu.Unlock()

	script.SetMessageHandler(func(message string, data []byte) {
		e.MessageFromScript.Publish(ScriptMessage{ScriptId: sid, Message: message, Data: data})
	})

	return sid, nil
}

// DestroyScript implements destroy_script: remove from the table, then
// run the instance's two-phase destroy barrier.
func (e *Engine) DestroyScript(ctx context.Context, sid ids.AgentScriptId) error {
	e.mu.Lock()
	instance, ok := e.scripts[sid]
	if ok {
		delete(e.scripts, sid)
	}
	e.mu.Unlock()

	if !ok {
		return herror.New(herror.KindNotFound, "invalid script id")
	}
	return instance.Destroy(ctx)
}

// LoadScript implements load_script.
func (e *Engine) LoadScript(ctx context.Context, sid ids.AgentScriptId) error {
	instance, err := e.lookup(sid)
	if err != nil {
		return err
	}
	return instance.Load()
}

// PostMessageToScript implements post_message_to_script.
func (e *Engine) PostMessageToScript(ctx context.Context, sid ids.AgentScriptId, message string) error {
	instance, err := e.lookup(sid)
	if err != nil {
		return err
	}
	return instance.PostMessage(message)
}

func (e *Engine) lookup(sid ids.AgentScriptId) (*ScriptInstance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	instance, ok := e.scripts[sid]
	if !ok {
		return nil, herror.New(herror.KindNotFound, "invalid script id")
	}
	return instance, nil
}

// EnableDebugger installs the process-wide debug-message handler that
// forwards to MessageFromDebugger. Safe to call more than once.
func (e *Engine) EnableDebugger(ctx context.Context) error {
	e.mu.Lock()
	e.debuggerEnabled = true
	e.mu.Unlock()
	return nil
}

// DisableDebugger removes the handler installed by EnableDebugger. Safe
// to call even if EnableDebugger was never called (spec.md §9 "ensure
// disable is safe if enable was never called").
func (e *Engine) DisableDebugger(ctx context.Context) error {
	e.mu.Lock()
	e.debuggerEnabled = false
	e.mu.Unlock()
	return nil
}

// PostMessageToDebugger unconditionally forwards a debugger message, but
// only actually publishes it while the debugger is enabled — once
// disabled, delivery has no observable effect on MessageFromDebugger
// (spec.md §8 property 7).
func (e *Engine) PostMessageToDebugger(ctx context.Context, message string) error {
	e.mu.Lock()
	enabled := e.debuggerEnabled
	e.mu.Unlock()
	if enabled {
		e.MessageFromDebugger.Publish(message)
	}
	return nil
}

// Shutdown destroys every instance, then clears the table.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	instances := make([]*ScriptInstance, 0, len(e.scripts))
	for _, instance := range e.scripts {
		instances = append(instances, instance)
	}
	e.scripts = make(map[ids.AgentScriptId]*ScriptInstance)
	e.mu.Unlock()

	for _, instance := range instances {
		if err := instance.Destroy(ctx); err != nil {
			return err
		}
	}
	return nil
}
