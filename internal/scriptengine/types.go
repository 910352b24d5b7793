// Package scriptengine implements C7 (ScriptEngine) and C8 (ScriptInstance)
// of the control plane: the agent-side registry that owns compiled
// scripts, funnels their asynchronous output back to the host, and
// guarantees destroy() waits for the tracer's GC to quiesce (spec.md
// §4.7).
//
// The concrete scripting and tracing runtimes are explicitly out of
// scope (spec.md §1); Script and Tracer below are the opaque capabilities
// a real runtime binding would implement.
package scriptengine

// Script is the opaque unit of compiled instrumentation code a
// ScriptCompiler produces. The concrete scripting runtime is out of
// scope; this is the minimal capability ScriptInstance needs from it.
type Script interface {
	// ExcludeOwnMemory tells the script runtime to exclude the agent's
	// own address range from instrumentation, preventing the agent from
	// tracing itself (spec.md §4.7).
	ExcludeOwnMemory() error
	// Load begins executing the script inside the target.
	Load() error
	// Unload stops execution, releasing runtime-side resources that do
	// not depend on the tracer GC barrier.
	Unload() error
	// PostMessage delivers a host-originated message into the script.
	PostMessage(message string) error
	// SetMessageHandler installs the callback invoked whenever the
	// script sends a message out to the host.
	SetMessageHandler(handler func(message string, data []byte))
}

// Compiler turns instrumentation source into a Script.
type Compiler interface {
	Compile(source string) (Script, error)
}

// Tracer abstracts the code-tracing engine's garbage collector that
// ScriptInstance.Destroy must drain before releasing a script (spec.md
// §4.7, §8 property 10).
type Tracer interface {
	// GC performs one collection pass and reports whether any residual
	// work (live trampolines) remains.
	GC() (residual bool, err error)
}

// MessageCallback receives a script's outgoing messages, installed by
// ScriptEngine.CreateScript per script (spec.md §4.7).
type MessageCallback func(message string, data []byte)
