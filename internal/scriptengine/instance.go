package scriptengine

import (
	"context"
	"time"

	"tracehost/internal/herror"
	"tracehost/internal/ids"
)

// gcDrainInterval is the 50ms retry period spec.md §4.7 mandates between
// tracer GC passes during ScriptInstance.Destroy's drain barrier.
const gcDrainInterval = 50 * time.Millisecond

// ScriptInstance owns one compiled Script for the life of its entry in a
// ScriptEngine's table (spec.md §3 "ScriptInstance").
type ScriptInstance struct {
	Sid    ids.AgentScriptId
	Name   string
	script Script
	tracer Tracer
}

func newScriptInstance(sid ids.AgentScriptId, name string, script Script, tracer Tracer) *ScriptInstance {
	return &ScriptInstance{Sid: sid, Name: name, script: script, tracer: tracer}
}

// Load begins script execution.
func (si *ScriptInstance) Load() error {
	if err := si.script.Load(); err != nil {
		return herror.Wrap(herror.KindFailed, err, "loading script")
	}
	return nil
}

// PostMessage delivers a host message into the script.
func (si *ScriptInstance) PostMessage(message string) error {
	if err := si.script.PostMessage(message); err != nil {
		return herror.Wrap(herror.KindFailed, err, "posting message to script")
	}
	return nil
}

// Destroy implements the two-phase barrier spec.md §4.7 requires: unload
// the script, then repeatedly ask the tracer to perform a GC pass,
// sleeping gcDrainInterval between passes while residual work remains.
// It returns only once a pass reports idle (spec.md §8 property 10).
func (si *ScriptInstance) Destroy(ctx context.Context) error {
	if err := si.script.Unload(); err != nil {
		return herror.Wrap(herror.KindFailed, err, "unloading script")
	}

	for {
		residual, err := si.tracer.GC()
		if err != nil {
			return herror.Wrap(herror.KindFailed, err, "tracer GC pass")
		}
		if !residual {
			return nil
		}

		select {
		case <-ctx.Done():
			return herror.Wrap(herror.KindFailed, ctx.Err(), "GC drain interrupted")
		case <-time.After(gcDrainInterval):
		}
	}
}
