// Package logging provides a structured logging system for tracehost with
// unified log handling and flexible output formatting.
//
// This package is built around Go's standard slog package and provides
// consistent, subsystem-tagged logging with level filtering.
//
// # Usage
//
//	import "tracehost/pkg/logging"
//
//	logging.InitForCLI(logging.LevelInfo, os.Stdout)
//
//	logging.Info("AttachManager", "attached to pid %d as session %d", pid, id)
//	logging.Debug("SessionEntry", "closing entry %d", id)
//	logging.Warn("Backend", "provider %s reported no usable transport", name)
//	logging.Error("ScriptEngine", err, "failed to destroy script %d", sid)
//
// # Subsystems
//
// The subsystem tags this module's own call sites use:
//
//   - Backend — discovery and provider lifecycle (C1, C2)
//   - Session — attach/teardown state machine (C4, C5)
//   - Reexport — the loopback re-export listener
//   - RPC — the host<->agent transport
//   - Loader — the loader callback handshake
//   - Serve — the tracehost serve daemon
package logging
