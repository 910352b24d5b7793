// Package ids defines the opaque identifier types shared across the
// control plane: AgentSessionId, AgentScriptId, and ProviderKind, per
// spec.md §3.
package ids

import "fmt"

// AgentSessionId identifies one attached session within a HostSession. It
// doubles as the TCP port used for the session's loopback re-export when
// forwarding is enabled (spec.md §4.2).
type AgentSessionId uint32

func (id AgentSessionId) String() string { return fmt.Sprintf("%d", uint32(id)) }

// AgentScriptId identifies one script instance within a ScriptEngine.
// Assigned monotonically per engine, starting at 1.
type AgentScriptId uint32

func (id AgentScriptId) String() string { return fmt.Sprintf("%d", uint32(id)) }

// ProviderKind classifies the transport family a Provider was discovered
// through.
type ProviderKind int

const (
	// LocalSystem is the provider representing the machine tracehost itself
	// runs on.
	LocalSystem ProviderKind = iota
	// LocalTether is a USB-tethered mobile device.
	LocalTether
	// RemoteSystem is a host reachable over TCP.
	RemoteSystem
)

func (k ProviderKind) String() string {
	switch k {
	case LocalSystem:
		return "local"
	case LocalTether:
		return "tether"
	case RemoteSystem:
		return "remote"
	default:
		return "unknown"
	}
}

// DefaultAgentPort is the base port both identifier-only mode (where ids
// increment from here with no collision check) and forwarding mode (where
// ids are real, probed loopback TCP ports) start from (spec.md §4.2, §6).
const DefaultAgentPort AgentSessionId = 27043
