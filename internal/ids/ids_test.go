package ids

import "testing"

func TestProviderKindStringKnownValues(t *testing.T) {
	cases := map[ProviderKind]string{
		LocalSystem:  "local",
		LocalTether:  "tether",
		RemoteSystem: "remote",
		ProviderKind(99): "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("ProviderKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestAgentSessionIdString(t *testing.T) {
	if got := AgentSessionId(27043).String(); got != "27043" {
		t.Errorf("AgentSessionId.String() = %q, want %q", got, "27043")
	}
}

func TestAgentScriptIdString(t *testing.T) {
	if got := AgentScriptId(1).String(); got != "1" {
		t.Errorf("AgentScriptId.String() = %q, want %q", got, "1")
	}
}
