package loader

import (
	"fmt"
	"net"
)

// FakeLoader is the client-side test double for the real injector. It
// speaks exactly the handshake loader.c's constructor does, without any
// dlopen/frida_agent_main step, making it useful both for unit tests and
// as the only available "injection" collaborator for backends where no
// real native loader is wired up.
type FakeLoader struct {
	Pid int
}

// Run connects to the callback socket, performs the handshake, and
// returns the pipe address the host handed back. The caller is
// responsible for actually dialing that pipe address as the agent.
func (f *FakeLoader) Run(socketPath string) (pipeAddress string, err error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return "", fmt.Errorf("fakeloader: dialing callback socket: %w", err)
	}
	defer conn.Close()

	if err := writeFrame(conn, fmt.Sprintf("%d", f.Pid)); err != nil {
		return "", fmt.Errorf("fakeloader: sending pid: %w", err)
	}

	pipeAddress, err = readFrame(conn)
	if err != nil {
		return "", fmt.Errorf("fakeloader: receiving pipe address: %w", err)
	}

	// In the real loader this happens on a detached worker thread after
	// dlopen+frida_agent_main; FakeLoader has no agent to start, so it
	// just waits for the resume grant directly on this connection.
	if _, err := readFrame(conn); err != nil {
		return "", fmt.Errorf("fakeloader: waiting for resume permission: %w", err)
	}

	return pipeAddress, nil
}
