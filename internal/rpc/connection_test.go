package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConnections() (*Connection, *Connection) {
	a, b := net.Pipe()
	return New(a), New(b)
}

func TestCallRoundTrips(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	server.Handle("echo", func(ctx context.Context, params RawMessage) (interface{}, error) {
		var s string
		require.NoError(t, unmarshal(params, &s))
		return s + s, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var result string
	err := client.Call(ctx, "echo", "ab", &result)
	require.NoError(t, err)
	assert.Equal(t, "abab", result)
}

func TestCallTimesOutWhenNoResponse(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	server.Handle("stall", func(ctx context.Context, params RawMessage) (interface{}, error) {
		select {}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var result string
	err := client.Call(ctx, "stall", nil, &result)
	require.Error(t, err)
}

func TestNotifyDeliversWithoutResponse(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	received := make(chan string, 1)
	server.OnNotify("message_from_script", func(params RawMessage) {
		var s string
		unmarshal(params, &s)
		received <- s
	})

	require.NoError(t, client.Notify("message_from_script", "hello"))

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("notification not received")
	}
}

func TestCloseMarksLocalAndFiresClosedHandler(t *testing.T) {
	client, server := pipeConnections()
	defer server.Close()

	closed := make(chan bool, 1)
	client.SetClosedHandler(func(remotePeerVanished bool, cause error) {
		closed <- remotePeerVanished
	})

	require.NoError(t, client.Close())

	select {
	case remoteVanished := <-closed:
		assert.False(t, remoteVanished, "a locally-initiated close should not report remotePeerVanished")
	case <-time.After(time.Second):
		t.Fatal("closed handler never fired")
	}
}

func TestRemotePeerVanishedWhenOtherSideCloses(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()

	closed := make(chan bool, 1)
	client.SetClosedHandler(func(remotePeerVanished bool, cause error) {
		closed <- remotePeerVanished
	})

	require.NoError(t, server.Close())

	select {
	case remoteVanished := <-closed:
		assert.True(t, remoteVanished)
	case <-time.After(time.Second):
		t.Fatal("closed handler never fired")
	}
}
