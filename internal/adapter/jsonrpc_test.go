package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
)

// fakeServer answers line-delimited JSON-RPC on the far end of two pipes.
type fakeServer struct {
	in  *bufio.Scanner
	out io.Writer
	mu  sync.Mutex
}

func newFakePair(t *testing.T) (*rpcClient, *fakeServer) {
	t.Helper()
	clientToServer, clientStdin := io.Pipe()
	serverToClient, serverOut := io.Pipe()

	client := newRPCClient(clientStdin, serverToClient, logger.Default())
	server := &fakeServer{in: bufio.NewScanner(clientToServer), out: serverOut}
	t.Cleanup(func() {
		client.stop()
		clientStdin.Close()
		serverOut.Close()
	})
	return client, server
}

func (s *fakeServer) readMessage(t *testing.T) map[string]any {
	t.Helper()
	require.True(t, s.in.Scan(), "expected a message from client")
	var msg map[string]any
	require.NoError(t, json.Unmarshal(s.in.Bytes(), &msg))
	return msg
}

func (s *fakeServer) write(t *testing.T, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.out.Write(append(data, '\n'))
	require.NoError(t, err)
}

func TestRPCCallRoundTrip(t *testing.T) {
	client, server := newFakePair(t)
	client.start()

	go func() {
		msg := server.readMessage(t)
		server.write(t, map[string]any{
			"id":     msg["id"],
			"result": map[string]any{"threadId": "th-1"},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.call(ctx, "thread/start", map[string]any{"cwd": "/tmp"})
	require.NoError(t, err)

	var result struct {
		ThreadID string `json:"threadId"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "th-1", result.ThreadID)
}

func TestRPCCallSurfacesServerError(t *testing.T) {
	client, server := newFakePair(t)
	client.start()

	go func() {
		msg := server.readMessage(t)
		server.write(t, map[string]any{
			"id":    msg["id"],
			"error": map[string]any{"code": -32601, "message": "method not found"},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.call(ctx, "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestRPCNotificationDispatch(t *testing.T) {
	client, server := newFakePair(t)

	got := make(chan string, 1)
	client.onNotification = func(method string, params json.RawMessage) {
		var p struct {
			Delta string `json:"delta"`
		}
		_ = json.Unmarshal(params, &p)
		got <- method + ":" + p.Delta
	}
	client.start()

	server.write(t, map[string]any{
		"method": "item/agentMessage/delta",
		"params": map[string]any{"delta": "hello"},
	})

	select {
	case v := <-got:
		assert.Equal(t, "item/agentMessage/delta:hello", v)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestRPCServerInitiatedRequestIsAnswered(t *testing.T) {
	client, server := newFakePair(t)

	client.onRequest = func(id any, method string, params json.RawMessage) {
		_ = client.respond(id, map[string]any{"outcome": "selected"})
	}
	client.start()

	server.write(t, map[string]any{
		"id":     77,
		"method": "session/request_permission",
		"params": map[string]any{},
	})

	reply := server.readMessage(t)
	assert.Equal(t, float64(77), reply["id"])
	result, ok := reply["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "selected", result["outcome"])
}

func TestRPCIgnoresNonJSONLines(t *testing.T) {
	client, server := newFakePair(t)

	unparsed := make(chan string, 1)
	client.onUnparsed = func(line string) { unparsed <- line }
	client.start()

	server.write(t, map[string]any{"method": "noop"})
	s := server
	s.mu.Lock()
	_, err := s.out.Write([]byte("plain text line\n"))
	s.mu.Unlock()
	require.NoError(t, err)

	select {
	case line := <-unparsed:
		assert.Equal(t, "plain text line", line)
	case <-time.After(2 * time.Second):
		t.Fatal("unparsed line not surfaced")
	}
}
