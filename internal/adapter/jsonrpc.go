package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

// rpcRequest is an outbound request: id + method. The Codex app-server and
// Gemini's ACP both omit the "jsonrpc":"2.0" field, so we do too.
type rpcRequest struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcNotification has a method but no id.
type rpcNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcResponse answers a request by id.
type rpcResponse struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcClient speaks newline-delimited JSON-RPC over a child's stdin/stdout.
// Outbound requests are matched to responses through a pending map keyed by
// a monotonically increasing id.
type rpcClient struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Int64
	mu        sync.Mutex
	pending   map[any]chan *rpcResponse

	onNotification func(method string, params json.RawMessage)
	onRequest      func(id any, method string, params json.RawMessage)
	onUnparsed     func(line string)

	logger *logger.Logger
	done   chan struct{}
	closed sync.Once
}

func newRPCClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *rpcClient {
	return &rpcClient{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[any]chan *rpcResponse),
		logger:  log,
		done:    make(chan struct{}),
	}
}

// start begins the read loop.
func (c *rpcClient) start() {
	go c.readLoop()
}

func (c *rpcClient) stop() {
	c.closed.Do(func() { close(c.done) })
}

// call sends a request and blocks for its response.
func (c *rpcClient) call(ctx context.Context, method string, params any) (*rpcResponse, error) {
	id := c.requestID.Add(1)

	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&rpcRequest{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("rpc client closed")
	}
}

// notify sends a fire-and-forget notification.
func (c *rpcClient) notify(method string, params any) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(&rpcNotification{Method: method, Params: paramsJSON})
}

// respond answers a server-initiated request.
func (c *rpcClient) respond(id any, result any) error {
	resultJSON, err := marshalParams(result)
	if err != nil {
		return err
	}
	return c.send(&rpcResponse{ID: id, Result: resultJSON})
}

func (c *rpcClient) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *rpcClient) readLoop() {
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID     any             `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *rpcError       `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			if c.onUnparsed != nil {
				c.onUnparsed(string(line))
			}
			continue
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""

		switch {
		case hasID && !hasMethod:
			c.handleResponse(&rpcResponse{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasID && hasMethod:
			if c.onRequest != nil {
				c.onRequest(msg.ID, msg.Method, msg.Params)
			}
		case hasMethod:
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Params)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("rpc read loop ended", zap.Error(err))
	}
}

func (c *rpcClient) handleResponse(resp *rpcResponse) {
	id := normalizeID(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		ch <- resp
	} else {
		c.logger.Warn("response for unknown request", zap.Any("id", resp.ID))
	}
}

// normalizeID folds JSON numbers back to int64 so map lookups match the ids
// we allocate.
func normalizeID(id any) any {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return data, nil
}
