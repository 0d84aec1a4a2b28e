package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/runlog"
)

const streamStatusPollInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamFrame is one event on a log stream connection.
type streamFrame struct {
	Type     string `json:"type"`
	Status   string `json:"status,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Content  string `json:"content,omitempty"`
	Stream   string `json:"stream,omitempty"`
	Message  string `json:"message,omitempty"`
}

// streamRow is the row state a stream needs, independent of whether it
// serves an execution or a session.
type streamRow struct {
	Status   string
	Terminal bool
	ExitCode *int
	LogPath  string
}

// StreamExecutionLogs streams an execution's log over a websocket:
// status preamble, catch-up dump, live log events, terminal done event.
// GET /api/executions/:executionId/logs/stream
func (h *Handler) StreamExecutionLogs(c *gin.Context) {
	executionID := c.Param("executionId")
	h.streamLogs(c, func(ctx context.Context) (*streamRow, error) {
		exec, err := h.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		return &streamRow{
			Status:   string(exec.Status),
			Terminal: exec.Status.IsTerminal(),
			ExitCode: exec.ExitCode,
			LogPath:  exec.LogPath,
		}, nil
	})
}

// StreamSessionLogs serves session logs with the same machinery; only the
// row table and the terminal-status set differ.
// GET /api/sessions/:sessionId/logs/stream
func (h *Handler) StreamSessionLogs(c *gin.Context) {
	sessionID := c.Param("sessionId")
	h.streamLogs(c, func(ctx context.Context) (*streamRow, error) {
		sess, err := h.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return &streamRow{
			Status:   string(sess.Status),
			Terminal: sess.Status.IsTerminal(),
			LogPath:  sess.LogPath,
		}, nil
	})
}

func (h *Handler) streamLogs(c *gin.Context, load func(ctx context.Context) (*streamRow, error)) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The connection context outlives the HTTP handler's request context.
	ctx := context.Background()

	write := func(frame streamFrame) bool {
		if err := conn.WriteJSON(frame); err != nil {
			return false
		}
		return true
	}

	row, err := load(ctx)
	if err != nil {
		write(streamFrame{Type: "error", Message: err.Error()})
		return
	}
	if !write(streamFrame{Type: "status", Status: row.Status}) {
		return
	}

	var tailer *runlog.Tailer
	if row.LogPath != "" {
		tailer = runlog.NewTailer(row.LogPath, h.logger)
		content, exists, err := tailer.Catchup()
		if err != nil {
			write(streamFrame{Type: "error", Message: err.Error()})
			return
		}
		// An existing file always produces a catchup frame, even when it is
		// still empty, so clients can tell "no output yet" from "no file".
		if exists && !write(streamFrame{Type: "catchup", Content: content}) {
			return
		}
	}

	if row.Terminal {
		write(streamFrame{Type: "done", Status: row.Status, ExitCode: row.ExitCode})
		return
	}

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	followDone := make(chan struct{})
	defer close(followDone)
	lines := make(chan runlog.Line, 64)
	startFollow := func() {
		go tailer.Follow(followDone, lines)
	}
	if tailer != nil {
		startFollow()
	}

	statusTicker := time.NewTicker(streamStatusPollInterval)
	defer statusTicker.Stop()
	lastStatus := row.Status

	for {
		select {
		case <-clientGone:
			return

		case line := <-lines:
			if !write(streamFrame{Type: "log", Content: line.Content, Stream: line.Stream}) {
				return
			}

		case <-statusTicker.C:
			row, err = load(ctx)
			if err != nil {
				write(streamFrame{Type: "error", Message: err.Error()})
				return
			}
			// The log file may only appear once the run starts.
			if tailer == nil && row.LogPath != "" {
				tailer = runlog.NewTailer(row.LogPath, h.logger)
				startFollow()
			}
			if row.Status != lastStatus {
				lastStatus = row.Status
				if !write(streamFrame{Type: "status", Status: row.Status}) {
					return
				}
			}
			if row.Terminal {
				h.flushRemaining(tailer, lines, write)
				write(streamFrame{Type: "done", Status: row.Status, ExitCode: row.ExitCode})
				return
			}
		}
	}
}

// flushRemaining performs the final read so the done event never truncates
// the log.
func (h *Handler) flushRemaining(tailer *runlog.Tailer, lines <-chan runlog.Line, write func(streamFrame) bool) {
	for {
		select {
		case line := <-lines:
			if !write(streamFrame{Type: "log", Content: line.Content, Stream: line.Stream}) {
				return
			}
		default:
			if tailer == nil {
				return
			}
			final, err := tailer.ReadNew()
			if err != nil || len(final) == 0 {
				return
			}
			for _, line := range final {
				if !write(streamFrame{Type: "log", Content: line.Content, Stream: line.Stream}) {
					return
				}
			}
			return
		}
	}
}
