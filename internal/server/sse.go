package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/mathreel/internal/pipeline"
)

// streamEvents sends a session's audit events as server-sent events until
// the session reaches a terminal status or the client goes away.
func streamEvents(c *gin.Context, opts StartOpts) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if _, err := opts.Service.Result(ctx, id); err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeSSE(c.Writer, "connected", map[string]string{"session_id": id})
	c.Writer.Flush()

	var lastSeenID uint
	ticker := time.NewTicker(opts.PollInterval)
	heartbeat := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	defer heartbeat.Stop()

	for {
		events, err := opts.Service.Events(ctx, id)
		if err == nil {
			for _, ev := range events {
				if ev.ID <= lastSeenID {
					continue
				}
				lastSeenID = ev.ID
				writeSSE(c.Writer, "session_event", ev)
			}
			c.Writer.Flush()
		}

		if res, err := opts.Service.Result(ctx, id); err == nil && pipeline.IsTerminal(res.Status) {
			writeSSE(c.Writer, "result", res)
			c.Writer.Flush()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case <-ticker.C:
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
