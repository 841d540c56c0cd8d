package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/zulandar/mathreel/internal/artifact"
	"github.com/zulandar/mathreel/internal/pipeline"
)

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/health", handleHealth())
	upload := []gin.HandlerFunc{handleProcessImage(opts)}
	if opts.UploadLimit > 0 {
		upload = append([]gin.HandlerFunc{rateLimit(rate.NewLimiter(opts.UploadLimit, opts.UploadBurst))}, upload...)
	}
	router.POST("/process-image", upload...)
	router.GET("/sessions/:id", handleSession(opts.Service))
	router.POST("/sessions/:id/resume", handleResume(opts))
	router.GET("/sessions/:id/events", handleEvents(opts))

	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "mathreel"})
	}
}

func handleProcessImage(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxUploadBytes)

		fh, err := c.FormFile("image")
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "no image file provided"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
			return
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
			return
		}

		ctx := c.Request.Context()
		sess, err := opts.Service.Intake(ctx, data, fh.Header.Get("Content-Type"), c.PostForm("quality"))
		if err != nil {
			writeError(c, err)
			return
		}

		if isTrue(c.PostForm("async")) || isTrue(c.Query("async")) {
			if err := opts.Runner.Submit(sess.ID); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "session_id": sess.ID})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{
				"session_id": sess.ID,
				"status":     sess.Status,
				"status_url": "/sessions/" + sess.ID,
			})
			return
		}

		// A client disconnect must not strand the session halfway.
		res, err := opts.Runner.Do(context.WithoutCancel(ctx), sess.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "session_id": sess.ID})
			return
		}
		writeResult(c, res)
	}
}

func handleSession(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.Result(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func handleResume(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		res, err := opts.Service.Result(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		if pipeline.IsTerminal(res.Status) {
			c.JSON(http.StatusConflict, gin.H{"error": "session already finished", "session_id": id, "status": res.Status})
			return
		}
		if err := opts.Runner.Submit(id); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "session_id": id})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"session_id": id, "status": res.Status, "status_url": "/sessions/" + id})
	}
}

func handleEvents(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isTrue(c.Query("stream")) {
			streamEvents(c, opts)
			return
		}
		events, err := opts.Service.Events(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "events": events})
	}
}

// writeResult maps a session result to a response: terminal failures are
// 500 with the result body so partial artifacts stay visible.
func writeResult(c *gin.Context, res *pipeline.Result) {
	code := http.StatusOK
	if pipeline.IsFailure(res.Status) {
		code = http.StatusInternalServerError
	}
	c.JSON(code, res)
}

func writeError(c *gin.Context, err error) {
	var ie *pipeline.InputError
	switch {
	case errors.As(err, &ie):
		c.JSON(http.StatusBadRequest, gin.H{"error": ie.Msg})
	case errors.Is(err, artifact.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func isTrue(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true
	}
	return false
}
