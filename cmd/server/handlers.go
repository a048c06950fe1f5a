package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brunobiangulo/kgraph"
)

// maxUpload bounds multipart uploads.
const maxUpload = 100 << 20

// service is the part of the engine the API exposes.
type service interface {
	Analyze(ctx context.Context, text string) (*kgraph.Job, error)
	ReadFile(ctx context.Context, path string) (string, error)
	Job(id string) (*kgraph.Job, error)
	Active() *kgraph.Job
	Jobs() []kgraph.JobInfo
	Graph(ctx context.Context) (*kgraph.Snapshot, error)
	Query(ctx context.Context, question string, topK int) (*kgraph.Answer, error)
}

type handler struct {
	engine    service
	uploadDir string
}

func newHandler(e service, uploadDir string) *handler {
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	return &handler{engine: e, uploadDir: uploadDir}
}

// register mounts every route under base.
func (h *handler) register(r gin.IRouter) {
	r.POST("/analyze", h.handleAnalyze)
	r.GET("/progress", h.handleProgress)
	r.POST("/stop", h.handleStop)
	r.GET("/jobs", h.handleListJobs)
	r.GET("/jobs/:id", h.handleGetJob)
	r.POST("/jobs/:id/stop", h.handleStopJob)
	r.GET("/graph", h.handleGraph)
	r.POST("/query", h.handleQuery)
	r.GET("/health", h.handleHealth)
}

// POST /analyze
// Accepts form field "text" or a multipart "file" (txt, docx, xlsx, pdf).
// A file takes precedence over text.
func (h *handler) handleAnalyze(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload)
	text := c.PostForm("text")

	if fh, err := c.FormFile("file"); err == nil {
		// Sanitise filename to prevent path traversal.
		safeName := filepath.Base(fh.Filename)
		dst, err := os.CreateTemp(h.uploadDir, "upload-*"+filepath.Ext(safeName))
		if err != nil {
			slog.Error("creating temp file", "error", err)
			writeError(c, http.StatusInternalServerError, "failed to process file")
			return
		}
		tmpPath := dst.Name()
		defer os.Remove(tmpPath)

		src, err := fh.Open()
		if err == nil {
			_, err = io.Copy(dst, src)
			src.Close()
		}
		dst.Close()
		if err != nil {
			slog.Error("saving uploaded file", "error", err)
			writeError(c, http.StatusInternalServerError, "failed to save file")
			return
		}

		text, err = h.engine.ReadFile(c.Request.Context(), tmpPath)
		switch {
		case errors.Is(err, kgraph.ErrUnsupportedFormat):
			writeError(c, http.StatusBadRequest, "unsupported file type: "+safeName)
			return
		case err != nil:
			slog.Warn("reading uploaded file", "file", safeName, "error", err)
			writeError(c, http.StatusBadRequest, "could not read "+safeName)
			return
		}
	}

	job, err := h.engine.Analyze(c.Request.Context(), text)
	switch {
	case errors.Is(err, kgraph.ErrNoInput):
		writeError(c, http.StatusBadRequest, "No input provided")
		return
	case errors.Is(err, kgraph.ErrBusy):
		writeError(c, http.StatusConflict, "an analysis is already running")
		return
	case err != nil:
		slog.Error("analyze error", "error", err)
		writeError(c, http.StatusInternalServerError, "analysis failed to start")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "started", "job_id": job.ID})
}

// GET /progress reports the most recent job.
func (h *handler) handleProgress(c *gin.Context) {
	jobs := h.engine.Jobs()
	if len(jobs) == 0 {
		c.JSON(http.StatusOK, gin.H{"is_running": false, "progress": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_running": jobs[0].Running, "progress": jobs[0].Progress, "job_id": jobs[0].ID})
}

// POST /stop stops the running job, if any.
func (h *handler) handleStop(c *gin.Context) {
	if j := h.engine.Active(); j != nil {
		j.Stop()
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// GET /jobs
func (h *handler) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.engine.Jobs()})
}

// GET /jobs/:id
func (h *handler) handleGetJob(c *gin.Context) {
	job, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job.Info())
}

// POST /jobs/:id/stop
func (h *handler) handleStopJob(c *gin.Context) {
	job, ok := h.lookup(c)
	if !ok {
		return
	}
	job.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "job_id": job.ID})
}

func (h *handler) lookup(c *gin.Context) (*kgraph.Job, bool) {
	job, err := h.engine.Job(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

// GET /graph
func (h *handler) handleGraph(c *gin.Context) {
	snap, err := h.engine.Graph(c.Request.Context())
	if err != nil {
		slog.Error("graph snapshot error", "error", err)
		writeError(c, http.StatusInternalServerError, "Graph not available")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// POST /query
func (h *handler) handleQuery(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TopK < 0 || req.TopK > 100 {
		req.TopK = 0 // use default
	}

	answer, err := h.engine.Query(ctx, req.Query, req.TopK)
	switch {
	case errors.Is(err, kgraph.ErrEmptyQuery):
		writeError(c, http.StatusBadRequest, "No query provided")
		return
	case err != nil:
		slog.Error("query error", "query", req.Query, "error", err)
		writeError(c, http.StatusInternalServerError, "query failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": answer})
}

// GET /health
func (h *handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
