package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/provoice/internal/admission"
	"github.com/loykin/provoice/internal/failure"
	"github.com/loykin/provoice/internal/health"
	"github.com/loykin/provoice/internal/manager"
	"github.com/loykin/provoice/internal/metrics"
	"github.com/loykin/provoice/internal/pipeline"
)

// StatusClientClosedRequest is reported for runs canceled by the caller.
const StatusClientClosedRequest = 499

// Router provides embeddable HTTP handlers for the pipeline and its engines.
// Endpoints:
//
//	POST {basePath}/submit                 multipart field "audio", or JSON {"path": "/abs/clip.wav"}
//	                                       optional timeout=30s (query or form/JSON field)
//	GET  {basePath}/health                 engine states and admission counters
//	GET  {basePath}/engines                every engine
//	GET  {basePath}/engines/:name          one engine
//	POST {basePath}/engines/:name/restart  operator restart
//	GET  /metrics                          when Options.Metrics is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	pipe     Submitter
	engines  Engines
	basePath string
	opts     Options
}

// Submitter runs one audio file through the pipeline.
type Submitter interface {
	Submit(ctx context.Context, audioPath string) *pipeline.Run
	Admission() admission.Stats
}

// Engines is the engine view the API needs from the lifecycle manager.
type Engines interface {
	Status(name string) (manager.EngineStatus, error)
	Statuses() []manager.EngineStatus
	Restart(ctx context.Context, name string) error
}

type Options struct {
	BasePath string
	// UploadDir receives uploaded audio for the duration of a run; empty uses the OS temp dir.
	UploadDir      string
	MaxUploadBytes int64
	// Usage reports the last resource sample of an engine, if any.
	Usage   func(engine string) (metrics.Usage, bool)
	Metrics bool
}

// NewRouter constructs a new Router. engines may be nil when no engine is managed.
func NewRouter(pipe Submitter, engines Engines, opts Options) *Router {
	opts.BasePath = sanitizeBase(opts.BasePath)
	return &Router{pipe: pipe, engines: engines, basePath: opts.BasePath, opts: opts}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.MaxMultipartMemory = 8 << 20
	if r.opts.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.POST("/submit", r.handleSubmit)
	group.GET("/health", r.handleHealth)
	group.GET("/engines", r.handleEngines)
	group.GET("/engines/:name", r.handleEngine)
	group.POST("/engines/:name/restart", r.handleRestart)
	return g
}

// NewServer listens on addr and serves h in the background. Listen errors are returned
// directly. With tlsCfg set the server speaks HTTPS. Submissions can outlast the usual
// request timeouts, so writeTimeout should cover the longest run.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config, writeTimeout time.Duration) (*http.Server, error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server.Addr = ln.Addr().String()
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type submitReq struct {
	Path    string `json:"path"`
	Timeout string `json:"timeout"`
}

// HealthResponse is the body of GET {base}/health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Engines   []manager.EngineStatus `json:"engines"`
	Admission admission.Stats        `json:"admission"`
}

// StatusFor maps a finished run to the HTTP status reported for it.
func StatusFor(run *pipeline.Run) int {
	if run.Failure == nil {
		return http.StatusOK
	}
	switch run.Failure.Kind {
	case failure.InvalidInput:
		return http.StatusUnprocessableEntity
	case failure.Overloaded, failure.EngineUnreachable:
		return http.StatusServiceUnavailable
	case failure.Timeout:
		return http.StatusGatewayTimeout
	case failure.EngineError:
		return http.StatusBadGateway
	case failure.Canceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleSubmit(c *gin.Context) {
	if r.opts.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, r.opts.MaxUploadBytes)
	}
	var path, timeout string
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("audio")
		switch {
		case err == nil:
			tmp, err := r.saveUpload(fh)
			if err != nil {
				writeUploadError(c, err)
				return
			}
			defer func() { _ = os.Remove(tmp) }()
			path = tmp
		case errors.Is(err, http.ErrMissingFile):
			// an empty path is reported as a missing upload by the pipeline
		default:
			writeUploadError(c, err)
			return
		}
		timeout = c.PostForm("timeout")
	} else if c.Request.ContentLength != 0 {
		var req submitReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
		if !isSafeAbsPath(req.Path) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid path: must be absolute path without traversal"})
			return
		}
		path, timeout = req.Path, req.Timeout
	}
	if q := c.Query("timeout"); q != "" {
		timeout = q
	}

	ctx := c.Request.Context()
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil || d <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid timeout: " + timeout})
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	run := r.pipe.Submit(ctx, path)
	status := StatusFor(run)
	if status == http.StatusServiceUnavailable && run.Failure.Kind == failure.Overloaded {
		c.Header("Retry-After", "1")
	}
	writeJSON(c, status, run)
}

func (r *Router) saveUpload(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()
	dst, err := os.CreateTemp(r.opts.UploadDir, "upload-*"+uploadExt(fh.Filename))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(dst.Name())
		return "", err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func writeUploadError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(c, http.StatusRequestEntityTooLarge, errorResp{Error: "upload exceeds limit", Code: "too_large"})
		return
	}
	if errors.Is(err, multipart.ErrMessageTooLarge) {
		writeJSON(c, http.StatusRequestEntityTooLarge, errorResp{Error: err.Error(), Code: "too_large"})
		return
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		slog.Error("Failed to store upload", "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "failed to store upload"})
		return
	}
	writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid upload: " + err.Error()})
}

func (r *Router) statuses() []manager.EngineStatus {
	if r.engines == nil {
		return []manager.EngineStatus{}
	}
	sts := r.engines.Statuses()
	for i := range sts {
		r.withUsage(&sts[i])
	}
	return sts
}

func (r *Router) withUsage(st *manager.EngineStatus) {
	if r.opts.Usage == nil || st.PID == 0 {
		return
	}
	if u, ok := r.opts.Usage(st.Name); ok && u.PID == int32(st.PID) {
		st.Usage = &u
	}
}

func (r *Router) handleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Engines: r.statuses(), Admission: r.pipe.Admission()}
	code := http.StatusOK
	for _, st := range resp.Engines {
		if st.Exhausted || st.Health.State == health.Unreachable {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(c, code, resp)
}

func (r *Router) handleEngines(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.statuses())
}

func (r *Router) engineName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid engine name: allowed [A-Za-z0-9._-] and no '..'"})
		return "", false
	}
	if r.engines == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown engine: " + name, Code: manager.CodeUnknownEngine})
		return "", false
	}
	return name, true
}

func (r *Router) handleEngine(c *gin.Context) {
	name, ok := r.engineName(c)
	if !ok {
		return
	}
	st, err := r.engines.Status(name)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error(), Code: manager.CodeOf(err)})
		return
	}
	r.withUsage(&st)
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := r.engineName(c)
	if !ok {
		return
	}
	err := r.engines.Restart(c.Request.Context(), name)
	switch {
	case err == nil:
		slog.Info("Engine restarted via API", "engine", name)
		writeJSON(c, http.StatusOK, okResp{OK: true})
	case errors.Is(err, manager.ErrUnknownEngine):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error(), Code: manager.CodeUnknownEngine})
	case errors.Is(err, manager.ErrExhaustedRestarts):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error(), Code: manager.CodeExhaustedRestarts})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(c, http.StatusGatewayTimeout, errorResp{Error: err.Error(), Code: "timeout"})
	default:
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error(), Code: manager.CodeOf(err)})
	}
}
