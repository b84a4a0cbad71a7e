// Package api serves the workflow over HTTP. Session state lives in the
// store; every request loads it, applies one transition and saves it back.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/dish-counter/internal/config"
	"github.com/menta2k/dish-counter/internal/store"
	"github.com/menta2k/dish-counter/pkg/detection"
	"github.com/menta2k/dish-counter/pkg/geometry"
	"github.com/menta2k/dish-counter/pkg/modelcache"
	"github.com/menta2k/dish-counter/pkg/types"
	"github.com/menta2k/dish-counter/pkg/workflow"
)

// Server is the HTTP host
type Server struct {
	engine    *workflow.Engine
	store     store.Store
	texts     config.Texts
	maxUpload int64
	log       logrus.FieldLogger
	router    *gin.Engine
	locks     *sessionLocks
}

// New creates a server and registers its routes
func New(engine *workflow.Engine, st store.Store, cfg config.ServerConfig, texts config.Texts, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		engine:    engine,
		store:     st,
		texts:     texts,
		maxUpload: int64(cfg.MaxUploadMB) << 20,
		log:       log,
		router:    gin.New(),
		locks:     newSessionLocks(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger(), cors())
	s.routes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on addr until ctx is done
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("listen", addr).Info("http server started")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		if err := srv.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) routes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/models", s.listModels)

	r.POST("/sessions", s.createSession)
	r.GET("/sessions/:id", s.getSession)
	r.POST("/sessions/:id/start", s.start)
	r.POST("/sessions/:id/image", s.upload)
	r.PUT("/sessions/:id/crop", s.crop)
	r.PUT("/sessions/:id/model", s.selectModel)
	r.PUT("/sessions/:id/params", s.setParams)
	r.POST("/sessions/:id/detect", s.detect)
	r.GET("/sessions/:id/preview", s.preview)
	r.GET("/sessions/:id/artifact", s.artifact)
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Requested-With, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Location, Content-Disposition")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}).Debug("request")
	}
}

// StatusFor maps workflow and pipeline errors to HTTP status codes
func StatusFor(err error) int {
	var (
		decodeErr *geometry.DecodeError
		inferErr  *detection.InferenceError
		loadErr   *modelcache.ModelLoadError
		cfgErr    *config.ConfigurationError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrBusy), errors.Is(err, workflow.ErrNotStarted), errors.Is(err, workflow.ErrNoImage):
		return http.StatusConflict
	case errors.As(err, &decodeErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &inferErr):
		return http.StatusBadGateway
	case errors.As(err, &loadErr), errors.As(err, &cfgErr):
		return http.StatusInternalServerError
	case errors.Is(err, workflow.ErrInvalidParams), errors.Is(err, workflow.ErrInvalidSelection),
		errors.Is(err, workflow.ErrUnknownModel), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func (s *Server) fail(c *gin.Context, err error) {
	code := StatusFor(err)
	entry := s.log.WithError(err).WithFields(logrus.Fields{"session": c.Param("id"), "status": code})
	if code >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (s *Server) respond(c *gin.Context, code int, sess *workflow.Session, extra gin.H) {
	body := gin.H{"session": s.engine.View(sess)}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(code, body)
}

func (s *Server) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":      s.engine.Models(),
		"input_sizes": s.engine.InputSizes(),
		"help":        s.texts.ModelHelp,
	})
}

func (s *Server) createSession(c *gin.Context) {
	id, err := uuid.NewV4()
	if err != nil {
		s.fail(c, fmt.Errorf("generate session id: %w", err))
		return
	}
	sess := workflow.NewSession(id.String())
	if err := s.store.Save(c.Request.Context(), sess); err != nil {
		s.fail(c, err)
		return
	}
	c.Writer.Header().Set("Location", "/sessions/"+sess.ID)
	s.respond(c, http.StatusCreated, sess, gin.H{"texts": s.texts})
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respond(c, http.StatusOK, sess, gin.H{"texts": s.texts})
}

// transition loads the session, applies fn and saves the result. Requests
// for a session with a detection in flight fail fast with ErrBusy; others
// wait for the session lock so no save overwrites a concurrent one.
func (s *Server) transition(c *gin.Context, fn func(*workflow.Session) (*workflow.Session, error)) (*workflow.Session, bool) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if s.engine.Busy(id) {
		s.fail(c, workflow.ErrBusy)
		return nil, false
	}
	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	next, err := fn(sess)
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	if err := s.store.Save(ctx, next); err != nil {
		s.fail(c, err)
		return nil, false
	}
	return next, true
}

func (s *Server) start(c *gin.Context) {
	if next, ok := s.transition(c, s.engine.Start); ok {
		s.respond(c, http.StatusOK, next, nil)
	}
}

func (s *Server) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)
	fh, err := c.FormFile("file")
	if err != nil {
		s.fail(c, fmt.Errorf("%w: picture is missing: %v", errBadRequest, err))
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.fail(c, fmt.Errorf("open upload: %w", err))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		s.fail(c, fmt.Errorf("read upload: %w", err))
		return
	}

	src := workflow.Source(c.DefaultPostForm("source", string(workflow.SourceUpload)))
	if !src.Valid() {
		s.fail(c, fmt.Errorf("%w: unknown source %q", errBadRequest, src))
		return
	}

	next, ok := s.transition(c, func(sess *workflow.Session) (*workflow.Session, error) {
		return s.engine.Upload(sess, data, src)
	})
	if ok {
		s.respond(c, http.StatusOK, next, nil)
	}
}

type cropRequest struct {
	// Selection nil selects the whole image
	Selection *types.Selection `json:"selection"`
	// Preview marks a selection drawn on the preview
	Preview bool `json:"preview"`
}

func (s *Server) crop(c *gin.Context) {
	var req cropRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	next, ok := s.transition(c, func(sess *workflow.Session) (*workflow.Session, error) {
		sel := req.Selection
		if sel != nil && req.Preview && sess.PreviewScale > 0 {
			scaled := sel.Scale(sess.PreviewScale)
			sel = &scaled
		}
		return s.engine.SetSelection(sess, sel)
	})
	if ok {
		s.respond(c, http.StatusOK, next, nil)
	}
}

type modelRequest struct {
	Index *int `json:"index" binding:"required"`
}

func (s *Server) selectModel(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	next, ok := s.transition(c, func(sess *workflow.Session) (*workflow.Session, error) {
		return s.engine.SelectModel(sess, *req.Index)
	})
	if ok {
		s.respond(c, http.StatusOK, next, nil)
	}
}

func (s *Server) setParams(c *gin.Context) {
	var p types.RunParams
	if err := c.ShouldBindJSON(&p); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	next, ok := s.transition(c, func(sess *workflow.Session) (*workflow.Session, error) {
		return s.engine.SetParams(sess, p)
	})
	if ok {
		s.respond(c, http.StatusOK, next, nil)
	}
}

func (s *Server) detect(c *gin.Context) {
	ctx := c.Request.Context()
	next, ok := s.transition(c, func(sess *workflow.Session) (*workflow.Session, error) {
		return s.engine.Detect(ctx, sess)
	})
	if ok {
		s.respond(c, http.StatusOK, next, gin.H{
			"message":       fmt.Sprintf(s.texts.Success, next.Count),
			"download_help": s.texts.DownloadHelp,
		})
	}
}

func (s *Server) preview(c *gin.Context) {
	sess, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(sess.Preview) == 0 {
		s.fail(c, workflow.ErrNoImage)
		return
	}
	c.Data(http.StatusOK, "image/webp", sess.Preview)
}

func (s *Server) artifact(c *gin.Context) {
	sess, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(sess.Artifact) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no detection result"})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, sess.ArtifactName))
	c.Data(http.StatusOK, "image/jpeg", sess.Artifact)
}
