package admin

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yanun0323/logs"

	"quoter/internal/core"
	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

// Operator authentication headers.
const (
	HeaderOperatorID    = "X-Operator-ID"
	HeaderOperatorToken = "X-Operator-Token"
)

const shutdownTimeout = 5 * time.Second

// StatusSource reports per-market status.
type StatusSource interface {
	Status() []core.MarketStatus
}

// CadenceSource reports scheduler circuits.
type CadenceSource interface {
	States() map[string]string
}

// AuditReader loads the parameter audit log of an instrument.
type AuditReader interface {
	LoadAudit(ctx context.Context, instrument string) ([]schema.ParameterAudit, error)
}

// ServerConfig wires the HTTP surface.
type ServerConfig struct {
	Addr string
	// Operators maps operator id to token. An empty map rejects every /v1 request.
	Operators map[string]string
	Control   *Control
	Status    StatusSource
	Cadences  CadenceSource
	Audit     AuditReader
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server is the admin HTTP listener.
type Server struct {
	cfg    ServerConfig
	router *gin.Engine
}

type response struct {
	OK             bool   `json:"ok"`
	AppliedVersion uint64 `json:"applied_version,omitempty"`
	Error          string `json:"error,omitempty"`
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, router: gin.New()}
	s.router.Use(gin.Recovery(), accessLog())

	if cfg.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	v1 := s.router.Group("/v1", s.authenticate)
	v1.POST("/commands", s.command)
	v1.GET("/status", s.status)
	v1.GET("/params/:instrument", s.params)
	v1.GET("/audit/:instrument", s.audit)
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("admin listening, addr=%s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Fatal(errors.Wrap(err, "admin listen"))
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "admin shutdown")
	}
	return nil
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logs.Debugf("admin request, method=%s path=%s status=%d elapsed=%s",
			c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) authenticate(c *gin.Context) {
	id := c.GetHeader(HeaderOperatorID)
	token := c.GetHeader(HeaderOperatorToken)
	want, ok := s.cfg.Operators[id]
	if id == "" || !ok || subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, response{Error: exception.ErrAdminUnauthorized.Error()})
		return
	}
	c.Set(HeaderOperatorID, id)
	c.Next()
}

func (s *Server) command(c *gin.Context) {
	var cmd Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		s.fail(c, errors.Rejected(errors.Wrap(exception.ErrAdminInvalidAction, err.Error())))
		return
	}

	operator := c.GetString(HeaderOperatorID)
	switch cmd.OperatorID {
	case "":
		cmd.OperatorID = operator
	case operator:
	default:
		s.fail(c, errors.Rejected(errors.Wrap(exception.ErrAdminUnauthorized, "operator id does not match credentials")))
		return
	}

	p, err := s.cfg.Control.Execute(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response{OK: true, AppliedVersion: p.Version})
}

func (s *Server) status(c *gin.Context) {
	out := gin.H{"markets": []core.MarketStatus{}}
	if s.cfg.Status != nil {
		out["markets"] = s.cfg.Status.Status()
	}
	if s.cfg.Cadences != nil {
		out["cadences"] = s.cfg.Cadences.States()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) params(c *gin.Context) {
	instrument := c.Param("instrument")
	p, ok := s.cfg.Control.params.Get(instrument)
	if !ok {
		s.fail(c, errors.Rejected(errors.Wrap(exception.ErrAdminUnknownInstrument, instrument)))
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) audit(c *gin.Context) {
	instrument := c.Param("instrument")
	if _, ok := s.cfg.Control.params.Get(instrument); !ok {
		s.fail(c, errors.Rejected(errors.Wrap(exception.ErrAdminUnknownInstrument, instrument)))
		return
	}
	entries := []schema.ParameterAudit{}
	if s.cfg.Audit != nil {
		loaded, err := s.cfg.Audit.LoadAudit(c.Request.Context(), instrument)
		if err != nil {
			s.fail(c, err)
			return
		}
		entries = append(entries, loaded...)
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) fail(c *gin.Context, err error) {
	code := Code(err)
	status := http.StatusInternalServerError
	switch code {
	case exception.ErrAdminOutOfBounds.Error(), exception.ErrAdminInvalidAction.Error():
		status = http.StatusBadRequest
	case exception.ErrAdminUnauthorized.Error():
		status = http.StatusUnauthorized
	case exception.ErrAdminUnknownInstrument.Error():
		status = http.StatusNotFound
	default:
		logs.Errorf("admin request failed, path=%s err=%v", c.FullPath(), err)
	}
	c.JSON(status, response{Error: code})
}
