package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cuemby/runway/pkg/log"
	"github.com/cuemby/runway/pkg/metrics"
	"github.com/cuemby/runway/pkg/resource"
	"github.com/cuemby/runway/pkg/security"
	"github.com/cuemby/runway/pkg/types"
	"github.com/cuemby/runway/pkg/worker"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// HeaderRunKey carries the key of the run serving a call
const HeaderRunKey = "X-Run-Key"

// MIMEApplicationNDJSON is the content type of streamed calls
const MIMEApplicationNDJSON = "application/x-ndjson"

// Config holds dispatch server configuration
type Config struct {
	Host       string
	Port       int
	HealthPort int

	// Workers bounds concurrent calls; QueueSize calls wait beyond that
	Workers   int
	QueueSize int

	DenAuth bool
	Tokens  *security.TokenManager
	TLS     *tls.Certificate

	// LogFile is served by /logs
	LogFile string

	// FS and Home locate materialized secrets
	FS   afero.Fs
	Home string

	Catalog *resource.Catalog
	RunTTL  time.Duration
	Version string
}

// DefaultConfig returns the configuration used by `runway server start`
func DefaultConfig() Config {
	return Config{
		Host:      "0.0.0.0",
		Port:      types.DefaultServerPort,
		Workers:   runtime.NumCPU(),
		QueueSize: 1024,
		RunTTL:    time.Hour,
	}
}

// Server is the dispatch server resident on a cluster node
type Server struct {
	cfg     Config
	echo    *echo.Echo
	http    *http.Server
	table   *resource.Table
	pool    *worker.Pool
	runs    *RunStore
	secrets *worker.SecretMaterializer
	health  *HealthServer

	// ctx parents every run so calls outlive their requests
	ctx    context.Context
	cancel context.CancelFunc

	lastActivity atomic.Int64
	logger       zerolog.Logger
}

// NewServer creates a dispatch server
func NewServer(cfg Config) (*Server, error) {
	if cfg.DenAuth && cfg.Tokens == nil {
		return nil, fmt.Errorf("den auth requires a token manager")
	}
	if cfg.Workers < 1 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Port == 0 {
		cfg.Port = types.DefaultServerPort
	}
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = resource.DefaultCatalog()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		table:   resource.NewTable(cfg.Catalog),
		pool:    worker.NewPool(cfg.Workers, cfg.QueueSize),
		runs:    NewRunStore(cfg.RunTTL),
		secrets: worker.NewSecretMaterializer(cfg.FS, cfg.Home),
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.WithComponent("api"),
	}
	if cfg.HealthPort > 0 {
		s.health = NewHealthServer()
	}

	s.echo = s.routes()
	s.http = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	metrics.SetVersion(cfg.Version)
	return s, nil
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(requestLogger)
	if s.cfg.DenAuth {
		e.Use(DenAuth(s.cfg.Tokens))
	}

	e.GET("/check", s.handleCheck)
	e.GET("/health", echo.WrapHandler(metrics.HealthHandler()))
	e.GET("/ready", echo.WrapHandler(metrics.ReadyHandler()))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET("/keys", s.handleKeys)
	e.PUT("/resources", s.handlePutResource)
	e.DELETE("/resources/:name", s.handleDeleteResource)
	e.POST("/secrets", s.handlePutSecret)
	e.DELETE("/secrets/:name", s.handleDeleteSecret)
	e.GET("/runs/:key", s.handleGetRun)
	e.POST("/runs/:key/cancel", s.handleCancelRun)
	e.GET("/logs", s.handleLogs)

	for _, path := range []string{"/:resource", "/:resource/:method"} {
		e.GET(path, s.handleCall)
		e.POST(path, s.handleCall)
	}
	return e
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		logger := log.WithComponent("api")
		logger.Debug().
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", c.Response().Status).
			Dur("duration", time.Since(start)).
			AnErr("error", err).
			Msg("request")
		return err
	}
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Table returns the resident resource table
func (s *Server) Table() *resource.Table {
	return s.table
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Start listens on Addr and serves until Shutdown
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener, wrapping it in TLS when a
// certificate is configured
func (s *Server) Serve(lis net.Listener) error {
	if s.cfg.TLS != nil {
		lis = tls.NewListener(lis, &tls.Config{
			Certificates: []tls.Certificate{*s.cfg.TLS},
			MinVersion:   tls.VersionTLS12,
		})
	}

	if s.health != nil {
		addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.HealthPort))
		go func() {
			if err := s.health.Start(addr); err != nil {
				s.logger.Error().Err(err).Str("addr", addr).Msg("gRPC health server failed")
				metrics.UpdateComponent(metrics.ComponentHealth, false, err.Error())
			}
		}()
		s.health.SetServing(true)
	}

	metrics.UpdateComponent(metrics.ComponentAPI, true, "")
	metrics.UpdateComponent(metrics.ComponentWorkers, true, "")

	s.logger.Info().
		Str("addr", lis.Addr().String()).
		Bool("tls", s.cfg.TLS != nil).
		Bool("den_auth", s.cfg.DenAuth).
		Int("workers", s.cfg.Workers).
		Msg("dispatch server listening")

	err := s.http.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for queued and running calls.
// Runs still executing when ctx expires are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.health != nil {
		s.health.SetServing(false)
	}
	metrics.UpdateComponent(metrics.ComponentAPI, false, "shutting down")

	err := s.http.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
	s.cancel()

	if s.health != nil {
		s.health.Stop()
	}
	s.logger.Info().Msg("dispatch server stopped")
	return err
}

func (s *Server) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Server) handleCheck(c echo.Context) error {
	stats := s.pool.Stats()
	check := types.Check{
		Status:     "ok",
		Version:    s.cfg.Version,
		InFlight:   int64(stats.InFlight),
		Queued:     int64(stats.Queued),
		Resources:  s.table.Len(),
		Uptime:     metrics.Uptime().Round(time.Second).String(),
		Components: metrics.Components(),
	}
	if ts := s.lastActivity.Load(); ts > 0 {
		check.LastActivity = time.Unix(0, ts).UTC().Format(time.RFC3339Nano)
	}
	return c.JSON(http.StatusOK, check)
}

func (s *Server) handleKeys(c echo.Context) error {
	return c.JSON(http.StatusOK, s.table.Keys())
}

func (s *Server) handlePutResource(c echo.Context) error {
	var spec types.RemoteResource
	if err := c.Bind(&spec); err != nil {
		return err
	}

	res, err := s.table.Put(&spec)
	if err != nil {
		return err
	}
	metrics.ResourcesTotal.Set(float64(s.table.Len()))

	s.logger.Info().
		Str("resource", spec.Name).
		Str("blueprint", spec.Blueprint).
		Str("kind", string(res.Kind())).
		Msg("resource installed")
	return c.JSON(http.StatusOK, res.Spec())
}

func (s *Server) handleDeleteResource(c echo.Context) error {
	name := c.Param("name")
	if err := s.table.Delete(name); err != nil {
		return err
	}
	metrics.ResourcesTotal.Set(float64(s.table.Len()))

	s.logger.Info().Str("resource", name).Msg("resource deleted")
	return c.NoContent(http.StatusNoContent)
}

// SecretResponse is returned after a secret is written on the node
type SecretResponse struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (s *Server) handlePutSecret(c echo.Context) error {
	var secret types.Secret
	if err := c.Bind(&secret); err != nil {
		return err
	}

	path, err := s.secrets.Materialize(&secret, len(secret.EnvVars) > 0)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SecretResponse{Name: secret.Name, Path: path})
}

// handleDeleteSecret removes a materialized secret. The provider and path
// query parameters locate it the same way the original push did.
func (s *Server) handleDeleteSecret(c echo.Context) error {
	secret := &types.Secret{
		Name:       c.Param("name"),
		Provider:   c.QueryParam("provider"),
		TargetPath: c.QueryParam("path"),
	}
	if err := s.secrets.Remove(secret); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SecretResponse{Name: secret.Name, Path: s.secrets.Path(secret)})
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.runs.Get(c.Param("key"))
	if err != nil {
		return err
	}
	c.Response().Header().Set(HeaderRunKey, run.Key)

	switch {
	case queryBool(c, "stream_logs"):
		return s.stream(c, run)
	case queryBool(c, "wait"):
		return s.wait(c, run)
	}

	if res := run.Result(); res != nil {
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusAccepted, runStarted(run))
}

// CancelResponse reports whether a cancel request reached a running call
type CancelResponse struct {
	RunKey    string    `json:"run_key"`
	Cancelled bool      `json:"cancelled"`
	Status    RunStatus `json:"status"`
}

func (s *Server) handleCancelRun(c echo.Context) error {
	run, err := s.runs.Get(c.Param("key"))
	if err != nil {
		return err
	}
	cancelled := run.Cancel()

	logger := log.WithRun(run.Key)
	logger.Info().Bool("cancelled", cancelled).Msg("run cancel requested")
	return c.JSON(http.StatusOK, CancelResponse{RunKey: run.Key, Cancelled: cancelled, Status: run.Status()})
}

func runStarted(run *Run) *types.ResultEnvelope {
	return &types.ResultEnvelope{OutputType: types.OutputRunStarted, RunKey: run.Key}
}

func queryBool(c echo.Context, name string) bool {
	v, err := strconv.ParseBool(c.QueryParam(name))
	return err == nil && v
}
