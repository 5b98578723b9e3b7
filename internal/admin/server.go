package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/sensorhub/internal/command"
	"github.com/danmuck/sensorhub/internal/gsr"
	"github.com/danmuck/sensorhub/internal/observability"
	"github.com/danmuck/sensorhub/internal/timesync"
	"github.com/danmuck/sensorhub/internal/transfer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

type DeviceDirectory interface {
	Snapshot() []command.DeviceRecord
	Device(id string) (command.DeviceRecord, bool)
	Leader() (command.DeviceRecord, bool)
}

type Broadcaster interface {
	StartRecordingSession(ctx context.Context, sessionID, sessionName string) (map[string]bool, error)
	StopRecordingSession(ctx context.Context, sessionID string) (map[string]bool, error)
	SendSyncFlash(ctx context.Context, durationMS int) (map[string]bool, error)
	SendSyncMark(ctx context.Context, markType string, metadata map[string]any) (string, map[string]bool, error)
}

type ClockStats interface {
	AllStats() map[string]timesync.Stats
	DeviceStats(deviceID string) (timesync.Stats, bool)
	IsSynchronized(deviceID string) bool
	Quality() timesync.Quality
}

type Transfers interface {
	ActiveTransfers() []transfer.StatusReport
	FinishedTransfers() []transfer.StatusReport
	Status(id string) (transfer.StatusReport, bool)
	Summary() transfer.Summary
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
}

type GSRDatasets interface {
	Summaries() []gsr.Summary
	Session(sessionID string) ([]gsr.Summary, bool)
}

// Deps are the hub components behind the routes. Ready may be nil.
type Deps struct {
	Devices   DeviceDirectory
	Commands  Broadcaster
	Clock     ClockStats
	Transfers Transfers
	GSR       GSRDatasets
	Feed      EventFeed
	Ready     func() bool
}

type Server struct {
	id      string
	deps    Deps
	origins []string
	router  *gin.Engine
	logger  zerolog.Logger
	started time.Time

	// closed once Serve begins shutting down; ends open event streams
	closing   chan struct{}
	closeOnce sync.Once
}

func NewServer(id string, corsOrigins []string, deps Deps) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	logger := observability.Component("admin")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.AccessLog(logger, id))
	origins := normalizeOrigins(corsOrigins)
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Origin", "Content-Type", observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		id:      id,
		deps:    deps,
		origins: origins,
		router:  r,
		logger:  logger,
		started: time.Now(),
		closing: make(chan struct{}),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine { return s.router }

// Serve handles requests on ln until ctx is done, then drains in-flight
// requests for up to five seconds.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin listening")

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveDone:
		s.closeOnce.Do(func() { close(s.closing) })
		return err
	}
	s.closeOnce.Do(func() { close(s.closing) })

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	s.logger.Info().Msg("admin stopped")
	return nil
}

// Run listens on addr and serves until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
