package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"chatrelay/internal/core"
	"chatrelay/internal/metrics"
	"chatrelay/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// Admin rate limit defaults, per client IP.
const (
	DefaultAdminRate  = 10
	DefaultAdminBurst = 20
)

// Options tunes the HTTP surface.
type Options struct {
	Metrics *metrics.Metrics
	// TrustProxy takes the client address from X-Forwarded-For. Leave unset
	// unless the relay sits behind a reverse proxy, or clients can spoof
	// their address past the ban list.
	TrustProxy bool
	AdminRate  rate.Limit
	AdminBurst int
}

// Server is the Echo application.
type Server struct {
	echo    *echo.Echo
	relay   *core.Relay
	metrics *metrics.Metrics
}

// New constructs an Echo app with websocket, service and admin routes.
func New(relay *core.Relay, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if opts.TrustProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status,
				"latency", v.Latency, "remote", v.RemoteIP)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	if opts.AdminRate == 0 {
		opts.AdminRate = DefaultAdminRate
	}
	if opts.AdminBurst == 0 {
		opts.AdminBurst = DefaultAdminBurst
	}

	s := &Server{echo: e, relay: relay, metrics: opts.Metrics}
	s.registerRoutes(opts)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(opts Options) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
	ws.NewHandler(s.relay).Register(s.echo)

	admin := s.echo.Group("/admin", adminRateLimiter(opts.AdminRate, opts.AdminBurst))
	admin.POST("/ban", s.handleBan)
	admin.POST("/unban", s.handleUnban)
	admin.POST("/setUserPassword", s.handleSetUserPassword)
	admin.POST("/banWord/add", s.handleAddBanWord)
	admin.POST("/banWord/remove", s.handleRemoveBanWord)
	admin.POST("/updateConfig", s.handleUpdateConfig)
	admin.POST("/changeAdminPassword", s.handleChangeAdminPassword)
	admin.GET("/info", s.handleInfo)
}

func adminRateLimiter(r rate.Limit, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      r,
		Burst:     burst,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			slog.Warn("admin rate limit exceeded", "remote", identifier)
			return c.JSON(http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
		},
		ErrorHandler: func(c echo.Context, _ error) error {
			return c.JSON(http.StatusForbidden, errorResponse{Error: "cannot identify client"})
		},
	})
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	slog.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.relay.OnlineCount(),
	})
}

type stateResponse struct {
	Clients int      `json:"clients"`
	Users   []string `json:"users"`
}

func (s *Server) handleState(c echo.Context) error {
	users := s.relay.Usernames()
	if users == nil {
		users = []string{}
	}
	return c.JSON(http.StatusOK, stateResponse{
		Clients: len(users),
		Users:   users,
	})
}
