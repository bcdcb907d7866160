// Package admin serves the connector's state, replicant values and
// capabilities over HTTP, next to the Prometheus scrape endpoint.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/showlink/internal/auth"
	"github.com/danmuck/showlink/internal/connector"
	"github.com/danmuck/showlink/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	DefaultAddr           = "127.0.0.1:9190"
	DefaultCommandTimeout = 10 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// Connector is the part of *connector.Connector the admin surface reads.
type Connector interface {
	Status() connector.Status
	State() connector.State
	Declarations() []connector.BundleDeclaration
	BundleStatuses() []connector.BundleStatus
	Snapshots() []connector.ReplicantSnapshot
	Send(ctx context.Context, command, bundle string, payload any) (json.RawMessage, error)
	IntrinsicCommands() []connector.CommandDescriptor
	IntrinsicStatusIndicators() []connector.StatusIndicator
}

type Config struct {
	Instance       string
	Addr           string
	CorsOrigins    []string
	CommandTimeout time.Duration
	// Token, when set, is required as a bearer token on every POST route.
	Token string
	// Commands and Indicators are layered over the connector's intrinsic
	// descriptors; an equal id replaces the intrinsic entry.
	Commands   []connector.CommandDescriptor
	Indicators []connector.StatusIndicator
	Logger     zerolog.Logger
}

type Server struct {
	cfg     Config
	conn    Connector
	router  *gin.Engine
	started time.Time
}

func New(conn Connector, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Instance == "" {
		cfg.Instance = connector.DefaultInstance
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(cfg.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Instance))
	if len(cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, conn: conn, router: r, started: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Addr() string {
	return s.cfg.Addr
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info().Str("addr", s.cfg.Addr).Msg("admin.Server.Serve listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (s *Server) commands() []connector.CommandDescriptor {
	return connector.MergeCommands(s.conn.IntrinsicCommands(), s.cfg.Commands)
}

func (s *Server) indicators() []connector.StatusIndicator {
	return connector.MergeIndicators(s.conn.IntrinsicStatusIndicators(), s.cfg.Indicators)
}

// requireToken rejects requests without a valid bearer token. With no
// token configured it lets everything through.
func (s *Server) requireToken() gin.HandlerFunc {
	if s.cfg.Token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	validator := auth.StaticToken{Token: s.cfg.Token}
	return func(c *gin.Context) {
		if err := auth.CheckHeader(validator, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
