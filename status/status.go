// Package status serves the live state of a running campaign over
// HTTP.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/version"

	"github.com/1aeo/exitmap-dns-health-deploy/supervisor"
)

// Campaign is the document served on /status.
type Campaign struct {
	RunID      string                `json:"run_id"`
	Mode       string                `json:"mode"`
	StartedAt  time.Time             `json:"started_at,omitzero"`
	Wave       int                   `json:"wave"`
	TotalWaves int                   `json:"total_waves"`
	Instances  []supervisor.Snapshot `json:"instances"`
	Version    version.Info          `json:"version"`
}

// Provider returns the current campaign state. It is called
// concurrently with the campaign and must be safe for that.
type Provider interface {
	CampaignStatus() Campaign
}

type Server struct {
	e *echo.Echo
	p Provider
}

func New(ctx context.Context, p Provider) *Server {
	log := logger.FromContext(ctx)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(otelecho.Middleware("dnshealth"))
	e.Use(slogecho.NewWithConfig(log, slogecho.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
	}))

	s := &Server{e: e, p: p}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok\n")
	})
	e.GET("/status", s.status)

	return s
}

func (s *Server) status(c echo.Context) error {
	st := s.p.CampaignStatus()
	if st.Instances == nil {
		st.Instances = []supervisor.Snapshot{}
	}
	st.Version = version.VersionInfo()
	return c.JSON(http.StatusOK, st)
}

func (s *Server) Handler() http.Handler {
	return s.e
}

// ListenAndServe serves on listen until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, listen string) error {
	log := logger.FromContext(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.e.Shutdown(shutdownCtx); err != nil {
			log.Warn("status server shutdown", "err", err)
		}
	}()

	log.InfoContext(ctx, "status server listening", "listen", listen)
	err := s.e.Start(listen)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
