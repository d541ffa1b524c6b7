package control

import (
	"context"
	"errors"
	"io"
	"maps"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"gopkg.in/yaml.v3"

	"github.com/zivhm/MAHORAGA/internal/budget"
	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/engine"
	"github.com/zivhm/MAHORAGA/internal/observ"
)

// Agent is the engine surface the HTTP API exposes.
type Agent interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Status(ctx context.Context) engine.Status
	Config() config.Root
	UpdateConfig(cfg config.Root) error
	Logs(n int) []observ.Entry
	Costs() budget.Costs
	Signals() engine.SignalView
	TriggerOnce(ctx context.Context) error
	Kill(ctx context.Context) error
}

const (
	defaultLogLines = 100
	redacted        = "********"
)

type response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func reply(c echo.Context, status int, data any) error {
	return c.JSON(status, response{Status: status, Message: http.StatusText(status), Data: data})
}

func replyError(c echo.Context, status int, err error) error {
	return c.JSON(status, response{Status: status, Message: err.Error()})
}

// Server is the echo application serving the control API.
type Server struct {
	echo  *echo.Echo
	agent Agent
	cfg   config.Control
}

func New(agent Agent, cfg config.Control) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(recoverPanics(), logRequests())

	s := &Server{echo: e, agent: agent, cfg: cfg}
	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(observ.Handler()))

	g := e.Group("/agent", bearerAuth(cfg.APIToken))
	g.POST("/enable", s.enable)
	g.POST("/disable", s.disable)
	g.GET("/status", s.status)
	g.GET("/config", s.getConfig)
	g.PUT("/config", s.putConfig)
	g.GET("/logs", s.logs)
	g.GET("/costs", s.costs)
	g.GET("/signals", s.signals)
	g.POST("/trigger", s.trigger)
	g.POST("/kill", s.kill)
	return s
}

func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	observ.Log("control_listening", map[string]any{"addr": s.cfg.Listen})
	if err := s.echo.Start(s.cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) enable(c echo.Context) error {
	if err := s.agent.Enable(c.Request().Context()); err != nil {
		return replyError(c, http.StatusInternalServerError, err)
	}
	return reply(c, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *Server) disable(c echo.Context) error {
	if err := s.agent.Disable(c.Request().Context()); err != nil {
		return replyError(c, http.StatusInternalServerError, err)
	}
	return reply(c, http.StatusOK, map[string]bool{"enabled": false})
}

func (s *Server) status(c echo.Context) error {
	return reply(c, http.StatusOK, s.agent.Status(c.Request().Context()))
}

// getConfig returns the running config as YAML with secrets masked. Webhook URLs
// usually embed their own credential and count as secrets.
func (s *Server) getConfig(c echo.Context) error {
	cfg := s.agent.Config()
	mask(&cfg.LLM.APIKey)
	mask(&cfg.Confirmation.BearerToken)
	mask(&cfg.Control.APIToken)
	mask(&cfg.Notify.WebhookURL)
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return replyError(c, http.StatusInternalServerError, err)
	}
	return c.Blob(http.StatusOK, "application/yaml", out)
}

// putConfig overlays a YAML document on the running config. Fields left out keep their
// current values, as do secrets sent back masked.
func (s *Server) putConfig(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return replyError(c, http.StatusBadRequest, err)
	}
	current := s.agent.Config()
	next := current
	// decoding merges into existing maps; keep the running tables untouched
	next.Signals.SourceWeights = maps.Clone(current.Signals.SourceWeights)
	next.Signals.SourceMinVolume = maps.Clone(current.Signals.SourceMinVolume)
	next.Signals.FlairMultipliers = maps.Clone(current.Signals.FlairMultipliers)
	if err := yaml.Unmarshal(body, &next); err != nil {
		return replyError(c, http.StatusBadRequest, err)
	}
	unmask(&next.LLM.APIKey, current.LLM.APIKey)
	unmask(&next.Confirmation.BearerToken, current.Confirmation.BearerToken)
	unmask(&next.Control.APIToken, current.Control.APIToken)
	unmask(&next.Notify.WebhookURL, current.Notify.WebhookURL)
	if err := s.agent.UpdateConfig(next); err != nil {
		return replyError(c, http.StatusBadRequest, err)
	}
	return reply(c, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) logs(c echo.Context) error {
	n := defaultLogLines
	if q := c.QueryParam("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 1 {
			return replyError(c, http.StatusBadRequest, errors.New("n must be a positive integer"))
		}
		n = v
	}
	return reply(c, http.StatusOK, s.agent.Logs(n))
}

func (s *Server) costs(c echo.Context) error {
	return reply(c, http.StatusOK, s.agent.Costs())
}

func (s *Server) signals(c echo.Context) error {
	return reply(c, http.StatusOK, s.agent.Signals())
}

func (s *Server) trigger(c echo.Context) error {
	if err := s.agent.TriggerOnce(c.Request().Context()); err != nil {
		return replyError(c, http.StatusInternalServerError, err)
	}
	return reply(c, http.StatusOK, s.agent.Status(c.Request().Context()))
}

func (s *Server) kill(c echo.Context) error {
	if err := s.agent.Kill(c.Request().Context()); err != nil {
		return replyError(c, http.StatusInternalServerError, err)
	}
	return reply(c, http.StatusOK, map[string]any{"killed": true, "positions_closed": false})
}

func mask(v *string) {
	if *v != "" {
		*v = redacted
	}
}

func unmask(v *string, current string) {
	if *v == redacted {
		*v = current
	}
}
