package web

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/ldaptools/ldap-distd/internal/daemon"
	"github.com/ldaptools/ldap-distd/internal/version"
)

// App wraps the fiber application exposing the daemon's status.
type App struct {
	fiber  *fiber.App
	daemon *daemon.Context
}

// NewApp builds the status application around a daemon context.
func NewApp(d *daemon.Context) *App {
	f := fiber.New(fiber.Config{
		AppName:               "ldap-distd " + version.Version,
		DisableStartupMessage: true,
	})

	app := &App{fiber: f, daemon: d}

	f.Get("/health/live", app.livenessHandler)
	f.Get("/health/ready", app.readinessHandler)
	f.Get("/status", app.statusHandler)

	return app
}

// Listen serves the status endpoints until the context is canceled.
func (a *App) Listen(ctx context.Context, addr string) error {
	go func() {
		<-ctx.Done()
		if err := a.fiber.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Error().Err(err).Msg("status listener shutdown failed")
		}
	}()

	log.Info().Str("addr", addr).Msg("status listener started")

	return a.fiber.Listen(addr)
}

// livenessHandler reports that the process is up.
func (a *App) livenessHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}

// readinessHandler reports ready while the daemon schedules ticks.
func (a *App) readinessHandler(c *fiber.Ctx) error {
	state := a.daemon.State()
	if state != daemon.StateRunning {
		c.Status(fiber.StatusServiceUnavailable)
	}

	return c.JSON(fiber.Map{
		"status": state.String(),
	})
}

// statusHandler reports the daemon state and per-controller scheduling
// details.
func (a *App) statusHandler(c *fiber.Ctx) error {
	type controllerStatus struct {
		Name     string `json:"name"`
		Helper   string `json:"helper"`
		Interval string `json:"interval"`
		LastRun  string `json:"last_run,omitempty"`
	}

	ctrls := a.daemon.Controllers()
	statuses := make([]controllerStatus, 0, len(ctrls))
	for _, ctrl := range ctrls {
		status := controllerStatus{
			Name:     ctrl.Name,
			Helper:   ctrl.HelperID(),
			Interval: ctrl.Interval.String(),
		}
		if lastRun := ctrl.LastRun(); !lastRun.IsZero() {
			status.LastRun = lastRun.Format(time.RFC3339)
		}
		statuses = append(statuses, status)
	}

	return c.JSON(fiber.Map{
		"state":       a.daemon.State().String(),
		"version":     version.FormatVersion(),
		"controllers": statuses,
	})
}
