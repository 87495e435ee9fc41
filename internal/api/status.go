package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/cdlib/ezidcore/internal/monitor"
	"github.com/cdlib/ezidcore/internal/report"
)

// ReloadFunc rebuilds a configuration snapshot from its sources (flags, env,
// and shoulders persisted in the settings store) and installs it via
// config.Store.Reload. It is supplied by
// cmd/ezid-server, which is the only place that knows how the snapshot was
// originally assembled.
type ReloadFunc func() error

// StatusHandler implements the supplemented admin diagnostics surface: a
// JSON status snapshot, a diag-reload endpoint (grounded on
// original_source/ezidapp/management/commands/diag-reload.py, which
// triggers the running process to refresh its in-memory config), and a
// websocket upgrade for live status pushes (internal/monitor, internal/report).
type StatusHandler struct {
	reporter *report.Reporter
	hub      *monitor.Hub
	reload   ReloadFunc
	logger   *zap.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(reporter *report.Reporter, hub *monitor.Hub, reload ReloadFunc, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		reporter: reporter,
		hub:      hub,
		reload:   reload,
		logger:   logger.Named("status_handler"),
	}
}

// Snapshot handles GET /admin/status — a point-in-time JSON rendering of
// the same gauges internal/report periodically pushes over the websocket.
func (h *StatusHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.reporter.Snapshot(r.Context())
	Ok(w, snap)
}

// DiagReload handles POST /admin/diag-reload.
func (h *StatusHandler) DiagReload(w http.ResponseWriter, r *http.Request) {
	if err := h.reload(); err != nil {
		h.logger.Error("diag-reload failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Monitor handles GET /admin/monitor — upgrades the connection to a
// websocket and streams "status" topic messages until the client disconnects.
func (h *StatusHandler) Monitor(w http.ResponseWriter, r *http.Request) {
	client, err := monitor.NewClient(h.hub, w, r, []string{"status"}, h.logger)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
