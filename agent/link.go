package agent

import (
	"context"
	"log/slog"

	"github.com/sandpolis/agent/auth"
	"github.com/sandpolis/agent/bus"
	"github.com/sandpolis/agent/health"
	"github.com/sandpolis/agent/network"
	"github.com/sandpolis/agent/pkg/future"
)

// ServerLinkHandlerName is the bus subscriber name of the handler
const ServerLinkHandlerName = "server-link"

// Authenticator runs the authentication pipeline for a connection
type Authenticator interface {
	Run(ctx context.Context, cvid int32) *future.Future[auth.Report]
}

// ReportFunc observes the end of an authentication run
type ReportFunc func(report auth.Report, err error)

// ServerLinkHandler starts authentication whenever a server link is
// established and reports the link state to a health monitor
type ServerLinkHandler struct {
	ctx      context.Context
	auth     Authenticator
	onReport ReportFunc
	monitor  *health.Monitor
	logger   *slog.Logger
	sub      bus.Subscription
}

// NewServerLinkHandler subscribes to networkBus. Runs started by the handler
// use ctx. onReport and monitor may be nil.
func NewServerLinkHandler(ctx context.Context, networkBus *bus.Bus[network.Event], a Authenticator, onReport ReportFunc, monitor *health.Monitor, logger *slog.Logger) *ServerLinkHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if monitor == nil {
		monitor = health.NewMonitor()
	}
	h := &ServerLinkHandler{
		ctx:      ctx,
		auth:     a,
		onReport: onReport,
		monitor:  monitor,
		logger:   logger.With("component", ServerLinkHandlerName),
	}
	h.sub = networkBus.Register(ServerLinkHandlerName, h.handle)
	return h
}

func (h *ServerLinkHandler) handle(e network.Event) {
	switch ev := e.(type) {
	case network.ServerEstablishedEvent:
		h.report(health.NewDegraded(ServerLinkHandlerName, "authenticating"))
		h.authenticate(ev.CVID)
	case network.ServerLostEvent:
		h.report(health.NewDegraded(ServerLinkHandlerName, "server link lost, reconnecting"))
	}
}

func (h *ServerLinkHandler) authenticate(cvid int32) {
	future.Handle(h.auth.Run(h.ctx, cvid), nil, func(report auth.Report, err error) (struct{}, error) {
		switch {
		case err != nil:
			h.logger.Error("Server link setup failed", "cvid", cvid, "error", err)
			h.report(health.FromError(ServerLinkHandlerName, err))
		case !report.Authenticated:
			h.logger.Warn("Server rejected authentication", "cvid", cvid, "reason", report.Outcome.Reason)
			h.report(health.NewUnhealthy(ServerLinkHandlerName, "authentication rejected"))
		default:
			h.logger.Info("Server link ready", "cvid", cvid,
				"strategy", report.Strategy, "plugins_synchronized", report.Synchronized)
			h.report(health.NewHealthy(ServerLinkHandlerName, "authenticated"))
		}
		if h.onReport != nil {
			h.onReport(report, err)
		}
		return struct{}{}, nil
	})
}

func (h *ServerLinkHandler) report(status health.Status) {
	h.monitor.Update(ServerLinkHandlerName, status)
}

// Close stops reacting to new server links
func (h *ServerLinkHandler) Close() {
	h.sub.Unsubscribe()
}
