// Package metric provides Prometheus metrics for the agent control plane.
//
// A MetricsRegistry owns a private prometheus.Registry preloaded with the
// agent core metrics (connections, server link, commands, authentication,
// plugin synchronization) and the Go runtime collectors. Stores register
// additional collectors under a "service.metric" key; duplicate keys are
// rejected with an invalid-class error.
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordConnectAttempt("established")
//
//	server := metric.NewServer(":9090", "/metrics", registry)
//	go func() {
//	    if err := server.Start(); err != nil && err != http.ErrServerClosed {
//	        slog.Error("metrics server", "error", err)
//	    }
//	}()
//
// The Record helpers tolerate a nil *Metrics so packages can be built and
// tested without a registry.
package metric
