// Package health tracks the health of agent subsystems.
//
// A Monitor holds the latest Status reported under each name. The agent's
// server link handler reports the link state there (authenticating, ready,
// rejected, reconnecting) and the metrics server renders the aggregate on
// its /health endpoint:
//
//	monitor := health.NewMonitor()
//	monitor.Update("server-link", health.NewDegraded("server-link", "authenticating"))
//	status := monitor.AggregateHealth("agent")
//
// Messages derived from errors go through Sanitize so that addresses,
// paths and credentials never leave the process.
package health
