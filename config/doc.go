// Package config resolves the agent configuration.
//
// Keys are read once at startup through a Source. ViperSource loads a YAML,
// JSON or TOML file and lets SANDPOLIS_-prefixed environment variables
// override any key (server.address becomes SANDPOLIS_SERVER_ADDRESS).
// Durations accept Go syntax ("1.5s") or bare milliseconds, so
// server.timeout: 1000 means one second.
//
//	src, err := config.NewViperSource("/etc/sandpolis/agent.yml")
//	if err != nil {
//	    return err
//	}
//	cfg, err := config.Load(src)
//
// Unset keys fall back to Defaults: one second connect timeout, no
// authentication, plugins enabled, a one second reconnect floor and a ten
// second command timeout. Load validates the result and wraps
// errors.ErrInvalidConfig on failure.
package config
