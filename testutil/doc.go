// Package testutil provides test doubles shared by the agent's packages:
// an in-memory transport with a scriptable peer, an in-memory key-value
// bucket and helpers for starting worker pools in tests.
package testutil
