// Package natsclient connects the agent to NATS.
//
// It provides three pieces:
//
//   - Client owns a single connection. Reconnection is disabled: when the
//     connection ends without Close the connection-lost callback fires and the
//     agent's reconnector decides what happens next.
//   - Dialer implements transport.Dialer. Outbound envelopes are published to
//     the server subject with the agent inbox (InboxPrefix + instance UUID) as
//     the reply subject.
//   - Bucket wraps a JetStream key-value bucket with per-call timeouts and a
//     value size limit. state/persist keeps persistent documents in it.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithTimeout(time.Second),
//	    natsclient.WithConnectionLostCallback(func(err error) {
//	        logger.Warn("lost", "error", err)
//	    }))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	kv, err := client.KeyValue(ctx, "sandpolis_agent_state")
//
// # Testing
//
// Integration tests start a real server with testcontainers and run only
// with the integration build tag:
//
//	go test -tags integration ./natsclient/...
package natsclient
