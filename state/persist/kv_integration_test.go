//go:build integration

package persist_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandpolis/agent/natsclient"
	"github.com/sandpolis/agent/state/persist"
)

func TestIntegration_KVContract(t *testing.T) {
	server := natsclient.NewTestServer(t)
	client := server.Connect(t)

	kv, err := client.KeyValue(context.Background(), "persist_contract")
	require.NoError(t, err)

	runPersisterContract(t, persist.NewKV(kv))
}
