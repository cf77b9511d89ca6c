package persist_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpolis/agent/state"
	"github.com/sandpolis/agent/state/oid"
)

// runPersisterContract checks the behavior every backend shares
func runPersisterContract(t *testing.T, p state.Persister) {
	t.Helper()
	ctx := context.Background()

	t.Run("empty load", func(t *testing.T) {
		records, err := p.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("save load delete", func(t *testing.T) {
		require.NoError(t, p.Save(ctx, "/profile/a", []byte("one")))
		require.NoError(t, p.Save(ctx, "/profile/b", []byte("two")))
		require.NoError(t, p.Save(ctx, "/profile/a", []byte("three")))

		records, err := p.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{
			"/profile/a": []byte("three"),
			"/profile/b": []byte("two"),
		}, records)

		require.NoError(t, p.Delete(ctx, "/profile/a"))
		require.NoError(t, p.Delete(ctx, "/profile/missing"))

		records, err = p.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"/profile/b": []byte("two")}, records)

		require.NoError(t, p.Delete(ctx, "/profile/b"))
	})

	t.Run("tree round trip", func(t *testing.T) {
		tree := state.NewTree(state.WithPersister(p, nil))
		col, err := tree.Ensure(oid.MustParse("/profile/abc/plugin"))
		require.NoError(t, err)

		doc, err := col.CreateDocument("net.example", state.Persistent())
		require.NoError(t, err)
		require.NoError(t, doc.SetAll(map[string]any{
			"name":    "example",
			"enabled": true,
			"size":    int64(1) << 40,
		}))

		restored := state.NewTree(state.WithPersister(p, nil))
		n, err := restored.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := restored.ResolveDocument(oid.MustParse("/profile/abc/plugin/net.example"))
		require.NoError(t, err)
		assert.Equal(t, doc.Attributes(), got.Attributes())
		assert.True(t, got.Persistent())

		assert.True(t, col.Remove("net.example"))
		records, err := p.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}
