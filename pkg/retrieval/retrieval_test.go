package retrieval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ztxtxwd/dext/pkg/embedder"
	"github.com/ztxtxwd/dext/pkg/indexer"
	"github.com/ztxtxwd/dext/pkg/registry"
	"github.com/ztxtxwd/dext/pkg/storage"
	"github.com/ztxtxwd/dext/pkg/storage/sqlite"
)

const testModel = "fake-embedding"

type fakeLiveClient struct {
	tools []registry.ToolInfo
}

func (f *fakeLiveClient) GetTools(context.Context) ([]registry.ToolInfo, error) { return f.tools, nil }
func (f *fakeLiveClient) Invoke(context.Context, string, map[string]any) (any, error) {
	return nil, nil
}
func (f *fakeLiveClient) Close() error { return nil }

// testHarness wires a real sqlite Store, a fake embedder, and a Registry
// whose LiveClients are stubs, so Retrieve exercises real search/session
// logic against a deterministic vector space.
type testHarness struct {
	store storage.Store
	embed embedder.Client
	reg   *registry.Registry
	eng   *Engine
}

func newHarness(t *testing.T, byServer map[string][]registry.ToolInfo) *testHarness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlite.Open(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := sqlite.New(db)
	embed := embedder.NewFakeClient(16)
	idx := indexer.New(store, embed)

	clients := map[string]*fakeLiveClient{}
	for name, tools := range byServer {
		clients[name] = &fakeLiveClient{tools: tools}
	}

	reg := registry.NewWithConnector(store, idx, testModel, func(_ context.Context, cfg storage.ServerConfig) (registry.LiveClient, error) {
		return clients[cfg.Name], nil
	})

	ctx := context.Background()
	for name := range byServer {
		_, err := reg.CreateServer(ctx, storage.ServerConfig{
			Name: name, Kind: storage.KindStdio, Command: name, Enabled: true,
		}, true)
		require.NoError(t, err)
	}
	require.NoError(t, reg.RefreshCatalog(ctx))

	return &testHarness{store: store, embed: embed, reg: reg, eng: New(store, embed, reg)}
}

func TestRetrieveEmptyCatalogReturnsServerDescriptionAndFreshSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	result, err := h.eng.Retrieve(context.Background(), []string{"anything"}, "", nil)
	require.NoError(t, err)

	require.Len(t, result.SessionID, 6)
	require.Empty(t, result.NewTools)
	require.Empty(t, result.KnownTools)
	require.NotEmpty(t, result.ServerDescription)
}

func TestRetrievePrefixCollisionDoesNotCrossMatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string][]registry.ToolInfo{
		"a":  {{Name: "x", Description: "does x work"}},
		"aa": {{Name: "x", Description: "does x work"}},
	})

	result, err := h.eng.Retrieve(context.Background(), []string{"does x work"}, "", []string{"a"})
	require.NoError(t, err)

	require.Len(t, result.NewTools, 1)
	require.Len(t, result.NewTools[0].Tools, 1)
	aaMD5 := indexer.ToolMD5(indexer.DisplayName("aa", "x"), "does x work")
	for _, tool := range result.NewTools[0].Tools {
		require.Equal(t, "x", tool.ToolName)
		require.NotEqual(t, aaMD5, tool.MD5)
	}
}

func TestRetrieveSessionReplaySurfacesKnownTools(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string][]registry.ToolInfo{
		"docs": {
			{Name: "read", Description: "read docs from the archive"},
			{Name: "block", Description: "create block content"},
		},
	})

	first, err := h.eng.Retrieve(context.Background(), []string{"read docs", "create block"}, "", nil)
	require.NoError(t, err)
	require.NotZero(t, first.Summary.NewToolsCount)
	require.Zero(t, first.Summary.KnownToolsCount)

	second, err := h.eng.Retrieve(context.Background(), []string{"read docs", "create block"}, first.SessionID, nil)
	require.NoError(t, err)
	require.Equal(t, 0, second.Summary.NewToolsCount)
	require.GreaterOrEqual(t, second.Summary.KnownToolsCount, first.Summary.NewToolsCount)
	require.Empty(t, second.NewTools)

	for _, q := range second.KnownTools {
		for _, tool := range q.Tools {
			require.NotEmpty(t, tool.ToolName)
			require.NotEmpty(t, tool.MD5)
		}
	}
}

func TestRetrieveUnknownSessionIDMintsFreshOne(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string][]registry.ToolInfo{
		"docs": {{Name: "read", Description: "read docs"}},
	})

	result, err := h.eng.Retrieve(context.Background(), []string{"q"}, "ZZZZZZ", nil)
	require.NoError(t, err)
	require.NotEqual(t, "ZZZZZZ", result.SessionID)
	require.Len(t, result.SessionID, 6)
	require.NotEmpty(t, result.ServerDescription)
}

func TestRetrieveNewToolsCarryLiveSchemas(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string][]registry.ToolInfo{
		"docs": {{
			Name: "read", Description: "read docs from the archive",
			InputSchema:  map[string]any{"type": "object"},
			OutputSchema: map[string]any{"type": "string"},
		}},
	})

	result, err := h.eng.Retrieve(context.Background(), []string{"read docs from the archive"}, "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.NewTools)
	require.NotEmpty(t, result.NewTools[0].Tools)
	tool := result.NewTools[0].Tools[0]
	require.NotNil(t, tool.InputSchema)
	require.NotNil(t, tool.OutputSchema)
	require.GreaterOrEqual(t, tool.Similarity, 0.0)
}

func TestRetrieveOrderFollowsDescriptionOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string][]registry.ToolInfo{
		"docs": {
			{Name: "read", Description: "read docs from the archive"},
			{Name: "block", Description: "create block content"},
		},
	})

	result, err := h.eng.Retrieve(context.Background(), []string{"create block content", "read docs from the archive"}, "", nil)
	require.NoError(t, err)
	require.Len(t, result.NewTools, 2)
	require.Equal(t, 0, result.NewTools[0].QueryIndex)
	require.Equal(t, 1, result.NewTools[1].QueryIndex)
}

func TestRetrieveSessionReplayStructuralDiffDropsSchemasFromKnownTools(t *testing.T) {
	t.Parallel()
	h := newHarness(t, map[string][]registry.ToolInfo{
		"docs": {{Name: "read", Description: "read docs from the archive"}},
	})

	first, err := h.eng.Retrieve(context.Background(), []string{"read docs from the archive"}, "", nil)
	require.NoError(t, err)
	second, err := h.eng.Retrieve(context.Background(), []string{"read docs from the archive"}, first.SessionID, nil)
	require.NoError(t, err)

	if diff := cmp.Diff(first.NewTools[0].Tools[0].MD5, second.KnownTools[0].Tools[0].MD5); diff != "" {
		t.Errorf("tool_md5 should be stable across known/new rendering (-first +second):\n%s", diff)
	}
}

func TestRoundTo4dp(t *testing.T) {
	t.Parallel()
	require.InDelta(t, 0.1235, roundTo4dp(0.12345), 0.00001)
	require.InDelta(t, 0.1, roundTo4dp(0.1), 0.00001)
}
