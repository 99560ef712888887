package executor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokererr "github.com/ztxtxwd/dext/pkg/errors"
	"github.com/ztxtxwd/dext/pkg/indexer"
	"github.com/ztxtxwd/dext/pkg/registry"
	"github.com/ztxtxwd/dext/pkg/storage"
	"github.com/ztxtxwd/dext/pkg/storage/sqlite"

	"github.com/ztxtxwd/dext/pkg/embedder"
)

const testModel = "fake-embedding"

type fakeLiveClient struct {
	tools      []registry.ToolInfo
	invokeResp any
	invokeErr  error
	lastParams map[string]any
	lastTool   string
}

func (f *fakeLiveClient) GetTools(context.Context) ([]registry.ToolInfo, error) { return f.tools, nil }

func (f *fakeLiveClient) Invoke(_ context.Context, toolName string, params map[string]any) (any, error) {
	f.lastTool = toolName
	f.lastParams = params
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return f.invokeResp, nil
}

func (f *fakeLiveClient) Close() error { return nil }

func newTestExecutor(t *testing.T, tools []registry.ToolInfo) (*Executor, *fakeLiveClient) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlite.Open(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := sqlite.New(db)
	idx := indexer.New(store, embedder.NewFakeClient(16))
	fake := &fakeLiveClient{tools: tools, invokeResp: map[string]any{"ok": true}}

	reg := registry.NewWithConnector(store, idx, testModel, func(context.Context, storage.ServerConfig) (registry.LiveClient, error) {
		return fake, nil
	})
	_, err = reg.CreateServer(context.Background(), storage.ServerConfig{
		Name: "docs", Kind: storage.KindStdio, Command: "docs", Enabled: true,
	}, true)
	require.NoError(t, err)

	return New(reg), fake
}

func TestExecuteInvokesMatchingLiveTool(t *testing.T) {
	t.Parallel()
	ex, fake := newTestExecutor(t, []registry.ToolInfo{{Name: "read", Description: "reads a document"}})

	md5 := indexer.ToolMD5(indexer.DisplayName("docs", "read"), "reads a document")
	result, err := ex.Execute(context.Background(), md5, map[string]any{"path": "a.txt"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, result)
	require.Equal(t, "read", fake.lastTool)
	require.Equal(t, map[string]any{"path": "a.txt"}, fake.lastParams)
}

func TestExecuteUnknownDigestReturnsNotFound(t *testing.T) {
	t.Parallel()
	ex, _ := newTestExecutor(t, []registry.ToolInfo{{Name: "read", Description: "reads a document"}})

	_, err := ex.Execute(context.Background(), "not-a-real-digest", nil)
	require.Error(t, err)
	require.True(t, brokererr.IsNotFound(err))
}

func TestExecuteSurfacesUpstreamErrorVerbatim(t *testing.T) {
	t.Parallel()
	ex, fake := newTestExecutor(t, []registry.ToolInfo{{Name: "read", Description: "reads a document"}})
	fake.invokeErr = assert.AnError

	md5 := indexer.ToolMD5(indexer.DisplayName("docs", "read"), "reads a document")
	_, err := ex.Execute(context.Background(), md5, nil)
	require.ErrorIs(t, err, assert.AnError)
}
