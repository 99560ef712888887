package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ztxtxwd/dext/pkg/embedder"
	"github.com/ztxtxwd/dext/pkg/indexer"
	"github.com/ztxtxwd/dext/pkg/storage"
	"github.com/ztxtxwd/dext/pkg/storage/sqlite"
)

const testModel = "fake-embedding"

type fakeLiveClient struct {
	tools      []ToolInfo
	invokeErr  error
	invokeResp any
	closed     bool
}

func (f *fakeLiveClient) GetTools(context.Context) ([]ToolInfo, error) { return f.tools, nil }

func (f *fakeLiveClient) Invoke(context.Context, string, map[string]any) (any, error) {
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return f.invokeResp, nil
}

func (f *fakeLiveClient) Close() error { f.closed = true; return nil }

func newTestRegistry(t *testing.T, connect connectFunc) (*Registry, storage.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlite.Open(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := sqlite.New(db)
	idx := indexer.New(store, embedder.NewFakeClient(16))
	return NewWithConnector(store, idx, testModel, connect), store
}

func TestCreateServerConnectsWhenEnabled(t *testing.T) {
	t.Parallel()

	var connectedName string
	fake := &fakeLiveClient{tools: []ToolInfo{{Name: "read", Description: "reads"}}}
	reg, _ := newTestRegistry(t, func(_ context.Context, cfg storage.ServerConfig) (LiveClient, error) {
		connectedName = cfg.Name
		return fake, nil
	})

	created, err := reg.CreateServer(context.Background(), storage.ServerConfig{
		Name: "docs", Kind: storage.KindStdio, Command: "docs-server", Enabled: true,
	}, false)
	require.NoError(t, err)
	require.Equal(t, "docs", connectedName)

	entries := reg.Snapshot(context.Background())
	require.Len(t, entries, 1)
	require.Equal(t, created.Name, entries[0].ServerName)
}

func TestCreateServerDisabledDoesNotConnect(t *testing.T) {
	t.Parallel()

	connectCalled := false
	reg, _ := newTestRegistry(t, func(context.Context, storage.ServerConfig) (LiveClient, error) {
		connectCalled = true
		return nil, nil
	})

	_, err := reg.CreateServer(context.Background(), storage.ServerConfig{
		Name: "docs", Kind: storage.KindStdio, Command: "docs-server", Enabled: false,
	}, false)
	require.NoError(t, err)
	require.False(t, connectCalled)
}

func TestCreateServerNonStrictKeepsRowOnConnectFailure(t *testing.T) {
	t.Parallel()

	reg, store := newTestRegistry(t, func(context.Context, storage.ServerConfig) (LiveClient, error) {
		return nil, require.AnError
	})

	created, err := reg.CreateServer(context.Background(), storage.ServerConfig{
		Name: "docs", Kind: storage.KindStdio, Command: "x", Enabled: true,
	}, false)
	require.NoError(t, err)

	_, err = store.GetServer(context.Background(), created.ID)
	require.NoError(t, err)
}

func TestCreateServerStrictRollsBackOnConnectFailure(t *testing.T) {
	t.Parallel()

	reg, store := newTestRegistry(t, func(context.Context, storage.ServerConfig) (LiveClient, error) {
		return nil, require.AnError
	})

	_, err := reg.CreateServer(context.Background(), storage.ServerConfig{
		Name: "docs", Kind: storage.KindStdio, Command: "x", Enabled: true,
	}, true)
	require.Error(t, err)

	total, err := store.CountServers(context.Background(), storage.ServerFilter{})
	require.NoError(t, err)
	require.Equal(t, 0, total)
}

func TestUpdateServerReconnectsOnEnableToggle(t *testing.T) {
	t.Parallel()

	connectCount := 0
	reg, _ := newTestRegistry(t, func(context.Context, storage.ServerConfig) (LiveClient, error) {
		connectCount++
		return &fakeLiveClient{}, nil
	})

	created, err := reg.CreateServer(context.Background(), storage.ServerConfig{
		Name: "docs", Kind: storage.KindStdio, Command: "x", Enabled: true,
	}, false)
	require.NoError(t, err)
	require.Equal(t, 1, connectCount)

	disabled := false
	_, err = reg.UpdateServer(context.Background(), created.ID, storage.ServerPatch{Enabled: &disabled})
	require.NoError(t, err)
	require.Empty(t, reg.Snapshot(context.Background()))
}

func TestDeleteServerDisconnectsAndRemovesRow(t *testing.T) {
	t.Parallel()

	fake := &fakeLiveClient{}
	reg, store := newTestRegistry(t, func(context.Context, storage.ServerConfig) (LiveClient, error) {
		return fake, nil
	})

	created, err := reg.CreateServer(context.Background(), storage.ServerConfig{
		Name: "docs", Kind: storage.KindStdio, Command: "x", Enabled: true,
	}, false)
	require.NoError(t, err)

	_, err = reg.DeleteServer(context.Background(), created.ID)
	require.NoError(t, err)
	require.True(t, fake.closed)

	_, err = store.GetServer(context.Background(), created.ID)
	require.Error(t, err)
}

func TestInvokeDispatchesToNamedServer(t *testing.T) {
	t.Parallel()

	fake := &fakeLiveClient{invokeResp: map[string]any{"ok": true}}
	reg, _ := newTestRegistry(t, func(context.Context, storage.ServerConfig) (LiveClient, error) {
		return fake, nil
	})

	_, err := reg.CreateServer(context.Background(), storage.ServerConfig{
		Name: "docs", Kind: storage.KindStdio, Command: "x", Enabled: true,
	}, false)
	require.NoError(t, err)

	result, err := reg.Invoke(context.Background(), "docs", "read", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, result)
}

func TestInvokeUnknownServer(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, func(context.Context, storage.ServerConfig) (LiveClient, error) {
		return &fakeLiveClient{}, nil
	})

	_, err := reg.Invoke(context.Background(), "missing", "read", nil)
	require.Error(t, err)
}

func TestInvokeDispatchesToMockedLiveClient(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	mock := NewMockLiveClient(ctrl)
	mock.EXPECT().GetTools(gomock.Any()).Return([]ToolInfo{{Name: "read"}}, nil).AnyTimes()
	mock.EXPECT().Invoke(gomock.Any(), "read", gomock.Any()).Return(map[string]any{"ok": true}, nil)

	reg, _ := newTestRegistry(t, func(context.Context, storage.ServerConfig) (LiveClient, error) {
		return mock, nil
	})

	_, err := reg.CreateServer(context.Background(), storage.ServerConfig{
		Name: "docs", Kind: storage.KindStdio, Command: "x", Enabled: true,
	}, false)
	require.NoError(t, err)

	result, err := reg.Invoke(context.Background(), "docs", "read", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, result)
}

func TestSubstituteEnvWithDefault(t *testing.T) {
	require.Equal(t, "fallback", substituteEnv("${DEXT_TEST_VAR_UNSET:fallback}"))

	t.Setenv("DEXT_TEST_VAR_UNSET", "actual")
	require.Equal(t, "actual", substituteEnv("${DEXT_TEST_VAR_UNSET:fallback}"))
	require.Equal(t, "actual-suffix", substituteEnv("${DEXT_TEST_VAR_UNSET}-suffix"))
}
