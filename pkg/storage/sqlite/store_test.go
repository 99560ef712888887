package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	brokererr "github.com/ztxtxwd/dext/pkg/errors"
	"github.com/ztxtxwd/dext/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestCreateAndGetServer(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateServer(ctx, storage.ServerConfig{
		Name: "docs", Kind: storage.KindStdio, Command: "docs-server",
		Args: []string{"--flag"}, Env: map[string]string{"K": "V"}, Enabled: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := s.GetServer(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.Name, got.Name)
	require.Equal(t, []string{"--flag"}, got.Args)
	require.Equal(t, map[string]string{"K": "V"}, got.Env)
}

func TestGetServerNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetServer(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, brokererr.IsNotFound(err))
}

func TestCreateServerDuplicateNameConflicts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateServer(ctx, storage.ServerConfig{Name: "docs", Kind: storage.KindStdio, Command: "x"})
	require.NoError(t, err)

	_, err = s.CreateServer(ctx, storage.ServerConfig{Name: "docs", Kind: storage.KindStdio, Command: "y"})
	require.Error(t, err)
	require.True(t, brokererr.IsConflict(err))
}

func TestCreateServerStdioWithoutCommandIsInvalid(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.CreateServer(context.Background(), storage.ServerConfig{Name: "docs", Kind: storage.KindStdio})
	require.Error(t, err)
	require.True(t, brokererr.IsValidation(err))
}

func TestCreateServerHTTPStreamWithoutURLIsInvalid(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.CreateServer(context.Background(), storage.ServerConfig{Name: "docs", Kind: storage.KindHTTPStream})
	require.Error(t, err)
	require.True(t, brokererr.IsValidation(err))
}

func TestCreateServerSSEWithMalformedURLIsInvalid(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.CreateServer(context.Background(), storage.ServerConfig{Name: "docs", Kind: storage.KindSSE, URL: "not-a-url"})
	require.Error(t, err)
	require.True(t, brokererr.IsValidation(err))
}

func TestUpdateServerToStdioWithoutCommandIsInvalid(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateServer(ctx, storage.ServerConfig{Name: "docs", Kind: storage.KindSSE, URL: "https://example.com/mcp"})
	require.NoError(t, err)

	newKind := storage.KindStdio
	_, err = s.UpdateServer(ctx, created.ID, storage.ServerPatch{Kind: &newKind})
	require.Error(t, err)
	require.True(t, brokererr.IsValidation(err))
}

func TestListServersFilterAndPagination(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.CreateServer(ctx, storage.ServerConfig{
			Name: "a" + string(rune('0'+i)), Kind: storage.KindStdio, Command: "x", Enabled: i%2 == 0,
		})
		require.NoError(t, err)
	}

	enabled := true
	servers, total, err := s.ListServers(ctx, storage.ServerFilter{Enabled: &enabled}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, servers, 2)

	page1, total, err := s.ListServers(ctx, storage.ServerFilter{}, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, page1, 2)

	page2, _, err := s.ListServers(ctx, storage.ServerFilter{}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
}

func TestUpdateServer(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateServer(ctx, storage.ServerConfig{Name: "docs", Kind: storage.KindStdio, Command: "x", Enabled: true})
	require.NoError(t, err)

	newDesc := "updated"
	disabled := false
	updated, err := s.UpdateServer(ctx, created.ID, storage.ServerPatch{Description: &newDesc, Enabled: &disabled})
	require.NoError(t, err)
	require.Equal(t, "updated", updated.Description)
	require.False(t, updated.Enabled)
	require.True(t, updated.UpdatedAt.After(created.UpdatedAt) || updated.UpdatedAt.Equal(created.UpdatedAt))
}

func TestUpdateServerNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	name := "x"
	_, err := s.UpdateServer(context.Background(), "missing", storage.ServerPatch{Name: &name})
	require.Error(t, err)
	require.True(t, brokererr.IsNotFound(err))
}

func TestDeleteServer(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateServer(ctx, storage.ServerConfig{Name: "docs", Kind: storage.KindStdio, Command: "x"})
	require.NoError(t, err)

	deleted, err := s.DeleteServer(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "docs", deleted.Name)

	_, err = s.GetServer(ctx, created.ID)
	require.True(t, brokererr.IsNotFound(err))
}

func unitVector(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func TestUpsertAndSearchSimilar(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertToolWithVector(ctx, "srv__read", "reads a document", "model-a", unitVector(4, 0))
	require.NoError(t, err)
	_, err = s.UpsertToolWithVector(ctx, "srv__write", "writes a document", "model-a", unitVector(4, 1))
	require.NoError(t, err)

	hits, err := s.SearchSimilar(ctx, unitVector(4, 0), 5, 0.5, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "srv__read", hits[0].DisplayName)
	require.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
}

func TestUpsertToolIsIdempotentOnIdentity(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertToolWithVector(ctx, "srv__read", "reads a document", "model-a", unitVector(4, 0))
	require.NoError(t, err)
	id2, err := s.UpsertToolWithVector(ctx, "srv__read", "reads a document", "model-a", unitVector(4, 0))
	require.NoError(t, err)

	require.Equal(t, id1, id2)

	hits, err := s.SearchSimilar(ctx, unitVector(4, 0), 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestSearchSimilarServerPrefixFilter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertToolWithVector(ctx, "a__x", "tool x", "model-a", unitVector(4, 0))
	require.NoError(t, err)
	_, err = s.UpsertToolWithVector(ctx, "aa__x", "tool x", "model-a", unitVector(4, 0))
	require.NoError(t, err)

	hits, err := s.SearchSimilar(ctx, unitVector(4, 0), 10, 0, []string{"a"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "a__x", hits[0].DisplayName)
}

func TestSearchSimilarTopKAndOrdering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertToolWithVector(ctx, "srv__a", "desc a", "model-a", []float32{1, 0, 0})
	require.NoError(t, err)
	_, err = s.UpsertToolWithVector(ctx, "srv__b", "desc b", "model-a", []float32{0.9, 0.1, 0})
	require.NoError(t, err)
	_, err = s.UpsertToolWithVector(ctx, "srv__c", "desc c", "model-a", []float32{0, 1, 0})
	require.NoError(t, err)

	hits, err := s.SearchSimilar(ctx, []float32{1, 0, 0}, 2, 0, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "srv__a", hits[0].DisplayName)
	require.Equal(t, "srv__b", hits[1].DisplayName)
	require.Less(t, hits[0].Distance, hits[1].Distance)
}

func TestDeleteToolByMD5(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertToolWithVector(ctx, "srv__read", "reads a document", "model-a", unitVector(4, 0))
	require.NoError(t, err)
	md5Hex := toolMD5("srv__read", "reads a document")

	count, err := s.DeleteToolByMD5(ctx, md5Hex, "")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	hits, err := s.SearchSimilar(ctx, unitVector(4, 0), 10, 0, nil)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestClearIndex(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertToolWithVector(ctx, "srv__a", "desc a", "model-a", unitVector(4, 0))
	require.NoError(t, err)
	_, err = s.UpsertToolWithVector(ctx, "srv__b", "desc b", "model-b", unitVector(4, 1))
	require.NoError(t, err)

	require.NoError(t, s.ClearIndex(ctx, "model-a"))

	hitsA, err := s.SearchSimilar(ctx, unitVector(4, 0), 10, 0, nil)
	require.NoError(t, err)
	require.Empty(t, hitsA)

	hitsB, err := s.SearchSimilar(ctx, unitVector(4, 1), 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, hitsB, 1)
}

func TestDeleteToolsForMissingServers(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertToolWithVector(ctx, "a__x", "tool x", "model-a", unitVector(4, 0))
	require.NoError(t, err)
	_, err = s.UpsertToolWithVector(ctx, "b__y", "tool y", "model-a", unitVector(4, 1))
	require.NoError(t, err)

	deleted, err := s.DeleteToolsForMissingServers(ctx, "model-a", []string{"a"})
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	hits, err := s.SearchSimilar(ctx, unitVector(4, 0), 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "a__x", hits[0].DisplayName)
}

func TestGetToolByMD5(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertToolWithVector(ctx, "srv__read", "reads a document", "model-a", unitVector(4, 0))
	require.NoError(t, err)

	rec, err := s.GetToolByMD5(ctx, toolMD5("srv__read", "reads a document"), "model-a")
	require.NoError(t, err)
	require.Equal(t, "srv__read", rec.DisplayName)

	_, err = s.GetToolByMD5(ctx, "nonexistent", "model-a")
	require.True(t, brokererr.IsNotFound(err))
}

func TestListToolsForServer(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertToolWithVector(ctx, "a__x", "tool x", "model-a", unitVector(4, 0))
	require.NoError(t, err)
	_, err = s.UpsertToolWithVector(ctx, "a__y", "tool y", "model-a", unitVector(4, 1))
	require.NoError(t, err)
	_, err = s.UpsertToolWithVector(ctx, "aa__x", "tool x", "model-a", unitVector(4, 2))
	require.NoError(t, err)
	_, err = s.UpsertToolWithVector(ctx, "a__x", "tool x", "model-b", unitVector(4, 3))
	require.NoError(t, err)

	recs, err := s.ListToolsForServer(ctx, "model-a", "a")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "a__x", recs[0].DisplayName)
	require.Equal(t, "a__y", recs[1].DisplayName)

	recs, err = s.ListToolsForServer(ctx, "model-a", "aa")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "aa__x", recs[0].DisplayName)

	recs, err = s.ListToolsForServer(ctx, "model-a", "missing")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestSessionHistoryLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.IsRetrieved(ctx, "sess1", "abc")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.RecordRetrieved(ctx, "sess1", "abc", "tool-a"))
	require.NoError(t, s.RecordRetrieved(ctx, "sess1", "abc", "tool-a")) // idempotent

	ok, err = s.IsRetrieved(ctx, "sess1", "abc")
	require.NoError(t, err)
	require.True(t, ok)

	history, err := s.GetSessionHistory(ctx, "sess1")
	require.NoError(t, err)
	require.Len(t, history, 1)

	stats, err := s.SessionStats(ctx, "sess1")
	require.NoError(t, err)
	require.Equal(t, 1, stats.ToolCount)

	require.NoError(t, s.ClearSession(ctx, "sess1"))
	history, err = s.GetSessionHistory(ctx, "sess1")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestRecordRetrievedBatch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RecordRetrievedBatch(ctx, "sess1", []storage.SessionRecord{
		{ToolMD5: "md5-1", ToolName: "a"},
		{ToolMD5: "md5-2", ToolName: "b"},
	})
	require.NoError(t, err)

	stats, err := s.SessionStats(ctx, "sess1")
	require.NoError(t, err)
	require.Equal(t, 2, stats.ToolCount)
}

func TestToolMD5TrimsWhitespace(t *testing.T) {
	t.Parallel()
	require.Equal(t, toolMD5("srv__x", "hello world"), toolMD5("srv__x", "hello world "))
	require.Equal(t, toolMD5(" srv__x ", "hello world"), toolMD5("srv__x", "hello world"))
}
