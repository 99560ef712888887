// Package indexer turns a snapshot of upstream tools into persisted,
// deduplicated catalog rows: it computes each tool's stable identity,
// embeds new tools, and retires near-duplicate variants of tools that
// upstreams have renumbered or reworded.
package indexer

import (
	"context"
	"crypto/md5" //nolint:gosec // identity digest, not a security boundary
	"encoding/hex"
	"strings"
	"sync"

	"github.com/ztxtxwd/dext/pkg/embedder"
	"github.com/ztxtxwd/dext/pkg/logger"
	"github.com/ztxtxwd/dext/pkg/storage"
)

// nearDuplicateThreshold is the similarity at or above which an existing
// tool is treated as superseded by a newly indexed one.
const nearDuplicateThreshold = 0.96

// nearDuplicateSearchTopK / nearDuplicateSearchThreshold bound the search
// used to find candidates for near-duplicate replacement.
const (
	nearDuplicateSearchTopK      = 10
	nearDuplicateSearchThreshold = 0.70
)

// Tool is one upstream tool as reported by a LiveClient.
type Tool struct {
	ServerName   string
	ToolName     string
	Description  string
	InputSchema  any
	OutputSchema any
}

// Result summarizes one IndexCatalog call.
type Result struct {
	Inserted   int
	Skipped    int
	Superseded int
	Failed     int
}

// Indexer writes tool catalogs into Persistence via an Embedder. A single
// mutex serializes new-tool insertions so two concurrent inserts can't both
// see the same near-duplicate candidate as absent.
type Indexer struct {
	store    storage.Store
	embedder embedder.Client
	mu       sync.Mutex
}

// New creates an Indexer over store, embedding new tools with embed.
func New(store storage.Store, embed embedder.Client) *Indexer {
	return &Indexer{store: store, embedder: embed}
}

// DisplayName joins a server and tool name into the broker's public tool
// identifier.
func DisplayName(serverName, toolName string) string {
	return serverName + "__" + toolName
}

// ToolMD5 computes the tool-identity digest: the MD5 of displayName and
// description concatenated with no separator, both trimmed first.
func ToolMD5(displayName, description string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(displayName) + strings.TrimSpace(description))) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// IndexCatalog indexes tools for modelName: existing (tool_md5, model_name)
// pairs are skipped, new tools are embedded and inserted, and near-duplicate
// existing tools are superseded. Runs steps sequentially per tool; there is
// no cross-tool atomicity, and an embedding failure only aborts the failing
// tool.
func (idx *Indexer) IndexCatalog(ctx context.Context, tools []Tool, modelName string) Result {
	var result Result

	for _, tool := range tools {
		displayName := DisplayName(tool.ServerName, tool.ToolName)
		md5Hex := ToolMD5(displayName, tool.Description)

		if _, err := idx.store.GetToolByMD5(ctx, md5Hex, modelName); err == nil {
			result.Skipped++
			continue
		}

		if err := idx.indexOne(ctx, displayName, tool.Description, modelName); err != nil {
			logger.Warnf("indexing tool %s failed: %v", displayName, err)
			result.Failed++
			continue
		}
		result.Inserted++
	}

	return result
}

func (idx *Indexer) indexOne(ctx context.Context, displayName, description, modelName string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	text := strings.TrimSpace(displayName + " " + description)
	vector, err := idx.embedder.EmbedOne(ctx, text)
	if err != nil {
		return err
	}

	idx.supersedeNearDuplicates(ctx, vector, modelName)

	_, err = idx.store.UpsertToolWithVector(ctx, displayName, description, modelName, vector)
	return err
}

// supersedeNearDuplicates deletes any existing tool within the near-duplicate
// threshold of vector. Deletion failures are logged and do not block the
// caller from proceeding to insert the new tool.
func (idx *Indexer) supersedeNearDuplicates(ctx context.Context, vector []float32, modelName string) {
	candidates, err := idx.store.SearchSimilar(
		ctx, vector, nearDuplicateSearchTopK, nearDuplicateSearchThreshold, nil)
	if err != nil {
		logger.Warnf("near-duplicate search failed: %v", err)
		return
	}

	for _, c := range candidates {
		if c.Similarity < nearDuplicateThreshold {
			continue
		}
		if _, err := idx.store.DeleteToolByMD5(ctx, c.ToolMD5, modelName); err != nil {
			logger.Warnf("superseding near-duplicate tool %s failed: %v", c.DisplayName, err)
		}
	}
}

// ClearIndex wipes all catalog rows for modelName.
func (idx *Indexer) ClearIndex(ctx context.Context, modelName string) error {
	return idx.store.ClearIndex(ctx, modelName)
}
