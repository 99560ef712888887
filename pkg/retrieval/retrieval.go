// Package retrieval implements the semantic tool search the broker exposes
// to agents: given natural-language descriptions of the capability an agent
// wants, it returns the closest live tools, deduplicated against what the
// calling session has already seen.
package retrieval

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ztxtxwd/dext/pkg/embedder"
	"github.com/ztxtxwd/dext/pkg/registry"
	"github.com/ztxtxwd/dext/pkg/storage"
)

const (
	defaultTopK      = 5
	defaultThreshold = 0.10

	sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	sessionIDLength   = 6
)

// KnownTool is a previously retrieved tool re-surfaced for a query.
type KnownTool struct {
	Rank     int    `json:"rank"`
	ToolName string `json:"tool_name"`
	MD5      string `json:"md5"`
}

// NewTool is a tool surfaced for the first time in a session.
type NewTool struct {
	Rank         int     `json:"rank"`
	ToolName     string  `json:"tool_name"`
	MD5          string  `json:"md5"`
	Description  string  `json:"description"`
	Similarity   float64 `json:"similarity"`
	InputSchema  any     `json:"input_schema"`
	OutputSchema any     `json:"output_schema"`
}

// QueryKnownTools carries the known_tools_for_query slice for one input
// description, keyed by its position in the caller's descriptions slice.
type QueryKnownTools struct {
	QueryIndex int         `json:"query_index"`
	Tools      []KnownTool `json:"tools"`
}

// QueryNewTools carries the new_tools_for_query slice for one input
// description.
type QueryNewTools struct {
	QueryIndex int       `json:"query_index"`
	Tools      []NewTool `json:"tools"`
}

// Summary tallies a Retrieve call's results.
type Summary struct {
	NewToolsCount       int `json:"new_tools_count"`
	KnownToolsCount     int `json:"known_tools_count"`
	SessionHistoryCount int `json:"session_history_count"`
}

// Result is what Retrieve returns.
type Result struct {
	SessionID         string            `json:"session_id"`
	NewTools          []QueryNewTools   `json:"new_tools"`
	KnownTools        []QueryKnownTools `json:"known_tools"`
	Summary           Summary           `json:"summary"`
	ServerDescription string            `json:"server_description,omitempty"`
}

// Engine answers Retrieve calls against a catalog held in Persistence and a
// live tool set held in the Registry.
type Engine struct {
	store     storage.Store
	embedder  embedder.Client
	registry  *registry.Registry
	topK      int
	threshold float64
}

// New builds an Engine. topK and threshold follow TOOL_RETRIEVER_TOP_K /
// TOOL_RETRIEVER_THRESHOLD when set, defaulting to 5 and 0.10.
func New(store storage.Store, embed embedder.Client, reg *registry.Registry) *Engine {
	return &Engine{
		store:     store,
		embedder:  embed,
		registry:  reg,
		topK:      topKFromEnv(),
		threshold: thresholdFromEnv(),
	}
}

func topKFromEnv() int {
	if v := os.Getenv("TOOL_RETRIEVER_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultTopK
}

func thresholdFromEnv() float64 {
	if v := os.Getenv("TOOL_RETRIEVER_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultThreshold
}

// Retrieve implements the operation described in package docs: it resolves
// or mints a session, searches for each description in order, partitions
// hits into known versus new relative to the session's history, records the
// new ones, and returns the composed Result.
func (e *Engine) Retrieve(ctx context.Context, descriptions []string, sessionID string, serverNames []string) (Result, error) {
	sessionID, firstTime, known, err := e.resolveSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}

	var newTools []QueryNewTools
	var knownTools []QueryKnownTools
	var toRecord []storage.SessionRecord
	var newCount, knownCount int

	for i, description := range descriptions {
		vector, err := e.embedder.EmbedOne(ctx, description)
		if err != nil {
			return Result{}, err
		}

		candidates, err := e.store.SearchSimilar(ctx, vector, e.topK, e.threshold, serverNames)
		if err != nil {
			return Result{}, err
		}
		if len(candidates) == 0 {
			continue
		}

		var queryKnown []KnownTool
		var queryNew []NewTool

		for rank, c := range candidates {
			toolName := toolNameFromDisplayName(c.DisplayName)

			if known[c.ToolMD5] {
				queryKnown = append(queryKnown, KnownTool{
					Rank:     rank + 1,
					ToolName: toolName,
					MD5:      c.ToolMD5,
				})
				continue
			}

			inputSchema, outputSchema := e.liveSchemas(ctx, c.ToolMD5)
			queryNew = append(queryNew, NewTool{
				Rank:         rank + 1,
				ToolName:     toolName,
				MD5:          c.ToolMD5,
				Description:  c.Description,
				Similarity:   roundTo4dp(c.Similarity),
				InputSchema:  inputSchema,
				OutputSchema: outputSchema,
			})
			toRecord = append(toRecord, storage.SessionRecord{ToolMD5: c.ToolMD5, ToolName: toolName})
			known[c.ToolMD5] = true
		}

		if len(queryKnown) > 0 {
			knownTools = append(knownTools, QueryKnownTools{QueryIndex: i, Tools: queryKnown})
			knownCount += len(queryKnown)
		}
		if len(queryNew) > 0 {
			newTools = append(newTools, QueryNewTools{QueryIndex: i, Tools: queryNew})
			newCount += len(queryNew)
		}
	}

	if len(toRecord) > 0 {
		if err := e.store.RecordRetrievedBatch(ctx, sessionID, toRecord); err != nil {
			return Result{}, err
		}
	}

	stats, err := e.store.SessionStats(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		SessionID:  sessionID,
		NewTools:   newTools,
		KnownTools: knownTools,
		Summary: Summary{
			NewToolsCount:       newCount,
			KnownToolsCount:     knownCount,
			SessionHistoryCount: stats.ToolCount,
		},
	}
	if firstTime {
		result.ServerDescription = e.renderServerDescription(ctx)
	}
	return result, nil
}

// resolveSession implements step 1-2: reuse sessionID if it has history,
// otherwise mint a fresh one, and return the known tool_md5 set either way.
func (e *Engine) resolveSession(ctx context.Context, sessionID string) (id string, firstTime bool, known map[string]bool, err error) {
	known = map[string]bool{}

	if sessionID != "" {
		history, err := e.store.GetSessionHistory(ctx, sessionID)
		if err != nil {
			return "", false, nil, err
		}
		if len(history) > 0 {
			for _, rec := range history {
				known[rec.ToolMD5] = true
			}
			return sessionID, false, known, nil
		}
	}

	fresh, err := newSessionID()
	if err != nil {
		return "", false, nil, err
	}
	return fresh, true, known, nil
}

func (e *Engine) liveSchemas(ctx context.Context, toolMD5 string) (input, output any) {
	entry, ok := e.registry.FindLiveToolByMD5(ctx, toolMD5)
	if !ok {
		return nil, nil
	}
	return entry.Tool.InputSchema, entry.Tool.OutputSchema
}

// renderServerDescription enumerates enabled servers and their live tools,
// closing with a policy sentence steering the agent back through Retrieve
// instead of invoking upstreams directly.
func (e *Engine) renderServerDescription(ctx context.Context) string {
	enabled := true
	servers, _, err := e.store.ListServers(ctx, storage.ServerFilter{Enabled: &enabled}, 1, 1<<30)
	if err != nil || len(servers) == 0 {
		return "No MCP servers are currently registered. Use the retriever tool once servers are configured; never invoke tools without first retrieving them."
	}

	toolsByServer := map[string][]string{}
	for _, entry := range e.registry.Snapshot(ctx) {
		toolsByServer[entry.ServerName] = append(toolsByServer[entry.ServerName], entry.Tool.Name)
	}

	var b strings.Builder
	b.WriteString("Available MCP servers:\n")
	for _, s := range servers {
		names := toolsByServer[s.Name]
		sort.Strings(names)
		b.WriteString(fmt.Sprintf("- %s: %s\n", s.Name, strings.Join(names, ", ")))
	}
	b.WriteString("Always call the retriever tool to find relevant tools before invoking them; do not guess tool names or call upstream servers directly.")
	return b.String()
}

func toolNameFromDisplayName(displayName string) string {
	_, name, found := strings.Cut(displayName, "__")
	if !found {
		return displayName
	}
	return name
}

func roundTo4dp(v float64) float64 {
	scaled := v * 10000
	rounded := float64(int64(scaled + sign(scaled)*0.5))
	return rounded / 10000
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// newSessionID generates a fresh six-character lowercase alphanumeric id.
func newSessionID() (string, error) {
	var b strings.Builder
	b.Grow(sessionIDLength)
	for i := 0; i < sessionIDLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(sessionIDAlphabet))))
		if err != nil {
			return "", err
		}
		b.WriteByte(sessionIDAlphabet[n.Int64()])
	}
	return b.String(), nil
}
