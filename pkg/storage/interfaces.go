// Package storage defines the persistence surface the rest of the broker
// depends on: server configuration rows, the tool catalog with its vector
// index, and per-session retrieval history. Concrete backends (currently
// only a SQLite one, under storage/sqlite) implement Store.
package storage

import (
	"context"
	"time"
)

// Server kinds, matching the transport a LiveClient opens for a ServerConfig.
const (
	KindStdio      = "stdio"
	KindSSE        = "sse"
	KindHTTPStream = "http_stream"
)

// ServerConfig is a persisted upstream server definition.
type ServerConfig struct {
	ID          string
	Name        string
	Kind        string
	URL         string
	Command     string
	Args        []string
	Headers     map[string]string
	Env         map[string]string
	Description string
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ServerPatch carries partial updates to a ServerConfig; nil fields are left
// unchanged.
type ServerPatch struct {
	Name        *string
	Kind        *string
	URL         *string
	Command     *string
	Args        *[]string
	Headers     *map[string]string
	Env         *map[string]string
	Description *string
	Enabled     *bool
}

// ServerFilter narrows ListServers / CountServers.
type ServerFilter struct {
	// Enabled filters on the enabled flag when non-nil.
	Enabled *bool
	// Kind filters on server kind when non-empty.
	Kind string
}

// ToolRecord is a catalog entry: the persisted half of an indexed tool.
type ToolRecord struct {
	ID          int64
	ToolMD5     string
	ModelName   string
	DisplayName string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SimilarTool is one hit from SearchSimilar.
type SimilarTool struct {
	ToolMD5     string
	DisplayName string
	Description string
	Distance    float64
	Similarity  float64
	CreatedAt   time.Time
}

// SessionRecord is one row of per-session retrieval history.
type SessionRecord struct {
	ToolMD5     string
	ToolName    string
	RetrievedAt time.Time
}

// SessionStats summarizes a session's retrieval history.
type SessionStats struct {
	SessionID string
	ToolCount int
}

// Store is the full persistence surface: relational CRUD over server
// configs, the tool catalog + vector index, and session history. All
// multi-row writes are atomic; a missing row on read returns a NotFound
// error (see pkg/errors); upserts never fail on duplicate keys.
type Store interface {
	CreateServer(ctx context.Context, cfg ServerConfig) (ServerConfig, error)
	GetServer(ctx context.Context, id string) (ServerConfig, error)
	ListServers(ctx context.Context, filter ServerFilter, page, limit int) ([]ServerConfig, int, error)
	UpdateServer(ctx context.Context, id string, patch ServerPatch) (ServerConfig, error)
	DeleteServer(ctx context.Context, id string) (ServerConfig, error)
	CountServers(ctx context.Context, filter ServerFilter) (int, error)

	// GetToolByMD5 looks up a ToolRecord by its identity digest and model.
	GetToolByMD5(ctx context.Context, toolMD5, modelName string) (ToolRecord, error)
	// ListToolsForServer returns every ToolRecord for modelName whose display
	// name carries serverName's "{serverName}__" prefix, ordered by
	// display_name.
	ListToolsForServer(ctx context.Context, modelName, serverName string) ([]ToolRecord, error)
	// UpsertToolWithVector atomically inserts or updates a ToolRecord,
	// stores its vector, and maintains the one-to-one ToolMapping. The
	// caller guarantees len(vector) equals the index dimension.
	UpsertToolWithVector(ctx context.Context, displayName, description, modelName string, vector []float32) (int64, error)
	// DeleteToolsForMissingServers removes every ToolRecord for modelName
	// whose display name's server prefix is not in liveServerNames.
	DeleteToolsForMissingServers(ctx context.Context, modelName string, liveServerNames []string) (int, error)
	// DeleteToolByMD5 removes every ToolRecord (and its vector/mapping)
	// matching toolMD5. When modelName is non-empty, only that model's
	// record is removed.
	DeleteToolByMD5(ctx context.Context, toolMD5, modelName string) (int, error)
	// SearchSimilar returns the topK closest tools to queryVector whose
	// similarity is >= threshold, ordered by ascending distance then
	// ascending tool id. When serverPrefixes is non-empty, only tools
	// whose display name starts with one of "{prefix}__" are considered.
	SearchSimilar(ctx context.Context, queryVector []float32, topK int, threshold float64, serverPrefixes []string) ([]SimilarTool, error)
	// ClearIndex removes every ToolRecord/vector/mapping for modelName.
	ClearIndex(ctx context.Context, modelName string) error

	GetSessionHistory(ctx context.Context, sessionID string) ([]SessionRecord, error)
	IsRetrieved(ctx context.Context, sessionID, toolMD5 string) (bool, error)
	RecordRetrieved(ctx context.Context, sessionID, toolMD5, toolName string) error
	RecordRetrievedBatch(ctx context.Context, sessionID string, records []SessionRecord) error
	ClearSession(ctx context.Context, sessionID string) error
	SessionStats(ctx context.Context, sessionID string) (SessionStats, error)

	Close() error
}
