// Package registry owns the lifecycle of upstream MCP servers: persisted
// configuration CRUD plus the in-memory live connections those configs
// describe. It is the only component that spawns or tears down
// LiveClients, and the only source of truth for "what tools exist right
// now" that the Executor trusts.
package registry

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ztxtxwd/dext/pkg/indexer"
	"github.com/ztxtxwd/dext/pkg/logger"
	"github.com/ztxtxwd/dext/pkg/storage"
)

// maxConcurrentCatalogQueries bounds how many LiveClients are queried for
// their current tools at once during a catalog refresh or snapshot.
const maxConcurrentCatalogQueries = 10

// SnapshotEntry pairs a live tool with the server that serves it.
type SnapshotEntry struct {
	ServerName string
	Tool       ToolInfo
}

// Registry maintains ServerConfig rows in Persistence and an in-memory
// name -> LiveClient map. Mutations to a given server name are serialized;
// reads of the map take a lock-free snapshot.
type Registry struct {
	store     storage.Store
	indexer   *indexer.Indexer
	modelName string
	connect   connectFunc

	mu      sync.Mutex
	clients map[string]LiveClient
}

// New creates a Registry backed by store, driving catalog refresh through
// idx and indexing under modelName.
func New(store storage.Store, idx *indexer.Indexer, modelName string) *Registry {
	return &Registry{store: store, indexer: idx, modelName: modelName, connect: connect, clients: map[string]LiveClient{}}
}

// NewWithConnector builds a Registry with a caller-supplied connector,
// bypassing the real MCP transport dial. Used by tests in this package and
// by dependents (like the retrieval engine's tests) that need a Registry
// backed by fake LiveClients.
func NewWithConnector(store storage.Store, idx *indexer.Indexer, modelName string, connect connectFunc) *Registry {
	r := New(store, idx, modelName)
	r.connect = connect
	return r
}

// LoadAndConnectAll connects every enabled server on process start. Connect
// failures are logged and leave the server disconnected rather than
// aborting startup.
func (r *Registry) LoadAndConnectAll(ctx context.Context) error {
	enabled := true
	servers, _, err := r.store.ListServers(ctx, storage.ServerFilter{Enabled: &enabled}, 1, 1<<30)
	if err != nil {
		return err
	}

	for _, cfg := range servers {
		r.connectAndStore(ctx, cfg)
	}
	return nil
}

func (r *Registry) connectAndStore(ctx context.Context, cfg storage.ServerConfig) {
	client, err := r.connect(ctx, cfg)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		logger.Warnf("connecting to server %q failed: %v", cfg.Name, err)
		r.clients[cfg.Name] = disconnectedClient{cause: err}
		return
	}
	r.clients[cfg.Name] = client
}

// CreateServer persists cfg and, if enabled, connects it. By default a
// connect failure is surfaced but the row still persists; pass strict=true
// to roll back the row instead.
func (r *Registry) CreateServer(ctx context.Context, cfg storage.ServerConfig, strict bool) (storage.ServerConfig, error) {
	created, err := r.store.CreateServer(ctx, cfg)
	if err != nil {
		return storage.ServerConfig{}, err
	}

	if !created.Enabled {
		return created, nil
	}

	client, err := r.connect(ctx, created)
	if err != nil {
		if strict {
			_, _ = r.store.DeleteServer(ctx, created.ID)
			return storage.ServerConfig{}, err
		}
		logger.Warnf("connecting to server %q failed: %v", created.Name, err)
		r.setClient(created.Name, disconnectedClient{cause: err})
		return created, nil
	}

	r.setClient(created.Name, client)
	if err := r.RefreshCatalog(ctx); err != nil {
		logger.Warnf("catalog refresh after creating %q failed: %v", created.Name, err)
	}
	return created, nil
}

// UpdateServer applies patch and reconnects the LiveClient if enabled or
// any connection-relevant field changed.
func (r *Registry) UpdateServer(ctx context.Context, id string, patch storage.ServerPatch) (storage.ServerConfig, error) {
	before, err := r.store.GetServer(ctx, id)
	if err != nil {
		return storage.ServerConfig{}, err
	}

	after, err := r.store.UpdateServer(ctx, id, patch)
	if err != nil {
		return storage.ServerConfig{}, err
	}

	if connectionRelevantChange(before, after) {
		r.disconnect(before.Name)
		if after.Enabled {
			client, err := r.connect(ctx, after)
			if err != nil {
				logger.Warnf("reconnecting server %q failed: %v", after.Name, err)
				r.setClient(after.Name, disconnectedClient{cause: err})
			} else {
				r.setClient(after.Name, client)
			}
		}
		if err := r.RefreshCatalog(ctx); err != nil {
			logger.Warnf("catalog refresh after updating %q failed: %v", after.Name, err)
		}
	}

	return after, nil
}

func connectionRelevantChange(before, after storage.ServerConfig) bool {
	if before.Enabled != after.Enabled || before.Name != after.Name {
		return true
	}
	if before.Kind != after.Kind || before.URL != after.URL || before.Command != after.Command {
		return true
	}
	if fmt.Sprint(before.Args) != fmt.Sprint(after.Args) {
		return true
	}
	if fmt.Sprint(before.Headers) != fmt.Sprint(after.Headers) || fmt.Sprint(before.Env) != fmt.Sprint(after.Env) {
		return true
	}
	return false
}

// ToggleServer is a convenience wrapper over UpdateServer that flips only
// the enabled flag.
func (r *Registry) ToggleServer(ctx context.Context, id string, enabled bool) (storage.ServerConfig, error) {
	return r.UpdateServer(ctx, id, storage.ServerPatch{Enabled: &enabled})
}

// DeleteServer disconnects the LiveClient (if any) then removes the row.
// A disconnect failure never blocks the row deletion.
func (r *Registry) DeleteServer(ctx context.Context, id string) (storage.ServerConfig, error) {
	cfg, err := r.store.GetServer(ctx, id)
	if err != nil {
		return storage.ServerConfig{}, err
	}

	r.disconnect(cfg.Name)

	deleted, err := r.store.DeleteServer(ctx, id)
	if err != nil {
		return storage.ServerConfig{}, err
	}
	return deleted, nil
}

func (r *Registry) setClient(name string, c LiveClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = c
}

func (r *Registry) disconnect(name string) {
	r.mu.Lock()
	client, ok := r.clients[name]
	delete(r.clients, name)
	r.mu.Unlock()

	if ok {
		if err := client.Close(); err != nil {
			logger.Warnf("closing client for %q: %v", name, err)
		}
	}
}

// snapshot returns a lock-free copy of the current name -> LiveClient map.
func (r *Registry) snapshot() map[string]LiveClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]LiveClient, len(r.clients))
	for k, v := range r.clients {
		out[k] = v
	}
	return out
}

// queryAllTools fetches GetTools from every client concurrently, bounded by
// maxConcurrentCatalogQueries, logging and skipping any client that errors.
func queryAllTools(ctx context.Context, clients map[string]LiveClient) map[string][]ToolInfo {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentCatalogQueries)

	var mu sync.Mutex
	results := make(map[string][]ToolInfo, len(clients))

	for name, client := range clients {
		name, client := name, client
		g.Go(func() error {
			tools, err := client.GetTools(gCtx)
			if err != nil {
				logger.Warnf("listing tools for %q failed: %v", name, err)
				return nil
			}
			mu.Lock()
			results[name] = tools
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // errors are logged per-client above; never aborts the whole query

	return results
}

// RefreshCatalog walks every LiveClient, indexes its current tools, and
// removes ToolRecords belonging to servers that no longer exist.
func (r *Registry) RefreshCatalog(ctx context.Context) error {
	clients := r.snapshot()
	byServer := queryAllTools(ctx, clients)

	var tools []indexer.Tool
	liveNames := make([]string, 0, len(clients))
	for name := range clients {
		liveNames = append(liveNames, name)
		for _, t := range byServer[name] {
			tools = append(tools, indexer.Tool{
				ServerName:   name,
				ToolName:     t.Name,
				Description:  t.Description,
				InputSchema:  t.InputSchema,
				OutputSchema: t.OutputSchema,
			})
		}
	}

	r.indexer.IndexCatalog(ctx, tools, r.modelName)

	if _, err := r.store.DeleteToolsForMissingServers(ctx, r.modelName, liveNames); err != nil {
		return err
	}
	return nil
}

// Snapshot enumerates every currently-live tool across all servers.
func (r *Registry) Snapshot(ctx context.Context) []SnapshotEntry {
	clients := r.snapshot()
	byServer := queryAllTools(ctx, clients)

	var entries []SnapshotEntry
	for name, tools := range byServer {
		for _, t := range tools {
			entries = append(entries, SnapshotEntry{ServerName: name, Tool: t})
		}
	}
	return entries
}

// FindLiveToolByMD5 scans every LiveClient's current catalog, recomputing
// each tool's identity digest, and returns the first live tool matching
// toolMD5. This mirrors the Executor's resolution rule so that retrieval
// results always carry schemas that reflect current live state rather than
// the (possibly stale) persisted catalog.
func (r *Registry) FindLiveToolByMD5(ctx context.Context, toolMD5 string) (SnapshotEntry, bool) {
	for _, entry := range r.Snapshot(ctx) {
		displayName := indexer.DisplayName(entry.ServerName, entry.Tool.Name)
		if indexer.ToolMD5(displayName, entry.Tool.Description) == toolMD5 {
			return entry, true
		}
	}
	return SnapshotEntry{}, false
}

// Invoke dispatches a tool call to the named server's LiveClient.
func (r *Registry) Invoke(ctx context.Context, serverName, toolName string, params map[string]any) (any, error) {
	r.mu.Lock()
	client, ok := r.clients[serverName]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("server %q has no live client", serverName)
	}
	return client.Invoke(ctx, toolName, params)
}

// Close disconnects every LiveClient.
func (r *Registry) Close() {
	clients := r.snapshot()
	for name, client := range clients {
		if err := client.Close(); err != nil {
			logger.Warnf("closing client for %q: %v", name, err)
		}
	}
}
