// Package restapi exposes server configuration, catalog, and session state
// over a conventional JSON REST surface alongside the MCP endpoint.
package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	brokererr "github.com/ztxtxwd/dext/pkg/errors"
	"github.com/ztxtxwd/dext/pkg/logger"
	"github.com/ztxtxwd/dext/pkg/storage"
)

const (
	middlewareTimeout = 60 * time.Second
	defaultPage       = 1
	defaultLimit      = 20
)

// registryCore is the subset of *registry.Registry the REST surface needs.
type registryCore interface {
	CreateServer(ctx context.Context, cfg storage.ServerConfig, strict bool) (storage.ServerConfig, error)
	UpdateServer(ctx context.Context, id string, patch storage.ServerPatch) (storage.ServerConfig, error)
	DeleteServer(ctx context.Context, id string) (storage.ServerConfig, error)
	RefreshCatalog(ctx context.Context) error
}

// ToolView is one entry of ServerView.Tools.
type ToolView struct {
	ToolName    string    `json:"tool_name"`
	DisplayName string    `json:"display_name"`
	ToolMD5     string    `json:"tool_md5"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// ServerView mirrors storage.ServerConfig over the wire, optionally carrying
// its current tool catalog.
type ServerView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Kind        string            `json:"kind"`
	URL         string            `json:"url,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	Enabled     bool              `json:"enabled"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Tools       []ToolView        `json:"tools,omitempty"`
}

func newServerView(cfg storage.ServerConfig) ServerView {
	return ServerView{
		ID:          cfg.ID,
		Name:        cfg.Name,
		Kind:        cfg.Kind,
		URL:         cfg.URL,
		Command:     cfg.Command,
		Args:        cfg.Args,
		Headers:     cfg.Headers,
		Env:         cfg.Env,
		Description: cfg.Description,
		Enabled:     cfg.Enabled,
		CreatedAt:   cfg.CreatedAt,
		UpdatedAt:   cfg.UpdatedAt,
	}
}

// ServerCreate is the POST /mcp-servers request body.
type ServerCreate struct {
	Name        string            `json:"name"`
	Kind        string            `json:"kind"`
	URL         string            `json:"url,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	Enabled     bool              `json:"enabled"`
}

// ServerPatch is the PUT /mcp-servers/:id request body; nil fields leave
// the corresponding column unchanged.
type ServerPatch struct {
	Name        *string            `json:"name,omitempty"`
	Kind        *string            `json:"kind,omitempty"`
	URL         *string            `json:"url,omitempty"`
	Command     *string            `json:"command,omitempty"`
	Args        *[]string          `json:"args,omitempty"`
	Headers     *map[string]string `json:"headers,omitempty"`
	Env         *map[string]string `json:"env,omitempty"`
	Description *string            `json:"description,omitempty"`
	Enabled     *bool              `json:"enabled,omitempty"`
}

func (p ServerPatch) toStoragePatch() storage.ServerPatch {
	return storage.ServerPatch{
		Name:        p.Name,
		Kind:        p.Kind,
		URL:         p.URL,
		Command:     p.Command,
		Args:        p.Args,
		Headers:     p.Headers,
		Env:         p.Env,
		Description: p.Description,
		Enabled:     p.Enabled,
	}
}

type paginationView struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// Router builds the chi router mounted under /api. authToken, when
// non-empty, requires a matching "Authorization: Bearer <token>" header on
// every request.
func Router(store storage.Store, reg registryCore, modelName, authToken, serverName, version string) http.Handler {
	routes := &routes{store: store, reg: reg, modelName: modelName, serverName: serverName, version: version}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, middleware.Timeout(middlewareTimeout))
	if authToken != "" {
		r.Use(bearerAuth(authToken))
	}

	r.Get("/health", routes.health)

	r.Route("/mcp-servers", func(r chi.Router) {
		r.Get("/", routes.listServers)
		r.Post("/", routes.createServer)
		r.Get("/{id}", routes.getServer)
		r.Put("/{id}", routes.updateServer)
		r.Delete("/{id}", routes.deleteServer)
		r.Post("/{id}/refresh", routes.refreshServer)
	})

	r.Get("/sessions/{id}", routes.getSession)

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != token {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type routes struct {
	store      storage.Store
	reg        registryCore
	modelName  string
	serverName string
	version    string
}

func (rt *routes) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"server":    rt.serverName,
		"version":   rt.version,
	})
}

func (rt *routes) listServers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := storage.ServerFilter{Kind: q.Get("server_type")}
	if v := q.Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "enabled must be a boolean")
			return
		}
		filter.Enabled = &enabled
	}

	page := parseIntOrDefault(q.Get("page"), defaultPage)
	limit := parseIntOrDefault(q.Get("limit"), defaultLimit)
	includeTools := q.Get("include_tools") == "true"

	servers, total, err := rt.store.ListServers(ctx, filter, page, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]ServerView, len(servers))
	for i, s := range servers {
		view := newServerView(s)
		if includeTools {
			tools, err := rt.toolViews(ctx, s.Name)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			view.Tools = tools
		}
		views[i] = view
	}

	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": views,
		"pagination": paginationView{
			Page: page, Limit: limit, Total: total, TotalPages: totalPages,
		},
	})
}

func (rt *routes) toolViews(ctx context.Context, serverName string) ([]ToolView, error) {
	records, err := rt.store.ListToolsForServer(ctx, rt.modelName, serverName)
	if err != nil {
		return nil, err
	}
	views := make([]ToolView, len(records))
	for i, rec := range records {
		views[i] = ToolView{
			ToolName:    toolNameFromDisplayName(rec.DisplayName),
			DisplayName: rec.DisplayName,
			ToolMD5:     rec.ToolMD5,
			Description: rec.Description,
			CreatedAt:   rec.CreatedAt,
		}
	}
	return views, nil
}

func toolNameFromDisplayName(displayName string) string {
	_, name, found := strings.Cut(displayName, "__")
	if !found {
		return displayName
	}
	return name
}

func (rt *routes) getServer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	cfg, err := rt.store.GetServer(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	view := newServerView(cfg)
	if r.URL.Query().Get("include_tools") == "true" {
		tools, err := rt.toolViews(ctx, cfg.Name)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		view.Tools = tools
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": view})
}

func (rt *routes) createServer(w http.ResponseWriter, r *http.Request) {
	var body ServerCreate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" || body.Kind == "" {
		writeError(w, http.StatusBadRequest, "name and kind are required")
		return
	}

	created, err := rt.reg.CreateServer(r.Context(), storage.ServerConfig{
		Name:        body.Name,
		Kind:        body.Kind,
		URL:         body.URL,
		Command:     body.Command,
		Args:        body.Args,
		Headers:     body.Headers,
		Env:         body.Env,
		Description: body.Description,
		Enabled:     body.Enabled,
	}, false)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"data": newServerView(created)})
}

func (rt *routes) updateServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body ServerPatch
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := rt.reg.UpdateServer(r.Context(), id, body.toStoragePatch())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": newServerView(updated)})
}

func (rt *routes) deleteServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := rt.reg.DeleteServer(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deleted_id":          deleted.ID,
		"deleted_server_name": deleted.Name,
	})
}

func (rt *routes) refreshServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	if _, err := rt.store.GetServer(ctx, id); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := rt.reg.RefreshCatalog(ctx); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"refreshed": true})
}

func (rt *routes) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	stats, err := rt.store.SessionStats(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	history, err := rt.store.GetSessionHistory(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"session_id": stats.SessionID,
			"tool_count": stats.ToolCount,
			"history":    history,
		},
	})
}

func parseIntOrDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps a *errors.Error kind to its HTTP status, per
// Validation/Conflict -> 400/409, NotFound -> 404, everything else -> 500.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := brokererr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case brokererr.KindValidation:
		status = http.StatusBadRequest
	case brokererr.KindConflict:
		status = http.StatusConflict
	case brokererr.KindNotFound:
		status = http.StatusNotFound
	}
	if kind == "" {
		kind = brokererr.KindInternal
	}
	logger.Errorf("request failed: %v", err)
	writeJSON(w, status, map[string]string{"kind": kind, "error": err.Error()})
}
