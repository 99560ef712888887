package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	brokererr "github.com/ztxtxwd/dext/pkg/errors"
	"github.com/ztxtxwd/dext/pkg/storage"
)

const serverColumns = `id, name, kind, url, command, json(args), json(headers), json(env),
	description, enabled, created_at, updated_at`

// CreateServer inserts a new ServerConfig, assigning it a fresh id and
// timestamps.
func (s *Store) CreateServer(ctx context.Context, cfg storage.ServerConfig) (storage.ServerConfig, error) {
	if err := validateServerKind(cfg); err != nil {
		return storage.ServerConfig{}, err
	}

	argsJSON, err := encodeJSON(cfg.Args)
	if err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("encoding args", err)
	}
	headersJSON, err := encodeJSON(cfg.Headers)
	if err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("encoding headers", err)
	}
	envJSON, err := encodeJSON(cfg.Env)
	if err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("encoding env", err)
	}

	cfg.ID = uuid.New().String()
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (id, name, kind, url, command, args, headers, env, description, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, jsonb(?), jsonb(?), jsonb(?), ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, cfg.Kind, cfg.URL, cfg.Command, argsJSON, headersJSON, envJSON,
		cfg.Description, cfg.Enabled, formatTime(cfg.CreatedAt), formatTime(cfg.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ServerConfig{}, brokererr.NewConflict(fmt.Sprintf("server name %q already exists", cfg.Name), err)
		}
		return storage.ServerConfig{}, brokererr.NewInternal("inserting server", err)
	}

	return cfg, nil
}

// GetServer retrieves a ServerConfig by id.
func (s *Store) GetServer(ctx context.Context, id string) (storage.ServerConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM mcp_servers WHERE id = ?`, id)
	return scanServer(row)
}

// ListServers returns servers matching filter, paginated, plus the total
// matching count (ignoring pagination).
func (s *Store) ListServers(
	ctx context.Context, filter storage.ServerFilter, page, limit int,
) ([]storage.ServerConfig, int, error) {
	where, args := serverWhere(filter)

	total, err := s.countServersWhere(ctx, where, args)
	if err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	query := `SELECT ` + serverColumns + ` FROM mcp_servers` + where + ` ORDER BY name LIMIT ? OFFSET ?`
	queryArgs := append(append([]any{}, args...), limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, brokererr.NewInternal("listing servers", err)
	}
	defer func() { _ = rows.Close() }()

	var result []storage.ServerConfig
	for rows.Next() {
		cfg, err := scanServer(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, brokererr.NewInternal("iterating servers", err)
	}

	return result, total, nil
}

// CountServers returns the count of servers matching filter.
func (s *Store) CountServers(ctx context.Context, filter storage.ServerFilter) (int, error) {
	where, args := serverWhere(filter)
	return s.countServersWhere(ctx, where, args)
}

func (s *Store) countServersWhere(ctx context.Context, where string, args []any) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mcp_servers`+where, args...).Scan(&total)
	if err != nil {
		return 0, brokererr.NewInternal("counting servers", err)
	}
	return total, nil
}

func serverWhere(filter storage.ServerFilter) (string, []any) {
	var clauses []string
	var args []any

	if filter.Enabled != nil {
		clauses = append(clauses, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, filter.Kind)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

// UpdateServer applies patch to the server identified by id and returns the
// updated row.
func (s *Store) UpdateServer(
	ctx context.Context, id string, patch storage.ServerPatch,
) (storage.ServerConfig, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("beginning transaction", err)
	}
	defer rollback(tx)

	cfg, err := scanServer(tx.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM mcp_servers WHERE id = ?`, id))
	if err != nil {
		return storage.ServerConfig{}, err
	}

	applyServerPatch(&cfg, patch)

	if err := validateServerKind(cfg); err != nil {
		return storage.ServerConfig{}, err
	}

	cfg.UpdatedAt = time.Now().UTC()

	argsJSON, err := encodeJSON(cfg.Args)
	if err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("encoding args", err)
	}
	headersJSON, err := encodeJSON(cfg.Headers)
	if err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("encoding headers", err)
	}
	envJSON, err := encodeJSON(cfg.Env)
	if err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("encoding env", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE mcp_servers SET
			name = ?, kind = ?, url = ?, command = ?, args = jsonb(?), headers = jsonb(?),
			env = jsonb(?), description = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		cfg.Name, cfg.Kind, cfg.URL, cfg.Command, argsJSON, headersJSON, envJSON,
		cfg.Description, cfg.Enabled, formatTime(cfg.UpdatedAt), id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ServerConfig{}, brokererr.NewConflict(fmt.Sprintf("server name %q already exists", cfg.Name), err)
		}
		return storage.ServerConfig{}, brokererr.NewInternal("updating server", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("committing transaction", err)
	}

	return cfg, nil
}

// validateServerKind enforces kind=stdio => command present; kind in
// {sse, http_stream} => url present and syntactically valid.
func validateServerKind(cfg storage.ServerConfig) error {
	switch cfg.Kind {
	case storage.KindStdio:
		if cfg.Command == "" {
			return brokererr.NewValidation(fmt.Sprintf("kind %q requires command", cfg.Kind), nil)
		}
	case storage.KindSSE, storage.KindHTTPStream:
		if cfg.URL == "" {
			return brokererr.NewValidation(fmt.Sprintf("kind %q requires url", cfg.Kind), nil)
		}
		u, err := url.Parse(cfg.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return brokererr.NewValidation(fmt.Sprintf("url %q is not a valid absolute URL", cfg.URL), err)
		}
	default:
		return brokererr.NewValidation(fmt.Sprintf("unknown server kind %q", cfg.Kind), nil)
	}
	return nil
}

func applyServerPatch(cfg *storage.ServerConfig, patch storage.ServerPatch) {
	if patch.Name != nil {
		cfg.Name = *patch.Name
	}
	if patch.Kind != nil {
		cfg.Kind = *patch.Kind
	}
	if patch.URL != nil {
		cfg.URL = *patch.URL
	}
	if patch.Command != nil {
		cfg.Command = *patch.Command
	}
	if patch.Args != nil {
		cfg.Args = *patch.Args
	}
	if patch.Headers != nil {
		cfg.Headers = *patch.Headers
	}
	if patch.Env != nil {
		cfg.Env = *patch.Env
	}
	if patch.Description != nil {
		cfg.Description = *patch.Description
	}
	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}
}

// DeleteServer removes the server identified by id and returns the row as
// it was immediately before deletion.
func (s *Store) DeleteServer(ctx context.Context, id string) (storage.ServerConfig, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("beginning transaction", err)
	}
	defer rollback(tx)

	cfg, err := scanServer(tx.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM mcp_servers WHERE id = ?`, id))
	if err != nil {
		return storage.ServerConfig{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id); err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("deleting server", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("committing transaction", err)
	}

	return cfg, nil
}

func scanServer(sc scanner) (storage.ServerConfig, error) {
	var (
		cfg          storage.ServerConfig
		argsBlob     []byte
		headersBlob  []byte
		envBlob      []byte
		createdAtStr string
		updatedAtStr string
	)

	err := sc.Scan(
		&cfg.ID, &cfg.Name, &cfg.Kind, &cfg.URL, &cfg.Command, &argsBlob, &headersBlob, &envBlob,
		&cfg.Description, &cfg.Enabled, &createdAtStr, &updatedAtStr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ServerConfig{}, brokererr.NewNotFound("server not found", err)
		}
		return storage.ServerConfig{}, brokererr.NewInternal("scanning server row", err)
	}

	cfg.Args, err = decodeStringSlice(argsBlob)
	if err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("decoding args", err)
	}
	cfg.Headers, err = decodeStringMap(headersBlob)
	if err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("decoding headers", err)
	}
	cfg.Env, err = decodeStringMap(envBlob)
	if err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("decoding env", err)
	}
	cfg.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("parsing created_at", err)
	}
	cfg.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return storage.ServerConfig{}, brokererr.NewInternal("parsing updated_at", err)
	}

	return cfg, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
