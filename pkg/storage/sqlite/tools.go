package sqlite

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 is the spec's tool-identity digest, not a security boundary
	"database/sql"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	brokererr "github.com/ztxtxwd/dext/pkg/errors"
	"github.com/ztxtxwd/dext/pkg/storage"
)

// toolMD5 computes the tool-identity digest: the MD5 of displayName and
// description concatenated with no separator, both trimmed first.
func toolMD5(displayName, description string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(displayName) + strings.TrimSpace(description))) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// GetToolByMD5 looks up a ToolRecord by its identity digest and model.
func (s *Store) GetToolByMD5(ctx context.Context, toolMD5, modelName string) (storage.ToolRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tool_md5, model_name, display_name, description, created_at, updated_at
		FROM tool_records WHERE tool_md5 = ? AND model_name = ?`, toolMD5, modelName)

	var (
		rec          storage.ToolRecord
		createdAtStr string
		updatedAtStr string
	)
	err := row.Scan(&rec.ID, &rec.ToolMD5, &rec.ModelName, &rec.DisplayName, &rec.Description, &createdAtStr, &updatedAtStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ToolRecord{}, brokererr.NewNotFound("tool not found", err)
		}
		return storage.ToolRecord{}, brokererr.NewInternal("scanning tool record", err)
	}

	rec.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return storage.ToolRecord{}, brokererr.NewInternal("parsing created_at", err)
	}
	rec.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return storage.ToolRecord{}, brokererr.NewInternal("parsing updated_at", err)
	}

	return rec, nil
}

// ListToolsForServer returns every ToolRecord for modelName whose display
// name carries serverName's "{serverName}__" prefix, ordered by display
// name.
func (s *Store) ListToolsForServer(ctx context.Context, modelName, serverName string) ([]storage.ToolRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_md5, model_name, display_name, description, created_at, updated_at
		FROM tool_records
		WHERE model_name = ? AND display_name LIKE ? ESCAPE '\'
		ORDER BY display_name`,
		modelName, escapeLike(serverName)+"\\_\\_%",
	)
	if err != nil {
		return nil, brokererr.NewInternal("listing tools for server", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.ToolRecord
	for rows.Next() {
		var (
			rec          storage.ToolRecord
			createdAtStr string
			updatedAtStr string
		)
		if err := rows.Scan(&rec.ID, &rec.ToolMD5, &rec.ModelName, &rec.DisplayName, &rec.Description, &createdAtStr, &updatedAtStr); err != nil {
			return nil, brokererr.NewInternal("scanning tool record", err)
		}
		rec.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, brokererr.NewInternal("parsing created_at", err)
		}
		rec.UpdatedAt, err = parseTime(updatedAtStr)
		if err != nil {
			return nil, brokererr.NewInternal("parsing updated_at", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, brokererr.NewInternal("iterating tool records", err)
	}
	return out, nil
}

// escapeLike escapes LIKE wildcards in s so it can be used as a literal
// prefix with ESCAPE '\'.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

// UpsertToolWithVector inserts a new ToolRecord + vector, or updates an
// existing one in place when (tool_md5, model_name) already exists. Either
// way, on return the ToolRecord has exactly one ToolVector.
func (s *Store) UpsertToolWithVector(
	ctx context.Context, displayName, description, modelName string, vector []float32,
) (int64, error) {
	md5Hex := toolMD5(displayName, description)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, brokererr.NewInternal("beginning transaction", err)
	}
	defer rollback(tx)

	var toolID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM tool_records WHERE tool_md5 = ? AND model_name = ?`, md5Hex, modelName,
	).Scan(&toolID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		toolID, err = insertTool(ctx, tx, md5Hex, modelName, displayName, description, vector)
		if err != nil {
			return 0, err
		}
	case err != nil:
		return 0, brokererr.NewInternal("looking up tool", err)
	default:
		if err := updateTool(ctx, tx, toolID, displayName, description, vector); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, brokererr.NewInternal("committing transaction", err)
	}

	return toolID, nil
}

func insertTool(
	ctx context.Context, tx *sql.Tx, md5Hex, modelName, displayName, description string, vector []float32,
) (int64, error) {
	now := formatTime(time.Now())

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tool_records (tool_md5, model_name, display_name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		md5Hex, modelName, displayName, description, now, now,
	)
	if err != nil {
		return 0, brokererr.NewInternal("inserting tool record", err)
	}
	toolID, err := res.LastInsertId()
	if err != nil {
		return 0, brokererr.NewInternal("getting tool id", err)
	}

	vecRes, err := tx.ExecContext(ctx,
		`INSERT INTO tool_vectors (model_name, dimension, vector) VALUES (?, ?, ?)`,
		modelName, len(vector), encodeVector(vector),
	)
	if err != nil {
		return 0, brokererr.NewInternal("inserting tool vector", err)
	}
	vecRowID, err := vecRes.LastInsertId()
	if err != nil {
		return 0, brokererr.NewInternal("getting vector rowid", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tool_mapping (vec_rowid, tool_id) VALUES (?, ?)`, vecRowID, toolID,
	); err != nil {
		return 0, brokererr.NewInternal("inserting tool mapping", err)
	}

	return toolID, nil
}

func updateTool(ctx context.Context, tx *sql.Tx, toolID int64, displayName, description string, vector []float32) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE tool_records SET display_name = ?, description = ?, updated_at = ? WHERE id = ?`,
		displayName, description, formatTime(time.Now()), toolID,
	); err != nil {
		return brokererr.NewInternal("updating tool record", err)
	}

	var vecRowID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT vec_rowid FROM tool_mapping WHERE tool_id = ?`, toolID,
	).Scan(&vecRowID); err != nil {
		return brokererr.NewInternal("looking up tool vector", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tool_vectors SET dimension = ?, vector = ? WHERE rowid = ?`,
		len(vector), encodeVector(vector), vecRowID,
	); err != nil {
		return brokererr.NewInternal("updating tool vector", err)
	}

	return nil
}

// DeleteToolByMD5 removes every ToolRecord matching toolMD5 (optionally
// narrowed to modelName) along with its vector and mapping, all within one
// transaction.
func (s *Store) DeleteToolByMD5(ctx context.Context, toolMD5, modelName string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, brokererr.NewInternal("beginning transaction", err)
	}
	defer rollback(tx)

	query := `SELECT tr.id, tm.vec_rowid FROM tool_records tr JOIN tool_mapping tm ON tm.tool_id = tr.id WHERE tr.tool_md5 = ?`
	args := []any{toolMD5}
	if modelName != "" {
		query += ` AND tr.model_name = ?`
		args = append(args, modelName)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, brokererr.NewInternal("finding tools to delete", err)
	}

	type match struct{ toolID, vecRowID int64 }
	var matches []match
	for rows.Next() {
		var m match
		if err := rows.Scan(&m.toolID, &m.vecRowID); err != nil {
			_ = rows.Close()
			return 0, brokererr.NewInternal("scanning tool to delete", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, brokererr.NewInternal("iterating tools to delete", err)
	}
	_ = rows.Close()

	for _, m := range matches {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tool_mapping WHERE tool_id = ?`, m.toolID); err != nil {
			return 0, brokererr.NewInternal("deleting tool mapping", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tool_vectors WHERE rowid = ?`, m.vecRowID); err != nil {
			return 0, brokererr.NewInternal("deleting tool vector", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tool_records WHERE id = ?`, m.toolID); err != nil {
			return 0, brokererr.NewInternal("deleting tool record", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, brokererr.NewInternal("committing transaction", err)
	}

	return len(matches), nil
}

// SearchSimilar scans the catalog for the topK closest tools to
// queryVector with similarity >= threshold. The catalog is expected to stay
// small enough (<= ~10^4 tools) that a brute-force scan is acceptable; no
// sqlite vector extension is assumed.
func (s *Store) SearchSimilar(
	ctx context.Context, queryVector []float32, topK int, threshold float64, serverPrefixes []string,
) ([]storage.SimilarTool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tr.id, tr.tool_md5, tr.display_name, tr.description, tr.created_at, tv.vector
		FROM tool_records tr
		JOIN tool_mapping tm ON tm.tool_id = tr.id
		JOIN tool_vectors tv ON tv.rowid = tm.vec_rowid`)
	if err != nil {
		return nil, brokererr.NewInternal("scanning catalog", err)
	}
	defer func() { _ = rows.Close() }()

	type candidate struct {
		toolID     int64
		similarity float64
		hit        storage.SimilarTool
	}
	var candidates []candidate

	for rows.Next() {
		var (
			toolID       int64
			md5Hex       string
			displayName  string
			description  string
			createdAtStr string
			vecBlob      []byte
		)
		if err := rows.Scan(&toolID, &md5Hex, &displayName, &description, &createdAtStr, &vecBlob); err != nil {
			return nil, brokererr.NewInternal("scanning catalog row", err)
		}

		if !matchesPrefixes(displayName, serverPrefixes) {
			continue
		}

		similarity := cosineSimilarity(queryVector, decodeVector(vecBlob))
		if similarity < threshold {
			continue
		}

		createdAt, err := parseTime(createdAtStr)
		if err != nil {
			return nil, brokererr.NewInternal("parsing tool created_at", err)
		}

		candidates = append(candidates, candidate{
			toolID:     toolID,
			similarity: similarity,
			hit: storage.SimilarTool{
				ToolMD5:     md5Hex,
				DisplayName: displayName,
				Description: description,
				Distance:    1 - similarity,
				Similarity:  similarity,
				CreatedAt:   createdAt,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, brokererr.NewInternal("iterating catalog", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].hit.Distance != candidates[j].hit.Distance {
			return candidates[i].hit.Distance < candidates[j].hit.Distance
		}
		return candidates[i].toolID < candidates[j].toolID
	})

	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}

	out := make([]storage.SimilarTool, len(candidates))
	for i, c := range candidates {
		out[i] = c.hit
	}
	return out, nil
}

func matchesPrefixes(displayName string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(displayName, p+"__") {
			return true
		}
	}
	return false
}

// ClearIndex removes every ToolRecord (and its vector/mapping) for
// modelName.
func (s *Store) ClearIndex(ctx context.Context, modelName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return brokererr.NewInternal("beginning transaction", err)
	}
	defer rollback(tx)

	rows, err := tx.QueryContext(ctx,
		`SELECT tm.vec_rowid FROM tool_mapping tm JOIN tool_records tr ON tr.id = tm.tool_id WHERE tr.model_name = ?`,
		modelName,
	)
	if err != nil {
		return brokererr.NewInternal("finding vectors to clear", err)
	}
	var vecRowIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return brokererr.NewInternal("scanning vector rowid", err)
		}
		vecRowIDs = append(vecRowIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return brokererr.NewInternal("iterating vectors to clear", err)
	}
	_ = rows.Close()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tool_mapping WHERE tool_id IN (SELECT id FROM tool_records WHERE model_name = ?)`, modelName,
	); err != nil {
		return brokererr.NewInternal("clearing tool mapping", err)
	}
	for _, id := range vecRowIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tool_vectors WHERE rowid = ?`, id); err != nil {
			return brokererr.NewInternal("clearing tool vector", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_records WHERE model_name = ?`, modelName); err != nil {
		return brokererr.NewInternal("clearing tool records", err)
	}

	if err := tx.Commit(); err != nil {
		return brokererr.NewInternal("committing transaction", err)
	}
	return nil
}

// DeleteToolsForMissingServers removes every ToolRecord for modelName whose
// display name's "{server}__" prefix is not among liveServerNames. Used by
// catalog refresh to drop tools belonging to servers that no longer exist.
func (s *Store) DeleteToolsForMissingServers(ctx context.Context, modelName string, liveServerNames []string) (int, error) {
	live := make(map[string]struct{}, len(liveServerNames))
	for _, n := range liveServerNames {
		live[n] = struct{}{}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_md5, display_name FROM tool_records WHERE model_name = ?`, modelName)
	if err != nil {
		return 0, brokererr.NewInternal("finding tools for missing servers", err)
	}

	var stale []string
	for rows.Next() {
		var md5Hex, displayName string
		if err := rows.Scan(&md5Hex, &displayName); err != nil {
			_ = rows.Close()
			return 0, brokererr.NewInternal("scanning tool record", err)
		}
		server, _, found := strings.Cut(displayName, "__")
		if !found {
			continue
		}
		if _, ok := live[server]; !ok {
			stale = append(stale, md5Hex)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, brokererr.NewInternal("iterating tool records", err)
	}
	_ = rows.Close()

	deleted := 0
	for _, md5Hex := range stale {
		n, err := s.DeleteToolByMD5(ctx, md5Hex, modelName)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}
