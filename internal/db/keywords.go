package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

var errEmptyFilter = errors.New("refusing to modify keywords without a filter")

const keywordColumns = `id, keyword, device, country, domain, position, url, history, last_result,
	last_updated, updating, last_update_error, volume, tags, added_at`

// KeywordRepository stores keywords in PostgreSQL. JSON columns are encoded
// and decoded here and nowhere else.
type KeywordRepository struct {
	client *sql.DB
}

// Keywords returns the keyword repository for this connection.
func (db *DB) Keywords() *KeywordRepository {
	return &KeywordRepository{client: db.client}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKeyword(row rowScanner) (*keywords.Keyword, error) {
	var (
		k           keywords.Keyword
		history     []byte
		lastResult  []byte
		lastUpdated sql.NullTime
		lastErr     []byte
		tags        pq.StringArray
	)

	err := row.Scan(&k.ID, &k.Keyword, &k.Device, &k.Country, &k.Domain, &k.Position, &k.URL,
		&history, &lastResult, &lastUpdated, &k.Updating, &lastErr, &k.Volume, &tags, &k.AddedAt)
	if err != nil {
		return nil, err
	}

	k.History = make(keywords.History)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &k.History); err != nil {
			return nil, fmt.Errorf("keyword %d: %w", k.ID, err)
		}
	}
	if len(lastResult) > 0 {
		if err := json.Unmarshal(lastResult, &k.LastResult); err != nil {
			return nil, fmt.Errorf("keyword %d: decode last result: %w", k.ID, err)
		}
	}
	if lastUpdated.Valid {
		t := lastUpdated.Time
		k.LastUpdated = &t
	}
	if k.LastUpdateError, err = keywords.DecodeLastUpdateError(lastErr); err != nil {
		return nil, fmt.Errorf("keyword %d: %w", k.ID, err)
	}
	k.Tags = []string(tags)

	return &k, nil
}

// whereClause renders filter as SQL, numbering placeholders from len(args)+1.
func whereClause(filter keywords.Filter, args []any) (string, []any) {
	var conds []string
	if len(filter.IDs) > 0 {
		args = append(args, pq.Array(filter.IDs))
		conds = append(conds, fmt.Sprintf("id = ANY($%d)", len(args)))
	}
	if filter.Domain != "" {
		args = append(args, filter.Domain)
		conds = append(conds, fmt.Sprintf("domain = $%d", len(args)))
	}
	if filter.Updating != nil {
		args = append(args, *filter.Updating)
		conds = append(conds, fmt.Sprintf("updating = $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func isEmptyFilter(filter keywords.Filter) bool {
	return len(filter.IDs) == 0 && filter.Domain == "" && filter.Updating == nil
}

func (r *KeywordRepository) FindAll(ctx context.Context, filter keywords.Filter) ([]*keywords.Keyword, error) {
	where, args := whereClause(filter, nil)
	query := "SELECT " + keywordColumns + " FROM keywords" + where + " ORDER BY id"

	rows, err := r.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query keywords: %w", err)
	}
	defer rows.Close()

	result := make([]*keywords.Keyword, 0)
	for rows.Next() {
		k, err := scanKeyword(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan keyword: %w", err)
		}
		result = append(result, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keywords: %w", err)
	}

	return result, nil
}

func (r *KeywordRepository) FindOne(ctx context.Context, filter keywords.Filter) (*keywords.Keyword, error) {
	where, args := whereClause(filter, nil)
	query := "SELECT " + keywordColumns + " FROM keywords" + where + " ORDER BY id LIMIT 1"

	k, err := scanKeyword(r.client.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, keywords.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get keyword: %w", err)
	}
	return k, nil
}

func (r *KeywordRepository) Update(ctx context.Context, filter keywords.Filter, patch keywords.Patch) (int64, error) {
	if isEmptyFilter(filter) {
		return 0, errEmptyFilter
	}

	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Updating != nil {
		set("updating", *patch.Updating)
	}
	if patch.Position != nil {
		set("position", *patch.Position)
	}
	if patch.URL != nil {
		set("url", *patch.URL)
	}
	if patch.History != nil {
		data, err := json.Marshal(patch.History)
		if err != nil {
			return 0, fmt.Errorf("failed to encode history: %w", err)
		}
		set("history", data)
	}
	if patch.LastResult != nil {
		data, err := json.Marshal(patch.LastResult)
		if err != nil {
			return 0, fmt.Errorf("failed to encode last result: %w", err)
		}
		set("last_result", data)
	}
	if patch.LastUpdated != nil {
		set("last_updated", patch.LastUpdated.UTC())
	}
	if patch.Volume != nil {
		set("volume", *patch.Volume)
	}
	if patch.SetLastUpdateError {
		data, err := keywords.EncodeLastUpdateError(patch.LastUpdateError)
		if err != nil {
			return 0, fmt.Errorf("failed to encode last update error: %w", err)
		}
		set("last_update_error", data)
	}

	if len(sets) == 0 {
		return 0, nil
	}

	where, args := whereClause(filter, args)
	query := "UPDATE keywords SET " + strings.Join(sets, ", ") + where

	res, err := r.client.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update keywords: %w", err)
	}
	return res.RowsAffected()
}

// BulkCreate inserts records in one transaction. A record that duplicates
// an existing (keyword, device, country, domain) tuple is skipped.
func (r *KeywordRepository) BulkCreate(ctx context.Context, records []*keywords.Keyword) ([]*keywords.Keyword, error) {
	tx, err := r.client.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO keywords (keyword, device, country, domain, history, last_result, tags, added_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (keyword, device, country, domain) DO NOTHING
		RETURNING ` + keywordColumns

	created := make([]*keywords.Keyword, 0, len(records))
	for _, rec := range records {
		history := rec.History
		if history == nil {
			history = keywords.History{}
		}
		historyJSON, encErr := json.Marshal(history)
		if encErr != nil {
			err = fmt.Errorf("failed to encode history: %w", encErr)
			return nil, err
		}
		lastResult := rec.LastResult
		if lastResult == nil {
			lastResult = []keywords.SearchResult{}
		}
		lastResultJSON, encErr := json.Marshal(lastResult)
		if encErr != nil {
			err = fmt.Errorf("failed to encode last result: %w", encErr)
			return nil, err
		}
		tags := rec.Tags
		if tags == nil {
			tags = []string{}
		}
		addedAt := rec.AddedAt
		if addedAt.IsZero() {
			addedAt = time.Now().UTC()
		}

		k, scanErr := scanKeyword(tx.QueryRowContext(ctx, query,
			rec.Keyword, rec.Device, rec.Country, rec.Domain,
			historyJSON, lastResultJSON, pq.Array(tags), addedAt))
		if errors.Is(scanErr, sql.ErrNoRows) {
			log.Debug().
				Str("keyword", rec.Keyword).
				Str("domain", rec.Domain).
				Msg("Keyword already tracked, skipping")
			continue
		}
		if scanErr != nil {
			err = fmt.Errorf("failed to insert keyword: %w", scanErr)
			return nil, err
		}
		created = append(created, k)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit keywords: %w", err)
	}
	return created, nil
}

func (r *KeywordRepository) Destroy(ctx context.Context, filter keywords.Filter) (int64, error) {
	if isEmptyFilter(filter) {
		return 0, errEmptyFilter
	}

	where, args := whereClause(filter, nil)
	res, err := r.client.ExecContext(ctx, "DELETE FROM keywords"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete keywords: %w", err)
	}
	return res.RowsAffected()
}
