package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tinfoilsh/chatsync/internal/dbx"
	"github.com/tinfoilsh/chatsync/internal/models"
)

// IndexRepo persists IndexEntry rows in the per-user index database. A
// single table holds both namespaces; the scope column keeps them apart and
// the primary key on id guarantees the namespaces never overlap in id space.
type IndexRepo struct {
	db dbx.DBTX
}

// NewIndexRepo returns an IndexRepo bound to the given DBTX.
func NewIndexRepo(db dbx.DBTX) *IndexRepo {
	return &IndexRepo{db: db}
}

// Upsert inserts or updates the index row for an entry within a scope.
func (r *IndexRepo) Upsert(ctx context.Context, scope Scope, e models.IndexEntry) error {
	query := `INSERT INTO chat_index
			(id, scope, title, title_state, created_at, updated_at,
			 message_count, sync_version, locally_modified, decryption_failed, data_corrupted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				scope = excluded.scope,
				title = excluded.title,
				title_state = excluded.title_state,
				updated_at = excluded.updated_at,
				message_count = excluded.message_count,
				sync_version = excluded.sync_version,
				locally_modified = excluded.locally_modified,
				decryption_failed = excluded.decryption_failed,
				data_corrupted = excluded.data_corrupted
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, string(scope), e.Title, string(e.TitleState),
		e.CreatedAt.UnixNano(), e.UpdatedAt.UnixNano(),
		e.MessageCount, e.SyncVersion,
		boolToInt(e.LocallyModified), boolToInt(e.DecryptionFailed), boolToInt(e.DataCorrupted))
	if err != nil {
		return fmt.Errorf("failed to upsert index entry: %w", err)
	}
	return nil
}

// GetAll lists all index entries within a scope, newest first. Record bodies
// are never touched.
func (r *IndexRepo) GetAll(ctx context.Context, scope Scope) ([]models.IndexEntry, error) {
	query := `SELECT id, title, title_state, created_at, updated_at,
			message_count, sync_version, locally_modified, decryption_failed, data_corrupted
		FROM chat_index WHERE scope = ? ORDER BY updated_at DESC, id ASC`
	rows, err := r.db.QueryContext(ctx, query, string(scope))
	if err != nil {
		return nil, fmt.Errorf("failed to select index entries: %w", err)
	}
	defer rows.Close()

	var result []models.IndexEntry
	for rows.Next() {
		e, err := scanIndexEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetDecryptionFailed lists entries flagged decryption_failed=1 in a scope.
func (r *IndexRepo) GetDecryptionFailed(ctx context.Context, scope Scope) ([]models.IndexEntry, error) {
	query := `SELECT id, title, title_state, created_at, updated_at,
			message_count, sync_version, locally_modified, decryption_failed, data_corrupted
		FROM chat_index WHERE scope = ? AND decryption_failed = 1`
	rows, err := r.db.QueryContext(ctx, query, string(scope))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	defer rows.Close()

	var result []models.IndexEntry
	for rows.Next() {
		e, err := scanIndexEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SetRecoveryFlags updates only the recovery columns for id, inserting a
// placeholder row when the record has no index entry yet.
func (r *IndexRepo) SetRecoveryFlags(ctx context.Context, scope Scope, id string, failed, corrupted bool) error {
	now := time.Now().UTC().UnixNano()
	query := `INSERT INTO chat_index
			(id, scope, title, title_state, created_at, updated_at,
			 message_count, sync_version, locally_modified, decryption_failed, data_corrupted)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				decryption_failed = excluded.decryption_failed,
				data_corrupted = excluded.data_corrupted
	`
	_, err := r.db.ExecContext(ctx, query,
		id, string(scope), models.PlaceholderTitle, string(models.TitlePlaceholder),
		now, now, boolToInt(failed), boolToInt(corrupted))
	if err != nil {
		return fmt.Errorf("failed to set recovery flags: %w", err)
	}
	return nil
}

// Delete removes the index row for id within a scope. Deleting a missing id
// is not an error.
func (r *IndexRepo) Delete(ctx context.Context, scope Scope, id string) error {
	query := `DELETE FROM chat_index WHERE scope = ? AND id = ?`
	if _, err := r.db.ExecContext(ctx, query, string(scope), id); err != nil {
		return fmt.Errorf("failed to delete index entry: %w", err)
	}
	return nil
}

// DeleteScope removes every index row within a scope.
func (r *IndexRepo) DeleteScope(ctx context.Context, scope Scope) error {
	query := `DELETE FROM chat_index WHERE scope = ?`
	if _, err := r.db.ExecContext(ctx, query, string(scope)); err != nil {
		return fmt.Errorf("failed to clear index scope: %w", err)
	}
	return nil
}

func scanIndexEntry(rows *sql.Rows) (models.IndexEntry, error) {
	var (
		e                      models.IndexEntry
		titleState             string
		createdNs, updatedNs   int64
		modified, failed, corr int
	)
	if err := rows.Scan(&e.ID, &e.Title, &titleState, &createdNs, &updatedNs,
		&e.MessageCount, &e.SyncVersion, &modified, &failed, &corr); err != nil {
		return models.IndexEntry{}, err
	}
	e.TitleState = models.TitleState(titleState)
	e.CreatedAt = time.Unix(0, createdNs).UTC()
	e.UpdatedAt = time.Unix(0, updatedNs).UTC()
	e.LocallyModified = modified != 0
	e.DecryptionFailed = failed != 0
	e.DataCorrupted = corr != 0
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
