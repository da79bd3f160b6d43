package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libris-maleficarum/cascadedelete/models"
)

// EntityRepository is the SQLite-backed models.EntityRepository. Each row
// carries the full Entity as a JSON document in doc, with world_id, id,
// parent_id, depth, is_deleted, and etag promoted to real columns so
// CountChildren can be answered by an indexed query. GetDescendants is
// limited to the world's live rows by column, then reads each row's path
// from the JSON doc.
type EntityRepository struct {
	db *sql.DB
}

// NewEntityRepository wraps an opened *sql.DB (see Open) as a
// models.EntityRepository.
func NewEntityRepository(db *sql.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

func (r *EntityRepository) GetByID(ctx context.Context, worldID, entityID string, includeDeleted bool) (*models.Entity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT doc, is_deleted FROM entities WHERE world_id = ? AND id = ?`,
		worldID, entityID)

	var doc string
	var isDeleted bool
	if err := row.Scan(&doc, &isDeleted); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get entity %s/%s: %w", worldID, entityID, err)
	}
	if isDeleted && !includeDeleted {
		return nil, models.ErrNotFound
	}

	var entity models.Entity
	if err := json.Unmarshal([]byte(doc), &entity); err != nil {
		return nil, fmt.Errorf("sqlite: decode entity %s/%s: %w", worldID, entityID, err)
	}
	return &entity, nil
}

func (r *EntityRepository) CountChildren(ctx context.Context, worldID, entityID string) (int, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE world_id = ? AND parent_id = ? AND is_deleted = 0`,
		worldID, entityID)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: count children of %s/%s: %w", worldID, entityID, err)
	}
	return count, nil
}

func (r *EntityRepository) GetDescendants(ctx context.Context, worldID, entityID string) (models.DescendantCursor, error) {
	// path is stored inside doc; SQLite's JSON1 extension (bundled in
	// mattn/go-sqlite3's default build tags) lets us filter on it without
	// a second table. Ordered by depth ascending, id ascending, the same
	// order the in-memory backend returns; the Planner re-sorts it.
	rows, err := r.db.QueryContext(ctx,
		`SELECT doc FROM entities
		 WHERE world_id = ? AND is_deleted = 0
		   AND EXISTS (
		     SELECT 1 FROM json_each(json_extract(doc, '$.path')) je WHERE je.value = ?
		   )
		 ORDER BY depth ASC, id ASC`,
		worldID, entityID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get descendants of %s/%s: %w", worldID, entityID, err)
	}
	return &rowCursor{rows: rows}, nil
}

// SoftDeleteOne flips is_deleted on one entity under an ETag
// compare-and-swap. deletedBy is accepted for attribution in an external
// audit log the core does not itself persist (the entities table carries
// no deleted_by column).
func (r *EntityRepository) SoftDeleteOne(ctx context.Context, worldID, entityID, expectedETag, deletedBy string) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: begin soft delete tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT doc, is_deleted, etag FROM entities WHERE world_id = ? AND id = ?`,
		worldID, entityID)

	var doc, etag string
	var isDeleted bool
	if err := row.Scan(&doc, &isDeleted, &etag); err != nil {
		if err == sql.ErrNoRows {
			return "", models.ErrNotFound
		}
		return "", fmt.Errorf("sqlite: read entity for delete %s/%s: %w", worldID, entityID, err)
	}
	if isDeleted {
		return etag, nil
	}
	if etag != expectedETag {
		return "", models.ErrConflict
	}

	var entity models.Entity
	if err := json.Unmarshal([]byte(doc), &entity); err != nil {
		return "", fmt.Errorf("sqlite: decode entity for delete %s/%s: %w", worldID, entityID, err)
	}
	entity.IsDeleted = true
	entity.ETag = models.NewETag()
	entity.ModifiedAt = time.Now()

	newDoc, err := json.Marshal(entity)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode entity for delete %s/%s: %w", worldID, entityID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET is_deleted = 1, etag = ?, doc = ? WHERE world_id = ? AND id = ?`,
		entity.ETag, string(newDoc), worldID, entityID); err != nil {
		return "", fmt.Errorf("sqlite: write soft delete %s/%s: %w", worldID, entityID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite: commit soft delete %s/%s: %w", worldID, entityID, err)
	}
	return entity.ETag, nil
}

type rowCursor struct {
	rows *sql.Rows
}

func (c *rowCursor) Next(ctx context.Context) (*models.Entity, bool, error) {
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, false, fmt.Errorf("sqlite: scan descendant cursor: %w", err)
		}
		return nil, false, nil
	}
	var doc string
	if err := c.rows.Scan(&doc); err != nil {
		return nil, false, fmt.Errorf("sqlite: scan descendant row: %w", err)
	}
	var entity models.Entity
	if err := json.Unmarshal([]byte(doc), &entity); err != nil {
		return nil, false, fmt.Errorf("sqlite: decode descendant: %w", err)
	}
	return &entity, true, nil
}

func (c *rowCursor) Close() error {
	return c.rows.Close()
}
