package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libris-maleficarum/cascadedelete/models"
)

// OperationLog is the SQLite-backed models.OperationLog. Status,
// created_by, timestamps, and ttl are promoted to real columns for
// indexed queries (ListPending, ListInProgress, CountActiveByPrincipal,
// SweepExpired); the full record lives in doc.
type OperationLog struct {
	db *sql.DB
}

// NewOperationLog wraps an opened *sql.DB (see Open) as a models.OperationLog.
func NewOperationLog(db *sql.DB) *OperationLog {
	return &OperationLog{db: db}
}

func (l *OperationLog) Create(ctx context.Context, op *models.DeleteOperation) error {
	doc, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("sqlite: encode operation %s: %w", op.ID, err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO operations (world_id, id, status, created_by, created_at, last_heartbeat, completed_at, ttl_seconds, doc)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		op.WorldID, op.ID, string(op.Status), op.CreatedBy,
		op.CreatedAt.Unix(), op.LastHeartbeat.Unix(), int64(op.TTL.Seconds()), string(doc))
	if err != nil {
		return fmt.Errorf("sqlite: insert operation %s: %w", op.ID, err)
	}
	return nil
}

func (l *OperationLog) GetByID(ctx context.Context, worldID, opID string) (*models.DeleteOperation, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT doc, ttl_seconds FROM operations WHERE world_id = ? AND id = ?`, worldID, opID)

	var doc string
	var ttlSeconds int64
	if err := row.Scan(&doc, &ttlSeconds); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get operation %s/%s: %w", worldID, opID, err)
	}
	return decodeOperation(doc, ttlSeconds)
}

func (l *OperationLog) Update(ctx context.Context, op *models.DeleteOperation, expectedHeartbeat time.Time) error {
	doc, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("sqlite: encode operation %s: %w", op.ID, err)
	}

	var completedAt sql.NullInt64
	if op.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: op.CompletedAt.Unix(), Valid: true}
	}

	res, err := l.db.ExecContext(ctx,
		`UPDATE operations
		 SET status = ?, last_heartbeat = ?, completed_at = ?, doc = ?
		 WHERE world_id = ? AND id = ? AND last_heartbeat = ?`,
		string(op.Status), op.LastHeartbeat.Unix(), completedAt, string(doc),
		op.WorldID, op.ID, expectedHeartbeat.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: update operation %s: %w", op.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update operation %s rows affected: %w", op.ID, err)
	}
	if rows == 0 {
		exists, existsErr := l.exists(ctx, op.WorldID, op.ID)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			return models.ErrNotFound
		}
		return models.ErrConflict
	}
	return nil
}

func (l *OperationLog) exists(ctx context.Context, worldID, opID string) (bool, error) {
	row := l.db.QueryRowContext(ctx, `SELECT 1 FROM operations WHERE world_id = ? AND id = ?`, worldID, opID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("sqlite: check operation exists %s/%s: %w", worldID, opID, err)
	}
	return true, nil
}

func (l *OperationLog) ListRecentByWorld(ctx context.Context, worldID string, limit int) ([]*models.DeleteOperation, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT doc, ttl_seconds FROM operations
		 WHERE world_id = ? AND (completed_at IS NULL OR ttl_seconds = 0 OR completed_at + ttl_seconds > ?)
		 ORDER BY created_at DESC LIMIT ?`,
		worldID, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list recent operations world=%s: %w", worldID, err)
	}
	return scanOperations(rows)
}

func (l *OperationLog) CountActiveByPrincipal(ctx context.Context, worldID, createdBy string) (int, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operations
		 WHERE world_id = ? AND created_by = ? AND status IN (?, ?)`,
		worldID, createdBy, string(models.StatusPending), string(models.StatusInProgress))

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: count active operations world=%s principal=%s: %w", worldID, createdBy, err)
	}
	return count, nil
}

func (l *OperationLog) ListPending(ctx context.Context, limit int) ([]*models.DeleteOperation, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT doc, ttl_seconds FROM operations WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(models.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pending operations: %w", err)
	}
	return scanOperations(rows)
}

func (l *OperationLog) ListInProgress(ctx context.Context) ([]*models.DeleteOperation, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT doc, ttl_seconds FROM operations WHERE status = ? ORDER BY created_at ASC`,
		string(models.StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list in-progress operations: %w", err)
	}
	return scanOperations(rows)
}

func (l *OperationLog) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM operations
		 WHERE completed_at IS NOT NULL AND ttl_seconds > 0 AND completed_at + ttl_seconds < ?`,
		now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlite: sweep expired operations: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: sweep expired rows affected: %w", err)
	}
	return int(rows), nil
}

func scanOperations(rows *sql.Rows) ([]*models.DeleteOperation, error) {
	defer rows.Close()

	var result []*models.DeleteOperation
	for rows.Next() {
		var doc string
		var ttlSeconds int64
		if err := rows.Scan(&doc, &ttlSeconds); err != nil {
			return nil, fmt.Errorf("sqlite: scan operation row: %w", err)
		}
		op, err := decodeOperation(doc, ttlSeconds)
		if err != nil {
			return nil, err
		}
		result = append(result, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate operation rows: %w", err)
	}
	return result, nil
}

// decodeOperation unmarshals doc and restores TTL from its own column,
// since DeleteOperation.TTL is excluded from JSON (json:"-") in favor of
// the indexed ttl_seconds column SweepExpired queries against.
func decodeOperation(doc string, ttlSeconds int64) (*models.DeleteOperation, error) {
	var op models.DeleteOperation
	if err := json.Unmarshal([]byte(doc), &op); err != nil {
		return nil, fmt.Errorf("sqlite: decode operation: %w", err)
	}
	op.TTL = time.Duration(ttlSeconds) * time.Second
	return &op, nil
}
