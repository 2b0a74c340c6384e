package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-ai/task-service/internal/database"
)

// Review statuses for a dead letter record. Records transition out of
// pending exactly once and are never deleted.
const (
	ReviewPending  = "pending"
	ReviewRetried  = "retried"
	ReviewArchived = "archived"
)

var ErrRecordNotFound = errors.New("dead letter record not found")

const recordColumns = `id, task_id, queue_name, error_message, error_stack, attempts_made,
       payload, status, notes, retried_at, created_at, updated_at`

// Store persists dead letter records
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type insertInput struct {
	TaskID       string
	QueueName    string
	ErrorMessage string
	ErrorStack   *string
	AttemptsMade int
	Payload      json.RawMessage
}

func (s *Store) insert(ctx context.Context, in insertInput) (database.DeadLetterRecord, error) {
	var rec database.DeadLetterRecord
	err := s.pool.QueryRow(ctx, `
		INSERT INTO dead_letter_queue (
			id, task_id, queue_name, error_message, error_stack,
			attempts_made, payload, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING `+recordColumns+`
	`, uuid.NewString(), in.TaskID, in.QueueName, in.ErrorMessage, in.ErrorStack,
		in.AttemptsMade, in.Payload).Scan(recordDest(&rec)...)
	if err != nil {
		return database.DeadLetterRecord{}, fmt.Errorf("failed to insert dead letter record: %w", err)
	}
	return rec, nil
}

// Get returns a dead letter record by id
func (s *Store) Get(ctx context.Context, id string) (database.DeadLetterRecord, error) {
	var rec database.DeadLetterRecord
	err := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM dead_letter_queue
		WHERE id = $1
	`, id).Scan(recordDest(&rec)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return database.DeadLetterRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return database.DeadLetterRecord{}, fmt.Errorf("failed to fetch dead letter record: %w", err)
	}
	return rec, nil
}

// List returns records filtered by review status, newest first
func (s *Store) List(ctx context.Context, status string, limit, offset int) ([]database.DeadLetterRecord, int, error) {
	countQuery := "SELECT COUNT(*) FROM dead_letter_queue"
	query := `
		SELECT ` + recordColumns + `
		FROM dead_letter_queue
	`
	args := []interface{}{}
	if status != "" {
		countQuery += " WHERE status = $1"
		query += " WHERE status = $1"
		args = append(args, status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)

	var total int
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count dead letter records: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list dead letter records: %w", err)
	}
	defer rows.Close()

	records := []database.DeadLetterRecord{}
	for rows.Next() {
		var rec database.DeadLetterRecord
		if err := rows.Scan(recordDest(&rec)...); err != nil {
			return nil, 0, fmt.Errorf("failed to scan dead letter record: %w", err)
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// markArchived moves a pending record to archived. Returns false when the
// record was not pending (already resolved).
func (s *Store) markArchived(ctx context.Context, id string, notes *string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letter_queue
		SET status = 'archived', notes = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, notes)
	if err != nil {
		return false, fmt.Errorf("failed to archive dead letter record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// markRetried moves a pending record to retried with a timestamp
func (s *Store) markRetried(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letter_queue
		SET status = 'retried', retried_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark dead letter record retried: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func recordDest(r *database.DeadLetterRecord) []interface{} {
	return []interface{}{
		&r.ID, &r.TaskID, &r.QueueName, &r.ErrorMessage, &r.ErrorStack,
		&r.AttemptsMade, &r.Payload, &r.Status, &r.Notes, &r.RetriedAt,
		&r.CreatedAt, &r.UpdatedAt,
	}
}
