package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PendingRequest is the durable row behind an in-flight ask-request.  It
// mirrors the coordinator's in-memory entry minus the completion signal,
// so a crashed gateway can identify still-outstanding approvals on
// restart.
type PendingRequest struct {
	RequestID     string
	Tool          string
	Args          map[string]any
	Signature     string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	MessageHandle string
}

// InsertPending persists a new pending approval.
func (s *Store) InsertPending(ctx context.Context, p *PendingRequest) error {
	argsJSON, err := json.Marshal(p.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal pending args: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_requests (request_id, tool, args_json, signature, created_at, expires_at, message_handle)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.RequestID, p.Tool, string(argsJSON), p.Signature,
		p.CreatedAt.UTC().Format(tsFormat), p.ExpiresAt.UTC().Format(tsFormat),
		nullString(p.MessageHandle))
	if err != nil {
		return fmt.Errorf("failed to insert pending request: %w", err)
	}
	return nil
}

// SetPendingHandle records the messenger handle once the approval message
// has been sent.
func (s *Store) SetPendingHandle(ctx context.Context, requestID, handle string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_requests SET message_handle = ? WHERE request_id = ?`, handle, requestID)
	if err != nil {
		return fmt.Errorf("failed to set pending handle: %w", err)
	}
	return nil
}

// GetPending retrieves a pending request by id, or nil when absent.
func (s *Store) GetPending(ctx context.Context, requestID string) (*PendingRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, tool, args_json, signature, created_at, expires_at, message_handle
		FROM pending_requests
		WHERE request_id = ?
	`, requestID)

	p, err := scanPending(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending request: %w", err)
	}
	return p, nil
}

// DeletePending removes a pending row.  Deleting an absent row is a no-op.
func (s *Store) DeletePending(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_requests WHERE request_id = ?`, requestID)
	if err != nil {
		return fmt.Errorf("failed to delete pending request: %w", err)
	}
	return nil
}

// CleanupStale removes every pending row whose deadline has passed and
// returns the removed rows so the caller can log them as auto-denied.
func (s *Store) CleanupStale(ctx context.Context) ([]*PendingRequest, error) {
	now := time.Now().UTC().Format(tsFormat)

	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, tool, args_json, signature, created_at, expires_at, message_handle
		FROM pending_requests
		WHERE expires_at < ?
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale requests: %w", err)
	}

	var stale []*PendingRequest
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan stale request: %w", err)
		}
		stale = append(stale, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating stale requests: %w", err)
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_requests WHERE expires_at < ?`, now); err != nil {
		return nil, fmt.Errorf("failed to delete stale requests: %w", err)
	}

	return stale, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPending(row scanner) (*PendingRequest, error) {
	p := &PendingRequest{}
	var argsJSON, createdAt, expiresAt string
	var handle sql.NullString

	if err := row.Scan(&p.RequestID, &p.Tool, &argsJSON, &p.Signature, &createdAt, &expiresAt, &handle); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(argsJSON), &p.Args); err != nil {
		return nil, fmt.Errorf("failed to decode pending args: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		p.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
		p.ExpiresAt = t
	}
	p.MessageHandle = handle.String
	return p, nil
}
