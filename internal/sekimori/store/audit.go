package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry is one row of the append-only audit log.  A row is inserted
// when a decision is made; the resolution fields are filled in when the
// request reaches its terminal outcome.
type AuditEntry struct {
	RequestID       string
	WireID          int64
	AgentID         string
	Timestamp       time.Time
	Tool            string
	Args            map[string]any
	Signature       string
	Decision        string
	Resolution      string
	ResolvedBy      string
	ResolvedAt      time.Time
	ExecutionResult map[string]any
	Delivered       bool
}

// AppendAudit inserts a new audit row.  Zero-valued optional fields are
// stored as NULL.
func (s *Store) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	argsJSON, err := json.Marshal(entry.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal audit args: %w", err)
	}

	var resultJSON sql.NullString
	if entry.ExecutionResult != nil {
		data, err := json.Marshal(entry.ExecutionResult)
		if err != nil {
			return fmt.Errorf("failed to marshal execution result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	agentID := entry.AgentID
	if agentID == "" {
		agentID = "default"
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (request_id, wire_id, agent_id, ts, tool, args_json, signature,
		                       decision, resolution, resolved_by, resolved_at, execution_result_json, delivered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.RequestID, entry.WireID, agentID, ts.UTC().Format(tsFormat), entry.Tool,
		string(argsJSON), entry.Signature, entry.Decision,
		nullString(entry.Resolution), nullString(entry.ResolvedBy), nullTime(entry.ResolvedAt),
		resultJSON, entry.Delivered)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// ResolveAudit records the terminal outcome of a request on its existing
// audit row.  delivered marks whether the outcome reached the agent over a
// live connection; undelivered outcomes are replayed on reconnect.
func (s *Store) ResolveAudit(ctx context.Context, requestID, resolution, resolvedBy string, result map[string]any, delivered bool) error {
	var resultJSON sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal execution result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_log
		SET resolution = ?, resolved_by = ?, resolved_at = ?, execution_result_json = ?, delivered = ?
		WHERE request_id = ?
	`, resolution, nullString(resolvedBy), time.Now().UTC().Format(tsFormat), resultJSON, delivered, requestID)
	if err != nil {
		return fmt.Errorf("failed to resolve audit row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("audit row not found: %s", requestID)
	}
	return nil
}

// GetAuditLog retrieves recent audit entries, newest first.
func (s *Store) GetAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, wire_id, agent_id, ts, tool, args_json, signature,
		       decision, resolution, resolved_by, resolved_at, execution_result_json, delivered
		FROM audit_log
		ORDER BY ts DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// GetUndeliveredResolved returns every resolved-but-undelivered audit row
// for the given agent, oldest first.  Callers mark rows delivered with
// MarkDelivered once the outcomes have actually reached the agent, so an
// outcome is replayed at most once across successive reconnects.
func (s *Store) GetUndeliveredResolved(ctx context.Context, agentID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, wire_id, agent_id, ts, tool, args_json, signature,
		       decision, resolution, resolved_by, resolved_at, execution_result_json, delivered
		FROM audit_log
		WHERE agent_id = ? AND resolution IS NOT NULL AND delivered = 0
		ORDER BY ts ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query undelivered results: %w", err)
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// MarkDelivered flags the given audit rows as delivered to the agent.
func (s *Store) MarkDelivered(ctx context.Context, requestIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range requestIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE audit_log SET delivered = 1 WHERE request_id = ?`, id); err != nil {
			return fmt.Errorf("failed to mark delivered: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delivery marks: %w", err)
	}
	return nil
}

func scanAuditRows(rows *sql.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var wireID sql.NullInt64
		var ts string
		var argsJSON string
		var resolution, resolvedBy, resolvedAt, resultJSON sql.NullString

		if err := rows.Scan(
			&entry.RequestID, &wireID, &entry.AgentID, &ts, &entry.Tool, &argsJSON,
			&entry.Signature, &entry.Decision, &resolution, &resolvedBy, &resolvedAt,
			&resultJSON, &entry.Delivered,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		entry.WireID = wireID.Int64
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			entry.Timestamp = t
		}
		if err := json.Unmarshal([]byte(argsJSON), &entry.Args); err != nil {
			return nil, fmt.Errorf("failed to decode audit args: %w", err)
		}
		entry.Resolution = resolution.String
		entry.ResolvedBy = resolvedBy.String
		if resolvedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
				entry.ResolvedAt = t
			}
		}
		if resultJSON.Valid {
			if err := json.Unmarshal([]byte(resultJSON.String), &entry.ExecutionResult); err != nil {
				return nil, fmt.Errorf("failed to decode execution result: %w", err)
			}
		}

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(tsFormat), Valid: true}
}
