package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/comms-dev/comms/internal/domain"
)

// The audit ledger is append-only: record is the only mutation, it is
// transactional with the state change it describes, and no update or delete
// exists anywhere in this package. Ordering is the seq column, assigned
// monotonically inside the writing transaction; wall-clock timestamps are
// advisory. Each entry hashes its fields together with the previous entry's
// hash, so the chain is tamper-evident and replayable from the start.

func entryHash(e *domain.AuditEntry) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%d|%s|%s|%s|%s|%s|%s|%s|%s",
		e.Seq, e.Timestamp.Unix(), e.Actor, e.Action,
		e.EntityType, e.EntityID, e.PrevStatus, e.NewStatus,
		e.Detail, e.PrevHash,
	))
	return hex.EncodeToString(sum[:])
}

// appendAuditTx assigns the next sequence number and hash, then inserts the
// entry within the caller's transaction.
func (s *SQLiteStore) appendAuditTx(ctx context.Context, tx *sql.Tx, e *domain.AuditEntry) error {
	var lastSeq int64
	var lastHash string
	row := tx.QueryRowContext(ctx,
		`SELECT seq, hash FROM audit_log ORDER BY seq DESC LIMIT 1`)
	err := row.Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read ledger head: %w", err)
	}

	e.Seq = lastSeq + 1
	e.PrevHash = lastHash
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Hash = entryHash(e)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (seq, timestamp, actor, action, entity_type, entity_id,
			prev_status, new_status, detail, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Timestamp.Unix(), e.Actor, e.Action, e.EntityType, e.EntityID,
		e.PrevStatus, e.NewStatus, e.Detail, e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// AppendAudit records a standalone ledger entry in its own transaction.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.appendAuditTx(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit append: %w", err)
	}
	return nil
}

// AuditEntries returns ledger entries in sequence order, applying the filter.
func (s *SQLiteStore) AuditEntries(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error) {
	query := `SELECT seq, timestamp, actor, action, entity_type, entity_id,
		prev_status, new_status, detail, prev_hash, hash
		FROM audit_log WHERE seq > ?`
	args := []any{f.AfterSeq}

	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, f.Action)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, f.Until.Unix())
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var ts int64
		if err := rows.Scan(
			&e.Seq, &ts, &e.Actor, &e.Action, &e.EntityType, &e.EntityID,
			&e.PrevStatus, &e.NewStatus, &e.Detail, &e.PrevHash, &e.Hash,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return out, nil
}

// LastAuditSeq returns the highest assigned sequence number, zero when the
// ledger is empty.
func (s *SQLiteStore) LastAuditSeq(ctx context.Context) (int64, error) {
	var seq int64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_log`)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read last audit seq: %w", err)
	}
	return seq, nil
}

// CountAuditSince counts entries for an action at or after a time.
func (s *SQLiteStore) CountAuditSince(ctx context.Context, action string, since time.Time) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE action = ? AND timestamp >= ?`,
		action, since.Unix(),
	)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// VerifyChain walks the ledger from the start and recomputes every hash,
// returning the seq of the first corrupted entry, or zero when intact.
func (s *SQLiteStore) VerifyChain(ctx context.Context) (int64, error) {
	entries, err := s.AuditEntries(ctx, domain.AuditFilter{})
	if err != nil {
		return 0, err
	}
	prevHash := ""
	for _, e := range entries {
		if e.PrevHash != prevHash || entryHash(e) != e.Hash {
			return e.Seq, nil
		}
		prevHash = e.Hash
	}
	return 0, nil
}
