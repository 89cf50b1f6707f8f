package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/comms-dev/comms/internal/commserr"
	"github.com/comms-dev/comms/internal/domain"
)

// InsertInbound stores fetched items idempotently (already-seen ids are
// skipped) and appends one sync ledger entry with the inserted count.
func (s *SQLiteStore) InsertInbound(ctx context.Context, items []*domain.InboundItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin inbound insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	inserted := 0
	for _, item := range items {
		result, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (id, entity_type, thread_id, sender, subject, preview, received_at, synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.EntityType, item.ThreadID, item.Sender,
			item.Subject, item.Preview, item.ReceivedAt.Unix(), now.Unix(),
		)
		if err != nil {
			return 0, fmt.Errorf("insert inbound item: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("inbound rows affected: %w", err)
		}
		inserted += int(rows)
	}

	if inserted > 0 {
		detail, err := json.Marshal(map[string]any{"messages_synced": inserted})
		if err != nil {
			return 0, fmt.Errorf("marshal sync detail: %w", err)
		}
		if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
			Timestamp:  now,
			Actor:      domain.ActorDaemon,
			Action:     domain.AuditSync,
			EntityType: domain.EntityMessage,
			EntityID:   "inbox",
			Detail:     string(detail),
		}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit inbound insert: %w", err)
	}
	return inserted, nil
}

// ListUntriaged returns inbound items not yet examined by triage, oldest
// first so rules see items in arrival order.
func (s *SQLiteStore) ListUntriaged(ctx context.Context, limit int) ([]*domain.InboundItem, error) {
	query := `SELECT id, entity_type, thread_id, sender, subject, preview, received_at, synced_at
		FROM messages WHERE triaged = 0 ORDER BY received_at ASC, rowid ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query untriaged messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.InboundItem
	for rows.Next() {
		item, err := scanInbound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inbound row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbound rows: %w", err)
	}
	return out, nil
}

// ListInbound returns every stored inbound item, newest first.
func (s *SQLiteStore) ListInbound(ctx context.Context) ([]*domain.InboundItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, thread_id, sender, subject, preview, received_at, synced_at
		FROM messages ORDER BY received_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.InboundItem
	for rows.Next() {
		item, err := scanInbound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inbound row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbound rows: %w", err)
	}
	return out, nil
}

func scanInbound(rows *sql.Rows) (*domain.InboundItem, error) {
	var item domain.InboundItem
	var receivedAt, syncedAt int64
	if err := rows.Scan(
		&item.ID, &item.EntityType, &item.ThreadID, &item.Sender,
		&item.Subject, &item.Preview, &receivedAt, &syncedAt,
	); err != nil {
		return nil, err
	}
	item.ReceivedAt = time.Unix(receivedAt, 0)
	item.SyncedAt = time.Unix(syncedAt, 0)
	return &item, nil
}

// LatestInboundForThread returns the most recent stored message in a thread.
func (s *SQLiteStore) LatestInboundForThread(ctx context.Context, threadID string) (*domain.InboundItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, thread_id, sender, subject, preview, received_at, synced_at
		FROM messages WHERE thread_id = ? ORDER BY received_at DESC, rowid DESC LIMIT 1`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("query thread messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate thread messages: %w", err)
		}
		return nil, fmt.Errorf("thread %s: %w", threadID, commserr.ErrNotFound)
	}
	item, err := scanInbound(rows)
	if err != nil {
		return nil, fmt.Errorf("scan thread message: %w", err)
	}
	return item, nil
}

// MarkTriaged flags inbound items as examined by triage.
func (s *SQLiteStore) MarkTriaged(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET triaged = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark triaged: %w", err)
	}
	return nil
}
