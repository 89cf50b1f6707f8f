package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/comms-dev/comms/internal/commserr"
	"github.com/comms-dev/comms/internal/domain"
)

const draftColumns = `id, from_account, to_addr, cc_addr, subject, body, thread_id,
	agent_reasoning, provider_message_id, created_at, approved_at, sent_at`

func scanDraft(row interface{ Scan(...any) error }) (*domain.Draft, error) {
	var d domain.Draft
	var createdAt int64
	var approvedAt, sentAt sql.NullInt64

	err := row.Scan(
		&d.ID, &d.FromAccount, &d.To, &d.Cc, &d.Subject, &d.Body, &d.ThreadID,
		&d.AgentReasoning, &d.ProviderMessageID, &createdAt, &approvedAt, &sentAt,
	)
	if err != nil {
		return nil, err
	}

	d.CreatedAt = time.Unix(createdAt, 0)
	if approvedAt.Valid {
		ts := time.Unix(approvedAt.Int64, 0)
		d.ApprovedAt = &ts
	}
	if sentAt.Valid {
		ts := time.Unix(sentAt.Int64, 0)
		d.SentAt = &ts
	}
	return &d, nil
}

// CreateDraft inserts a draft and its draft_create ledger entry in one
// transaction.
func (s *SQLiteStore) CreateDraft(ctx context.Context, d *domain.Draft) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create draft: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO drafts (id, from_account, to_addr, cc_addr, subject, body, thread_id, agent_reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.FromAccount, d.To, d.Cc, d.Subject, d.Body, d.ThreadID,
		d.AgentReasoning, d.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}

	detail, err := json.Marshal(map[string]any{
		"to":             d.To,
		"subject":        d.Subject,
		"auto_generated": d.AgentReasoning != "",
	})
	if err != nil {
		return fmt.Errorf("marshal draft detail: %w", err)
	}

	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  d.CreatedAt,
		Actor:      domain.ActorUser,
		Action:     domain.AuditDraftCreate,
		EntityType: domain.EntityDraft,
		EntityID:   d.ID,
		Detail:     string(detail),
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create draft: %w", err)
	}
	return nil
}

// GetDraft retrieves a draft by full id.
func (s *SQLiteStore) GetDraft(ctx context.Context, id string) (*domain.Draft, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("draft %s: %w", id, commserr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan draft row: %w", err)
	}
	return d, nil
}

// ResolveDraftID expands a draft id prefix to the unique full id.
func (s *SQLiteStore) ResolveDraftID(ctx context.Context, prefix string) (string, error) {
	return s.resolveID(ctx, "drafts", prefix)
}

// ListPendingDrafts returns unsent drafts, newest first.
func (s *SQLiteStore) ListPendingDrafts(ctx context.Context) ([]*domain.Draft, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+draftColumns+` FROM drafts WHERE sent_at IS NULL ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("query pending drafts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scan draft row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drafts: %w", err)
	}
	return out, nil
}

// ApproveDraft passes the first gate: created → approved.
func (s *SQLiteStore) ApproveDraft(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin approve draft: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("draft %s: %w", id, commserr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("scan draft row: %w", err)
	}
	if d.Approved() || d.Sent() {
		return fmt.Errorf("approve draft %s: %w", id, commserr.ErrInvalidTransition)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE drafts SET approved_at = ? WHERE id = ?`, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("update draft approval: %w", err)
	}

	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  now,
		Actor:      domain.ActorUser,
		Action:     domain.AuditDraftApprove,
		EntityType: domain.EntityDraft,
		EntityID:   id,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit approve draft: %w", err)
	}
	return nil
}

// ClaimDraftSend compare-and-sets a send claim. The claim only succeeds on a
// draft that is approved, unsent, and unclaimed, which is the defense against
// a double-dispatch race between the daemon and an interactive send.
func (s *SQLiteStore) ClaimDraftSend(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE drafts SET claimed_at = ?
		WHERE id = ? AND approved_at IS NOT NULL AND sent_at IS NULL AND claimed_at IS NULL`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return false, fmt.Errorf("claim draft send: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim draft rows affected: %w", err)
	}
	return rows == 1, nil
}

// FinalizeDraftSend records the adapter outcome for a claimed draft. sent_at
// is set only after a confirmed adapter success, never speculatively.
func (s *SQLiteStore) FinalizeDraftSend(ctx context.Context, id string, providerMessageID string, sendErr error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize draft: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	auditAction := domain.AuditDraftSend
	detail := map[string]any{"provider_message_id": providerMessageID}

	if sendErr == nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE drafts SET sent_at = ?, provider_message_id = ? WHERE id = ?`,
			now.Unix(), providerMessageID, id)
	} else {
		// Release the claim; retrying a failed send is an explicit human
		// action, not an automatic one.
		auditAction = domain.AuditDraftFailed
		detail = map[string]any{"error": sendErr.Error()}
		_, err = tx.ExecContext(ctx,
			`UPDATE drafts SET claimed_at = NULL WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("update draft outcome: %w", err)
	}

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal draft outcome: %w", err)
	}

	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  now,
		Actor:      domain.ActorSystem,
		Action:     auditAction,
		EntityType: domain.EntityDraft,
		EntityID:   id,
		Detail:     string(detailJSON),
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize draft: %w", err)
	}
	return nil
}
