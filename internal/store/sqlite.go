package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/comms-dev/comms/internal/commserr"
	"github.com/comms-dev/comms/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite. The daemon and the
// interactive CLI open the same database file; concurrency control is
// storage-level (WAL, busy_timeout, compare-and-set claims), never
// in-process locking.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		source TEXT NOT NULL,
		agent_reasoning TEXT,
		status TEXT NOT NULL,
		user_reasoning TEXT,
		correction TEXT,
		decided_by TEXT,
		created_at INTEGER NOT NULL,
		decided_at INTEGER,
		executed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		prev_status TEXT NOT NULL DEFAULT '',
		new_status TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		prev_hash TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id);

	CREATE TABLE IF NOT EXISTS drafts (
		id TEXT PRIMARY KEY,
		from_account TEXT NOT NULL DEFAULT '',
		to_addr TEXT NOT NULL,
		cc_addr TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		agent_reasoning TEXT NOT NULL DEFAULT '',
		provider_message_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		approved_at INTEGER,
		sent_at INTEGER,
		claimed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		sender TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		preview TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL,
		synced_at INTEGER NOT NULL,
		triaged INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_triaged ON messages(triaged);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const proposalColumns = `id, action, entity_type, entity_id, source, agent_reasoning,
	status, user_reasoning, correction, decided_by, created_at, decided_at, executed_at`

func scanProposal(row interface{ Scan(...any) error }) (*domain.Proposal, error) {
	var p domain.Proposal
	var agentReasoning, userReasoning, correction, decidedBy sql.NullString
	var createdAt int64
	var decidedAt, executedAt sql.NullInt64

	err := row.Scan(
		&p.ID, &p.Action, &p.EntityType, &p.EntityID, &p.Source, &agentReasoning,
		&p.Status, &userReasoning, &correction, &decidedBy,
		&createdAt, &decidedAt, &executedAt,
	)
	if err != nil {
		return nil, err
	}

	p.AgentReasoning = agentReasoning.String
	p.UserReasoning = userReasoning.String
	p.Correction = domain.Action(correction.String)
	p.DecidedBy = decidedBy.String
	p.CreatedAt = time.Unix(createdAt, 0)
	if decidedAt.Valid {
		ts := time.Unix(decidedAt.Int64, 0)
		p.DecidedAt = &ts
	}
	if executedAt.Valid {
		ts := time.Unix(executedAt.Int64, 0)
		p.ExecutedAt = &ts
	}
	return &p, nil
}

// CreateProposal inserts a pending proposal and its propose ledger entry in
// one transaction.
func (s *SQLiteStore) CreateProposal(ctx context.Context, p *domain.Proposal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create proposal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
	INSERT INTO proposals (id, action, entity_type, entity_id, source, agent_reasoning, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, query,
		p.ID, p.Action, p.EntityType, p.EntityID, p.Source,
		nullable(p.AgentReasoning), domain.StatusPending, p.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}

	detail, err := json.Marshal(map[string]any{
		"proposal_id":     p.ID,
		"action":          p.Action,
		"source":          p.Source,
		"agent_reasoning": p.AgentReasoning,
	})
	if err != nil {
		return fmt.Errorf("marshal propose detail: %w", err)
	}

	actor := domain.ActorSystem
	if p.Source == domain.SourceHuman {
		actor = domain.ActorUser
	}
	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  p.CreatedAt,
		Actor:      actor,
		Action:     domain.AuditPropose,
		EntityType: p.EntityType,
		EntityID:   p.EntityID,
		NewStatus:  domain.StatusPending,
		Detail:     string(detail),
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create proposal: %w", err)
	}
	return nil
}

// GetProposal retrieves a proposal by full id.
func (s *SQLiteStore) GetProposal(ctx context.Context, id string) (*domain.Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proposal %s: %w", id, commserr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan proposal row: %w", err)
	}
	return p, nil
}

// ResolveProposalID expands an id prefix to the unique full id.
func (s *SQLiteStore) ResolveProposalID(ctx context.Context, prefix string) (string, error) {
	return s.resolveID(ctx, "proposals", prefix)
}

// likeEscaper neutralizes LIKE metacharacters so a prefix is always matched
// literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *SQLiteStore) resolveID(ctx context.Context, table, prefix string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM `+table+` WHERE id LIKE ? ESCAPE '\' LIMIT 2`,
		likeEscaper.Replace(prefix)+"%")
	if err != nil {
		return "", fmt.Errorf("resolve id prefix: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate ids: %w", err)
	}

	switch len(ids) {
	case 0:
		return "", fmt.Errorf("prefix %q: %w", prefix, commserr.ErrNotFound)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("prefix %q: %w", prefix, commserr.ErrAmbiguousPrefix)
	}
}

// ListProposals returns proposals filtered by status, newest first.
func (s *SQLiteStore) ListProposals(ctx context.Context, status domain.Status) ([]*domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return out, nil
}

// DecideProposal applies an approve/reject decision to a pending proposal.
func (s *SQLiteStore) DecideProposal(ctx context.Context, id string, outcome domain.Outcome, reasoning string, correction domain.Action, actor string) (*domain.Proposal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin decide: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proposal %s: %w", id, commserr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan proposal row: %w", err)
	}
	if p.Status != domain.StatusPending {
		return nil, fmt.Errorf("decide on %s proposal %s: %w", p.Status, id, commserr.ErrInvalidTransition)
	}

	newStatus := domain.StatusApproved
	decision := domain.DecisionApproved
	if outcome == domain.OutcomeReject {
		newStatus = domain.StatusRejected
		decision = domain.DecisionRejected
		if correction != "" {
			decision = domain.DecisionRejectedWithCorrect
		}
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE proposals
		SET status = ?, decided_at = ?, decided_by = ?, user_reasoning = ?, correction = ?
		WHERE id = ?`,
		newStatus, now.Unix(), actor, nullable(reasoning), nullable(string(correction)), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update proposal status: %w", err)
	}

	detail, err := json.Marshal(domain.DecisionDetail{
		ProposalID:     id,
		ProposedAction: p.Action,
		Decision:       decision,
		Correction:     correction,
		AgentReasoning: p.AgentReasoning,
		UserReasoning:  reasoning,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal decision detail: %w", err)
	}

	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  now,
		Actor:      actor,
		Action:     domain.AuditDecision,
		EntityType: p.EntityType,
		EntityID:   p.EntityID,
		PrevStatus: domain.StatusPending,
		NewStatus:  newStatus,
		Detail:     string(detail),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit decide: %w", err)
	}

	p.Status = newStatus
	p.DecidedAt = &now
	p.DecidedBy = actor
	p.UserReasoning = reasoning
	p.Correction = correction
	return p, nil
}

// ClaimProposal compare-and-sets approved → executing. The claim commits
// before any adapter call is made, so lock hold time is bounded by local
// storage latency.
func (s *SQLiteStore) ClaimProposal(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = ? WHERE id = ? AND status = ?`,
		domain.StatusExecuting, id, domain.StatusApproved,
	)
	if err != nil {
		return false, fmt.Errorf("claim proposal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return rows == 1, nil
}

// FinalizeProposal records the adapter outcome for a claimed proposal.
func (s *SQLiteStore) FinalizeProposal(ctx context.Context, id string, success bool, detail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("proposal %s: %w", id, commserr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("scan proposal row: %w", err)
	}
	if p.Status != domain.StatusExecuting {
		return fmt.Errorf("finalize %s proposal %s: %w", p.Status, id, commserr.ErrInvalidTransition)
	}

	now := time.Now()
	newStatus := domain.StatusFailed
	auditAction := domain.AuditExecuteFailed
	var executedAt any
	if success {
		newStatus = domain.StatusExecuted
		auditAction = domain.AuditExecute
		executedAt = now.Unix()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE proposals SET status = ?, executed_at = ? WHERE id = ?`,
		newStatus, executedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update proposal outcome: %w", err)
	}

	if err := s.appendAuditTx(ctx, tx, &domain.AuditEntry{
		Timestamp:  now,
		Actor:      domain.ActorSystem,
		Action:     auditAction,
		EntityType: p.EntityType,
		EntityID:   p.EntityID,
		PrevStatus: domain.StatusExecuting,
		NewStatus:  newStatus,
		Detail:     detail,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize: %w", err)
	}
	return nil
}

// nullable converts an empty string to NULL for optional TEXT columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
