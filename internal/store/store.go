// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/comms-dev/comms/internal/domain"
)

// Repository defines the transactional store shared by the interactive CLI
// and the daemon. Every state transition is a single atomic transaction:
// precondition check, status write, and ledger append commit together, so a
// concurrent caller observes either the fully-old or fully-new state.
type Repository interface {
	// CreateProposal inserts a pending proposal and appends the propose
	// ledger entry in one transaction.
	CreateProposal(ctx context.Context, p *domain.Proposal) error

	// GetProposal retrieves a proposal by full id. Returns
	// commserr.ErrNotFound if no row exists.
	GetProposal(ctx context.Context, id string) (*domain.Proposal, error)

	// ResolveProposalID expands a shortest-unambiguous id prefix to the full
	// id. Returns commserr.ErrAmbiguousPrefix or commserr.ErrNotFound.
	ResolveProposalID(ctx context.Context, prefix string) (string, error)

	// ListProposals returns proposals with the given status, newest first.
	// An empty status returns all proposals.
	ListProposals(ctx context.Context, status domain.Status) ([]*domain.Proposal, error)

	// DecideProposal applies a human or autopilot decision to a pending
	// proposal. Fails with commserr.ErrInvalidTransition when the proposal
	// is not pending. Appends the decision ledger entry in the same
	// transaction and returns the updated proposal.
	DecideProposal(ctx context.Context, id string, outcome domain.Outcome, reasoning string, correction domain.Action, actor string) (*domain.Proposal, error)

	// ClaimProposal compare-and-sets status from approved to executing.
	// Returns false when the proposal was not in approved state (typically
	// because a concurrent resolver claimed it first).
	ClaimProposal(ctx context.Context, id string) (bool, error)

	// FinalizeProposal moves a claimed (executing) proposal to executed or
	// failed and appends the matching ledger entry.
	FinalizeProposal(ctx context.Context, id string, success bool, detail string) error

	// CreateDraft inserts a draft and appends a draft_create ledger entry.
	CreateDraft(ctx context.Context, d *domain.Draft) error

	// GetDraft retrieves a draft by full id.
	GetDraft(ctx context.Context, id string) (*domain.Draft, error)

	// ResolveDraftID expands a draft id prefix to the full id.
	ResolveDraftID(ctx context.Context, prefix string) (string, error)

	// ListPendingDrafts returns drafts that have not been sent, newest first.
	ListPendingDrafts(ctx context.Context) ([]*domain.Draft, error)

	// ApproveDraft sets approved_at on a created draft. Fails with
	// commserr.ErrInvalidTransition when the draft is already approved
	// or sent.
	ApproveDraft(ctx context.Context, id string) error

	// ClaimDraftSend compare-and-sets a send claim on an approved, unsent,
	// unclaimed draft. Returns false when the claim is lost.
	ClaimDraftSend(ctx context.Context, id string) (bool, error)

	// FinalizeDraftSend records the adapter outcome for a claimed draft:
	// on success sets sent_at and the provider message id; on failure
	// releases the claim so a human can retry explicitly.
	FinalizeDraftSend(ctx context.Context, id string, providerMessageID string, sendErr error) error

	// InsertInbound stores fetched items, skipping ids already present, and
	// appends one sync ledger entry with the inserted count.
	InsertInbound(ctx context.Context, items []*domain.InboundItem) (int, error)

	// ListUntriaged returns inbound items not yet examined by triage.
	ListUntriaged(ctx context.Context, limit int) ([]*domain.InboundItem, error)

	// ListInbound returns all stored inbound items, newest first. Used to
	// seed adapter entity registries in fresh processes.
	ListInbound(ctx context.Context) ([]*domain.InboundItem, error)

	// MarkTriaged flags inbound items as examined.
	MarkTriaged(ctx context.Context, ids []string) error

	// LatestInboundForThread returns the most recent stored message in a
	// thread, used to derive reply recipient and subject.
	LatestInboundForThread(ctx context.Context, threadID string) (*domain.InboundItem, error)

	// AppendAudit records a standalone ledger entry (sync summaries, policy
	// denials). Transitions tied to a status change use the transactional
	// methods above instead.
	AppendAudit(ctx context.Context, e *domain.AuditEntry) error

	// AuditEntries returns ledger entries in sequence order, optionally
	// filtered. The read is replayable; it never consumes the ledger.
	AuditEntries(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error)

	// LastAuditSeq returns the highest assigned sequence number.
	LastAuditSeq(ctx context.Context) (int64, error)

	// CountAuditSince counts ledger entries for an action since a time.
	// Used by send policy to enforce the daily send budget.
	CountAuditSince(ctx context.Context, action string, since time.Time) (int, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
