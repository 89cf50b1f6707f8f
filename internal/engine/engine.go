// Package engine orchestrates the approval pipeline: proposals, decisions,
// drafts, and resolution, tied to the store, policy, and confidence engine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/comms-dev/comms/internal/adapter"
	"github.com/comms-dev/comms/internal/commserr"
	"github.com/comms-dev/comms/internal/confidence"
	"github.com/comms-dev/comms/internal/dispatch"
	"github.com/comms-dev/comms/internal/domain"
	"github.com/comms-dev/comms/internal/policy"
	"github.com/comms-dev/comms/internal/shared"
	"github.com/comms-dev/comms/internal/store"
	"github.com/google/uuid"
)

// Service is the core entry point shared by the CLI and the daemon. Both are
// independent callers of one transactional store; the service holds no
// mutable state of its own beyond the confidence cache.
type Service struct {
	repo    store.Repository
	adapter adapter.Adapter
	conf    *confidence.Engine
	cfg     *policy.Config
	disp    *dispatch.Dispatcher
	drafter adapter.Drafter
}

// New creates the pipeline service.
func New(repo store.Repository, ad adapter.Adapter, conf *confidence.Engine, cfg *policy.Config) *Service {
	return &Service{
		repo:    repo,
		adapter: ad,
		conf:    conf,
		cfg:     cfg,
		disp:    dispatch.New(repo, ad, cfg.Send),
	}
}

// SetDrafter wires the optional text-generation collaborator.
func (s *Service) SetDrafter(d adapter.Drafter) { s.drafter = d }

// Policy exposes the loaded policy to read-only consumers.
func (s *Service) Policy() *policy.Config { return s.cfg }

// Confidence exposes the confidence engine to read-only consumers.
func (s *Service) Confidence() *confidence.Engine { return s.conf }

// Propose validates and inserts a new pending proposal, then consults the
// auto-approval policy. Returns the proposal and whether it was
// auto-approved. Validation failures are recorded in the ledger: a refused
// proposal is itself a fact worth keeping.
func (s *Service) Propose(ctx context.Context, action domain.Action, entityType domain.EntityType, entityID string, source domain.Source, reasoning string) (*domain.Proposal, bool, error) {
	ref := domain.EntityRef{Type: entityType, ID: entityID}

	if !domain.ActionAllowed(entityType, action) {
		s.auditDenied(ctx, ref, action, source, "action not in allowed set")
		return nil, false, fmt.Errorf("action %q on %s (valid: %v): %w",
			action, entityType, domain.AllowedActions(entityType), commserr.ErrInvalidAction)
	}

	exists, err := s.adapter.Exists(ctx, ref)
	if err != nil {
		s.auditDenied(ctx, ref, action, source, "existence check failed: "+err.Error())
		return nil, false, fmt.Errorf("validate %s %s: %w", entityType, entityID, err)
	}
	if !exists {
		s.auditDenied(ctx, ref, action, source, "entity does not exist")
		return nil, false, fmt.Errorf("%s %s: %w", entityType, entityID, commserr.ErrEntityNotFound)
	}

	p := &domain.Proposal{
		ID:             uuid.NewString(),
		Action:         action,
		EntityType:     entityType,
		EntityID:       entityID,
		Source:         source,
		AgentReasoning: reasoning,
		Status:         domain.StatusPending,
		CreatedAt:      time.Now(),
	}
	err = shared.RetrySQLite(ctx, 3, 50*time.Millisecond, func() error {
		return s.repo.CreateProposal(ctx, p)
	})
	if err != nil {
		return nil, false, fmt.Errorf("create proposal: %w", err)
	}

	auto, err := s.maybeAutoApprove(ctx, p)
	if err != nil {
		// The proposal stands as pending; a broken autopilot must not lose
		// the agent's suggestion.
		slog.Warn("auto-approval check failed", "proposal_id", p.ID, "error", err)
		return p, false, nil
	}
	return p, auto, nil
}

func (s *Service) maybeAutoApprove(ctx context.Context, p *domain.Proposal) (bool, error) {
	if !s.cfg.AutoApprove.Enabled {
		return false, nil
	}

	rec, err := s.conf.Record(ctx, domain.ScopeForAction(p.Action))
	if err != nil {
		return false, err
	}
	if !policy.DecideAuto(p, rec, s.cfg.AutoApprove) {
		return false, nil
	}

	var updated *domain.Proposal
	err = shared.RetrySQLite(ctx, 3, 50*time.Millisecond, func() error {
		var decideErr error
		updated, decideErr = s.repo.DecideProposal(ctx, p.ID, domain.OutcomeApprove,
			fmt.Sprintf("auto-approved: confidence %.2f over %d samples", rec.Confidence, rec.Samples),
			"", domain.ActorSystem)
		return decideErr
	})
	if err != nil {
		return false, err
	}
	*p = *updated
	s.conf.Invalidate()
	return true, nil
}

func (s *Service) auditDenied(ctx context.Context, ref domain.EntityRef, action domain.Action, source domain.Source, reason string) {
	detail, err := json.Marshal(map[string]any{
		"action": action,
		"source": source,
		"reason": reason,
	})
	if err != nil {
		slog.Warn("marshal denial detail", "error", err)
		return
	}
	entry := &domain.AuditEntry{
		Actor:      domain.ActorSystem,
		Action:     domain.AuditProposeDenied,
		EntityType: ref.Type,
		EntityID:   ref.ID,
		Detail:     string(detail),
	}
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		slog.Warn("record proposal denial", "entity_id", ref.ID, "error", err)
	}
}

// Decide applies a human decision to a pending proposal addressed by id or
// unambiguous prefix. A correction may accompany reject only; it names the
// action that should have been proposed and is the strongest learning signal.
func (s *Service) Decide(ctx context.Context, idOrPrefix string, outcome domain.Outcome, reasoning string, correction domain.Action) (*domain.Proposal, error) {
	if correction != "" && outcome != domain.OutcomeReject {
		return nil, fmt.Errorf("correction only accompanies reject: %w", commserr.ErrInvalidTransition)
	}

	id, err := s.repo.ResolveProposalID(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}

	if correction != "" {
		p, err := s.repo.GetProposal(ctx, id)
		if err != nil {
			return nil, err
		}
		if !domain.ActionAllowed(p.EntityType, correction) {
			return nil, fmt.Errorf("correction %q on %s: %w", correction, p.EntityType, commserr.ErrInvalidAction)
		}
	}

	var decided *domain.Proposal
	err = shared.RetrySQLite(ctx, 3, 50*time.Millisecond, func() error {
		var decideErr error
		decided, decideErr = s.repo.DecideProposal(ctx, id, outcome, reasoning, correction, domain.ActorUser)
		return decideErr
	})
	if err != nil {
		return nil, err
	}
	s.conf.Invalidate()
	return decided, nil
}

// Resolve executes all currently-approved proposals. Partial failures are
// reported per proposal and never abort the batch.
func (s *Service) Resolve(ctx context.Context) ([]dispatch.Result, error) {
	return s.disp.ResolveBatch(ctx)
}

// Proposals lists proposals by status; empty status lists all.
func (s *Service) Proposals(ctx context.Context, status domain.Status) ([]*domain.Proposal, error) {
	return s.repo.ListProposals(ctx, status)
}

// Proposal fetches one proposal by id or unambiguous prefix.
func (s *Service) Proposal(ctx context.Context, idOrPrefix string) (*domain.Proposal, error) {
	id, err := s.repo.ResolveProposalID(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	return s.repo.GetProposal(ctx, id)
}

// Compose creates an outbound draft. When body is empty and a drafter is
// wired, the drafter supplies the body and its reasoning.
func (s *Service) Compose(ctx context.Context, from, to, cc, subject, body, instruction string) (*domain.Draft, error) {
	reasoning := ""
	if body == "" {
		if s.drafter == nil {
			return nil, errors.New("empty body and no drafter configured")
		}
		var err error
		body, reasoning, err = s.drafter.Compose(ctx, instruction)
		if err != nil {
			return nil, fmt.Errorf("draft body: %w", err)
		}
	}
	if subject == "" {
		subject = "(no subject)"
	}

	d := &domain.Draft{
		ID:             uuid.NewString(),
		FromAccount:    from,
		To:             to,
		Cc:             cc,
		Subject:        subject,
		Body:           body,
		AgentReasoning: reasoning,
		CreatedAt:      time.Now(),
	}
	if err := s.repo.CreateDraft(ctx, d); err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	return d, nil
}

// Reply drafts a reply to a stored thread, deriving the recipient from the
// latest message's sender and prefixing the subject with "Re: ".
func (s *Service) Reply(ctx context.Context, from, threadID, body string) (*domain.Draft, error) {
	latest, err := s.repo.LatestInboundForThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	subject := latest.Subject
	if !strings.HasPrefix(subject, "Re: ") {
		subject = "Re: " + subject
	}

	d := &domain.Draft{
		ID:          uuid.NewString(),
		FromAccount: from,
		To:          latest.Sender,
		Subject:     subject,
		Body:        body,
		ThreadID:    threadID,
		CreatedAt:   time.Now(),
	}
	if err := s.repo.CreateDraft(ctx, d); err != nil {
		return nil, fmt.Errorf("create reply draft: %w", err)
	}
	return d, nil
}

// ApproveDraft passes a draft's first gate.
func (s *Service) ApproveDraft(ctx context.Context, idOrPrefix string) (*domain.Draft, error) {
	id, err := s.repo.ResolveDraftID(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	if err := s.repo.ApproveDraft(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetDraft(ctx, id)
}

// SendDraft delivers an approved draft. The send claim commits before the
// adapter call and sent_at is set only after confirmed success, so two
// concurrent sends produce exactly one delivery.
func (s *Service) SendDraft(ctx context.Context, idOrPrefix string) (*domain.Draft, error) {
	id, err := s.repo.ResolveDraftID(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	d, err := s.repo.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}

	midnight := startOfDay(time.Now())
	sentToday, err := s.repo.CountAuditSince(ctx, domain.AuditDraftSend, midnight)
	if err != nil {
		return nil, fmt.Errorf("count sends today: %w", err)
	}
	if err := policy.ValidateSend(s.cfg.Send, d, sentToday); err != nil {
		s.auditSendDenied(ctx, id, err)
		return nil, fmt.Errorf("send policy: %w", err)
	}

	claimed, err := s.repo.ClaimDraftSend(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("claim draft send: %w", err)
	}
	if !claimed {
		return nil, fmt.Errorf("draft %s: %w", id, commserr.ErrInvalidTransition)
	}

	conf, sendErr := s.adapter.Send(ctx, d)
	if err := s.repo.FinalizeDraftSend(ctx, id, conf.ProviderMessageID, sendErr); err != nil {
		return nil, err
	}
	if sendErr != nil {
		return nil, fmt.Errorf("send draft %s: %w", id, sendErr)
	}
	return s.repo.GetDraft(ctx, id)
}

func (s *Service) auditSendDenied(ctx context.Context, draftID string, cause error) {
	detail, err := json.Marshal(map[string]any{"error": cause.Error(), "stage": "policy"})
	if err != nil {
		return
	}
	entry := &domain.AuditEntry{
		Actor:      domain.ActorSystem,
		Action:     domain.AuditDraftFailed,
		EntityType: domain.EntityDraft,
		EntityID:   draftID,
		Detail:     string(detail),
	}
	if err := s.repo.AppendAudit(ctx, entry); err != nil {
		slog.Warn("record send denial", "draft_id", draftID, "error", err)
	}
}

// PendingDrafts lists unsent drafts.
func (s *Service) PendingDrafts(ctx context.Context) ([]*domain.Draft, error) {
	return s.repo.ListPendingDrafts(ctx)
}

// Stats returns the per-action accuracy view.
func (s *Service) Stats(ctx context.Context) ([]domain.ActionStats, error) {
	return s.conf.Stats(ctx)
}

// CorrectionPatterns returns correction aggregates, most frequent first.
func (s *Service) CorrectionPatterns(ctx context.Context) ([]domain.CorrectionPattern, error) {
	return s.conf.CorrectionPatterns(ctx)
}

// SuggestAutoApprove lists actions meeting the configured auto-approval bar.
func (s *Service) SuggestAutoApprove(ctx context.Context) ([]domain.Action, error) {
	return s.conf.SuggestAutoApprove(ctx, s.cfg.AutoApprove.Threshold, s.cfg.AutoApprove.MinSamples)
}

// RecentAudit returns the newest ledger entries, up to limit.
func (s *Service) RecentAudit(ctx context.Context, limit int) ([]*domain.AuditEntry, error) {
	last, err := s.repo.LastAuditSeq(ctx)
	if err != nil {
		return nil, err
	}
	after := last - int64(limit)
	if after < 0 {
		after = 0
	}
	return s.repo.AuditEntries(ctx, domain.AuditFilter{AfterSeq: after})
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
