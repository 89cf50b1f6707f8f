// Package dispatch executes approved proposals through the adapter.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/comms-dev/comms/internal/adapter"
	"github.com/comms-dev/comms/internal/commserr"
	"github.com/comms-dev/comms/internal/domain"
	"github.com/comms-dev/comms/internal/policy"
	"github.com/comms-dev/comms/internal/shared"
	"github.com/comms-dev/comms/internal/store"
)

// Result is the outcome of dispatching one proposal.
type Result struct {
	ProposalID string
	Action     domain.Action
	EntityType domain.EntityType
	EntityID   string
	// Claimed is false when a concurrent resolver claimed the proposal
	// first; the dispatch was a no-op and no adapter call was made.
	Claimed bool
	Success bool
	Err     error
}

// Dispatcher maps approved proposals onto adapter capability calls. It never
// retries: a failed destructive action needs renewed human approval, so the
// retry path is an explicit re-propose.
type Dispatcher struct {
	repo    store.Repository
	adapter adapter.Adapter
	send    policy.Send
}

// New creates a dispatcher. The send policy applies to send proposals, which
// go through the same gates as an interactive send.
func New(repo store.Repository, ad adapter.Adapter, send policy.Send) *Dispatcher {
	return &Dispatcher{repo: repo, adapter: ad, send: send}
}

// Dispatch claims and executes one approved proposal. The claim transaction
// commits before the adapter call; the final status commits after it, so no
// lock is held across the network.
func (d *Dispatcher) Dispatch(ctx context.Context, p *domain.Proposal) Result {
	result := Result{
		ProposalID: p.ID,
		Action:     p.Action,
		EntityType: p.EntityType,
		EntityID:   p.EntityID,
	}

	var claimed bool
	err := shared.RetrySQLite(ctx, 3, 50*time.Millisecond, func() error {
		var claimErr error
		claimed, claimErr = d.repo.ClaimProposal(ctx, p.ID)
		return claimErr
	})
	if err != nil {
		result.Err = fmt.Errorf("claim proposal %s: %w", p.ID, err)
		return result
	}
	if !claimed {
		return result
	}
	result.Claimed = true

	if p.Action == domain.ActionSend && p.EntityType == domain.EntityDraft {
		d.dispatchSend(ctx, p, &result)
		return result
	}

	conf, callErr := d.adapter.ApplyAction(ctx, p.Ref(), p.Action)

	detail := domain.ExecutionDetail{
		ProposalID: p.ID,
		Action:     p.Action,
	}
	if callErr == nil {
		result.Success = true
		detail.Confirmation = conf.Detail
	} else {
		result.Err = callErr
		detail.Error = callErr.Error()
		detail.FailureKind = failureKind(callErr)
	}

	d.finalize(ctx, p.ID, &result, detail)
	return result
}

// dispatchSend executes a send proposal through the draft gates. The policy
// re-validation and the send claim are the same ones an interactive send
// runs, so an approved send proposal cannot move a draft from created to
// sent without passing the approval gate, and cannot send a draft twice.
func (d *Dispatcher) dispatchSend(ctx context.Context, p *domain.Proposal, result *Result) {
	detail := domain.ExecutionDetail{
		ProposalID: p.ID,
		Action:     p.Action,
	}
	fail := func(err error) {
		result.Err = err
		detail.Error = err.Error()
		detail.FailureKind = failureKind(err)
		d.finalize(ctx, p.ID, result, detail)
	}

	draft, err := d.repo.GetDraft(ctx, p.EntityID)
	if err != nil {
		fail(err)
		return
	}

	sentToday, err := d.repo.CountAuditSince(ctx, domain.AuditDraftSend, startOfDay(time.Now()))
	if err != nil {
		fail(fmt.Errorf("count sends today: %w", err))
		return
	}
	if err := policy.ValidateSend(d.send, draft, sentToday); err != nil {
		fail(fmt.Errorf("send policy: %w", err))
		return
	}

	var claimed bool
	err = shared.RetrySQLite(ctx, 3, 50*time.Millisecond, func() error {
		var claimErr error
		claimed, claimErr = d.repo.ClaimDraftSend(ctx, draft.ID)
		return claimErr
	})
	if err != nil {
		fail(fmt.Errorf("claim draft send: %w", err))
		return
	}
	if !claimed {
		fail(fmt.Errorf("draft %s: %w", draft.ID, commserr.ErrInvalidTransition))
		return
	}

	conf, sendErr := d.adapter.Send(ctx, draft)
	err = shared.RetrySQLite(ctx, 3, 50*time.Millisecond, func() error {
		return d.repo.FinalizeDraftSend(ctx, draft.ID, conf.ProviderMessageID, sendErr)
	})
	if err != nil {
		result.Err = fmt.Errorf("finalize draft send %s: %w", draft.ID, err)
		return
	}
	if sendErr != nil {
		fail(sendErr)
		return
	}

	result.Success = true
	detail.Confirmation = conf.Detail
	d.finalize(ctx, p.ID, result, detail)
}

// finalize records the adapter outcome on the claimed proposal.
func (d *Dispatcher) finalize(ctx context.Context, id string, result *Result, detail domain.ExecutionDetail) {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		result.Err = fmt.Errorf("marshal execution detail: %w", err)
		result.Success = false
		return
	}

	err = shared.RetrySQLite(ctx, 3, 50*time.Millisecond, func() error {
		return d.repo.FinalizeProposal(ctx, id, result.Success, string(detailJSON))
	})
	if err != nil {
		result.Err = fmt.Errorf("finalize proposal %s: %w", id, err)
		result.Success = false
	}
}

func failureKind(err error) string {
	if ae, ok := commserr.AdapterErrorOf(err); ok {
		return string(ae.Kind)
	}
	return string(commserr.AdapterPermanent)
}

// ResolveBatch executes all currently-approved proposals with
// partial-failure semantics: one bad entity never blocks the rest, and a
// second concurrent batch finds nothing left to claim.
func (d *Dispatcher) ResolveBatch(ctx context.Context) ([]Result, error) {
	approved, err := d.repo.ListProposals(ctx, domain.StatusApproved)
	if err != nil {
		return nil, fmt.Errorf("list approved proposals: %w", err)
	}

	results := make([]Result, 0, len(approved))
	for _, p := range approved {
		result := d.Dispatch(ctx, p)
		if !result.Claimed {
			continue
		}
		if result.Err != nil {
			slog.Warn("proposal execution failed",
				"proposal_id", p.ID,
				"action", p.Action,
				"entity_id", p.EntityID,
				"error", result.Err)
		}
		results = append(results, result)
	}
	return results, nil
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
