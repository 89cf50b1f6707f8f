package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/comms-dev/comms/internal/adapter"
	"github.com/comms-dev/comms/internal/commserr"
	"github.com/comms-dev/comms/internal/confidence"
	"github.com/comms-dev/comms/internal/domain"
	"github.com/comms-dev/comms/internal/policy"
	"github.com/comms-dev/comms/internal/store"
)

type fixture struct {
	repo    *store.SQLiteStore
	adapter *adapter.Memory
	svc     *Service
}

func newFixture(t *testing.T, cfg *policy.Config) *fixture {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	if cfg == nil {
		cfg = policy.Default()
	}

	ad := adapter.NewMemory()
	ad.Register(domain.EntityRef{Type: domain.EntityThread, ID: "thread-1"})

	conf := confidence.New(repo,
		confidence.WithMinSamples(cfg.AutoApprove.MinSamples),
		confidence.WithCacheTTL(0))
	return &fixture{repo: repo, adapter: ad, svc: New(repo, ad, conf, cfg)}
}

func TestProposeApproveResolveLeavesThreeLedgerEntries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	p, auto, err := f.svc.Propose(ctx, domain.ActionDelete, domain.EntityThread, "thread-1", domain.SourceAgent, "old thread")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if auto {
		t.Fatal("delete must not auto-approve under default policy")
	}
	if p.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", p.Status)
	}

	if _, err := f.svc.Decide(ctx, p.ID[:8], domain.OutcomeApprove, "confirmed old", ""); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	results, err := f.svc.Resolve(ctx)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected one successful execution, got %+v", results)
	}

	applied := f.adapter.Applied()
	if len(applied) != 1 || applied[0].Action != domain.ActionDelete {
		t.Fatalf("expected one delete applied, got %+v", applied)
	}

	entries, err := f.repo.AuditEntries(ctx, domain.AuditFilter{})
	if err != nil {
		t.Fatalf("AuditEntries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected exactly 3 ledger entries, got %d", len(entries))
	}
	wantActions := []string{domain.AuditPropose, domain.AuditDecision, domain.AuditExecute}
	for i, e := range entries {
		if e.Action != wantActions[i] {
			t.Errorf("entry %d: expected %s, got %s", i, wantActions[i], e.Action)
		}
	}
}

func TestProposeInvalidActionIsRefusedAndAudited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	// Send is not a thread action.
	_, _, err := f.svc.Propose(ctx, domain.ActionSend, domain.EntityThread, "thread-1", domain.SourceAgent, "")
	if !errors.Is(err, commserr.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}

	denied, err := f.repo.AuditEntries(ctx, domain.AuditFilter{Action: domain.AuditProposeDenied})
	if err != nil {
		t.Fatalf("AuditEntries failed: %v", err)
	}
	if len(denied) != 1 {
		t.Errorf("expected refused proposal to be audited, got %d entries", len(denied))
	}

	proposals, err := f.svc.Proposals(ctx, "")
	if err != nil {
		t.Fatalf("Proposals failed: %v", err)
	}
	if len(proposals) != 0 {
		t.Errorf("refused proposal must not be stored, got %d", len(proposals))
	}
}

func TestProposeMissingEntityIsRefused(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	_, _, err := f.svc.Propose(context.Background(), domain.ActionArchive, domain.EntityThread, "no-such-thread", domain.SourceAgent, "")
	if !errors.Is(err, commserr.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestRejectWithCorrectionRecordsLearningSignal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	p, _, err := f.svc.Propose(ctx, domain.ActionArchive, domain.EntityThread, "thread-1", domain.SourceAgent, "stale")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	decided, err := f.svc.Decide(ctx, p.ID, domain.OutcomeReject, "should be removed entirely", domain.ActionDelete)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decided.Status != domain.StatusRejected {
		t.Errorf("expected rejected, got %s", decided.Status)
	}
	if decided.Correction != domain.ActionDelete {
		t.Errorf("expected correction delete, got %s", decided.Correction)
	}

	patterns, err := f.svc.CorrectionPatterns(ctx)
	if err != nil {
		t.Fatalf("CorrectionPatterns failed: %v", err)
	}
	if len(patterns) != 1 || patterns[0].Original != domain.ActionArchive || patterns[0].Corrected != domain.ActionDelete {
		t.Errorf("expected archive->delete pattern, got %+v", patterns)
	}

	// Nothing to execute after a rejection.
	results, err := f.svc.Resolve(ctx)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty resolve, got %+v", results)
	}
}

func TestCorrectionRequiresReject(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	p, _, err := f.svc.Propose(ctx, domain.ActionArchive, domain.EntityThread, "thread-1", domain.SourceAgent, "")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	_, err = f.svc.Decide(ctx, p.ID, domain.OutcomeApprove, "", domain.ActionDelete)
	if !errors.Is(err, commserr.ErrInvalidTransition) {
		t.Errorf("expected correction with approve to fail, got %v", err)
	}
}

func autoApprovePolicy(minSamples int) *policy.Config {
	cfg := policy.Default()
	cfg.AutoApprove = policy.AutoApprove{
		Enabled:    true,
		Threshold:  0.9,
		MinSamples: minSamples,
		Actions:    []domain.Action{domain.ActionArchive},
	}
	return cfg
}

// seedApprovals runs n propose+approve rounds for archive so the ledger holds
// n successful samples.
func seedApprovals(t *testing.T, f *fixture, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		p, auto, err := f.svc.Propose(ctx, domain.ActionArchive, domain.EntityThread, "thread-1", domain.SourceAgent, "seed")
		if err != nil {
			t.Fatalf("seed propose %d failed: %v", i, err)
		}
		if auto {
			t.Fatalf("seed proposal %d auto-approved before enough history", i)
		}
		if _, err := f.svc.Decide(ctx, p.ID, domain.OutcomeApprove, "", ""); err != nil {
			t.Fatalf("seed decide %d failed: %v", i, err)
		}
	}
}

func TestAutoApprovalEngagesAfterEnoughHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, autoApprovePolicy(10))
	ctx := context.Background()

	seedApprovals(t, f, 10)

	// Ten approvals: confidence (10+1)/(10+2) ≈ 0.917 ≥ 0.9.
	p, auto, err := f.svc.Propose(ctx, domain.ActionArchive, domain.EntityThread, "thread-1", domain.SourceAgent, "eleventh")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if !auto {
		t.Fatal("expected eleventh proposal to auto-approve")
	}
	if p.Status != domain.StatusApproved {
		t.Errorf("expected approved, got %s", p.Status)
	}
	if p.DecidedBy != domain.ActorSystem {
		t.Errorf("expected system decision, got %s", p.DecidedBy)
	}

	// The autopilot decision is a ledger fact like any human decision.
	decisions, err := f.repo.AuditEntries(ctx, domain.AuditFilter{Action: domain.AuditDecision})
	if err != nil {
		t.Fatalf("AuditEntries failed: %v", err)
	}
	if len(decisions) != 11 {
		t.Errorf("expected 11 decision entries, got %d", len(decisions))
	}
	if decisions[10].Actor != domain.ActorSystem {
		t.Errorf("expected last decision by system, got %s", decisions[10].Actor)
	}
}

func TestAutoApprovalWithheldBelowMinSamples(t *testing.T) {
	t.Parallel()

	f := newFixture(t, autoApprovePolicy(11))
	ctx := context.Background()

	seedApprovals(t, f, 10)

	p, auto, err := f.svc.Propose(ctx, domain.ActionArchive, domain.EntityThread, "thread-1", domain.SourceAgent, "eleventh")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if auto {
		t.Fatal("ten samples at min 11 must not auto-approve")
	}
	if p.Status != domain.StatusPending {
		t.Errorf("expected pending, got %s", p.Status)
	}
}

func TestFailedExecutionReportsPerProposal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	f.adapter.Register(domain.EntityRef{Type: domain.EntityThread, ID: "thread-2"})

	good, _, err := f.svc.Propose(ctx, domain.ActionArchive, domain.EntityThread, "thread-1", domain.SourceAgent, "")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	bad, _, err := f.svc.Propose(ctx, domain.ActionArchive, domain.EntityThread, "thread-2", domain.SourceAgent, "")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	for _, id := range []string{good.ID, bad.ID} {
		if _, err := f.svc.Decide(ctx, id, domain.OutcomeApprove, "", ""); err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
	}

	// The entity disappears between approval and execution.
	f.adapter.FailWith(domain.EntityRef{Type: domain.EntityThread, ID: "thread-2"},
		commserr.NewAdapterError(commserr.AdapterPermanent, "archive", errors.New("object gone")))

	results, err := f.svc.Resolve(ctx)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	succeeded, failed := 0, 0
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}
	if succeeded != 1 || failed != 1 {
		t.Errorf("expected 1 success and 1 failure, got %d/%d", succeeded, failed)
	}

	failedProposal, err := f.svc.Proposal(ctx, bad.ID)
	if err != nil {
		t.Fatalf("Proposal lookup failed: %v", err)
	}
	if failedProposal.Status != domain.StatusFailed {
		t.Errorf("expected failed status, got %s", failedProposal.Status)
	}
}

func TestDraftSendLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	d, err := f.svc.Compose(ctx, "me@example.com", "alice@example.com", "", "status", "all good", "")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}

	// The send gate demands prior approval.
	if _, err := f.svc.SendDraft(ctx, d.ID); err == nil {
		t.Fatal("expected send of unapproved draft to fail")
	}

	if _, err := f.svc.ApproveDraft(ctx, d.ID[:8]); err != nil {
		t.Fatalf("ApproveDraft failed: %v", err)
	}

	sent, err := f.svc.SendDraft(ctx, d.ID)
	if err != nil {
		t.Fatalf("SendDraft failed: %v", err)
	}
	if !sent.Sent() || sent.ProviderMessageID == "" {
		t.Errorf("expected sent draft with provider id, got %+v", sent)
	}

	if got := f.adapter.SentDrafts(); len(got) != 1 {
		t.Errorf("expected exactly one delivery, got %d", len(got))
	}

	// A second send finds the draft already sent.
	if _, err := f.svc.SendDraft(ctx, d.ID); err == nil {
		t.Fatal("expected second send to fail")
	}
	if got := f.adapter.SentDrafts(); len(got) != 1 {
		t.Errorf("second send must not deliver again, got %d deliveries", len(got))
	}
}

// TestSendProposalRespectsDraftApprovalGate drives a send through the
// proposal path instead of SendDraft and verifies both gates still hold:
// approving the proposal alone is not enough, the draft itself must be
// approved before anything leaves through the adapter.
func TestSendProposalRespectsDraftApprovalGate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	d, err := f.svc.Compose(ctx, "me@example.com", "alice@example.com", "", "status", "all good", "")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	f.adapter.Register(domain.EntityRef{Type: domain.EntityDraft, ID: d.ID})

	p, _, err := f.svc.Propose(ctx, domain.ActionSend, domain.EntityDraft, d.ID, domain.SourceAgent, "ready to go")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if _, err := f.svc.Decide(ctx, p.ID, domain.OutcomeApprove, "", ""); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	results, err := f.svc.Resolve(ctx)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("expected one failed execution for unapproved draft, got %+v", results)
	}
	if got := f.adapter.SentDrafts(); len(got) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(got))
	}

	failed, err := f.svc.Proposal(ctx, p.ID)
	if err != nil {
		t.Fatalf("Proposal lookup failed: %v", err)
	}
	if failed.Status != domain.StatusFailed {
		t.Errorf("expected failed proposal, got %s", failed.Status)
	}

	got, err := f.repo.GetDraft(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDraft failed: %v", err)
	}
	if got.Approved() || got.Sent() {
		t.Fatalf("draft must stay unapproved and unsent, got %+v", got)
	}

	// Once the draft clears its own gate, a fresh send proposal delivers.
	if _, err := f.svc.ApproveDraft(ctx, d.ID); err != nil {
		t.Fatalf("ApproveDraft failed: %v", err)
	}
	retry, _, err := f.svc.Propose(ctx, domain.ActionSend, domain.EntityDraft, d.ID, domain.SourceAgent, "approved now")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if _, err := f.svc.Decide(ctx, retry.ID, domain.OutcomeApprove, "", ""); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	results, err = f.svc.Resolve(ctx)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected one successful execution, got %+v", results)
	}

	sent, err := f.repo.GetDraft(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDraft failed: %v", err)
	}
	if !sent.Sent() || sent.ProviderMessageID == "" {
		t.Errorf("expected sent draft with provider id, got %+v", sent)
	}
	if got := f.adapter.SentDrafts(); len(got) != 1 {
		t.Errorf("expected exactly one delivery, got %d", len(got))
	}

	// The sent draft is closed to every path, interactive included.
	if _, err := f.svc.SendDraft(ctx, d.ID); err == nil {
		t.Fatal("expected send of already-sent draft to fail")
	}
	if got := f.adapter.SentDrafts(); len(got) != 1 {
		t.Errorf("deliveries must stay at one, got %d", len(got))
	}
}

func TestSendDraftHonorsDailyBudget(t *testing.T) {
	t.Parallel()

	cfg := policy.Default()
	cfg.Send.MaxDailySends = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	for _, to := range []string{"a@example.com", "b@example.com"} {
		d, err := f.svc.Compose(ctx, "", to, "", "hi", "body", "")
		if err != nil {
			t.Fatalf("Compose failed: %v", err)
		}
		if _, err := f.svc.ApproveDraft(ctx, d.ID); err != nil {
			t.Fatalf("ApproveDraft failed: %v", err)
		}
	}

	drafts, err := f.svc.PendingDrafts(ctx)
	if err != nil {
		t.Fatalf("PendingDrafts failed: %v", err)
	}
	if len(drafts) != 2 {
		t.Fatalf("expected 2 pending drafts, got %d", len(drafts))
	}

	if _, err := f.svc.SendDraft(ctx, drafts[0].ID); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	if _, err := f.svc.SendDraft(ctx, drafts[1].ID); err == nil {
		t.Fatal("expected second send to exceed the daily budget")
	}
}

func TestReplyDerivesRecipientAndSubject(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	items := []*domain.InboundItem{
		{ID: "m1", EntityType: domain.EntityMessage, ThreadID: "thr-9", Sender: "carol@example.com", Subject: "budget", ReceivedAt: time.Now().Add(-time.Hour)},
		{ID: "m2", EntityType: domain.EntityMessage, ThreadID: "thr-9", Sender: "dave@example.com", Subject: "Re: budget", ReceivedAt: time.Now()},
	}
	if _, err := f.repo.InsertInbound(ctx, items); err != nil {
		t.Fatalf("InsertInbound failed: %v", err)
	}

	d, err := f.svc.Reply(ctx, "me@example.com", "thr-9", "numbers attached")
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if d.To != "dave@example.com" {
		t.Errorf("expected reply to latest sender, got %s", d.To)
	}
	if d.Subject != "Re: budget" {
		t.Errorf("expected subject to keep single Re: prefix, got %q", d.Subject)
	}
	if d.ThreadID != "thr-9" {
		t.Errorf("expected thread id carried, got %q", d.ThreadID)
	}
}
