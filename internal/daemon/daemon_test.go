package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/comms-dev/comms/internal/adapter"
	"github.com/comms-dev/comms/internal/confidence"
	"github.com/comms-dev/comms/internal/domain"
	"github.com/comms-dev/comms/internal/engine"
	"github.com/comms-dev/comms/internal/policy"
	"github.com/comms-dev/comms/internal/store"
)

type daemonFixture struct {
	repo    *store.SQLiteStore
	adapter *adapter.Memory
	svc     *engine.Service
	poller  *Poller
}

func newDaemonFixture(t *testing.T, cfg *policy.Config) *daemonFixture {
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
	conf := confidence.New(repo, confidence.WithCacheTTL(0))
	svc := engine.New(repo, ad, conf, cfg)

	return &daemonFixture{
		repo:    repo,
		adapter: ad,
		svc:     svc,
		poller:  NewPoller(svc, repo, ad, time.Second, 20),
	}
}

func inboundItem(id, thread, sender string, receivedAt time.Time) *domain.InboundItem {
	return &domain.InboundItem{
		ID:         id,
		EntityType: domain.EntityMessage,
		ThreadID:   thread,
		Sender:     sender,
		Subject:    "subject " + id,
		ReceivedAt: receivedAt,
	}
}

func TestPollOnceStoresAndTriages(t *testing.T) {
	t.Parallel()

	cfg := policy.Default()
	cfg.Rules = []policy.TriageRule{
		{SenderContains: "newsletter@", Action: domain.ActionArchive, Reason: "bulk mail"},
	}
	f := newDaemonFixture(t, cfg)
	ctx := context.Background()

	now := time.Now()
	f.adapter.QueueInbound(
		inboundItem("m1", "thr-1", "newsletter@lists.example.com", now),
		inboundItem("m2", "thr-2", "alice@example.com", now),
	)

	fetched, err := f.poller.PollOnce(ctx)
	if err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}
	if fetched != 2 {
		t.Fatalf("expected 2 items fetched, got %d", fetched)
	}

	// Only the newsletter matched a rule; the proposal targets its thread.
	proposals, err := f.repo.ListProposals(ctx, domain.StatusPending)
	if err != nil {
		t.Fatalf("ListProposals failed: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("expected 1 rule proposal, got %d", len(proposals))
	}
	p := proposals[0]
	if p.Source != domain.SourceRule {
		t.Errorf("expected rule source, got %s", p.Source)
	}
	if p.Action != domain.ActionArchive || p.EntityType != domain.EntityThread || p.EntityID != "thr-1" {
		t.Errorf("unexpected rule proposal target: %+v", p)
	}
	if p.AgentReasoning != "bulk mail" {
		t.Errorf("expected rule reason carried, got %q", p.AgentReasoning)
	}

	// Both items were examined, so a second cycle proposes nothing new.
	if _, err := f.poller.PollOnce(ctx); err != nil {
		t.Fatalf("second PollOnce failed: %v", err)
	}
	proposals, err = f.repo.ListProposals(ctx, domain.StatusPending)
	if err != nil {
		t.Fatalf("ListProposals failed: %v", err)
	}
	if len(proposals) != 1 {
		t.Errorf("expected triage to be idempotent, got %d proposals", len(proposals))
	}

	status := f.poller.Status()
	if status.Polls != 2 {
		t.Errorf("expected 2 polls recorded, got %d", status.Polls)
	}
	if status.LastPoll == nil {
		t.Error("expected last poll timestamp")
	}
}

func TestServerProposeAndStatus(t *testing.T) {
	t.Parallel()

	f := newDaemonFixture(t, nil)
	f.adapter.Register(domain.EntityRef{Type: domain.EntityThread, ID: "thread-1"})

	srv := httptest.NewServer(NewServer(f.svc, f.repo, f.poller).Router())
	t.Cleanup(srv.Close)

	body, _ := json.Marshal(proposeRequest{
		Action:     domain.ActionArchive,
		EntityType: domain.EntityThread,
		EntityID:   "thread-1",
		Reasoning:  "stale thread",
	})
	resp, err := http.Post(srv.URL+"/proposals", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /proposals failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var created struct {
		ProposalID   string        `json:"proposal_id"`
		Status       domain.Status `json:"status"`
		AutoApproved bool          `json:"auto_approved"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Status != domain.StatusPending || created.AutoApproved {
		t.Errorf("unexpected create response: %+v", created)
	}

	statusResp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer func() { _ = statusResp.Body.Close() }()
	var status statusResponse
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Pending != 1 {
		t.Errorf("expected 1 pending proposal, got %d", status.Pending)
	}
	if status.LastSeq != 1 {
		t.Errorf("expected ledger seq 1, got %d", status.LastSeq)
	}
}

func TestServerProposeRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	f := newDaemonFixture(t, nil)
	f.adapter.Register(domain.EntityRef{Type: domain.EntityThread, ID: "thread-1"})

	srv := httptest.NewServer(NewServer(f.svc, f.repo, f.poller).Router())
	t.Cleanup(srv.Close)

	post := func(t *testing.T, req proposeRequest) *http.Response {
		t.Helper()
		body, _ := json.Marshal(req)
		resp, err := http.Post(srv.URL+"/proposals", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST /proposals failed: %v", err)
		}
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	// Send is not a thread action.
	resp := post(t, proposeRequest{Action: domain.ActionSend, EntityType: domain.EntityThread, EntityID: "thread-1"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for invalid action, got %d", resp.StatusCode)
	}

	resp = post(t, proposeRequest{Action: domain.ActionArchive, EntityType: domain.EntityThread, EntityID: "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown entity, got %d", resp.StatusCode)
	}
}

func TestServerResolveExecutesApproved(t *testing.T) {
	t.Parallel()

	f := newDaemonFixture(t, nil)
	f.adapter.Register(domain.EntityRef{Type: domain.EntityThread, ID: "thread-1"})
	ctx := context.Background()

	p, _, err := f.svc.Propose(ctx, domain.ActionArchive, domain.EntityThread, "thread-1", domain.SourceAgent, "")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if _, err := f.svc.Decide(ctx, p.ID, domain.OutcomeApprove, "", ""); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	srv := httptest.NewServer(NewServer(f.svc, f.repo, f.poller).Router())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/resolve", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /resolve failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Executed int `json:"executed"`
		Failed   int `json:"failed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode resolve response: %v", err)
	}
	if out.Executed != 1 || out.Failed != 0 {
		t.Errorf("expected 1 executed, got %+v", out)
	}
}

func TestPidfileLifecycle(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "daemon.pid")

	if Running(path) {
		t.Fatal("expected no daemon before pidfile exists")
	}

	if err := WritePid(path); err != nil {
		t.Fatalf("WritePid failed: %v", err)
	}
	if !Running(path) {
		t.Error("expected own pid to read as running")
	}

	// A second daemon must refuse to start over a live pidfile.
	if err := WritePid(path); err == nil {
		t.Error("expected WritePid over live pidfile to fail")
	}

	if err := RemovePid(path); err != nil {
		t.Fatalf("RemovePid failed: %v", err)
	}
	if Running(path) {
		t.Error("expected not running after pidfile removal")
	}
	if err := RemovePid(path); err != nil {
		t.Errorf("expected idempotent removal, got %v", err)
	}
}
