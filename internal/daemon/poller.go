// Package daemon runs the long-lived background process: a periodic poller
// over provider adapters, rule-based triage, and a local control API. It
// shares the SQLite store with interactive CLI invocations; all coordination
// happens through storage-level transactions, never in-process locks.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/comms-dev/comms/internal/adapter"
	"github.com/comms-dev/comms/internal/commserr"
	"github.com/comms-dev/comms/internal/domain"
	"github.com/comms-dev/comms/internal/engine"
	"github.com/comms-dev/comms/internal/store"
)

// PollStatus is a snapshot of poller progress for the status surface.
type PollStatus struct {
	Polls        int64      `json:"polls"`
	LastPoll     *time.Time `json:"last_poll,omitempty"`
	LastFetched  int        `json:"last_fetched"`
	LastProposed int        `json:"last_proposed"`
}

// Poller periodically pulls inbound items, stores them, and lets triage
// rules generate proposals from fresh items.
type Poller struct {
	svc         *engine.Service
	repo        store.Repository
	adapter     adapter.Adapter
	interval    time.Duration
	triageLimit int

	mu     sync.Mutex
	status PollStatus
}

// NewPoller creates a poller; Start launches its loop.
func NewPoller(svc *engine.Service, repo store.Repository, ad adapter.Adapter, interval time.Duration, triageLimit int) *Poller {
	return &Poller{
		svc:         svc,
		repo:        repo,
		adapter:     ad,
		interval:    interval,
		triageLimit: triageLimit,
	}
}

// Start runs the polling loop until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	go func() {
		defer ticker.Stop()
		slog.Info("poller started", "interval", p.interval)

		for {
			select {
			case <-ticker.C:
				if _, err := p.PollOnce(ctx); err != nil {
					slog.Error("poll cycle failed", "error", err)
				}
			case <-ctx.Done():
				slog.Info("poller shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// PollOnce runs a single fetch-store-triage cycle and returns the number of
// newly stored items. The control API also calls this for poll-now commands.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	p.mu.Lock()
	var since time.Time
	if p.status.LastPoll != nil {
		since = *p.status.LastPoll
	}
	p.mu.Unlock()

	items, err := p.adapter.Fetch(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("fetch inbound items: %w", err)
	}

	inserted, err := p.repo.InsertInbound(ctx, items)
	if err != nil {
		return 0, fmt.Errorf("store inbound items: %w", err)
	}
	if inserted > 0 {
		slog.Info("inbound items stored", "count", inserted)
	}

	proposed, err := p.triage(ctx)
	if err != nil {
		slog.Error("triage failed", "error", err)
	}

	now := time.Now()
	p.mu.Lock()
	p.status.Polls++
	p.status.LastPoll = &now
	p.status.LastFetched = inserted
	p.status.LastProposed = proposed
	p.mu.Unlock()

	return inserted, nil
}

// triage applies policy rules to untriaged items. A rule failure on one item
// never blocks the rest of the batch.
func (p *Poller) triage(ctx context.Context) (int, error) {
	items, err := p.repo.ListUntriaged(ctx, p.triageLimit)
	if err != nil {
		return 0, fmt.Errorf("list untriaged items: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	cfg := p.svc.Policy()
	proposed := 0
	examined := make([]string, 0, len(items))
	for _, item := range items {
		examined = append(examined, item.ID)

		rule, ok := cfg.MatchRule(item.Sender)
		if !ok {
			continue
		}

		entityType, entityID := triageTarget(item)
		_, auto, err := p.svc.Propose(ctx, rule.Action, entityType, entityID, domain.SourceRule, rule.Reason)
		if err != nil {
			if errors.Is(err, commserr.ErrInvalidAction) || errors.Is(err, commserr.ErrEntityNotFound) {
				slog.Warn("triage rule produced invalid proposal",
					"sender", item.Sender, "action", rule.Action, "error", err)
				continue
			}
			return proposed, fmt.Errorf("propose from rule: %w", err)
		}
		proposed++
		slog.Info("triage proposal created",
			"action", rule.Action, "entity_id", entityID, "auto_approved", auto)
	}

	if err := p.repo.MarkTriaged(ctx, examined); err != nil {
		return proposed, fmt.Errorf("mark items triaged: %w", err)
	}
	return proposed, nil
}

// triageTarget picks the entity a rule acts on: thread actions target the
// containing thread when known, otherwise the item itself.
func triageTarget(item *domain.InboundItem) (domain.EntityType, string) {
	if item.ThreadID != "" {
		return domain.EntityThread, item.ThreadID
	}
	return item.EntityType, item.ID
}

// Status returns a copy of the poller's progress counters.
func (p *Poller) Status() PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
