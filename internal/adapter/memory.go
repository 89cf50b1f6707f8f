package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/comms-dev/comms/internal/commserr"
	"github.com/comms-dev/comms/internal/domain"
	"github.com/google/uuid"
)

// AppliedAction is one recorded capability call on the in-memory adapter.
type AppliedAction struct {
	Ref    domain.EntityRef
	Action domain.Action
}

// Memory is a concurrency-safe in-memory adapter. It backs local mode and
// tests: entities are registered up front, failures can be scripted per
// entity, and every applied action and sent draft is recorded for assertions.
type Memory struct {
	mu       sync.Mutex
	entities map[domain.EntityRef]bool
	failures map[domain.EntityRef]error
	applied  []AppliedAction
	sent     []*domain.Draft
	inbox    []*domain.InboundItem
}

// NewMemory creates an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{
		entities: make(map[domain.EntityRef]bool),
		failures: make(map[domain.EntityRef]error),
	}
}

// Register makes an entity visible to Exists and ApplyAction.
func (m *Memory) Register(ref domain.EntityRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[ref] = true
}

// FailWith scripts an error for subsequent calls against the entity.
func (m *Memory) FailWith(ref domain.EntityRef, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[ref] = err
}

// QueueInbound stages items for the next Fetch.
func (m *Memory) QueueInbound(items ...*domain.InboundItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		m.inbox = append(m.inbox, item)
		m.entities[domain.EntityRef{Type: item.EntityType, ID: item.ID}] = true
		if item.ThreadID != "" {
			m.entities[domain.EntityRef{Type: domain.EntityThread, ID: item.ThreadID}] = true
		}
	}
}

// Exists reports whether the entity was registered.
func (m *Memory) Exists(_ context.Context, ref domain.EntityRef) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[ref]; err != nil {
		return false, err
	}
	return m.entities[ref], nil
}

// ApplyAction records the call, honoring scripted failures.
func (m *Memory) ApplyAction(_ context.Context, ref domain.EntityRef, action domain.Action) (Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failures[ref]; err != nil {
		var ae *commserr.AdapterError
		if errors.As(err, &ae) {
			return Confirmation{}, err
		}
		return Confirmation{}, commserr.NewAdapterError(commserr.AdapterPermanent, string(action), err)
	}
	if !m.entities[ref] {
		return Confirmation{}, commserr.NewAdapterError(
			commserr.AdapterPermanent, string(action),
			fmt.Errorf("remote object %s/%s is gone", ref.Type, ref.ID),
		)
	}

	m.applied = append(m.applied, AppliedAction{Ref: ref, Action: action})
	return Confirmation{Detail: fmt.Sprintf("%s applied to %s %s", action, ref.Type, ref.ID)}, nil
}

// Send records the draft as delivered and returns a provider message id.
func (m *Memory) Send(_ context.Context, d *domain.Draft) (Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := domain.EntityRef{Type: domain.EntityDraft, ID: d.ID}
	if err := m.failures[ref]; err != nil {
		var ae *commserr.AdapterError
		if errors.As(err, &ae) {
			return Confirmation{}, err
		}
		return Confirmation{}, commserr.NewAdapterError(commserr.AdapterTransient, "send", err)
	}

	copied := *d
	m.sent = append(m.sent, &copied)
	return Confirmation{
		Detail:            fmt.Sprintf("sent to %s", d.To),
		ProviderMessageID: uuid.NewString(),
	}, nil
}

// Fetch drains items staged since the given time.
func (m *Memory) Fetch(_ context.Context, since time.Time) ([]*domain.InboundItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.InboundItem
	for _, item := range m.inbox {
		if item.ReceivedAt.After(since) || item.ReceivedAt.Equal(since) {
			out = append(out, item)
		}
	}
	return out, nil
}

// Applied returns a copy of all recorded capability calls.
func (m *Memory) Applied() []AppliedAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AppliedAction, len(m.applied))
	copy(out, m.applied)
	return out
}

// SentDrafts returns copies of all drafts delivered through Send.
func (m *Memory) SentDrafts() []*domain.Draft {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Draft, len(m.sent))
	copy(out, m.sent)
	return out
}
