// Package adapter defines the capability contract the core requires from
// provider integrations (email, secure messaging). Real providers live
// outside this repository; the core only routes entity references through
// this interface and interprets success or failure.
package adapter

import (
	"context"
	"time"

	"github.com/comms-dev/comms/internal/domain"
)

// Confirmation reports a successful remote call.
type Confirmation struct {
	// Detail is a human-readable confirmation from the provider.
	Detail string
	// ProviderMessageID is set on send confirmations when the provider
	// returns one.
	ProviderMessageID string
}

// Adapter translates actions and entity references into provider calls.
// Failures should be returned as *commserr.AdapterError so the ledger can
// record the failure kind; any other error is treated as permanent.
type Adapter interface {
	// Exists reports whether the referenced entity is present remotely.
	Exists(ctx context.Context, ref domain.EntityRef) (bool, error)

	// ApplyAction performs one capability call against the entity.
	ApplyAction(ctx context.Context, ref domain.EntityRef, action domain.Action) (Confirmation, error)

	// Send delivers an approved draft. The confirmation includes the
	// provider message id when available.
	Send(ctx context.Context, d *domain.Draft) (Confirmation, error)

	// Fetch pulls inbound items received since the given time.
	Fetch(ctx context.Context, since time.Time) ([]*domain.InboundItem, error)
}

// Drafter is the opaque text-generation collaborator. The core stores its
// reasoning but never parses it.
type Drafter interface {
	// Compose returns a drafted body and the reasoning behind it.
	Compose(ctx context.Context, instruction string) (body, reasoning string, err error)
}
